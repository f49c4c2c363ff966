// Package provider submits prepared recipient batches to the configured
// delivery backends. Each backend kind has one Adapter; the registry selects
// it from the queue entry's provider kind, never by sniffing settings.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

var (
	// ErrUnknownProvider is returned for a provider kind with no adapter.
	ErrUnknownProvider = errors.New("provider: unknown provider kind")
	// ErrRejected is returned when the backend refused the submission.
	ErrRejected = errors.New("provider: submission rejected")
)

// Mode selects failure behavior. Test sends surface errors to the caller;
// production sends record fatal errors on the campaign instead.
type Mode string

const (
	ModeTest       Mode = "test"
	ModeProduction Mode = "production"
)

// Recipient is one addressee of a task, with its pre-assigned tracking id.
type Recipient struct {
	model.Recipient
	TrackingID string
}

// Task is one provider submission: a slice of recipients sharing the same
// destination domain, message and settings.
type Task struct {
	Mode       Mode
	CompanyID  string
	CampaignID string
	SendID     string
	Domain     string

	Params   model.SendParams
	Settings map[string]string

	Subject string
	HTML    string
	WebRoot string

	Recipients []Recipient
}

// Adapter submits a task to one backend kind.
type Adapter interface {
	Kind() model.ProviderKind
	Send(ctx context.Context, task *Task) error
}

// SendRecord identifies one recipient submission for reporting.
type SendRecord struct {
	CompanyID  string
	CampaignID string
	TxnTag     string
	Email      string
	TrackingID string
	SinkID     string
	SettingsID string
}

// Reporter receives per-recipient outcomes from adapters. Successful
// submissions record tracking correlation; batch failures surface as soft
// bounces per recipient.
type Reporter interface {
	RecordSend(ctx context.Context, r SendRecord) error
	RecordFailure(ctx context.Context, r SendRecord, msg string) error
}

// Registry maps provider kinds to adapters.
type Registry struct {
	adapters map[model.ProviderKind]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.ProviderKind]Adapter)}
}

// Register adds an adapter, replacing any previous one for its kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind model.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return a, nil
}

// record builds the SendRecord for one task recipient.
func (t *Task) record(rcpt *Recipient) SendRecord {
	return SendRecord{
		CompanyID:  t.CompanyID,
		CampaignID: t.CampaignID,
		Email:      rcpt.Email,
		TrackingID: rcpt.TrackingID,
		SinkID:     t.Params.SinkID,
		SettingsID: t.Params.SettingsID,
	}
}

// reportAllFailed reports a batch-wide failure as one soft failure per
// recipient.
func reportAllFailed(ctx context.Context, rep Reporter, t *Task, msg string) {
	for i := range t.Recipients {
		_ = rep.RecordFailure(ctx, t.record(&t.Recipients[i]), msg)
	}
}

// newHTTPClient builds the client adapters use for API submission.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// systemResolver builds the common system-tag resolver for one recipient.
// Tracking id and uid are the only non-deterministic tags besides !!rand.
func (t *Task) systemResolver(rcpt *Recipient, randSuffix string) TagResolver {
	return func(name, def string) (string, bool) {
		switch name {
		case TagTo, TagEmail:
			return rcpt.Email, true
		case TagDomain:
			return t.Params.FromDomain, true
		case TagWebRoot:
			return t.WebRoot, true
		case TagCampaignID:
			return t.CampaignID, true
		case TagTrackingID:
			return rcpt.TrackingID, true
		case TagUID:
			return EncodeUID(rcpt.Email), true
		case TagViewInBrowser:
			return fmt.Sprintf("%s/l?t=x&cid=%s&c=%s", t.WebRoot, t.CompanyID, t.CampaignID), true
		case TagRand:
			return randSuffix, true
		}
		return "", false
	}
}
