// Package store is the relational persistence layer: campaign lifecycle,
// the send queue, delivery logs, suppression, aggregate statistics and
// cross-instance advisory locks. The production implementation is
// PostgreSQL; Memory provides the same contract for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotConnected is returned when the backend is unavailable.
	ErrNotConnected = errors.New("store: not connected")
)

// Tracking correlates a provider submission with a recipient so that
// delivery events arriving later can be attributed.
type Tracking struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"cid"`
	CampaignID string    `json:"campid,omitempty"`
	TxnTag     string    `json:"tag,omitempty"`
	Email      string    `json:"email"`
	SinkID     string    `json:"sinkid,omitempty"`
	SettingsID string    `json:"settingsid,omitempty"`
	IP         string    `json:"ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Suppression is a recipient's accumulated do-not-send flags. Flags only
// ever turn on; repeated events OR-merge into the row.
type Suppression struct {
	Email        string    `json:"email"`
	Unsubscribed bool      `json:"unsubscribed"`
	Complained   bool      `json:"complained"`
	Bounced      bool      `json:"bounced"`
	UpdatedAt    time.Time `json:"ts"`
}

// HourStat is one additive bucket of hourly delivery statistics.
type HourStat struct {
	CompanyID         string    `json:"cid"`
	CampaignCompanyID string    `json:"campcid"`
	Hour              time.Time `json:"ts"`
	SinkID            string    `json:"sinkid"`
	Domain            string    `json:"domain"`
	IP                string    `json:"ip"`
	SettingsID        string    `json:"settingsid"`
	CampaignID        string    `json:"campid"`

	Counts model.CampaignCounters `json:"counts"`
}

// TxnStat is the transactional-mail analogue of HourStat, keyed by tag and
// destination domain.
type TxnStat struct {
	Hour      time.Time `json:"ts"`
	CompanyID string    `json:"cid"`
	Tag       string    `json:"tag"`
	Domain    string    `json:"domain"`

	Counts model.CampaignCounters `json:"counts"`
}

// Webhook is a subscriber URL for outbound event notifications.
type Webhook struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"cid"`
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	Events    []string `json:"events,omitempty"`
}

// ProviderSettings is one stored provider configuration (API keys, hosts,
// sending domains). Fields specific to a provider kind live in Data.
type ProviderSettings struct {
	ID        string             `json:"id"`
	CompanyID string             `json:"cid"`
	Kind      model.ProviderKind `json:"kind"`
	Data      map[string]string  `json:"data"`
}

// UnlockFunc releases an advisory lock.
type UnlockFunc func() error

// Store is the persistence contract shared by the Postgres and Memory
// implementations.
type Store interface {
	// Companies and routing configuration.
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	GetRoute(ctx context.Context, cid, routeID string) (*model.Route, error)
	GetPolicy(ctx context.Context, cid, policyID string) (*model.Policy, error)
	GetDomainGroup(ctx context.Context, cid, groupID string) (*model.DomainGroup, error)
	DomainThrottles(ctx context.Context, cid string) ([]model.DomainThrottle, error)
	GetProviderSettings(ctx context.Context, cid, id string) (*ProviderSettings, error)

	// Campaign lifecycle.
	GetCampaign(ctx context.Context, cid, campID string) (*model.Campaign, error)
	// ActivateCampaign marks the campaign sent exactly once; the second
	// return is false when it was already activated.
	ActivateCampaign(ctx context.Context, cid, campID string) (bool, error)
	// SetCampaignTotals records the final recipient and domain counts, the
	// persisted body key and the initial per-sink drain status.
	SetCampaignTotals(ctx context.Context, cid, campID string, count, domainCount int, bodyKey string, sinkStatus map[string]bool) error
	FinishCampaign(ctx context.Context, cid, campID string) error
	FailCampaign(ctx context.Context, cid, campID, errMsg string) error
	IsCanceled(ctx context.Context, cid, campID string) (bool, error)
	// MarkSinkDrained flips one sink's drain flag and reports whether every
	// sink has now drained.
	MarkSinkDrained(ctx context.Context, cid, campID, sinkID string) (bool, error)
	AddCampaignCounters(ctx context.Context, cid, campID string, deltas model.CampaignCounters) error

	// Campaign body links.
	SetCampaignLinks(ctx context.Context, cid, campID string, urls []string) error
	CampaignLinks(ctx context.Context, cid, campID string) (urls []string, clicks []int, err error)
	// IncrementLinkClick bumps one link's counter unless the campaign body
	// was edited after the click event was generated.
	IncrementLinkClick(ctx context.Context, cid, campID string, index int, eventTS time.Time) (bool, error)

	// Send queue.
	InsertQueueEntries(ctx context.Context, entries []model.QueueEntry) error
	// QueueGroups returns pending (company, campaign, domain) groups after
	// the cursor position, ordered, with their summed remaining counts.
	QueueGroups(ctx context.Context, after model.Cursor, limit int) ([]model.QueueGroup, error)
	QueueEntries(ctx context.Context, cid, campID, domain string) ([]model.QueueEntry, error)
	// DecrementQueueEntry lowers an entry's remaining count, deleting the
	// row when it reaches zero.
	DecrementQueueEntry(ctx context.Context, id int64, by int) (remaining int, deleted bool, err error)
	// PendingForSink counts queue entries still open for one campaign sink.
	PendingForSink(ctx context.Context, cid, campID, sinkID string) (int, error)
	QueueStats(ctx context.Context) (entries int, remaining int, err error)

	// Gather barriers.
	InitGather(ctx context.Context, id string, count int) error
	// CompleteGather records one finished part. When the configured count
	// is reached it returns done=true with every part payload and removes
	// the barrier.
	CompleteGather(ctx context.Context, id, payload string) (done bool, payloads []string, err error)

	// TryLock takes a cross-instance advisory lock, returning false without
	// blocking when another holder has it.
	TryLock(ctx context.Context, name string) (UnlockFunc, bool, error)

	// Delivery event logs. The bool return reports whether this was the
	// first occurrence of (campaign|tag, email, kind).
	RecordCampaignEvent(ctx context.Context, e *model.Event) (bool, error)
	RecordTxnEvent(ctx context.Context, e *model.Event) (bool, error)

	// Suppression.
	UpsertSuppression(ctx context.Context, cid string, email string, kind model.EventKind, ts time.Time) error
	GetSuppression(ctx context.Context, cid, email string) (*Suppression, error)

	// Statistics.
	UpsertCampaignDomains(ctx context.Context, cid, campID string, counts map[string]int) error
	CampaignDomains(ctx context.Context, cid, campID string) (map[string]int, error)
	AddHourStat(ctx context.Context, s HourStat) error
	AddTxnStat(ctx context.Context, s TxnStat) error
	// UpsertStatMessage counts occurrences of a provider diagnostic message.
	UpsertStatMessage(ctx context.Context, cid, campID string, kind model.EventKind, msg string) error

	// Send tracking.
	InsertTracking(ctx context.Context, t Tracking) error
	GetTracking(ctx context.Context, id string) (*Tracking, error)
	// SeenProviderEvent records a provider-native event id, reporting true
	// when it was already recorded (a webhook redelivery).
	SeenProviderEvent(ctx context.Context, provider, eventID string) (bool, error)

	// Contact tags.
	AddContactTag(ctx context.Context, cid, email, tag string) error
	RemoveContactTag(ctx context.Context, cid, email, tag string) error
	ContactTags(ctx context.Context, cid, email string) ([]string, error)

	// Webhook subscriptions.
	Webhooks(ctx context.Context, cid string) ([]Webhook, error)

	Close() error
}
