package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Transactional submits batches to a transactional-email API as JSON
// transmissions. Substitution data carries the merge variables; metadata
// carries the tracking id so delivery webhooks can be correlated.
type Transactional struct {
	client   *http.Client
	reporter Reporter
	logger   *slog.Logger
}

// NewTransactional creates the transactional API adapter.
func NewTransactional(reporter Reporter) *Transactional {
	return &Transactional{
		client:   newHTTPClient(),
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-transactional"),
	}
}

func (t *Transactional) Kind() model.ProviderKind {
	return model.ProviderTransactional
}

type txRecipient struct {
	Address struct {
		Email string `json:"email"`
	} `json:"address"`
	SubstitutionData map[string]string `json:"substitution_data,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type txContent struct {
	From struct {
		Email string `json:"email"`
	} `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type txTransmission struct {
	CampaignID string        `json:"campaign_id,omitempty"`
	Recipients []txRecipient `json:"recipients"`
	Content    txContent     `json:"content"`
}

// rewriteDialect renames tags to substitution keys the API can resolve.
// Aliases keep field/default pairs distinct; keys cannot contain spaces or
// bangs.
func (t *Transactional) rewriteDialect(text string, vars map[string]Var, task *Task) string {
	return RenderTags(text, func(name, def string) (string, bool) {
		switch name {
		case TagWebRoot:
			return task.WebRoot, true
		case TagCampaignID:
			return task.CampaignID, true
		case TagDomain:
			return task.Params.FromDomain, true
		case TagViewInBrowser:
			return fmt.Sprintf("%s/l?t=x&cid=%s&c=%s", task.WebRoot, task.CompanyID, task.CampaignID), true
		case TagTo, TagEmail, TagTrackingID, TagUID, TagRand:
			return fmt.Sprintf("{{%s}}", subKey(name)), true
		}
		alias := aliasFor(vars, name, def)
		return fmt.Sprintf("{{%s}}", subKey(alias)), true
	})
}

func subKey(name string) string {
	return strings.NewReplacer(" ", "_", "!", "_").Replace(name)
}

func (t *Transactional) Send(ctx context.Context, task *Task) error {
	apiKey := task.Settings["apikey"]
	if apiKey == "" {
		return fmt.Errorf("provider: transactional settings incomplete")
	}
	base := task.Settings["baseurl"]
	if base == "" {
		base = "https://api.sparkpost.com"
	}

	vars := Vars(task.Subject, task.HTML)
	html := t.rewriteDialect(task.HTML, vars, task)
	subject := t.rewriteDialect(task.Subject, vars, task)

	for offset := 0; offset < len(task.Recipients); offset += model.BatchProviderMax {
		end := offset + model.BatchProviderMax
		if end > len(task.Recipients) {
			end = len(task.Recipients)
		}
		if err := t.sendBatch(ctx, task, base, apiKey, subject, html, vars,
			task.Recipients[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transactional) sendBatch(ctx context.Context, task *Task, base, apiKey, subject, html string, vars map[string]Var, batch []Recipient) error {
	tx := txTransmission{CampaignID: task.CampaignID}
	tx.Content.From.Email = task.Params.From
	tx.Content.Subject = subject
	tx.Content.HTML = html
	tx.Content.ReplyTo = task.Params.ReplyTo

	for i := range batch {
		rcpt := &batch[i]
		sub := map[string]string{
			subKey(TagTo):         rcpt.Email,
			subKey(TagEmail):      rcpt.Email,
			subKey(TagTrackingID): rcpt.TrackingID,
			subKey(TagUID):        EncodeUID(rcpt.Email),
			subKey(TagRand):       randomSuffix(8),
		}
		for alias, v := range vars {
			sub[subKey(alias)] = rcpt.Field(v.Field, v.Default)
		}
		var r txRecipient
		r.Address.Email = rcpt.Email
		r.SubstitutionData = sub
		r.Metadata = map[string]string{"trackingid": rcpt.TrackingID}
		tx.Recipients = append(tx.Recipients, r)
	}

	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("provider: encode transmission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/api/v1/transmissions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: transactional request: %w", err)
	}
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.failBatch(ctx, task, batch, err.Error())
		return fmt.Errorf("provider: transactional submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("transactional api returned %d: %s", resp.StatusCode, detail)
		t.failBatch(ctx, task, batch, msg)
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	for i := range batch {
		if err := t.reporter.RecordSend(ctx, task.record(&batch[i])); err != nil {
			t.logger.Warn("record send failed", "error", err)
		}
	}
	return nil
}

func (t *Transactional) failBatch(ctx context.Context, task *Task, batch []Recipient, msg string) {
	for i := range batch {
		_ = t.reporter.RecordFailure(ctx, task.record(&batch[i]), msg)
	}
}
