package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// BulkAPI submits batches to a bulk-mail HTTP API that substitutes
// per-recipient variables server side. The template is rewritten once per
// task into the API's %recipient.X% placeholder dialect; recipient values
// travel as a JSON variable map alongside the batch.
type BulkAPI struct {
	client   *http.Client
	reporter Reporter
	logger   *slog.Logger
}

// NewBulkAPI creates the bulk API adapter.
func NewBulkAPI(reporter Reporter) *BulkAPI {
	return &BulkAPI{
		client:   newHTTPClient(),
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-bulkapi"),
	}
}

func (b *BulkAPI) Kind() model.ProviderKind {
	return model.ProviderBulkAPI
}

// rewriteDialect converts merge tags to the API's placeholder syntax.
// Recipient fields become %recipient.Alias% (spaces dashed); per-recipient
// system tags ride the variable map; static system tags resolve now.
func (b *BulkAPI) rewriteDialect(text string, vars map[string]Var, task *Task) string {
	return RenderTags(text, func(name, def string) (string, bool) {
		switch name {
		case TagTo:
			return "%recipient%", true
		case TagEmail:
			return "%recipient_email%", true
		case TagDomain:
			return task.Params.FromDomain, true
		case TagWebRoot:
			return task.WebRoot, true
		case TagCampaignID:
			return task.CampaignID, true
		case TagViewInBrowser:
			return fmt.Sprintf("%s/l?t=x&cid=%s&c=%s", task.WebRoot, task.CompanyID, task.CampaignID), true
		case TagTrackingID, TagUID, TagRand:
			return fmt.Sprintf("%%recipient.%s%%", name), true
		}
		alias := aliasFor(vars, name, def)
		return fmt.Sprintf("%%recipient.%s%%", strings.ReplaceAll(alias, " ", "-")), true
	})
}

func (b *BulkAPI) Send(ctx context.Context, task *Task) error {
	apiKey := task.Settings["apikey"]
	sendDomain := task.Settings["domain"]
	if apiKey == "" || sendDomain == "" {
		return fmt.Errorf("provider: bulkapi settings incomplete")
	}
	base := task.Settings["baseurl"]
	if base == "" {
		base = "https://api.mailgun.net"
	}

	vars := Vars(task.Subject, task.HTML)
	html := b.rewriteDialect(task.HTML, vars, task)
	subject := b.rewriteDialect(task.Subject, vars, task)

	for offset := 0; offset < len(task.Recipients); offset += model.BatchProviderMax {
		end := offset + model.BatchProviderMax
		if end > len(task.Recipients) {
			end = len(task.Recipients)
		}
		if err := b.sendBatch(ctx, task, base, sendDomain, apiKey, subject, html, vars,
			task.Recipients[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BulkAPI) sendBatch(ctx context.Context, task *Task, base, sendDomain, apiKey, subject, html string, vars map[string]Var, batch []Recipient) error {
	allVars := make(map[string]map[string]string, len(batch))
	form := url.Values{}
	for i := range batch {
		rcpt := &batch[i]
		rv := map[string]string{
			TagTrackingID: rcpt.TrackingID,
			TagUID:        EncodeUID(rcpt.Email),
			TagRand:       randomSuffix(8),
		}
		for alias, v := range vars {
			val := rcpt.Field(v.Field, v.Default)
			rv[strings.ReplaceAll(alias, " ", "-")] = val
		}
		allVars[rcpt.Email] = rv
		form.Add("to", rcpt.Email)
	}

	rvJSON, err := json.Marshal(allVars)
	if err != nil {
		return fmt.Errorf("provider: encode recipient variables: %w", err)
	}

	form.Set("from", task.Params.From)
	form.Set("subject", subject)
	form.Set("html", html)
	form.Set("recipient-variables", string(rvJSON))
	form.Set("v:trackingid", fmt.Sprintf("%%recipient.%s%%", TagTrackingID))
	if task.Params.ReplyTo != "" {
		form.Set("h:Reply-To", task.Params.ReplyTo)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", base, sendDomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("provider: bulkapi request: %w", err)
	}
	req.SetBasicAuth("api", apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		b.failBatch(ctx, task, batch, err.Error())
		return fmt.Errorf("provider: bulkapi submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("bulkapi returned %d: %s", resp.StatusCode, detail)
		b.failBatch(ctx, task, batch, msg)
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	for i := range batch {
		if err := b.reporter.RecordSend(ctx, task.record(&batch[i])); err != nil {
			b.logger.Warn("record send failed", "error", err)
		}
	}
	return nil
}

func (b *BulkAPI) failBatch(ctx context.Context, task *Task, batch []Recipient, msg string) {
	for i := range batch {
		_ = b.reporter.RecordFailure(ctx, task.record(&batch[i]), msg)
	}
}
