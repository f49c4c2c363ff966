package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/metrics"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the subscription's secret.
const SignatureHeader = "X-Webhook-Signature"

// Notification is one outbound webhook message.
type Notification struct {
	Type      string            `json:"type"`
	Source    map[string]string `json:"source"`
	Email     string            `json:"email"`
	Timestamp string            `json:"timestamp"`

	Code       string `json:"code,omitempty"`
	BounceType string `json:"bouncetype,omitempty"`
	LinkIndex  *int   `json:"linkindex,omitempty"`
}

// Notifier fans event notifications out to a company's webhook
// subscriptions.
type Notifier struct {
	store  store.Store
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(st store.Store) *Notifier {
	return &Notifier{
		store:  st,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default().With("component", "webhooks"),
	}
}

// Notify delivers the messages to every matching subscription. Delivery is
// best effort; failures are counted and logged, never surfaced to the
// event that triggered them.
func (n *Notifier) Notify(ctx context.Context, cid string, msgs []Notification) {
	if len(msgs) == 0 {
		return
	}
	hooks, err := n.store.Webhooks(ctx, cid)
	if err != nil {
		n.logger.Error("load webhooks", "cid", cid, "error", err)
		return
	}
	for _, hook := range hooks {
		matched := filterNotifications(hook, msgs)
		if len(matched) == 0 {
			continue
		}
		if err := n.deliver(ctx, hook, matched); err != nil {
			metrics.Get().WebhookFailures.Inc()
			n.logger.Warn("webhook delivery failed", "url", hook.URL, "error", err)
			continue
		}
		metrics.Get().WebhooksDelivered.Inc()
	}
}

func filterNotifications(hook store.Webhook, msgs []Notification) []Notification {
	if len(hook.Events) == 0 {
		return msgs
	}
	allowed := make(map[string]bool, len(hook.Events))
	for _, ev := range hook.Events {
		allowed[ev] = true
	}
	var out []Notification
	for _, m := range msgs {
		if allowed[m.Type] {
			out = append(out, m)
		}
	}
	return out
}

func (n *Notifier) deliver(ctx context.Context, hook store.Webhook, msgs []Notification) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("events: encode notifications: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("events: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// notificationFor builds the outbound message for an engagement event.
func notificationFor(e *model.Event) Notification {
	typ := string(e.Kind)
	if e.Kind == model.EventHardBounce {
		typ = "bounce"
	}
	source := make(map[string]string, 1)
	if e.Transactional() {
		source["tag"] = e.TxnTag
	} else {
		source["broadcast"] = e.CampaignID
	}
	msg := Notification{
		Type:      typ,
		Source:    source,
		Email:     e.Email,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}
	switch e.Kind {
	case model.EventHardBounce:
		msg.Code = e.Message
		msg.BounceType = "hard"
	case model.EventClick:
		if e.LinkIndex >= 0 {
			idx := e.LinkIndex
			msg.LinkIndex = &idx
		}
	}
	return msg
}
