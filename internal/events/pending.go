package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// pendingKey buffers classified provider webhook events between the HTTP
// handler that accepts them and the worker that ingests them.
const pendingKey = "webhooks-pending"

// EnqueueWebhook buffers a classified webhook event for the ingestion
// worker. The HTTP handler stays fast and the provider gets its 200
// regardless of store latency.
func (in *Ingestor) EnqueueWebhook(ctx context.Context, e *model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode webhook event: %w", err)
	}
	return in.counters.PushList(ctx, pendingKey, string(payload), in.cfg.BufferTTL)
}

// ProcessPending drains and ingests the buffered webhook events, returning
// how many were processed. Events that fail to ingest are logged and
// dropped; the provider will not resend them.
func (in *Ingestor) ProcessPending(ctx context.Context) (int, error) {
	raw, err := in.counters.DrainList(ctx, pendingKey)
	if err != nil {
		return 0, fmt.Errorf("events: drain webhooks: %w", err)
	}
	n := 0
	for _, item := range raw {
		var e model.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			in.logger.Warn("bad pending webhook event", "error", err)
			continue
		}
		if err := in.Record(ctx, &e); err != nil {
			in.logger.Error("webhook event failed", "kind", e.Kind, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		in.logger.Info("processed pending webhooks", "count", n)
	}
	return n, nil
}
