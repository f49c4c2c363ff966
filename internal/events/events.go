// Package events turns delivery events into durable state: idempotent
// per-recipient logs, unique and per-occurrence counters, suppression,
// hourly statistics and outbound webhook notifications. Provider webhook
// payloads are classified into the canonical event taxonomy before they
// reach the Ingestor; everything below this package speaks only that
// vocabulary.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/metrics"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// Config carries the ingestor's operational settings.
type Config struct {
	// BufferTTL bounds how long an engagement event arriving before its
	// send confirmation is held for replay.
	BufferTTL time.Duration `toml:"buffer_ttl"`
}

// DefaultConfig returns the ingestion defaults.
func DefaultConfig() Config {
	return Config{BufferTTL: 72 * time.Hour}
}

// Ingestor records delivery events.
type Ingestor struct {
	store    store.Store
	counters counter.Store
	notify   *Notifier
	cfg      Config
	logger   *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(st store.Store, counters counter.Store, notify *Notifier, cfg Config) *Ingestor {
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 72 * time.Hour
	}
	return &Ingestor{
		store:    st,
		counters: counters,
		notify:   notify,
		cfg:      cfg,
		logger:   slog.Default().With("component", "events"),
		now:      time.Now,
	}
}

// Record ingests one delivery event. Unknown campaigns and webhook
// redeliveries are dropped silently; a recipient's repeated engagement
// events advance only the _all counters.
func (in *Ingestor) Record(ctx context.Context, e *model.Event) error {
	if e.Email == "" && e.Domain == "" {
		return fmt.Errorf("events: event without email or domain")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = in.now().UTC()
	}

	if e.ProviderEventID != "" {
		seen, err := in.store.SeenProviderEvent(ctx, e.SinkID, e.ProviderEventID)
		if err != nil {
			return fmt.Errorf("events: dedup: %w", err)
		}
		if seen {
			in.logger.Debug("duplicate provider event", "sink", e.SinkID, "id", e.ProviderEventID)
			return nil
		}
	}
	metrics.Get().EventsIngested.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case model.EventSend, model.EventDelivered:
		return in.recordDelivered(ctx, e)
	case model.EventDeferred:
		return in.recordDeferred(ctx, e)
	case model.EventSoftBounce:
		return in.recordSoft(ctx, e)
	case model.EventHardBounce:
		// aggregate bounce counts have no address to suppress
		if e.Email == "" {
			return in.accountOutcome(ctx, e, scale(model.CampaignCounters{Hard: 1, Delivered: 1}, e.Count))
		}
		return in.recordEngagement(ctx, e)
	case model.EventOpen, model.EventClick, model.EventUnsubscribe, model.EventComplaint:
		if e.Email == "" {
			return fmt.Errorf("events: %s event without email", e.Kind)
		}
		return in.recordEngagement(ctx, e)
	}
	return fmt.Errorf("events: unknown event kind %q", e.Kind)
}

// recordEngagement handles the per-recipient event kinds: opens, clicks,
// unsubscribes, complaints and hard bounces.
func (in *Ingestor) recordEngagement(ctx context.Context, e *model.Event) error {
	var camp *model.Campaign
	if !e.Transactional() {
		var err error
		camp, err = in.store.GetCampaign(ctx, e.CompanyID, e.CampaignID)
		if errors.Is(err, store.ErrNotFound) {
			in.logger.Info("event for unknown campaign", "campaign", e.CampaignID, "kind", e.Kind)
			return nil
		}
		if err != nil {
			return fmt.Errorf("events: load campaign: %w", err)
		}
	}

	// _all counters and link clicks advance on every occurrence
	if camp != nil {
		if all := allDelta(e.Kind); all != (model.CampaignCounters{}) {
			if err := in.store.AddCampaignCounters(ctx, e.CompanyID, e.CampaignID, all); err != nil {
				return fmt.Errorf("events: add counters: %w", err)
			}
		}
	}
	if e.Kind == model.EventClick && e.LinkIndex >= 0 && camp != nil {
		if _, err := in.store.IncrementLinkClick(ctx, e.CompanyID, e.CampaignID, e.LinkIndex, e.Timestamp); err != nil {
			return fmt.Errorf("events: link click: %w", err)
		}
	}

	first, err := in.insertLog(ctx, e)
	if err != nil {
		return err
	}
	if !first {
		if e.Transactional() {
			if all := allDelta(e.Kind); all != (model.CampaignCounters{}) {
				return in.addTxnStat(ctx, e, all)
			}
		}
		return nil
	}

	if e.Kind.Suppressing() {
		if err := in.store.UpsertSuppression(ctx, e.CompanyID, e.Email, e.Kind, e.Timestamp); err != nil {
			return fmt.Errorf("events: suppression: %w", err)
		}
	}

	delta := uniqueDelta(e.Kind)
	if camp != nil {
		if err := in.store.AddCampaignCounters(ctx, e.CompanyID, e.CampaignID, delta); err != nil {
			return fmt.Errorf("events: add counters: %w", err)
		}
		if err := in.applyTags(ctx, e, camp); err != nil {
			return err
		}
	}

	if e.SettingsID != "" && e.SendingIP != "" {
		if err := in.addHourStat(ctx, e, delta); err != nil {
			return err
		}
	}
	if e.Transactional() {
		combined := delta
		combined.OpenedAll = delta.Opened
		combined.ClickedAll = delta.Clicked
		if err := in.addTxnStat(ctx, e, combined); err != nil {
			return err
		}
	}
	if e.Kind == model.EventHardBounce && e.Message != "" {
		if err := in.store.UpsertStatMessage(ctx, e.CompanyID, e.CampaignID, e.Kind, e.Message); err != nil {
			return fmt.Errorf("events: stat message: %w", err)
		}
	}

	in.notify.Notify(ctx, e.CompanyID, []Notification{notificationFor(e)})
	return nil
}

// recordDelivered handles send confirmations: volume accounting plus the
// tracking correlation that lets later engagement events attribute.
func (in *Ingestor) recordDelivered(ctx context.Context, e *model.Event) error {
	delta := scale(model.CampaignCounters{Send: 1, Delivered: 1}, e.Count)
	if err := in.accountOutcome(ctx, e, delta); err != nil {
		return err
	}
	if e.TrackingID != "" {
		return in.confirmSend(ctx, e)
	}
	return nil
}

func (in *Ingestor) recordSoft(ctx context.Context, e *model.Event) error {
	if e.Email != "" {
		if _, err := in.insertLog(ctx, e); err != nil {
			return err
		}
	}
	return in.accountOutcome(ctx, e, scale(model.CampaignCounters{Soft: 1, Delivered: 1}, e.Count))
}

func (in *Ingestor) recordDeferred(ctx context.Context, e *model.Event) error {
	return in.accountOutcome(ctx, e, scale(model.CampaignCounters{Deferred: 1}, e.Count))
}

// scale multiplies a unit delta for aggregate events.
func scale(d model.CampaignCounters, n int) model.CampaignCounters {
	if n <= 1 {
		return d
	}
	d.Delivered *= n
	d.Send *= n
	d.Soft *= n
	d.Hard *= n
	d.Deferred *= n
	return d
}

// accountOutcome applies the volume accounting shared by send, soft bounce
// and deferral events: hourly stats, campaign counters and provider
// diagnostic messages.
func (in *Ingestor) accountOutcome(ctx context.Context, e *model.Event, delta model.CampaignCounters) error {
	if e.SettingsID != "" {
		if err := in.addHourStat(ctx, e, delta); err != nil {
			return err
		}
	}
	if !e.Transactional() && delta.Delivered > 0 {
		err := in.store.AddCampaignCounters(ctx, e.CompanyID, e.CampaignID, delta)
		if errors.Is(err, store.ErrNotFound) {
			in.logger.Info("event for unknown campaign", "campaign", e.CampaignID, "kind", e.Kind)
			return nil
		}
		if err != nil {
			return fmt.Errorf("events: add counters: %w", err)
		}
	}
	if e.Transactional() {
		if err := in.addTxnStat(ctx, e, delta); err != nil {
			return err
		}
	}
	if e.Kind != model.EventSend && e.Kind != model.EventDelivered && e.Message != "" {
		if err := in.store.UpsertStatMessage(ctx, e.CompanyID, e.CampaignID, e.Kind, e.Message); err != nil {
			return fmt.Errorf("events: stat message: %w", err)
		}
	}
	return nil
}

// confirmSend records the tracking row for a confirmed submission and
// replays any engagement events that arrived before it.
func (in *Ingestor) confirmSend(ctx context.Context, e *model.Event) error {
	err := in.store.InsertTracking(ctx, store.Tracking{
		ID:         e.TrackingID,
		CompanyID:  e.CompanyID,
		CampaignID: e.CampaignID,
		TxnTag:     e.TxnTag,
		Email:      e.Email,
		SinkID:     e.SinkID,
		SettingsID: e.SettingsID,
		IP:         e.SendingIP,
		CreatedAt:  e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("events: insert tracking: %w", err)
	}

	pending, err := in.counters.DrainList(ctx, trackingKey(e.TrackingID))
	if err != nil {
		return fmt.Errorf("events: drain pending: %w", err)
	}
	for _, raw := range pending {
		var buffered model.Event
		if err := json.Unmarshal([]byte(raw), &buffered); err != nil {
			in.logger.Warn("bad buffered event", "tracking", e.TrackingID, "error", err)
			continue
		}
		in.logger.Info("replaying pending event", "tracking", e.TrackingID, "kind", buffered.Kind)
		if buffered.CompanyID == "" {
			buffered.CompanyID = e.CompanyID
		}
		buffered.SinkID = e.SinkID
		buffered.SettingsID = e.SettingsID
		buffered.SendingIP = e.SendingIP
		if err := in.Record(ctx, &buffered); err != nil {
			in.logger.Error("replay failed", "tracking", e.TrackingID, "error", err)
		}
	}
	return nil
}

// BufferPending holds an engagement event whose tracking id has no
// recorded send yet. It replays when the send confirmation arrives, or
// expires with the buffer TTL.
func (in *Ingestor) BufferPending(ctx context.Context, trackingID string, e *model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode pending: %w", err)
	}
	return in.counters.PushList(ctx, trackingKey(trackingID), string(payload), in.cfg.BufferTTL)
}

func trackingKey(id string) string {
	return "tracking-" + id
}

func eventDomain(e *model.Event) string {
	if e.Domain != "" {
		return e.Domain
	}
	return model.EmailDomain(e.Email)
}

func (in *Ingestor) insertLog(ctx context.Context, e *model.Event) (bool, error) {
	var first bool
	var err error
	if e.Transactional() {
		first, err = in.store.RecordTxnEvent(ctx, e)
	} else {
		first, err = in.store.RecordCampaignEvent(ctx, e)
	}
	if err != nil {
		return false, fmt.Errorf("events: record log: %w", err)
	}
	return first, nil
}

func (in *Ingestor) applyTags(ctx context.Context, e *model.Event, camp *model.Campaign) error {
	var add, rem []string
	switch e.Kind {
	case model.EventOpen:
		add, rem = camp.OpenAddTags, camp.OpenRemTags
	case model.EventClick:
		add, rem = camp.ClickAddTags, camp.ClickRemTags
	default:
		return nil
	}
	for _, tag := range add {
		if err := in.store.AddContactTag(ctx, e.CompanyID, e.Email, tag); err != nil {
			return fmt.Errorf("events: add tag: %w", err)
		}
	}
	for _, tag := range rem {
		if err := in.store.RemoveContactTag(ctx, e.CompanyID, e.Email, tag); err != nil {
			return fmt.Errorf("events: remove tag: %w", err)
		}
	}
	return nil
}

func (in *Ingestor) addHourStat(ctx context.Context, e *model.Event, delta model.CampaignCounters) error {
	err := in.store.AddHourStat(ctx, store.HourStat{
		CompanyID:         e.CompanyID,
		CampaignCompanyID: e.CompanyID,
		Hour:              e.Timestamp,
		SinkID:            e.SinkID,
		Domain:            eventDomain(e),
		IP:                e.SendingIP,
		SettingsID:        e.SettingsID,
		CampaignID:        e.CampaignID,
		Counts:            delta,
	})
	if err != nil {
		return fmt.Errorf("events: hour stat: %w", err)
	}
	return nil
}

func (in *Ingestor) addTxnStat(ctx context.Context, e *model.Event, delta model.CampaignCounters) error {
	err := in.store.AddTxnStat(ctx, store.TxnStat{
		Hour:      e.Timestamp,
		CompanyID: e.CompanyID,
		Tag:       e.TxnTag,
		Domain:    eventDomain(e),
		Counts:    delta,
	})
	if err != nil {
		return fmt.Errorf("events: txn stat: %w", err)
	}
	return nil
}

// allDelta is the per-occurrence counter movement for an event kind.
func allDelta(kind model.EventKind) model.CampaignCounters {
	switch kind {
	case model.EventOpen:
		return model.CampaignCounters{OpenedAll: 1}
	case model.EventClick:
		return model.CampaignCounters{ClickedAll: 1}
	}
	return model.CampaignCounters{}
}

// uniqueDelta is the first-occurrence counter movement for an event kind.
func uniqueDelta(kind model.EventKind) model.CampaignCounters {
	switch kind {
	case model.EventOpen:
		return model.CampaignCounters{Opened: 1}
	case model.EventClick:
		return model.CampaignCounters{Clicked: 1}
	case model.EventComplaint:
		return model.CampaignCounters{Complained: 1}
	case model.EventUnsubscribe:
		return model.CampaignCounters{Unsubscribed: 1}
	case model.EventHardBounce:
		return model.CampaignCounters{Hard: 1, Delivered: 1}
	}
	return model.CampaignCounters{}
}
