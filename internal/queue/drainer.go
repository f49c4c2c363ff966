// Package queue drains the durable send queue. The Drainer runs a
// single-flight scheduled pass that asks the rate limiter how much of each
// (company, campaign, domain) group may go out now and builds bounded send
// tasks; the Dispatcher executes those tasks against provider adapters on a
// bounded worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/webmaster-cyber/sendmailzw/internal/metrics"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/ratelimit"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// DrainLockName is the advisory lock serializing drain passes across the
// fleet.
const DrainLockName = "queue-drain"

// Dispatch receives the tasks built by a drain pass. Implementations run
// them asynchronously; the drainer does not wait for completion.
type Dispatch interface {
	Dispatch(ctx context.Context, tasks []model.SendTask)
}

// DrainerConfig carries the drainer's operational settings.
type DrainerConfig struct {
	// Schedule is the cron cadence of drain passes.
	Schedule string `toml:"schedule"`
	// PageSize bounds how many queue groups one page reads.
	PageSize int `toml:"page_size"`
	// MaxSendLimit bounds the recipients per dispatch task for providers
	// that send one message per round trip.
	MaxSendLimit int `toml:"max_send_limit"`
}

// DefaultDrainerConfig returns the drainer defaults.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		Schedule:     "@every 15s",
		PageSize:     200,
		MaxSendLimit: 1000,
	}
}

// Drainer scans the send queue and releases rate-limited send tasks.
type Drainer struct {
	store    store.Store
	limiter  *ratelimit.Limiter
	dispatch Dispatch
	cfg      DrainerConfig
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewDrainer creates a Drainer.
func NewDrainer(st store.Store, limiter *ratelimit.Limiter, dispatch Dispatch, cfg DrainerConfig) *Drainer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.MaxSendLimit <= 0 {
		cfg.MaxSendLimit = 1000
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15s"
	}
	return &Drainer{
		store:    st,
		limiter:  limiter,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   slog.Default().With("component", "drainer"),
	}
}

// Start schedules recurring drain passes. Overlapping ticks are no-ops
// because the pass exits immediately when the advisory lock is held.
func (d *Drainer) Start(ctx context.Context) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc(d.cfg.Schedule, func() {
		if err := d.RunPass(ctx); err != nil {
			d.logger.Error("drain pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("queue: schedule drainer: %w", err)
	}
	d.cron.Start()
	d.logger.Info("drainer scheduled", "schedule", d.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (d *Drainer) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// RunPass executes one full drain over the queue. Only one pass runs across
// the fleet at a time; when the lock is held elsewhere the call is a no-op.
func (d *Drainer) RunPass(ctx context.Context) error {
	unlock, ok, err := d.store.TryLock(ctx, DrainLockName)
	if err != nil {
		return fmt.Errorf("queue: acquire drain lock: %w", err)
	}
	if !ok {
		d.logger.Debug("drain pass already running")
		return nil
	}
	defer func() {
		if err := unlock(); err != nil {
			d.logger.Error("release drain lock", "error", err)
		}
	}()

	m := metrics.Get()
	m.DrainPasses.Inc()
	start := time.Now()
	defer func() {
		m.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	var cursor model.Cursor
	for {
		groups, err := d.store.QueueGroups(ctx, cursor, d.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("queue: read queue groups: %w", err)
		}
		if len(groups) == 0 {
			break
		}

		var tasks []model.SendTask
		for _, g := range groups {
			cursor = model.Cursor{CompanyID: g.CompanyID, CampaignID: g.CampaignID, Domain: g.Domain}
			groupTasks, err := d.drainGroup(ctx, g)
			if err != nil {
				return err
			}
			tasks = append(tasks, groupTasks...)
		}
		if len(tasks) > 0 {
			d.dispatch.Dispatch(ctx, tasks)
		}
	}

	if entries, remaining, err := d.store.QueueStats(ctx); err == nil {
		m.QueueEntries.Set(float64(entries))
		m.QueueRemaining.Set(float64(remaining))
	}
	return nil
}

// drainGroup asks the rate limiter for the group's allowance and distributes
// it across the group's entries.
func (d *Drainer) drainGroup(ctx context.Context, g model.QueueGroup) ([]model.SendTask, error) {
	company, err := d.store.GetCompany(ctx, g.CompanyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load company: %w", err)
	}
	camp, err := d.store.GetCampaign(ctx, g.CompanyID, g.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load campaign: %w", err)
	}

	throttles, err := d.store.DomainThrottles(ctx, g.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("queue: load throttles: %w", err)
	}

	allowed, err := d.limiter.CheckSendLimit(ctx, company, camp.RouteID, g.Domain, throttles, g.Remaining)
	if err != nil {
		return nil, fmt.Errorf("queue: check send limit: %w", err)
	}
	if allowed <= 0 {
		metrics.Get().RateLimitDenials.Inc()
		return nil, nil
	}
	d.logger.Debug("clear to send",
		"cid", g.CompanyID, "campaign", g.CampaignID, "domain", g.Domain,
		"requested", g.Remaining, "allowed", allowed)

	entries, err := d.store.QueueEntries(ctx, g.CompanyID, g.CampaignID, g.Domain)
	if err != nil {
		return nil, fmt.Errorf("queue: load entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	// ceil division keeps small entries moving; the resulting slight
	// over-grant relative to allowed is accepted.
	perEntry := int(math.Ceil(float64(allowed) / float64(len(entries))))
	if perEntry < 1 {
		perEntry = 1
	}

	var tasks []model.SendTask
	for i := range entries {
		entry := entries[i]
		toSend := perEntry
		if toSend > entry.Remaining {
			toSend = entry.Remaining
		}

		tasks = append(tasks, d.entryTasks(entry, toSend)...)

		if err := d.consume(ctx, &entry, toSend); err != nil {
			return nil, err
		}

		allowed -= toSend
		if allowed <= 0 {
			break
		}
	}
	return tasks, nil
}

// entryTasks slices an entry's allotment into dispatch tasks. Non-batch
// providers get fixed-size sub-batches so many small sends can run in
// parallel; batch providers take the whole allotment in one task.
func (d *Drainer) entryTasks(entry model.QueueEntry, toSend int) []model.SendTask {
	base := entry.Params.Offset + (entry.Count - entry.Remaining)
	if entry.Params.Provider.Batchable() {
		return []model.SendTask{{Entry: entry, Offset: base, Count: toSend}}
	}
	var tasks []model.SendTask
	for sent := 0; sent < toSend; sent += d.cfg.MaxSendLimit {
		n := d.cfg.MaxSendLimit
		if sent+n > toSend {
			n = toSend - sent
		}
		tasks = append(tasks, model.SendTask{Entry: entry, Offset: base + sent, Count: n})
	}
	return tasks
}

// consume decrements the entry and, when it empties, advances the sink and
// campaign completion state.
func (d *Drainer) consume(ctx context.Context, entry *model.QueueEntry, toSend int) error {
	_, deleted, err := d.store.DecrementQueueEntry(ctx, entry.ID, toSend)
	if err != nil {
		return fmt.Errorf("queue: decrement entry: %w", err)
	}
	if !deleted {
		return nil
	}

	pending, err := d.store.PendingForSink(ctx, entry.CompanyID, entry.CampaignID, entry.Params.SinkID)
	if err != nil {
		return fmt.Errorf("queue: pending for sink: %w", err)
	}
	if pending > 0 {
		return nil
	}

	allDrained, err := d.store.MarkSinkDrained(ctx, entry.CompanyID, entry.CampaignID, entry.Params.SinkID)
	if err != nil {
		return fmt.Errorf("queue: mark sink drained: %w", err)
	}
	if !allDrained {
		return nil
	}

	canceled, err := d.store.IsCanceled(ctx, entry.CompanyID, entry.CampaignID)
	if err != nil {
		return fmt.Errorf("queue: check cancellation: %w", err)
	}
	if canceled {
		return nil
	}
	if err := d.store.FinishCampaign(ctx, entry.CompanyID, entry.CampaignID); err != nil {
		return fmt.Errorf("queue: finish campaign: %w", err)
	}
	d.logger.Info("campaign drained", "cid", entry.CompanyID, "campaign", entry.CampaignID)
	return nil
}
