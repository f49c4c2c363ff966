package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/webmaster-cyber/sendmailzw/internal/metrics"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// DispatcherConfig carries the dispatcher's operational settings.
type DispatcherConfig struct {
	// Workers bounds how many send tasks run concurrently.
	Workers int `toml:"workers"`
	// DataBucket holds list blocks and rendered bodies.
	DataBucket string `toml:"data_bucket"`
	// TransferBucket receives the consumed slice of each dispatch.
	TransferBucket string `toml:"transfer_bucket"`
	// WebRoot is the public base URL for tracking links.
	WebRoot string `toml:"webroot"`
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        8,
		DataBucket:     "sendmail-data",
		TransferBucket: "sendmail-transfer",
	}
}

// Dispatcher executes send tasks against provider adapters. Submission per
// provider kind runs behind a circuit breaker so a failing backend sheds
// load quickly instead of timing out every task.
type Dispatcher struct {
	store    store.Store
	objects  objstore.Store
	registry *provider.Registry
	mode     provider.Mode
	cfg      DispatcherConfig
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[model.ProviderKind]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a Dispatcher in the given failure mode. Production
// mode writes fatal provider errors onto the campaign; test mode surfaces
// them to the caller.
func NewDispatcher(st store.Store, objects objstore.Store, registry *provider.Registry, mode provider.Mode, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Dispatcher{
		store:    st,
		objects:  objects,
		registry: registry,
		mode:     mode,
		cfg:      cfg,
		logger:   slog.Default().With("component", "dispatcher"),
		breakers: make(map[model.ProviderKind]*gobreaker.CircuitBreaker),
	}
}

// Dispatch runs the tasks in the background. Delivery is fire-and-forget
// from the drainer's perspective; queue state was already advanced.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []model.SendTask) {
	go func() {
		if err := d.Run(context.WithoutCancel(ctx), tasks); err != nil {
			d.logger.Error("dispatch failed", "error", err)
		}
	}()
}

// Run executes the tasks on a bounded worker pool and returns the first
// task error. Task failures do not cancel sibling tasks.
func (d *Dispatcher) Run(ctx context.Context, tasks []model.SendTask) error {
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			return d.send(ctx, task)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) send(ctx context.Context, task model.SendTask) error {
	entry := task.Entry

	canceled, err := d.store.IsCanceled(ctx, entry.CompanyID, entry.CampaignID)
	if err != nil {
		return fmt.Errorf("queue: check cancellation: %w", err)
	}
	if canceled {
		return nil
	}

	adapter, err := d.registry.Get(entry.Params.Provider)
	if err != nil {
		return d.fatal(ctx, &entry, err)
	}
	settings, err := d.store.GetProviderSettings(ctx, entry.CompanyID, entry.Params.SinkID)
	if err != nil {
		return d.fatal(ctx, &entry, fmt.Errorf("queue: load provider settings: %w", err))
	}

	body, err := d.objects.Read(ctx, d.cfg.DataBucket, entry.Params.BodyKey)
	if err != nil {
		return d.fatal(ctx, &entry, fmt.Errorf("queue: read body: %w", err))
	}

	recipients, fields, err := d.sliceRecipients(ctx, &entry, task.Offset, task.Count)
	if err != nil {
		return d.fatal(ctx, &entry, err)
	}
	if len(recipients) == 0 {
		return nil
	}

	if err := d.writeTransfer(ctx, &entry, task.Offset, recipients, fields); err != nil {
		d.logger.Warn("transfer copy failed", "error", err)
	}

	// a cancellation racing the drain pass stops here, before the
	// provider call
	canceled, err = d.store.IsCanceled(ctx, entry.CompanyID, entry.CampaignID)
	if err != nil {
		return fmt.Errorf("queue: check cancellation: %w", err)
	}
	if canceled {
		return nil
	}

	ptask := &provider.Task{
		Mode:       d.mode,
		CompanyID:  entry.CompanyID,
		CampaignID: entry.CampaignID,
		SendID:     entry.SendID,
		Domain:     entry.Domain,
		Params:     entry.Params,
		Settings:   settings.Data,
		Subject:    entry.Params.Subject,
		HTML:       string(body),
		WebRoot:    d.cfg.WebRoot,
		Recipients: recipients,
	}

	cb := d.breaker(entry.Params.Provider)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, adapter.Send(ctx, ptask)
	})
	if err != nil {
		metrics.Get().ProviderErrors.WithLabelValues(string(entry.Params.Provider)).Inc()
		if errors.Is(err, provider.ErrRejected) {
			return d.fatal(ctx, &entry, err)
		}
		// recipient-scoped failures were already reported by the
		// adapter; surface the error without ending the campaign
		d.logger.Error("send task errored",
			"campaign", entry.CampaignID, "provider", entry.Params.Provider, "error", err)
		return err
	}

	metrics.Get().SendsDispatched.Add(float64(len(recipients)))
	return nil
}

// fatal handles a batch-scoped failure: in production it is written onto
// the campaign as a terminal error, in test mode it is only returned.
func (d *Dispatcher) fatal(ctx context.Context, entry *model.QueueEntry, cause error) error {
	if d.mode == provider.ModeProduction {
		if err := d.store.FailCampaign(ctx, entry.CompanyID, entry.CampaignID, cause.Error()); err != nil {
			d.logger.Error("record campaign failure", "campaign", entry.CampaignID, "error", err)
		}
	}
	return cause
}

// sliceRecipients streams the entry's list block, keeping rows for the
// entry's domain, skipping offset rows and taking count. Each kept row
// gets a fresh tracking id.
func (d *Dispatcher) sliceRecipients(ctx context.Context, entry *model.QueueEntry, offset, count int) ([]provider.Recipient, []string, error) {
	stream, err := d.objects.ReadStream(ctx, d.cfg.DataBucket, entry.Params.ListKey)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: read list block: %w", err)
	}
	defer stream.Close()

	rr, err := objstore.NewRecipientReader(stream)
	if err != nil {
		return nil, nil, err
	}

	var out []provider.Recipient
	pos := 0
	for {
		rec, err := rr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if rec.Domain() != entry.Domain {
			continue
		}
		if pos >= offset {
			out = append(out, provider.Recipient{Recipient: rec, TrackingID: uuid.NewString()})
			if len(out) >= count {
				break
			}
		}
		pos++
	}
	return out, rr.Fields(), nil
}

// writeTransfer records the dispatched slice as its own block, preserving
// an audit copy of exactly which rows this task consumed.
func (d *Dispatcher) writeTransfer(ctx context.Context, entry *model.QueueEntry, offset int, recipients []provider.Recipient, fields []string) error {
	var buf bytes.Buffer
	bw, err := objstore.NewRecipientWriter(&buf, fields)
	if err != nil {
		return err
	}
	for i := range recipients {
		if err := bw.Write(&recipients[i].Recipient); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	dir, file := path.Split(entry.Params.ListKey)
	key := fmt.Sprintf("%s%d-%s-%s", dir, offset, entry.Domain, file)
	return d.objects.Write(ctx, d.cfg.TransferBucket, key, buf.Bytes())
}

// breaker returns the submission circuit breaker for one provider kind.
func (d *Dispatcher) breaker(kind model.ProviderKind) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[kind]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(kind),
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Info("circuit breaker state changed",
					"provider", name, "from", from.String(), "to", to.String())
			},
		})
		d.breakers[kind] = cb
	}
	return cb
}
