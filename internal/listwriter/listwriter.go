// Package listwriter turns a campaign's filtered recipient set into
// domain-partitioned, percentage-split list blocks and durable queue
// entries. Partition tasks fan out per routing rule and shard; counted
// gather barriers detect when a rule, and then the whole campaign, has
// finished partitioning, at which point the blocks are converted into
// rate-limited queue work.
package listwriter

import (
	"context"
	"log/slog"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// Segmenter resolves a campaign's recipient selector into rows. Rows arrive
// deduplicated and suppression-filtered; shards partition the population
// disjointly by a stable hash so partition tasks can run in parallel.
type Segmenter interface {
	Recipients(ctx context.Context, companyID string, campaign *model.Campaign, shard, shards int) ([]model.Recipient, error)
}

// Renderer produces the campaign's final HTML body and its tracked link
// URLs, in link-index order.
type Renderer interface {
	Render(ctx context.Context, campaign *model.Campaign) (html string, linkURLs []string, err error)
}

// Config carries the writer's operational settings.
type Config struct {
	// DataBucket holds list blocks and rendered bodies.
	DataBucket string `toml:"data_bucket"`
	// Shards is the number of partition tasks per routing rule.
	Shards int `toml:"shards"`
	// MaxBatch bounds how many recipients one queue entry may carry for a
	// provider that sends one message per round trip.
	MaxBatch int `toml:"max_batch"`
}

// DefaultConfig returns the writer defaults.
func DefaultConfig() Config {
	return Config{
		DataBucket: "sendmail-data",
		Shards:     1,
		MaxBatch:   model.BatchProviderMax,
	}
}

// Writer persists campaign list blocks and converts them into queue entries.
type Writer struct {
	store    store.Store
	objects  objstore.Store
	segments Segmenter
	render   Renderer
	cfg      Config
	logger   *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(st store.Store, objects objstore.Store, segments Segmenter, render Renderer, cfg Config) *Writer {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = model.BatchProviderMax
	}
	return &Writer{
		store:    st,
		objects:  objects,
		segments: segments,
		render:   render,
		cfg:      cfg,
		logger:   slog.Default().With("component", "listwriter"),
	}
}

// SinkTarget is one weighted delivery target of a routing rule: a hosted
// sink from a policy, or a direct third-party provider configuration.
type SinkTarget struct {
	ID       string             `json:"id"`
	Provider model.ProviderKind `json:"policytype"`
	Pct      int                `json:"pct"`
}

// blockRef locates one written list block.
type blockRef struct {
	SinkID string `json:"sinkid"`
	SendID string `json:"sendid"`
	Key    string `json:"key"`
	Count  int    `json:"count"`
}

// partResult is the gather payload of one partition task.
type partResult struct {
	Blocks []blockRef `json:"blocks"`
	// CountsBySend maps send-batch id to per-domain recipient counts.
	CountsBySend map[string]map[string]int `json:"countsbysend"`
}

// ruleResult is the gather payload of one completed routing rule.
type ruleResult struct {
	TaskID       string                    `json:"taskid"`
	SettingsID   string                    `json:"settingsid"`
	Sinks        []SinkTarget              `json:"sinks"`
	Blocks       []blockRef                `json:"blocks"`
	CountsBySend map[string]map[string]int `json:"countsbysend"`
}
