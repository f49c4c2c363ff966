package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/ratelimit"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// captureDispatch records dispatched tasks instead of sending them.
type captureDispatch struct {
	mu    sync.Mutex
	tasks []model.SendTask
}

func (c *captureDispatch) Dispatch(_ context.Context, tasks []model.SendTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, tasks...)
}

func (c *captureDispatch) all() []model.SendTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.SendTask(nil), c.tasks...)
}

type drainEnv struct {
	store    *store.Memory
	counters *counter.Memory
	sink     *captureDispatch
	drainer  *Drainer
}

func newDrainEnv(t *testing.T, company *model.Company) *drainEnv {
	t.Helper()
	st := store.NewMemory()
	cnt := counter.NewMemory()
	sink := &captureDispatch{}
	st.PutCompany(company)
	return &drainEnv{
		store:    st,
		counters: cnt,
		sink:     sink,
		drainer:  NewDrainer(st, ratelimit.New(cnt), sink, DefaultDrainerConfig()),
	}
}

func (e *drainEnv) seedCampaign(t *testing.T, campID string, sinks ...string) {
	t.Helper()
	status := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		status[s] = false
	}
	e.store.PutCampaign(&model.Campaign{
		ID:         campID,
		CompanyID:  "c1",
		RouteID:    "r1",
		SinkStatus: status,
	})
}

func queueEntry(campID, sinkID, domain string, kind model.ProviderKind, count int) model.QueueEntry {
	return model.QueueEntry{
		CompanyID:  "c1",
		CampaignID: campID,
		SendID:     "send1",
		Domain:     domain,
		Count:      count,
		Remaining:  count,
		Params: model.SendParams{
			Provider: kind,
			SinkID:   sinkID,
			ListKey:  "lists/camp1-g1/blk.blk",
		},
	}
}

func TestRunPassGrantsWithinLimit(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1", PerSendLimit: model.LimitOf(4)})
	env.seedCampaign(t, "camp1", "sinkA")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 10),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	tasks := env.sink.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, tasks[0].Offset)
	assert.Equal(t, 4, tasks[0].Count)

	entries, err := env.store.QueueEntries(ctx, "c1", "camp1", "gmail.com")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 6, entries[0].Remaining, "granted sends consumed from the entry")

	t.Run("next pass resumes at the consumed offset", func(t *testing.T) {
		require.NoError(t, env.drainer.RunPass(ctx))
		tasks := env.sink.all()
		require.Len(t, tasks, 2)
		assert.Equal(t, 4, tasks[1].Offset)
		assert.Equal(t, 4, tasks[1].Count)
	})
}

func TestRunPassLockHeld(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1"})
	env.seedCampaign(t, "camp1", "sinkA")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 10),
	}))

	unlock, ok, err := env.store.TryLock(ctx, DrainLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = unlock() }()

	require.NoError(t, env.drainer.RunPass(ctx))
	assert.Empty(t, env.sink.all(), "pass is a no-op while another holds the lock")
}

func TestRunPassDrainsAndFinishes(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1"})
	env.seedCampaign(t, "camp1", "sinkA")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 10),
		queueEntry("camp1", "sinkA", "yahoo.com", model.ProviderBulkAPI, 5),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	total := 0
	for _, task := range env.sink.all() {
		total += task.Count
	}
	assert.Equal(t, 15, total)

	entries, remaining, err := env.store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, entries)
	assert.Zero(t, remaining)

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.True(t, camp.SinkStatus["sinkA"])
	require.NotNil(t, camp.FinishedAt, "campaign finishes when the last sink drains")
	assert.Empty(t, camp.Error)
}

func TestRunPassHoldsFinishForPendingSink(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1"})
	env.seedCampaign(t, "camp1", "sinkA", "sinkB")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 5),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.True(t, camp.SinkStatus["sinkA"])
	assert.False(t, camp.SinkStatus["sinkB"])
	assert.Nil(t, camp.FinishedAt, "campaign stays open until every sink drains")
}

func TestRunPassSubBatchesNonBatchProvider(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1"})
	env.seedCampaign(t, "camp1", "sinkA")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderSMTPRelay, 2500),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	tasks := env.sink.all()
	require.Len(t, tasks, 3)
	assert.Equal(t, 0, tasks[0].Offset)
	assert.Equal(t, 1000, tasks[0].Count)
	assert.Equal(t, 1000, tasks[1].Offset)
	assert.Equal(t, 1000, tasks[1].Count)
	assert.Equal(t, 2000, tasks[2].Offset)
	assert.Equal(t, 500, tasks[2].Count)
}

func TestRunPassSkipsDeniedCompany(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1", Paused: true})
	env.seedCampaign(t, "camp1", "sinkA")
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 10),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	assert.Empty(t, env.sink.all())
	entries, err := env.store.QueueEntries(ctx, "c1", "camp1", "gmail.com")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].Remaining, "denied group left untouched")
}

func TestRunPassCanceledCampaignNotFinished(t *testing.T) {
	ctx := context.Background()
	env := newDrainEnv(t, &model.Company{ID: "c1"})
	env.store.PutCampaign(&model.Campaign{
		ID:         "camp1",
		CompanyID:  "c1",
		RouteID:    "r1",
		Canceled:   true,
		SinkStatus: map[string]bool{"sinkA": false},
	})
	require.NoError(t, env.store.InsertQueueEntries(ctx, []model.QueueEntry{
		queueEntry("camp1", "sinkA", "gmail.com", model.ProviderBulkAPI, 5),
	}))

	require.NoError(t, env.drainer.RunPass(ctx))

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.Nil(t, camp.FinishedAt, "cancellation owns the terminal state")
}

func TestEntryTasksResumeOffset(t *testing.T) {
	d := NewDrainer(nil, nil, nil, DefaultDrainerConfig())

	entry := model.QueueEntry{
		Count:     500,
		Remaining: 300,
		Params:    model.SendParams{Provider: model.ProviderBulkAPI, Offset: 1000},
	}
	tasks := d.entryTasks(entry, 100)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1200, tasks[0].Offset, "entry offset plus already-consumed rows")
	assert.Equal(t, 100, tasks[0].Count)
}
