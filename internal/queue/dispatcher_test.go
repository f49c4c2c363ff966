package queue

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// stubAdapter records the tasks it receives and returns a fixed error.
type stubAdapter struct {
	kind model.ProviderKind
	err  error

	mu    sync.Mutex
	tasks []*provider.Task
}

func (a *stubAdapter) Kind() model.ProviderKind { return a.kind }

func (a *stubAdapter) Send(_ context.Context, task *provider.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, task)
	return a.err
}

func (a *stubAdapter) all() []*provider.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*provider.Task(nil), a.tasks...)
}

type dispatchEnv struct {
	store   *store.Memory
	objects *objstore.Memory
	adapter *stubAdapter
	d       *Dispatcher
}

func newDispatchEnv(t *testing.T, mode provider.Mode, sendErr error) *dispatchEnv {
	t.Helper()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	adapter := &stubAdapter{kind: model.ProviderBulkAPI, err: sendErr}
	registry := provider.NewRegistry()
	registry.Register(adapter)

	st.PutCompany(&model.Company{ID: "c1"})
	st.PutCampaign(&model.Campaign{ID: "camp1", CompanyID: "c1"})
	st.PutProviderSettings(&store.ProviderSettings{
		ID:        "sinkA",
		CompanyID: "c1",
		Kind:      model.ProviderBulkAPI,
		Data:      map[string]string{"apikey": "k"},
	})

	cfg := DispatcherConfig{
		Workers:        2,
		DataBucket:     "data",
		TransferBucket: "transfer",
		WebRoot:        "https://mail.example.com",
	}
	return &dispatchEnv{
		store:   st,
		objects: objects,
		adapter: adapter,
		d:       NewDispatcher(st, objects, registry, mode, cfg),
	}
}

// writeBlock stores a CSV list block with the given addresses.
func (e *dispatchEnv) writeBlock(t *testing.T, key string, emails []string) {
	t.Helper()
	var buf bytes.Buffer
	bw, err := objstore.NewRecipientWriter(&buf, nil)
	require.NoError(t, err)
	for _, addr := range emails {
		require.NoError(t, bw.Write(&model.Recipient{Email: addr}))
	}
	require.NoError(t, bw.Flush())
	require.NoError(t, e.objects.Write(context.Background(), "data", key, buf.Bytes()))
}

func (e *dispatchEnv) task(domain string, offset, count int) model.SendTask {
	return model.SendTask{
		Entry: model.QueueEntry{
			CompanyID:  "c1",
			CampaignID: "camp1",
			SendID:     "send1",
			Domain:     domain,
			Count:      count,
			Remaining:  count,
			Params: model.SendParams{
				Provider: model.ProviderBulkAPI,
				SinkID:   "sinkA",
				Subject:  "Hello",
				BodyKey:  "templates/camp/c1/body.html",
				ListKey:  "lists/camp1-g1/blk.blk",
			},
		},
		Offset: offset,
		Count:  count,
	}
}

func TestRunSlicesByDomainAndOffset(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeProduction, nil)

	var emails []string
	for i := 0; i < 4; i++ {
		emails = append(emails, fmt.Sprintf("g%d@gmail.com", i), fmt.Sprintf("y%d@yahoo.com", i))
	}
	env.writeBlock(t, "lists/camp1-g1/blk.blk", emails)
	require.NoError(t, env.objects.Write(ctx, "data", "templates/camp/c1/body.html", []byte("<p>hi</p>")))

	require.NoError(t, env.d.Run(ctx, []model.SendTask{env.task("gmail.com", 2, 2)}))

	tasks := env.adapter.all()
	require.Len(t, tasks, 1)
	got := tasks[0]
	require.Len(t, got.Recipients, 2)
	assert.Equal(t, "g2@gmail.com", got.Recipients[0].Email)
	assert.Equal(t, "g3@gmail.com", got.Recipients[1].Email)
	assert.NotEmpty(t, got.Recipients[0].TrackingID)
	assert.NotEqual(t, got.Recipients[0].TrackingID, got.Recipients[1].TrackingID)
	assert.Equal(t, "<p>hi</p>", got.HTML)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, "k", got.Settings["apikey"])
	assert.Equal(t, provider.ModeProduction, got.Mode)

	t.Run("transfer copy", func(t *testing.T) {
		data, err := env.objects.Read(ctx, "transfer", "lists/camp1-g1/2-gmail.com-blk.blk")
		require.NoError(t, err)
		assert.Contains(t, string(data), "g2@gmail.com")
		assert.Contains(t, string(data), "g3@gmail.com")
		assert.NotContains(t, string(data), "yahoo.com")
	})
}

func TestRunSkipsCanceledCampaign(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeProduction, nil)
	env.store.PutCampaign(&model.Campaign{ID: "camp1", CompanyID: "c1", Canceled: true})
	env.writeBlock(t, "lists/camp1-g1/blk.blk", []string{"a@gmail.com"})

	require.NoError(t, env.d.Run(ctx, []model.SendTask{env.task("gmail.com", 0, 1)}))
	assert.Empty(t, env.adapter.all())
}

func TestRunRejectionFailsCampaignInProduction(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeProduction,
		fmt.Errorf("%w: status 500", provider.ErrRejected))
	env.writeBlock(t, "lists/camp1-g1/blk.blk", []string{"a@gmail.com"})
	require.NoError(t, env.objects.Write(ctx, "data", "templates/camp/c1/body.html", []byte("x")))

	err := env.d.Run(ctx, []model.SendTask{env.task("gmail.com", 0, 1)})
	require.Error(t, err)

	camp, gerr := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, gerr)
	assert.NotEmpty(t, camp.Error)
	assert.NotNil(t, camp.FinishedAt)
}

func TestRunRejectionSurfacesInTestMode(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeTest,
		fmt.Errorf("%w: status 500", provider.ErrRejected))
	env.writeBlock(t, "lists/camp1-g1/blk.blk", []string{"a@gmail.com"})
	require.NoError(t, env.objects.Write(ctx, "data", "templates/camp/c1/body.html", []byte("x")))

	err := env.d.Run(ctx, []model.SendTask{env.task("gmail.com", 0, 1)})
	require.Error(t, err)

	camp, gerr := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, gerr)
	assert.Empty(t, camp.Error, "test sends never touch the campaign")
	assert.Nil(t, camp.FinishedAt)
}

func TestRunMissingSettingsIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeProduction, nil)
	env.writeBlock(t, "lists/camp1-g1/blk.blk", []string{"a@gmail.com"})

	task := env.task("gmail.com", 0, 1)
	task.Entry.Params.SinkID = "missing"
	err := env.d.Run(ctx, []model.SendTask{task})
	require.Error(t, err)

	camp, gerr := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, gerr)
	assert.NotEmpty(t, camp.Error)
	assert.Empty(t, env.adapter.all())
}

func TestRunEmptySliceIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t, provider.ModeProduction, nil)
	env.writeBlock(t, "lists/camp1-g1/blk.blk", []string{"a@gmail.com"})
	require.NoError(t, env.objects.Write(ctx, "data", "templates/camp/c1/body.html", []byte("x")))

	// offset beyond the block's rows for the domain
	require.NoError(t, env.d.Run(ctx, []model.SendTask{env.task("gmail.com", 5, 2)}))
	assert.Empty(t, env.adapter.all())
}
