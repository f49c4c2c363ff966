package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

func TestNotifySignsAndDelivers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedCampaign(t)

	type received struct {
		body []byte
		sig  string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, sig: r.Header.Get(SignatureHeader)}
	}))
	defer srv.Close()

	env.store.PutWebhook(store.Webhook{
		ID:        "wh1",
		CompanyID: "c1",
		URL:       srv.URL,
		Secret:    "topsecret",
	})

	e := openEvent()
	e.Kind = model.EventHardBounce
	e.Message = "550 user unknown"
	require.NoError(t, env.in.Record(ctx, e))

	r := <-got
	assert.Equal(t, Sign("topsecret", r.body), r.sig)

	var msgs []Notification
	require.NoError(t, json.Unmarshal(r.body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "bounce", msgs[0].Type)
	assert.Equal(t, "hard", msgs[0].BounceType)
	assert.Equal(t, "550 user unknown", msgs[0].Code)
	assert.Equal(t, "a@gmail.com", msgs[0].Email)
	assert.Equal(t, "camp1", msgs[0].Source["broadcast"])
}

func TestNotifyFiltersByEventType(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedCampaign(t)

	calls := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
	}))
	defer srv.Close()

	env.store.PutWebhook(store.Webhook{
		ID:        "wh1",
		CompanyID: "c1",
		URL:       srv.URL,
		Events:    []string{"unsub"},
	})

	require.NoError(t, env.in.Record(ctx, openEvent()))
	assert.Empty(t, calls, "open filtered out by the subscription")

	e := openEvent()
	e.Kind = model.EventUnsubscribe
	require.NoError(t, env.in.Record(ctx, e))
	<-calls
}
