package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

func (e *apiEnv) seedTracking(t *testing.T, id string) {
	t.Helper()
	err := e.store.InsertTracking(context.Background(), store.Tracking{
		ID:         id,
		CompanyID:  "c1",
		CampaignID: "camp1",
		Email:      "a@gmail.com",
		SinkID:     "sinkA",
		SettingsID: "s1",
		IP:         "10.0.0.1",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestTrackOpenPixel(t *testing.T) {
	ctx := context.Background()
	env := newAPIEnv(t)
	env.seedCampaign(t)
	env.seedTracking(t, "track1")

	uid := provider.EncodeUID("a@gmail.com")
	w := env.do("GET", fmt.Sprintf("/l?t=o&c=camp1&u=%s&r=track1", uid), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Equal(t, trackingGIF, w.Body.Bytes())

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.Counters.Opened)

	totals := env.store.HourStatTotals("c1")
	assert.Equal(t, 1, totals.Opened, "tracking row supplies the attribution")
}

func TestTrackClickRedirect(t *testing.T) {
	ctx := context.Background()
	env := newAPIEnv(t)
	env.seedCampaign(t)
	env.seedTracking(t, "track1")
	require.NoError(t, env.store.SetCampaignLinks(ctx, "c1", "camp1",
		[]string{"https://example.com/offer?ref={{Ref}}"}))

	uid := provider.EncodeUID("a@gmail.com")
	w := env.do("GET", fmt.Sprintf("/l?t=a&c=camp1&u=%s&r=track1&l=0&p=summer", uid), "")
	require.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.com/offer?ref=summer", w.Header().Get("Location"))

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.Counters.Clicked)

	_, clicks, err := env.store.CampaignLinks(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.Equal(t, 1, clicks[0])
}

func TestTrackUnsubPage(t *testing.T) {
	ctx := context.Background()
	env := newAPIEnv(t)
	env.seedCampaign(t)
	env.seedTracking(t, "track1")

	uid := provider.EncodeUID("a@gmail.com")
	w := env.do("GET", fmt.Sprintf("/l?t=u&c=camp1&u=%s&r=track1", uid), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unsubscribed")

	sup, err := env.store.GetSuppression(ctx, "c1", "a@gmail.com")
	require.NoError(t, err)
	assert.True(t, sup.Unsubscribed)
}

func TestTrackBuffersUnknownTracking(t *testing.T) {
	ctx := context.Background()
	env := newAPIEnv(t)
	env.seedCampaign(t)

	uid := provider.EncodeUID("a@gmail.com")
	w := env.do("GET", fmt.Sprintf("/l?t=o&c=camp1&u=%s&r=ghost", uid), "")
	require.Equal(t, http.StatusOK, w.Code, "the pixel is served regardless")

	pending, err := env.counters.DrainList(ctx, "tracking-ghost")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "event held for replay")

	camp, err := env.store.GetCampaign(ctx, "c1", "camp1")
	require.NoError(t, err)
	assert.Zero(t, camp.Counters.Opened)
}

func TestTrackRejectsBadRequests(t *testing.T) {
	env := newAPIEnv(t)

	cases := []struct {
		name   string
		target string
	}{
		{"missing type", "/l?c=camp1"},
		{"missing campaign", "/l?t=o"},
		{"unknown type letter", "/l?t=9&c=camp1&u=abc"},
		{"undecodable uid", "/l?t=o&c=camp1&u=%21%21%21"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do("GET", tc.target, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestTrackView(t *testing.T) {
	ctx := context.Background()
	env := newAPIEnv(t)
	env.seedCampaign(t, func(c *model.Campaign) {
		c.BodyKey = "templates/camp/c1/body.html"
	})

	body := `<html><body>` +
		`<p>Hello {{FirstName,default=Friend}}</p>` +
		`<a href="https://x.test/l?t=a&c=camp1&u={{!!uid}}&r={{!!trackingid}}">go</a>` +
		`<img src="https://x.test/l?t=o" height="1" width="1"/>` +
		`</body></html>`
	require.NoError(t, env.objects.Write(ctx, "sendmail-data", "templates/camp/c1/body.html", []byte(body)))

	w := env.do("GET", "/l?t=x&cid=c1&c=camp1", "")
	require.Equal(t, http.StatusOK, w.Code)

	html := w.Body.String()
	assert.Contains(t, html, "Hello Friend", "merge tags collapse to defaults")
	assert.Contains(t, html, "u=w&r=w", "tracking ids become the web-view placeholder")
	assert.NotContains(t, html, "height=\"1\"", "tracking pixel stripped")

	t.Run("missing company id", func(t *testing.T) {
		w := env.do("GET", "/l?t=x&c=camp1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("unknown campaign", func(t *testing.T) {
		w := env.do("GET", "/l?t=x&cid=c1&c=nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
