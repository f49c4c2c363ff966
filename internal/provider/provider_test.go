package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

type mockReporter struct {
	mu       sync.Mutex
	sends    []SendRecord
	failures []SendRecord
	messages []string
}

func (m *mockReporter) RecordSend(_ context.Context, r SendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, r)
	return nil
}

func (m *mockReporter) RecordFailure(_ context.Context, r SendRecord, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, r)
	m.messages = append(m.messages, msg)
	return nil
}

func testTask(settings map[string]string, recipients ...Recipient) *Task {
	return &Task{
		Mode:       ModeProduction,
		CompanyID:  "c1",
		CampaignID: "camp1",
		SendID:     "send1",
		Domain:     "gmail.com",
		Params: model.SendParams{
			Provider:   model.ProviderBulkAPI,
			SinkID:     "sink1",
			SettingsID: "set1",
			From:       "Ann <ann@news.example.com>",
			FromDomain: "news.example.com",
			Subject:    "s",
		},
		Settings:   settings,
		Subject:    "Hi {{FirstName,default=Friend}}",
		HTML:       "<p>Hello {{FirstName,default=Friend}} {{!!trackingid}}</p>",
		WebRoot:    "https://track.example.com",
		Recipients: recipients,
	}
}

func TestRegistry(t *testing.T) {
	rep := &mockReporter{}
	reg := NewRegistry()
	reg.Register(NewBulkAPI(rep))

	a, err := reg.Get(model.ProviderBulkAPI)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderBulkAPI, a.Kind())

	_, err = reg.Get(model.ProviderSMTPRelay)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestBulkAPISend(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "key123", pass)
		assert.Equal(t, "/v3/news.example.com/messages", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		got, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := &mockReporter{}
	adapter := NewBulkAPI(rep)
	task := testTask(map[string]string{
		"apikey":  "key123",
		"domain":  "news.example.com",
		"baseurl": srv.URL,
	},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com",
			Fields: map[string]string{"FirstName": "Ann"}}, TrackingID: "t-1"},
		Recipient{Recipient: model.Recipient{Email: "b@gmail.com"}, TrackingID: "t-2"},
	)

	require.NoError(t, adapter.Send(context.Background(), task))

	assert.Equal(t, []string{"a@gmail.com", "b@gmail.com"}, got["to"])
	assert.Contains(t, got.Get("html"), "%recipient.FirstName%")
	assert.Contains(t, got.Get("html"), "%recipient.!!trackingid%")

	var rv map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(got.Get("recipient-variables")), &rv))
	assert.Equal(t, "Ann", rv["a@gmail.com"]["FirstName"])
	assert.Equal(t, "Friend", rv["b@gmail.com"]["FirstName"], "missing field uses default")
	assert.Equal(t, "t-2", rv["b@gmail.com"][TagTrackingID])

	require.Len(t, rep.sends, 2)
	assert.Equal(t, "t-1", rep.sends[0].TrackingID)
	assert.Empty(t, rep.failures)
}

func TestBulkAPIRejectionFailsEveryRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	rep := &mockReporter{}
	adapter := NewBulkAPI(rep)
	task := testTask(map[string]string{
		"apikey": "k", "domain": "news.example.com", "baseurl": srv.URL,
	},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com"}, TrackingID: "t-1"},
		Recipient{Recipient: model.Recipient{Email: "b@gmail.com"}, TrackingID: "t-2"},
	)

	err := adapter.Send(context.Background(), task)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, rep.sends)
	assert.Len(t, rep.failures, 2)
}

func TestTransactionalSend(t *testing.T) {
	var tx txTransmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transmissions", r.URL.Path)
		assert.Equal(t, "key123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := &mockReporter{}
	adapter := NewTransactional(rep)
	task := testTask(map[string]string{"apikey": "key123", "baseurl": srv.URL},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com",
			Fields: map[string]string{"FirstName": "Ann"}}, TrackingID: "t-1"},
	)

	require.NoError(t, adapter.Send(context.Background(), task))

	require.Len(t, tx.Recipients, 1)
	assert.Equal(t, "a@gmail.com", tx.Recipients[0].Address.Email)
	assert.Equal(t, "t-1", tx.Recipients[0].Metadata["trackingid"])
	assert.Equal(t, "Ann", tx.Recipients[0].SubstitutionData["FirstName"])
	assert.Equal(t, "camp1", tx.CampaignID)
	assert.Contains(t, tx.Content.HTML, "{{FirstName}}")
	assert.NotContains(t, tx.Content.HTML, "!!trackingid", "system tags are renamed to legal keys")
	require.Len(t, rep.sends, 1)
}

func TestHostedSinkSend(t *testing.T) {
	var sub sinkSubmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/send", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Access-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rep := &mockReporter{}
	adapter := NewHostedSink(rep)
	task := testTask(map[string]string{"url": srv.URL, "accesskey": "secret"},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com"}, TrackingID: "t-1"},
	)
	task.Params.BodyKey = "bodies/abc.html"
	task.Params.ListKey = "lists/c1-g1/x.blk"

	require.NoError(t, adapter.Send(context.Background(), task))
	assert.Equal(t, "camp1", sub.CampaignID)
	assert.Equal(t, "bodies/abc.html", sub.BodyKey)
	assert.Equal(t, []string{"a@gmail.com"}, sub.Emails)
	require.Len(t, rep.sends, 1)
}

type fakeSMTP struct {
	mailed []string
	rcpts  []string
	data   []string
	quits  int
	failAt int // fail Rcpt on the nth message (1-based), 0 = never
	count  int
}

type fakeWriteCloser struct {
	f *fakeSMTP
	b []byte
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *fakeWriteCloser) Close() error {
	w.f.data = append(w.f.data, string(w.b))
	return nil
}

func (f *fakeSMTP) Mail(from string) error {
	f.mailed = append(f.mailed, from)
	return nil
}

func (f *fakeSMTP) Rcpt(to string) error {
	f.count++
	if f.failAt > 0 && f.count == f.failAt {
		return assert.AnError
	}
	f.rcpts = append(f.rcpts, to)
	return nil
}

func (f *fakeSMTP) Data() (io.WriteCloser, error) { return &fakeWriteCloser{f: f}, nil }
func (f *fakeSMTP) Quit() error                   { f.quits++; return nil }
func (f *fakeSMTP) Close() error                  { return nil }

func TestSMTPRelaySend(t *testing.T) {
	fake := &fakeSMTP{}
	rep := &mockReporter{}
	adapter := NewSMTPRelay(rep)
	dials := 0
	adapter.dial = func(host string, port int, username, password string) (smtpClient, error) {
		dials++
		assert.Equal(t, "relay.example.com", host)
		assert.Equal(t, 2525, port)
		return fake, nil
	}

	task := testTask(map[string]string{
		"host": "relay.example.com", "port": "2525", "msgsperconn": "2",
	},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com"}, TrackingID: "t-1"},
		Recipient{Recipient: model.Recipient{Email: "b@gmail.com"}, TrackingID: "t-2"},
		Recipient{Recipient: model.Recipient{Email: "c@gmail.com"}, TrackingID: "t-3"},
	)
	task.Params.ReturnPath = "bounce@news.example.com"

	require.NoError(t, adapter.Send(context.Background(), task))

	assert.Equal(t, 2, dials, "reconnects after msgsperconn messages")
	assert.Equal(t, []string{"a@gmail.com", "b@gmail.com", "c@gmail.com"}, fake.rcpts)
	assert.Equal(t, []string{"bounce@news.example.com", "bounce@news.example.com", "bounce@news.example.com"}, fake.mailed)
	require.Len(t, fake.data, 3)
	assert.Contains(t, fake.data[0], "Content-Transfer-Encoding: quoted-printable")
	assert.Contains(t, fake.data[0], "List-Unsubscribe:")
	assert.Contains(t, fake.data[0], "t-1")
	require.Len(t, rep.sends, 3)
}

func TestSMTPRelayPerRecipientFailure(t *testing.T) {
	fake := &fakeSMTP{failAt: 2}
	rep := &mockReporter{}
	adapter := NewSMTPRelay(rep)
	adapter.dial = func(string, int, string, string) (smtpClient, error) { return fake, nil }

	task := testTask(map[string]string{"host": "relay.example.com"},
		Recipient{Recipient: model.Recipient{Email: "a@gmail.com"}, TrackingID: "t-1"},
		Recipient{Recipient: model.Recipient{Email: "b@gmail.com"}, TrackingID: "t-2"},
		Recipient{Recipient: model.Recipient{Email: "c@gmail.com"}, TrackingID: "t-3"},
	)

	err := adapter.Send(context.Background(), task)
	assert.Error(t, err, "first failure is surfaced")
	assert.Len(t, rep.sends, 2, "remaining recipients still go out")
	require.Len(t, rep.failures, 1)
	assert.Equal(t, "b@gmail.com", rep.failures[0].Email)
}
