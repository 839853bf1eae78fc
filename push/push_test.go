package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secretlove/love-relay/metrics"
	"github.com/secretlove/love-relay/storage"
)

type fakeProvider struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (f *fakeProvider) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func newDispatcher(t *testing.T, p Provider) (*Dispatcher, TokenStore, *metrics.Metrics) {
	t.Helper()
	tokens := storage.NewMemoryStorage(time.Hour)
	m := metrics.New()
	return NewDispatcher(p, tokens, quietLogger(), m), tokens, m
}

func TestDispatchSends(t *testing.T) {
	p := &fakeProvider{}
	d, tokens, m := newDispatcher(t, p)
	require.NoError(t, tokens.SetToken(context.Background(), "ak", "player-ak"))

	out := d.Dispatch(context.Background(), "ak", "ndg", "hi")
	assert.Equal(t, OutcomeSent, out)
	require.Len(t, p.sent, 1)
	n := p.sent[0]
	assert.Equal(t, "player-ak", n.Token)
	assert.Equal(t, "💕 ndg sent you a ping!", n.Title)
	assert.Equal(t, "hi", n.Body)
	assert.Equal(t, "ndg", n.Data["from"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PushDispatches.WithLabelValues("sent")))
}

func TestDispatchWithoutTokenIsNoop(t *testing.T) {
	p := &fakeProvider{}
	d, _, _ := newDispatcher(t, p)
	assert.Equal(t, OutcomeNoToken, d.Dispatch(context.Background(), "ak", "ndg", "hi"))
	assert.Empty(t, p.sent)
}

func TestDispatchDisabled(t *testing.T) {
	d, tokens, _ := newDispatcher(t, nil)
	require.NoError(t, tokens.SetToken(context.Background(), "ak", "player-ak"))
	assert.False(t, d.Enabled())
	assert.Equal(t, OutcomeDisabled, d.Dispatch(context.Background(), "ak", "ndg", "hi"))
}

func TestDispatchProviderErrorIsSwallowedAndNotRetried(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	d, tokens, _ := newDispatcher(t, p)
	require.NoError(t, tokens.SetToken(context.Background(), "ak", "player-ak"))
	assert.Equal(t, OutcomeFailed, d.Dispatch(context.Background(), "ak", "ndg", "hi"))
	assert.Len(t, p.sent, 1)
}

func TestNewOneSignalDisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewOneSignal("", "key", "", 0))
	assert.Nil(t, NewOneSignal("app", "", "", 0))
}

func TestOneSignalSend(t *testing.T) {
	var got oneSignalRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"abc","recipients":1}`))
	}))
	defer srv.Close()

	o := NewOneSignal("app-id", "secret", srv.URL, time.Second)
	require.NotNil(t, o)
	err := o.Send(context.Background(), Notification{
		Token: "player-ak",
		Title: "title",
		Body:  "body",
		Data:  map[string]any{"from": "ndg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Basic secret", auth)
	assert.Equal(t, "app-id", got.AppID)
	assert.Equal(t, []string{"player-ak"}, got.IncludePlayerIDs)
	assert.Equal(t, "title", got.Headings["en"])
	assert.Equal(t, "body", got.Contents["en"])
}

func TestOneSignalErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["invalid player ids"]}`))
	}))
	defer srv.Close()

	o := NewOneSignal("app-id", "secret", srv.URL, time.Second)
	err := o.Send(context.Background(), Notification{Token: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
