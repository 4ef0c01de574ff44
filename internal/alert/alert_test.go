package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/store"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func critical(tierID string) model.Alert {
	return model.Alert{Kind: model.AlertCapacity, Severity: model.SeverityCritical, TierID: tierID, Message: tierID + " over 90%"}
}

func TestDispatchCooldown(t *testing.T) {
	clk := clock.NewFake(t0)
	mock := &MockChannel{}
	d := NewDispatcher(mock, nil, Options{Cooldown: time.Hour, Clock: clk})
	ctx := context.Background()

	sent, err := d.Dispatch(ctx, critical("core"))
	require.NoError(t, err)
	assert.True(t, sent)

	for i := 0; i < 5; i++ {
		clk.Add(5 * time.Minute)
		sent, err = d.Dispatch(ctx, critical("core"))
		require.NoError(t, err)
		assert.False(t, sent, "repeat %d inside cooldown", i)
	}

	// Other keys are independent.
	sent, _ = d.Dispatch(ctx, critical("main"))
	assert.True(t, sent)
	warn := critical("core")
	warn.Severity = model.SeverityWarning
	sent, _ = d.Dispatch(ctx, warn)
	assert.True(t, sent)

	clk.Add(time.Hour)
	sent, _ = d.Dispatch(ctx, critical("core"))
	assert.True(t, sent)

	assert.Equal(t, 3, mock.Count(model.AlertCapacity, model.SeverityCritical))
	assert.Equal(t, 2, coreCriticals(mock))
}

func coreCriticals(m *MockChannel) int {
	n := 0
	for _, a := range m.Sent() {
		if a.TierID == "core" && a.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}

func TestDispatchResolveKeepsCooldown(t *testing.T) {
	clk := clock.NewFake(t0)
	mock := &MockChannel{}
	d := NewDispatcher(mock, nil, Options{Cooldown: time.Hour, Clock: clk})
	ctx := context.Background()

	_, _ = d.Dispatch(ctx, critical("core"))
	assert.True(t, d.Active(model.AlertCapacity, "core", model.SeverityCritical))

	d.Resolve(model.AlertCapacity, "core")
	assert.False(t, d.Active(model.AlertCapacity, "core", model.SeverityCritical))

	clk.Add(time.Minute)
	sent, err := d.Dispatch(ctx, critical("core"))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.True(t, d.Active(model.AlertCapacity, "core", model.SeverityCritical))
	assert.Len(t, mock.Sent(), 1)

	clk.Add(time.Hour)
	sent, err = d.Dispatch(ctx, critical("core"))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Len(t, mock.Sent(), 2)
}

func TestDispatchPersistsAndStampsTime(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	clk := clock.NewFake(t0)
	mock := &MockChannel{}
	d := NewDispatcher(mock, db, Options{Cooldown: time.Hour, Clock: clk})

	_, err = d.Dispatch(context.Background(), critical("core"))
	require.NoError(t, err)

	alerts, err := db.ListAlerts(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].RaisedAt.Equal(t0))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alerts[0].ID, sent[0].ID)
}

func TestDispatchSendFailureNotRetried(t *testing.T) {
	clk := clock.NewFake(t0)
	mock := &MockChannel{Err: errors.New("pager down")}
	d := NewDispatcher(mock, nil, Options{Cooldown: time.Hour, Clock: clk})

	sent, err := d.Dispatch(context.Background(), critical("core"))
	assert.Error(t, err)
	assert.False(t, sent)

	mock.Err = nil
	sent, err = d.Dispatch(context.Background(), critical("core"))
	assert.NoError(t, err)
	assert.False(t, sent, "cooldown applies after a failed send")
	assert.Len(t, mock.Sent(), 1)
}

func TestWebhookSend(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second)
	a := critical("core")
	a.RaisedAt = t0
	require.NoError(t, w.Send(context.Background(), a))
	assert.Equal(t, "tierkeeper", got.Source)
	assert.Equal(t, "core", got.Alert.TierID)
	assert.Equal(t, "[critical] core over 90%", got.Text)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Send(context.Background(), critical("core"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewChannel(t *testing.T) {
	logger := zap.NewNop()

	ch, err := NewChannel(config.AlertsConfig{Channel: "log"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LogChannel{}, ch)
	assert.NoError(t, ch.Send(context.Background(), critical("core")))

	ch, err = NewChannel(config.AlertsConfig{Channel: "webhook", WebhookURL: "http://example.invalid/hook"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &Webhook{}, ch)

	_, err = NewChannel(config.AlertsConfig{Channel: "webhook"}, logger)
	assert.Error(t, err)
	_, err = NewChannel(config.AlertsConfig{Channel: "carrier-pigeon"}, logger)
	assert.Error(t, err)
}
