// Package alert de-duplicates alerts, persists them and hands them to a
// delivery channel.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/metrics"
	"github.com/lazypower/tierkeeper/internal/model"
)

// Recorder persists alerts. *store.DB implements it.
type Recorder interface {
	AddAlert(ctx context.Context, a *model.Alert) error
}

// Dispatcher sends each (kind, tier, severity) at most once per cooldown.
type Dispatcher struct {
	channel  Channel
	recorder Recorder
	clock    clock.Clock
	cooldown time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	last   map[string]time.Time
	active map[string]bool
}

// Options configures a Dispatcher. Nil fields get working defaults.
type Options struct {
	Cooldown time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher. recorder may be nil to skip
// persistence.
func NewDispatcher(ch Channel, recorder Recorder, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		channel:  ch,
		recorder: recorder,
		clock:    opts.Clock,
		cooldown: opts.Cooldown,
		log:      opts.Logger.Named("alert"),
		metrics:  opts.Metrics,
		last:     make(map[string]time.Time),
		active:   make(map[string]bool),
	}
}

// Dispatch sends a unless an alert with the same key went out within the
// cooldown. Send failures are logged and returned, never retried; the
// cooldown starts either way.
func (d *Dispatcher) Dispatch(ctx context.Context, a model.Alert) (bool, error) {
	now := d.clock.Now()
	if a.RaisedAt.IsZero() {
		a.RaisedAt = now
	}
	key := a.DedupKey()

	d.mu.Lock()
	d.active[key] = true
	if last, ok := d.last[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.log.Debug("alert suppressed", zap.String("key", key), zap.Time("last", last))
		if d.metrics != nil {
			d.metrics.AlertsSuppressed.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		}
		return false, nil
	}
	d.last[key] = now
	d.mu.Unlock()

	if d.recorder != nil {
		if err := d.recorder.AddAlert(ctx, &a); err != nil {
			d.log.Warn("persist alert failed", zap.String("key", key), zap.Error(err))
		}
	}
	if d.metrics != nil {
		d.metrics.AlertsRaised.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}

	if err := d.channel.Send(ctx, a); err != nil {
		d.log.Error("send alert failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

// Resolve marks the condition for a kind and tier cleared at every
// severity. Cooldowns keep running, so a value swinging back and forth
// across a threshold still alerts at most once per window.
func (d *Dispatcher) Resolve(kind model.AlertKind, tierID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sev := range []model.Severity{model.SeverityWarning, model.SeverityCritical} {
		key := model.Alert{Kind: kind, TierID: tierID, Severity: sev}.DedupKey()
		if d.active[key] {
			delete(d.active, key)
			d.log.Info("alert condition cleared", zap.String("key", key))
		}
	}
}

// Active reports whether the condition for a kind, tier and severity was
// raised and has not been resolved since.
func (d *Dispatcher) Active(kind model.AlertKind, tierID string, sev model.Severity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[model.Alert{Kind: kind, TierID: tierID, Severity: sev}.DedupKey()]
}
