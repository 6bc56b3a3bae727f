package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/order"
)

// Timer periodically rolls back pairing offers that the agent never took
// up, plus orders stuck in the transient matching states.
type Timer struct {
	engine   *Engine
	store    order.Store
	interval time.Duration
	// staleTTL bounds the transient executing/selecting states; pairing
	// offers use the engine's pairing TTL.
	staleTTL time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// TimerOption configures the rollback timer.
type TimerOption func(*Timer)

// WithScanInterval overrides how often the rollback scan runs.
// Non-positive values keep the default.
func WithScanInterval(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithStaleTTL overrides how long an order may sit in executing or
// selecting before the scan returns it to standby.
func WithStaleTTL(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.staleTTL = d
		}
	}
}

// NewTimer creates a new pairing rollback timer. The default scan interval
// is overridden from config in the server wiring.
func NewTimer(engine *Engine, store order.Store, logger *slog.Logger, opts ...TimerOption) *Timer {
	t := &Timer{
		engine:   engine,
		store:    store,
		interval: 10 * time.Minute,
		staleTTL: 10 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the rollback loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRollbackExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRollbackExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in matching timer", "panic", fmt.Sprint(r))
		}
	}()
	t.rollbackExpired(ctx)
}

func (t *Timer) rollbackExpired(ctx context.Context) {
	now := time.Now()

	expired, err := t.store.ListWaitingSince(ctx,
		[]order.Status{order.StatusPairing}, now.Add(-t.engine.pairingTTL), 100)
	if err != nil {
		t.logger.Warn("failed to list expired pairings", "error", err)
		return
	}

	for _, o := range expired {
		if _, err := t.engine.DeclinePairing(ctx, o.ID); err != nil {
			// Another writer may have moved the order first; that is the
			// point of the conditional update.
			t.logger.Warn("failed to roll back expired pairing",
				"orderId", o.ID, "error", err)
			continue
		}
		metrics.PairingRollbacksTotal.Inc()
		t.logger.Info("rolled back expired pairing",
			"orderId", o.ID, "agent", o.AgentID)
	}

	stale, err := t.store.ListWaitingSince(ctx,
		[]order.Status{order.StatusExecuting, order.StatusSelecting},
		now.Add(-t.staleTTL), 100)
	if err != nil {
		t.logger.Warn("failed to list stale matching states", "error", err)
		return
	}

	for _, o := range stale {
		if _, err := t.engine.DeclinePairing(ctx, o.ID); err != nil {
			t.logger.Warn("failed to roll back stale matching state",
				"orderId", o.ID, "status", string(o.Status), "error", err)
			continue
		}
		t.logger.Info("rolled back stale matching state",
			"orderId", o.ID, "status", string(o.Status))
	}
}
