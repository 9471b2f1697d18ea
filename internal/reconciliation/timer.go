package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultInterval = 5 * time.Minute

// Timer runs the drift audit every interval. A run that outlives the
// interval is cancelled so audits never stack up.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	running atomic.Bool
	runs    atomic.Int64
}

// NewTimer creates a timer. A non-positive interval means five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{runner: runner, interval: interval, logger: logger}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool { return t.running.Load() }

// Runs counts completed audit attempts, failed ones included.
func (t *Timer) Runs() int64 { return t.runs.Load() }

// Start loops until ctx ends or Stop is called. It blocks; run it in a
// goroutine. Start after Stop returns immediately.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("reconciliation timer stopped", "runs", t.runs.Load())
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Timer) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, t.interval)
	defer cancel()
	defer t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err, "run", t.runs.Load()+1)
	}
}
