package ingest

import (
	"context"
	"sync"
	"time"

	"clara/internal/async"
	"clara/internal/client"
	"clara/internal/logging"
	"clara/internal/market"
	"clara/internal/observability"
)

// Loop polls the marketplace for newly assigned tasks at a fixed delay:
// the next wait starts only after the previous tick finished, so slow task
// execution never stacks overlapping reads.
type Loop struct {
	client   *client.Client
	handler  *MessageHandler
	clock    market.Clock
	interval time.Duration
	logger   logging.Logger
	metrics  *observability.Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLoop builds an ingestion loop ticking every interval.
func NewLoop(c *client.Client, handler *MessageHandler, clock market.Clock, interval time.Duration, logger logging.Logger, metrics *observability.Metrics) *Loop {
	if clock == nil {
		clock = market.RealClock()
	}
	return &Loop{
		client:   c,
		handler:  handler,
		clock:    clock,
		interval: interval,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop in the background. Call Stop or cancel ctx to
// end it; Stop blocks until the current tick finishes.
func (l *Loop) Start(ctx context.Context) {
	async.Go(l.logger, "ingest-loop", func() {
		defer close(l.done)
		l.run(ctx)
	})
}

// Stop terminates the loop and waits for it to drain.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	l.metrics.IncActiveLoops()
	defer l.metrics.DecActiveLoops()
	l.logger.Info("Task ingestion started for %s (every %v)", l.client.ProfileID(), l.interval)

	timer := l.clock.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Task ingestion stopped: %v", ctx.Err())
			return
		case <-l.stop:
			l.logger.Info("Task ingestion stopped")
			return
		case <-timer.C():
			l.tick(ctx)
			timer.Reset(l.interval)
		}
	}
}

// tick reads at most one assigned task and hands it to the handler. Read
// failures leave the cursor untouched so the task is retried next tick.
func (l *Loop) tick(ctx context.Context) {
	l.metrics.IncIngestTick()

	cursor, err := l.client.Cursor(ctx)
	if err != nil {
		l.logger.Warn("Failed to load cursor: %v", err)
		return
	}
	task, err := l.client.LoadNextAssignedTask(ctx)
	if err != nil {
		l.logger.Warn("Failed to load next assigned task: %v", err)
		return
	}
	if task == nil {
		return
	}
	// A backend replaying a window can hand back a task the cursor already
	// covers; handing it down again would spin on tasks the handler skips
	// without ever reaching newer ones.
	if task.Cursor <= cursor {
		l.logger.Debug("Ignoring replayed task %s at cursor %d (cursor already at %d)", task.ID, task.Cursor, cursor)
		l.metrics.IncIngestSkip("stale_cursor")
		return
	}

	l.logger.Debug("Assigned task %s received (topic=%s)", task.ID, task.Topic)
	if err := l.handler.Handle(ctx, task); err != nil {
		l.logger.Error("Failed to finalize task %s: %v", task.ID, err)
	}
}
