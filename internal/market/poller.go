package market

import (
	"context"
	"time"

	"clara/internal/logging"
	"clara/internal/observability"
)

// ResultPoller watches a backend for results of previously registered tasks.
// Each Poll call owns its cursor; concurrent polls never share state.
type ResultPoller struct {
	backend Backend
	clock   Clock
	logger  logging.Logger
	metrics *observability.Metrics
}

// NewResultPoller builds a poller for one backend.
func NewResultPoller(backend Backend, clock Clock, logger logging.Logger, metrics *observability.Metrics) *ResultPoller {
	if clock == nil {
		clock = RealClock()
	}
	return &ResultPoller{
		backend: backend,
		clock:   clock,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Poll collects results for the expected assignments until every fanned-out
// responder has answered or maxDuration elapses. Timing out is not an error:
// the partial map collected so far is returned. Read failures are logged and
// retried at the next tick so a flaky backend still yields partial results.
func (p *ResultPoller) Poll(ctx context.Context, expected map[string]Assignment, interval, maxDuration time.Duration) (map[string][]TaskResult, error) {
	results := make(map[string][]TaskResult, len(expected))
	if len(expected) == 0 {
		return results, nil
	}

	// leastOccupied fan-out may yield several responders per task, so the
	// termination counter sums the expected agent counts.
	outstanding := 0
	cursor := int64(0)
	for _, assignment := range expected {
		agents := assignment.NumberOfAgents
		if agents < 1 {
			agents = 1
		}
		outstanding += agents
		if assignment.Cursor > 0 && (cursor == 0 || assignment.Cursor < cursor) {
			cursor = assignment.Cursor
		}
	}

	start := p.clock.Now()
	deadline := start.Add(maxDuration)
	timer := p.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.metrics.ObservePollDuration(p.backend.Name(), "cancelled", p.clock.Now().Sub(start))
			return results, ctx.Err()

		case now := <-timer.C():
			if !now.Before(deadline) {
				p.logger.Info("Result polling timed out after %v with %d result(s) outstanding", maxDuration, outstanding)
				p.metrics.ObservePollDuration(p.backend.Name(), "timeout", p.clock.Now().Sub(start))
				return results, nil
			}

			result, next, err := p.backend.LoadNextTaskResult(ctx, cursor)
			if err != nil {
				p.logger.Warn("Failed to load next task result: %v", err)
				timer.Reset(interval)
				continue
			}
			// The cursor advances on every read, hit or miss, so the same
			// window is never reprocessed.
			cursor = next

			if result != nil {
				if requestID, ok := p.correlate(result, expected); ok {
					results[requestID] = append(results[requestID], *result)
					outstanding--
					p.metrics.IncResultReceived(p.backend.Name())
					p.logger.Debug("Correlated result for task %s (%d outstanding)", requestID, outstanding)
				} else {
					p.logger.Debug("Ignoring result for unknown task %s", result.TaskID)
				}
				if outstanding <= 0 {
					p.metrics.ObservePollDuration(p.backend.Name(), "complete", p.clock.Now().Sub(start))
					return results, nil
				}
			}
			timer.Reset(interval)
		}
	}
}

// correlate maps a result back to the request it answers: the echoed original
// task id when present, otherwise the result's own task id.
func (p *ResultPoller) correlate(result *TaskResult, expected map[string]Assignment) (string, bool) {
	if result.OriginalTask.ID != "" {
		if _, ok := expected[result.OriginalTask.ID]; ok {
			return result.OriginalTask.ID, true
		}
	}
	if _, ok := expected[result.TaskID]; ok {
		return result.TaskID, true
	}
	return "", false
}
