package market

import (
	"context"
	"fmt"

	claraerrors "clara/internal/errors"
	"clara/internal/logging"
	"clara/internal/observability"
)

// Batch is the outcome of one RegisterTasks call. All assignments come from
// a single backend; Errors records every backend that was tried and failed.
type Batch struct {
	Backend     string
	Assignments map[string]Assignment
	Errors      map[string]error
}

// RegistrationService submits task batches against an ordered list of
// backends: the whole batch lands on the first backend that accepts it, and
// a failure anywhere in the batch moves the entire batch to the next backend.
// Results are never mixed across backends.
type RegistrationService struct {
	backends []Backend
	logger   logging.Logger
	metrics  *observability.Metrics
}

// NewRegistrationService builds a service trying backends in the given
// preference order.
func NewRegistrationService(logger logging.Logger, metrics *observability.Metrics, backends ...Backend) *RegistrationService {
	return &RegistrationService{
		backends: backends,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

// RegisterTasks submits count copies of req. Registrations within a batch are
// sequential: ordering stays deterministic and a single account never bursts
// the backend's rate/nonce limits.
func (s *RegistrationService) RegisterTasks(ctx context.Context, req TaskRequest, count int) (*Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if count < 1 {
		count = 1
	}
	if len(s.backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	batch := &Batch{
		Assignments: make(map[string]Assignment),
		Errors:      make(map[string]error),
	}

	for _, backend := range s.backends {
		assignments, err := s.registerOn(ctx, backend, req, count)
		if err != nil {
			s.logger.Error("Failed to schedule %d task(s) on %s: %v", count, backend.Name(), err)
			s.metrics.IncRegistrationFailure(backend.Name())
			batch.Errors[backend.Name()] = err
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			continue
		}
		batch.Backend = backend.Name()
		batch.Assignments = assignments
		return batch, nil
	}

	return batch, &claraerrors.RegistrationError{
		Backend: "all",
		Err:     fmt.Errorf("every configured backend rejected the batch"),
	}
}

// registerOn runs the whole batch on one backend. Partial results from a
// failing backend are discarded so fallback never mixes backends.
func (s *RegistrationService) registerOn(ctx context.Context, backend Backend, req TaskRequest, count int) (map[string]Assignment, error) {
	assignments := make(map[string]Assignment, count)
	for i := 1; i <= count; i++ {
		assignment, err := backend.RegisterTask(ctx, req)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Task %d/%d registered on %s: id=%s agents=%d",
			i, count, backend.Name(), assignment.TaskID, assignment.NumberOfAgents)
		s.metrics.IncTaskRegistered(backend.Name())
		assignments[assignment.TaskID] = assignment
	}
	return assignments, nil
}
