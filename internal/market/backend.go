package market

import "context"

// Backend is one marketplace implementation. Exactly one concrete backend is
// selected at composition time; nothing above this interface may branch on
// the implementation name.
type Backend interface {
	// Name identifies the backend in logs, metrics and receipts ("ao", "story").
	Name() string

	// RegisterTask submits one task and returns its assignment record.
	// Rejections surface as *errors.RegistrationError.
	RegisterTask(ctx context.Context, req TaskRequest) (Assignment, error)

	// LoadNextAssignedTask returns the next task assigned to this agent
	// strictly after cursor, or nil when none is pending. It is a pure read,
	// safe to call repeatedly.
	LoadNextAssignedTask(ctx context.Context, cursor int64) (*Task, error)

	// LoadNextTaskResult returns the next task result visible at or after
	// cursor, and always returns the advanced cursor even on a miss so
	// callers never reprocess the same window.
	LoadNextTaskResult(ctx context.Context, cursor int64) (*TaskResult, int64, error)

	// SendResult delivers this agent's result for a task it was assigned.
	// Failures surface as *errors.DeliveryError.
	SendResult(ctx context.Context, taskID string, payload string) (SendReceipt, error)
}

// AgentRegistrar is implemented by backends that support registering the
// agent profile with the marketplace.
type AgentRegistrar interface {
	// RegisterAgent announces this agent to the market. Idempotent on the
	// backend side: re-registering an existing agent id is a no-op.
	RegisterAgent(ctx context.Context, profile AgentProfile) error
}
