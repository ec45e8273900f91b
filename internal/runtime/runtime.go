// Package runtime defines the seam between the marketplace adapters and the
// agent framework hosting them: actions, conversational memories, and the
// small cache used for durable cursors. The ingestion pipeline programs
// against these interfaces so it can run inside any host that provides them.
package runtime

import (
	"context"

	"github.com/google/uuid"
)

// Content is the structured body of a message or memory.
type Content struct {
	Text   string         `json:"text"`
	Action string         `json:"action,omitempty"`
	Source string         `json:"source,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Memory is one stored message in a room. IDs are deterministic where
// idempotency matters: storing the same external message twice yields the
// same Memory ID.
type Memory struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AgentID   uuid.UUID
	RoomID    uuid.UUID
	Content   Content
	CreatedAt int64 // unix milliseconds
}

// State is the composed conversational context handed to action handlers.
type State struct {
	RoomID           uuid.UUID
	AgentName        string
	RecentTranscript string
	Data             map[string]any
}

// HandlerCallback receives the content an action handler produced.
type HandlerCallback func(ctx context.Context, content Content) error

// ActionHandler executes an action against a message and composed state.
type ActionHandler func(ctx context.Context, rt Runtime, message Memory, state State, callback HandlerCallback) error

// Action is a capability the agent can perform. Similes are alternative
// names matched case-insensitively when routing work to actions.
type Action struct {
	Name        string
	Similes     []string
	Description string
	Handler     ActionHandler
}

// Runtime is the host agent framework as seen by the adapters.
type Runtime interface {
	AgentID() uuid.UUID
	AgentName() string
	Actions() []Action

	// EnsureConnection makes sure the user and room exist and the user
	// participates in the room. Idempotent.
	EnsureConnection(ctx context.Context, userID, roomID uuid.UUID, userName, name, source string) error

	// ComposeState builds the conversational context for one message.
	ComposeState(ctx context.Context, message Memory) (State, error)

	// ProcessActions routes the message to its action handler and invokes
	// callback with whatever the handler produces.
	ProcessActions(ctx context.Context, message Memory, state State, callback HandlerCallback) error
}

// MemoryStore persists room messages.
type MemoryStore interface {
	GetMemoryByID(ctx context.Context, id uuid.UUID) (*Memory, error)
	CreateMemory(ctx context.Context, memory Memory) error
	RecentMemories(ctx context.Context, roomID uuid.UUID, limit int) ([]Memory, error)
}

// CacheStore is a tiny durable key/value store. Cursors live here so an
// agent restart resumes where ingestion left off.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// DeterministicID derives a stable UUID from an arbitrary string, so
// external identifiers (wallet addresses, message ids) map to the same
// UUID on every run.
func DeterministicID(s string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s))
}
