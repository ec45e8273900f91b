package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalRuntime is an in-process Runtime for the CLI and tests. It keeps
// rooms, participants and memories in memory and routes actions by name.
type LocalRuntime struct {
	agentID uuid.UUID
	name    string
	store   MemoryStore

	mu      sync.RWMutex
	actions []Action
	rooms   map[uuid.UUID]map[uuid.UUID]string // roomID -> userID -> userName
}

// NewLocalRuntime builds a runtime for the named agent backed by store.
func NewLocalRuntime(agentID uuid.UUID, name string, store MemoryStore) *LocalRuntime {
	if store == nil {
		store = NewMemoryStore()
	}
	return &LocalRuntime{
		agentID: agentID,
		name:    name,
		store:   store,
		rooms:   make(map[uuid.UUID]map[uuid.UUID]string),
	}
}

func (r *LocalRuntime) AgentID() uuid.UUID {
	return r.agentID
}

func (r *LocalRuntime) AgentName() string {
	return r.name
}

// RegisterAction adds a capability to the agent.
func (r *LocalRuntime) RegisterAction(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func (r *LocalRuntime) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// Memories exposes the backing store for handlers that persist replies.
func (r *LocalRuntime) Memories() MemoryStore {
	return r.store
}

func (r *LocalRuntime) EnsureConnection(_ context.Context, userID, roomID uuid.UUID, userName, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[uuid.UUID]string)
		r.rooms[roomID] = room
	}
	room[userID] = userName
	room[r.agentID] = r.name
	return nil
}

func (r *LocalRuntime) ComposeState(ctx context.Context, message Memory) (State, error) {
	recent, err := r.store.RecentMemories(ctx, message.RoomID, 10)
	if err != nil {
		return State{}, fmt.Errorf("compose state for room %s: %w", message.RoomID, err)
	}

	var transcript strings.Builder
	for _, m := range recent {
		name := r.participantName(message.RoomID, m.UserID)
		fmt.Fprintf(&transcript, "%s: %s\n", name, m.Content.Text)
	}

	return State{
		RoomID:           message.RoomID,
		AgentName:        r.name,
		RecentTranscript: transcript.String(),
		Data:             map[string]any{},
	}, nil
}

// ProcessActions resolves the message's action by name or simile. A message
// naming no known action is dropped without invoking the callback.
func (r *LocalRuntime) ProcessActions(ctx context.Context, message Memory, state State, callback HandlerCallback) error {
	action, ok := r.resolve(message.Content.Action)
	if !ok {
		return fmt.Errorf("no action registered for %q", message.Content.Action)
	}
	return action.Handler(ctx, r, message, state, callback)
}

func (r *LocalRuntime) resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, action := range r.actions {
		if strings.EqualFold(action.Name, name) {
			return action, true
		}
		for _, simile := range action.Similes {
			if strings.EqualFold(simile, name) {
				return action, true
			}
		}
	}
	return Action{}, false
}

func (r *LocalRuntime) participantName(roomID, userID uuid.UUID) string {
	if room, ok := r.rooms[roomID]; ok {
		if name, ok := room[userID]; ok {
			return name
		}
	}
	return userID.String()
}

// memoryStore keeps memories in process, newest last per room.
type memoryStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Memory
	rooms map[uuid.UUID][]uuid.UUID
}

// NewMemoryStore constructs an in-memory MemoryStore.
func NewMemoryStore() MemoryStore {
	return &memoryStore{
		byID:  make(map[uuid.UUID]Memory),
		rooms: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *memoryStore) GetMemoryByID(_ context.Context, id uuid.UUID) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		copied := m
		return &copied, nil
	}
	return nil, nil
}

func (s *memoryStore) CreateMemory(_ context.Context, memory Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if memory.ID == uuid.Nil {
		return fmt.Errorf("memory id is required")
	}
	if _, exists := s.byID[memory.ID]; exists {
		return nil
	}
	if memory.CreatedAt == 0 {
		memory.CreatedAt = time.Now().UnixMilli()
	}
	s.byID[memory.ID] = memory
	s.rooms[memory.RoomID] = append(s.rooms[memory.RoomID], memory.ID)
	return nil
}

func (s *memoryStore) RecentMemories(_ context.Context, roomID uuid.UUID, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rooms[roomID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]Memory, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}
