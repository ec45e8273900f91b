package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clara/internal/client"
	"clara/internal/market"
	"clara/internal/runtime"
)

func TestLoopIngestsAssignedTasks(t *testing.T) {
	p := newPipeline(t, echoAction("chat"))
	p.backend.tasks = []*market.Task{chatTask("task-1", 100)}

	loop := NewLoop(p.client, p.handler, nil, time.Millisecond, nil, nil)
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return len(p.backend.sentResults()) == 1
	}, time.Second, 5*time.Millisecond)

	// the cursor was persisted, so later reads start past the task
	require.Eventually(t, func() bool {
		p.backend.mu.Lock()
		defer p.backend.mu.Unlock()
		n := len(p.backend.cursors)
		return n > 0 && p.backend.cursors[n-1] == 100
	}, time.Second, 5*time.Millisecond)
}

// replayingBackend serves the same task on every read whose cursor does not
// pass it, the way an inclusive index replays the newest entry.
type replayingBackend struct {
	fakeBackend
	task *market.Task
}

func (b *replayingBackend) LoadNextAssignedTask(_ context.Context, cursor int64) (*market.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors = append(b.cursors, cursor)
	if cursor > b.task.Cursor {
		return nil, nil
	}
	return b.task, nil
}

// countingStore counts lookups so tests can tell how often the handler
// actually inspected a task.
type countingStore struct {
	runtime.MemoryStore
	mu      sync.Mutex
	lookups int
}

func (s *countingStore) GetMemoryByID(ctx context.Context, id uuid.UUID) (*runtime.Memory, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.MemoryStore.GetMemoryByID(ctx, id)
}

func (s *countingStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func TestLoopHandsReplayedTaskToHandlerOnlyOnce(t *testing.T) {
	task := chatTask("task-1", 100)
	task.Payload = "" // validated and skipped, so only the cursor records it

	backend := &replayingBackend{task: task}
	cache, err := runtime.NewFileCache(t.TempDir())
	require.NoError(t, err)
	c := client.New(backend, cache, "agent_test", "0xME", nil, nil)

	store := &countingStore{MemoryStore: runtime.NewMemoryStore()}
	rt := runtime.NewLocalRuntime(runtime.DeterministicID("agent"), "agent", store)
	rt.RegisterAction(echoAction("chat"))
	executor := NewTaskExecutor(rt, store, c, nil, nil)
	handler, err := NewMessageHandler(c, store, executor, nil, nil)
	require.NoError(t, err)

	loop := NewLoop(c, handler, nil, time.Millisecond, nil, nil)
	loop.Start(context.Background())
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.cursors) >= 20
	}, time.Second, 5*time.Millisecond)
	loop.Stop()

	assert.Equal(t, 1, store.lookupCount(), "a task the cursor already covers must not reach the handler again")
	assert.Empty(t, backend.sentResults())

	cursor, err := c.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), cursor)
}

func TestLoopSkippedTaskDoesNotStarveLaterTasks(t *testing.T) {
	p := newPipeline(t, echoAction("chat"))
	empty := chatTask("task-1", 100)
	empty.Payload = " "
	p.backend.tasks = []*market.Task{empty, chatTask("task-2", 150)}

	loop := NewLoop(p.client, p.handler, nil, time.Millisecond, nil, nil)
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return len(p.backend.sentResults()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "task-2", p.backend.sentResults()[0].taskID)
}

func TestLoopKeepsCursorOnReadErrors(t *testing.T) {
	p := newPipeline(t, echoAction("chat"))
	p.backend.loadErr = errors.New("gateway down")

	loop := NewLoop(p.client, p.handler, nil, time.Millisecond, nil, nil)
	loop.Start(context.Background())

	require.Eventually(t, func() bool {
		p.backend.mu.Lock()
		defer p.backend.mu.Unlock()
		return len(p.backend.cursors) >= 3
	}, time.Second, 5*time.Millisecond)
	loop.Stop()

	cursor, err := p.client.Cursor(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cursor, "a failed read must not advance the cursor")
}

func TestLoopStopIsIdempotent(t *testing.T) {
	p := newPipeline(t, echoAction("chat"))
	loop := NewLoop(p.client, p.handler, nil, time.Millisecond, nil, nil)
	loop.Start(context.Background())

	loop.Stop()
	loop.Stop()
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	p := newPipeline(t, echoAction("chat"))
	loop := NewLoop(p.client, p.handler, nil, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}
}
