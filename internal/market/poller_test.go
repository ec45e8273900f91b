package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives polling loops deterministically: ticks are queued up
// front and delivered through the timer channel in order.
type fakeClock struct {
	now   time.Time
	ticks chan time.Time
}

func newFakeClock(start time.Time, capacity int) *fakeClock {
	return &fakeClock{now: start, ticks: make(chan time.Time, capacity)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) NewTimer(time.Duration) Timer {
	return &fakeTimer{ch: c.ticks}
}

// queueTick schedules one timer fire at the given offset from start.
func (c *fakeClock) queueTick(offset time.Duration) {
	c.ticks <- c.now.Add(offset)
}

type fakeTimer struct {
	ch chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Reset(time.Duration) {}
func (t *fakeTimer) Stop() bool { return true }

var _ Timer = (*fakeTimer)(nil)

// resultStep is one scripted LoadNextTaskResult response.
type resultStep struct {
	result *TaskResult
	next   int64
	err    error
}

type scriptedBackend struct {
	name    string
	steps   []resultStep
	cursors []int64

	registerErrAfter int // fail registration once this many tasks registered, 0 disables
	registered       int
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) RegisterTask(context.Context, TaskRequest) (Assignment, error) {
	b.registered++
	if b.registerErrAfter > 0 && b.registered > b.registerErrAfter {
		return Assignment{}, errors.New("market rejected the registration")
	}
	id := b.name + "-task-" + string(rune('0'+b.registered))
	return Assignment{TaskID: id, NumberOfAgents: 1, Cursor: int64(b.registered)}, nil
}

func (b *scriptedBackend) LoadNextAssignedTask(context.Context, int64) (*Task, error) {
	return nil, nil
}

func (b *scriptedBackend) LoadNextTaskResult(_ context.Context, cursor int64) (*TaskResult, int64, error) {
	b.cursors = append(b.cursors, cursor)
	if len(b.steps) == 0 {
		return nil, cursor, nil
	}
	step := b.steps[0]
	b.steps = b.steps[1:]
	if step.err != nil {
		return nil, cursor, step.err
	}
	return step.result, step.next, nil
}

func (b *scriptedBackend) SendResult(context.Context, string, string) (SendReceipt, error) {
	return SendReceipt{}, nil
}

func TestPollCollectsEveryExpectedResult(t *testing.T) {
	backend := &scriptedBackend{
		name: "ao",
		steps: []resultStep{
			{result: &TaskResult{TaskID: "t1", Result: `{"a":1}`}, next: 10},
			{next: 20}, // empty read still advances the cursor
			{result: &TaskResult{TaskID: "t2", Result: `{"b":2}`}, next: 30},
			{result: &TaskResult{TaskID: "t2", Result: `{"b":3}`}, next: 40},
		},
	}
	clock := newFakeClock(time.Unix(0, 0), 8)
	for i := 0; i < 5; i++ {
		clock.queueTick(time.Duration(i) * time.Second)
	}

	poller := NewResultPoller(backend, clock, nil, nil)
	expected := map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 1, Cursor: 5},
		"t2": {TaskID: "t2", NumberOfAgents: 2, Cursor: 3},
	}

	results, err := poller.Poll(context.Background(), expected, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Len(t, results["t1"], 1)
	assert.Len(t, results["t2"], 2)

	// Polling starts from the earliest assignment cursor and then follows
	// the backend's advancing cursor, hit or miss.
	assert.Equal(t, []int64{3, 10, 20, 30}, backend.cursors)
}

func TestPollTimeoutReturnsPartialResults(t *testing.T) {
	backend := &scriptedBackend{
		name: "ao",
		steps: []resultStep{
			{result: &TaskResult{TaskID: "t1", Result: "r"}, next: 10},
		},
	}
	clock := newFakeClock(time.Unix(0, 0), 4)
	clock.queueTick(time.Second)
	clock.queueTick(2 * time.Minute) // past the deadline

	poller := NewResultPoller(backend, clock, nil, nil)
	expected := map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 3},
	}

	results, err := poller.Poll(context.Background(), expected, time.Second, time.Minute)
	require.NoError(t, err, "timing out is not an error")
	assert.Len(t, results["t1"], 1)
}

func TestPollSurvivesReadErrors(t *testing.T) {
	backend := &scriptedBackend{
		name: "ao",
		steps: []resultStep{
			{err: errors.New("gateway unavailable")},
			{result: &TaskResult{TaskID: "t1", Result: "r"}, next: 10},
		},
	}
	clock := newFakeClock(time.Unix(0, 0), 4)
	clock.queueTick(time.Second)
	clock.queueTick(2 * time.Second)

	poller := NewResultPoller(backend, clock, nil, nil)
	results, err := poller.Poll(context.Background(), map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 1},
	}, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Len(t, results["t1"], 1)
}

func TestPollCorrelatesByOriginalTaskID(t *testing.T) {
	backend := &scriptedBackend{
		name: "story",
		steps: []resultStep{
			// The backend assigns its own result/task ids; correlation must
			// use the echoed registration id.
			{result: &TaskResult{TaskID: "77", OriginalTask: OriginalTaskRef{ID: "t1"}, Result: "r"}, next: 10},
		},
	}
	clock := newFakeClock(time.Unix(0, 0), 2)
	clock.queueTick(time.Second)

	poller := NewResultPoller(backend, clock, nil, nil)
	results, err := poller.Poll(context.Background(), map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 1},
	}, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Len(t, results["t1"], 1)
}

func TestPollIgnoresUnknownResults(t *testing.T) {
	backend := &scriptedBackend{
		name: "ao",
		steps: []resultStep{
			{result: &TaskResult{TaskID: "stranger", Result: "r"}, next: 10},
			{result: &TaskResult{TaskID: "t1", Result: "r"}, next: 20},
		},
	}
	clock := newFakeClock(time.Unix(0, 0), 4)
	clock.queueTick(time.Second)
	clock.queueTick(2 * time.Second)

	poller := NewResultPoller(backend, clock, nil, nil)
	results, err := poller.Poll(context.Background(), map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 1},
	}, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Len(t, results["t1"], 1)
}

func TestPollStopsOnContextCancel(t *testing.T) {
	backend := &scriptedBackend{name: "ao"}
	clock := newFakeClock(time.Unix(0, 0), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	poller := NewResultPoller(backend, clock, nil, nil)
	results, err := poller.Poll(ctx, map[string]Assignment{
		"t1": {TaskID: "t1", NumberOfAgents: 1},
	}, time.Second, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestPollNoExpectedTasks(t *testing.T) {
	poller := NewResultPoller(&scriptedBackend{name: "ao"}, newFakeClock(time.Unix(0, 0), 1), nil, nil)
	results, err := poller.Poll(context.Background(), nil, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, results)
}
