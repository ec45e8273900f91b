package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clara/internal/client"
	"clara/internal/logging"
	"clara/internal/market"
	"clara/internal/observability"
	"clara/internal/runtime"
)

const messageSource = "clara"

// TaskExecutor turns an assigned task into an action invocation: the task
// topic selects an agent action, the payload becomes the action's message,
// and whatever the handler produces is delivered back as the task result.
type TaskExecutor struct {
	rt      runtime.Runtime
	store   runtime.MemoryStore
	client  *client.Client
	logger  logging.Logger
	metrics *observability.Metrics
}

// NewTaskExecutor wires the execution stage.
func NewTaskExecutor(rt runtime.Runtime, store runtime.MemoryStore, c *client.Client, logger logging.Logger, metrics *observability.Metrics) *TaskExecutor {
	return &TaskExecutor{
		rt:      rt,
		store:   store,
		client:  c,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Execute runs one task. A topic matching no registered action is final:
// the task is dropped without side effects and without an error, since
// retrying cannot make an unknown topic known.
func (e *TaskExecutor) Execute(ctx context.Context, task *market.Task) error {
	action, ok := e.resolveTopic(task.Topic)
	if !ok {
		e.logger.Warn("No action handles topic %q, dropping task %s", task.Topic, task.ID)
		e.metrics.IncIngestSkip("unknown_topic")
		return nil
	}

	requesterID := runtime.DeterministicID(task.Requester)
	roomID := runtime.DeterministicID(task.Requester + "-" + e.rt.AgentID().String())
	if err := e.rt.EnsureConnection(ctx, requesterID, roomID, task.Requester, task.Requester, messageSource); err != nil {
		return fmt.Errorf("ensure connection for %s: %w", task.Requester, err)
	}

	message := runtime.Memory{
		ID:      runtime.DeterministicID(task.ID),
		UserID:  requesterID,
		AgentID: e.rt.AgentID(),
		RoomID:  roomID,
		Content: runtime.Content{
			Text:   task.Payload,
			Action: action.Name,
			Source: messageSource,
		},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.store.CreateMemory(ctx, message); err != nil {
		return fmt.Errorf("store task %s: %w", task.ID, err)
	}

	state, err := e.rt.ComposeState(ctx, message)
	if err != nil {
		return err
	}

	e.logger.Info("Executing task %s: topic=%s action=%s reward=%s", task.ID, task.Topic, action.Name, task.Reward)
	return e.rt.ProcessActions(ctx, message, state, func(ctx context.Context, content runtime.Content) error {
		if strings.TrimSpace(content.Text) == "" {
			e.logger.Warn("No content generated for task %s, nothing to deliver", task.ID)
			e.metrics.IncIngestSkip("empty_result")
			return nil
		}
		payload, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode result for task %s: %w", task.ID, err)
		}
		_, err = e.client.SendTaskResult(ctx, task.ID, string(payload))
		return err
	})
}

// resolveTopic matches the task topic against action names and similes,
// case-insensitively.
func (e *TaskExecutor) resolveTopic(topic string) (runtime.Action, bool) {
	for _, action := range e.rt.Actions() {
		if strings.EqualFold(action.Name, topic) {
			return action, true
		}
		for _, simile := range action.Similes {
			if strings.EqualFold(simile, topic) {
				return action, true
			}
		}
	}
	return runtime.Action{}, false
}
