// Package ingest pulls assigned marketplace tasks into the agent runtime:
// a fixed-delay loop reads past the durable cursor, a handler filters and
// deduplicates, and an executor routes surviving tasks to agent actions.
package ingest

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"clara/internal/client"
	"clara/internal/logging"
	"clara/internal/market"
	"clara/internal/observability"
	"clara/internal/runtime"
)

// Skip reasons recorded in metrics when a task is dropped before execution.
const (
	skipSelf         = "self"
	skipDuplicate    = "duplicate"
	skipEmptyPayload = "empty_payload"
)

const seenCacheSize = 512

// MessageHandler decides whether an assigned task reaches the executor.
// Every decision is terminal: filtered, duplicate and executed tasks all
// advance the cursor so the same message is never revisited.
type MessageHandler struct {
	client   *client.Client
	store    runtime.MemoryStore
	executor *TaskExecutor
	logger   logging.Logger
	metrics  *observability.Metrics

	// seen short-circuits the store lookup for recently handled task ids.
	seen *lru.Cache[string, struct{}]
}

// NewMessageHandler wires the filtering stage.
func NewMessageHandler(c *client.Client, store runtime.MemoryStore, executor *TaskExecutor, logger logging.Logger, metrics *observability.Metrics) (*MessageHandler, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &MessageHandler{
		client:   c,
		store:    store,
		executor: executor,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		seen:     seen,
	}, nil
}

// Handle processes one assigned task end to end. Errors from the executor
// are logged and treated as final for this task; only cursor persistence
// failures propagate, since losing the cursor would replay the message.
func (h *MessageHandler) Handle(ctx context.Context, task *market.Task) error {
	if task == nil {
		return nil
	}

	switch {
	case task.Requester != "" && strings.EqualFold(task.Requester, h.client.WalletID()):
		// The agent's own registrations come back as assignments on some
		// markets; answering them would loop forever.
		h.logger.Debug("Skipping self-originated task %s", task.ID)
		h.skip(task, skipSelf)

	case h.alreadyHandled(ctx, task):
		h.logger.Debug("Skipping already handled task %s", task.ID)
		h.skip(task, skipDuplicate)

	case strings.TrimSpace(task.Payload) == "":
		h.logger.Warn("Skipping task %s with empty payload", task.ID)
		h.skip(task, skipEmptyPayload)

	default:
		if err := h.executor.Execute(ctx, task); err != nil {
			h.logger.Error("Task %s failed: %v", task.ID, err)
		}
		h.seen.Add(task.ID, struct{}{})
	}

	return h.client.AdvanceCursor(ctx, task.Cursor)
}

func (h *MessageHandler) skip(task *market.Task, reason string) {
	h.metrics.IncIngestSkip(reason)
}

// alreadyHandled reports whether this task id was previously ingested, by
// LRU first and then by the deterministic memory id in the store.
func (h *MessageHandler) alreadyHandled(ctx context.Context, task *market.Task) bool {
	if _, ok := h.seen.Get(task.ID); ok {
		return true
	}
	existing, err := h.store.GetMemoryByID(ctx, runtime.DeterministicID(task.ID))
	if err != nil {
		h.logger.Warn("Memory lookup failed for task %s: %v", task.ID, err)
		return false
	}
	return existing != nil
}
