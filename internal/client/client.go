// Package client binds one marketplace identity to one backend and owns the
// durable cursor separating already-processed marketplace messages from new
// ones.
package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	claraerrors "clara/internal/errors"
	"clara/internal/logging"
	"clara/internal/market"
	"clara/internal/observability"
	"clara/internal/runtime"
)

// cursorKeySuffix matches the historical cache layout so upgraded agents
// resume from their previous position.
const cursorKeySuffix = "latest_checked_message"

// Client is one marketplace identity: a backend connection plus the cursor
// state for that identity. Safe for concurrent use.
type Client struct {
	backend market.Backend
	cache   runtime.CacheStore
	logger  logging.Logger
	metrics *observability.Metrics

	profileID string
	walletID  string

	mu     sync.Mutex
	cursor int64
	loaded bool
}

// New builds a client for the identity profileID/walletID on backend.
func New(backend market.Backend, cache runtime.CacheStore, profileID, walletID string, logger logging.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		backend:   backend,
		cache:     cache,
		logger:    logging.OrNop(logger),
		metrics:   metrics,
		profileID: profileID,
		walletID:  walletID,
	}
}

func (c *Client) ProfileID() string {
	return c.profileID
}

func (c *Client) WalletID() string {
	return c.walletID
}

func (c *Client) Backend() market.Backend {
	return c.backend
}

func (c *Client) cursorKey() string {
	return c.backend.Name() + "/" + c.profileID + "/" + cursorKeySuffix
}

// Cursor returns the identity's current cursor, loading it from the cache
// on first use. A missing or unparsable cache entry starts from zero.
func (c *Client) Cursor(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.cursor, nil
	}

	raw, ok, err := c.cache.Get(ctx, c.cursorKey())
	if err != nil {
		return 0, fmt.Errorf("load cursor for %s: %w", c.profileID, err)
	}
	if ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.logger.Warn("Discarding unparsable cursor %q for %s", raw, c.profileID)
		} else {
			c.cursor = parsed
		}
	}
	c.loaded = true
	return c.cursor, nil
}

// AdvanceCursor persists cursor if it moves the identity forward. Cursors
// never go backwards: a stale caller cannot rewind another's progress.
func (c *Client) AdvanceCursor(ctx context.Context, cursor int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && cursor <= c.cursor {
		return nil
	}
	if err := c.cache.Set(ctx, c.cursorKey(), strconv.FormatInt(cursor, 10)); err != nil {
		return fmt.Errorf("persist cursor for %s: %w", c.profileID, err)
	}
	c.cursor = cursor
	c.loaded = true
	return nil
}

// LoadNextAssignedTask reads the next task for this identity past the
// stored cursor.
func (c *Client) LoadNextAssignedTask(ctx context.Context) (*market.Task, error) {
	cursor, err := c.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	return c.backend.LoadNextAssignedTask(ctx, cursor)
}

// SendTaskResult delivers a finished task's payload back to the
// marketplace, retrying transient failures.
func (c *Client) SendTaskResult(ctx context.Context, taskID, payload string) (market.SendReceipt, error) {
	receipt, err := claraerrors.RetryWithResultAndLog(ctx, claraerrors.DefaultRetryConfig(), func(ctx context.Context) (market.SendReceipt, error) {
		return c.backend.SendResult(ctx, taskID, payload)
	}, c.logger)
	if err != nil {
		c.metrics.IncSendFailure(c.backend.Name())
		return market.SendReceipt{}, err
	}
	c.logger.Info("Delivered result for task %s on %s", taskID, c.backend.Name())
	return receipt, nil
}
