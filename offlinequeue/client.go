// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package offlinequeue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Action types replayed through the queue.
const (
	ActionCheckIn     = "check_in"
	ActionUndoCheckIn = "undo_check_in"
	ActionAddGuest    = "add_guest"
	ActionDeleteGuest = "delete_guest"
)

// Client manages the SQLite action queue and its replay against the server.
// All server mutations from the app should go through Do so that offline
// failures are captured instead of lost.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	ClientID string
	Token    func(context.Context) (string, error) // returns JWT
	Online   func() bool                           // connectivity probe; nil means always online
	HTTP     *http.Client
	Apply    ApplyFunc // optional; receives downloaded changes
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize queue writes to prevent SQLite locking issues

	// Single-flight guards (atomic): at most one drain and one poll at a time
	draining int32
	polling  int32

	notify chan struct{}
}

// Config holds configuration for the offline queue client
type Config struct {
	CollectionID string        // target guest collection
	DrainEvery   time.Duration // background tick, 12s default
	PollLimit    int           // changes per watermark poll, 500 default
	BackoffMin   time.Duration // 1s
	BackoffMax   time.Duration // 60s
}

// DefaultConfig returns a default configuration for the given collection.
func DefaultConfig(collectionID string) *Config {
	return &Config{
		CollectionID: collectionID,
		DrainEvery:   12 * time.Second,
		PollLimit:    500,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
	}
}

// NewClient creates a new offline queue client and initializes the queue
// tables. A client ID is generated and persisted on first use.
func NewClient(db *sql.DB, baseURL string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.CollectionID == "" {
		return nil, fmt.Errorf("config.CollectionID must be provided")
	}
	if config.DrainEvery <= 0 {
		config.DrainEvery = 12 * time.Second
	}
	if config.PollLimit <= 0 {
		config.PollLimit = 500
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	clientID, err := EnsureClientID(db)
	if err != nil {
		return nil, err
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		ClientID: clientID,
		Token:    tok,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		config:   config,
		logger:   slog.Default(),
		notify:   make(chan struct{}, 1),
	}, nil
}

// online reports whether the connectivity probe allows network attempts.
func (c *Client) online() bool {
	return c.Online == nil || c.Online()
}

// Do performs one server mutation through the queue. When online the action
// is attempted immediately; a network-level failure enqueues it for later
// replay, and a 4xx response discards it (the server has rejected the action
// and retrying cannot succeed). When offline the action is enqueued without
// a network attempt.
func (c *Client) Do(ctx context.Context, actionType, endpoint, method string, payload json.RawMessage) error {
	if !c.online() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.enqueue(ctx, actionType, endpoint, method, payload)
	}

	status, err := c.sendAction(ctx, endpoint, method, payload)
	if err != nil {
		// Network-level failure: capture for replay
		c.logger.Info("Action queued after network failure",
			"action_type", actionType, "endpoint", endpoint, "error", err)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.enqueue(ctx, actionType, endpoint, method, payload)
	}

	switch {
	case status >= 200 && status < 300:
		// Applied; pick up peer changes opportunistically
		go func() {
			if refreshErr := c.RefreshSince(context.Background()); refreshErr != nil {
				c.logger.Debug("Post-action refresh failed", "error", refreshErr)
			}
		}()
		return nil

	case status >= 400 && status < 500:
		// Server rejected the action permanently; do not queue
		c.logger.Warn("Action rejected by server",
			"action_type", actionType, "endpoint", endpoint, "status", status)
		return nil

	default:
		// Server trouble (5xx): treat like no response and replay later
		c.logger.Info("Action queued after server error",
			"action_type", actionType, "endpoint", endpoint, "status", status)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.enqueue(ctx, actionType, endpoint, method, payload)
	}
}

// Drain replays queued actions in strict FIFO order. A network-level failure
// (or 5xx) stops the drain with the failed action still queued; a 4xx
// rejection deletes that action and continues with the next one. Drain is
// single-flight; a call that finds one in progress returns immediately.
func (c *Client) Drain(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.draining, 0)

	if !c.online() {
		return nil
	}

	actions, err := c.pendingActions(ctx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	replayed := 0
	discarded := 0
	for _, action := range actions {
		status, err := c.sendAction(ctx, action.Endpoint, action.Method, action.Payload)
		if err != nil {
			// Still (or again) offline; later actions must wait to keep order
			c.logger.Info("Drain stopped on network failure",
				"action_id", action.ID, "replayed", replayed, "error", err)
			return nil
		}

		switch {
		case status >= 200 && status < 300:
			c.writeMu.Lock()
			err = c.deleteAction(ctx, action.ID)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
			replayed++

		case status >= 400 && status < 500:
			// Permanently rejected; drop it so it cannot wedge the queue
			c.logger.Warn("Queued action rejected by server",
				"action_id", action.ID, "action_type", action.ActionType, "status", status)
			c.writeMu.Lock()
			err = c.deleteAction(ctx, action.ID)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
			discarded++

		default:
			// 5xx: retryable, stop and keep the action queued
			c.logger.Info("Drain stopped on server error",
				"action_id", action.ID, "status", status, "replayed", replayed)
			return nil
		}
	}

	if replayed > 0 || discarded > 0 {
		c.logger.Info("Drain finished", "replayed", replayed, "discarded", discarded)
	}

	// Queue is empty; reconcile local state with the server
	return c.RefreshSince(ctx)
}

// Start runs the background drain/poll loop until ctx is cancelled. The loop
// ticks every DrainEvery and also wakes immediately on Notify.
func (c *Client) Start(ctx context.Context) error {
	go c.drainLoop(ctx)
	return nil
}

// Notify wakes the background loop ahead of its next tick. Call it on
// connectivity-regained or app-foreground events. Never blocks.
func (c *Client) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.DrainEvery)
	defer ticker.Stop()

	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.notify:
		}

		if err := c.Drain(ctx); err != nil {
			c.logger.Error("Background drain failed", "error", err)
			// Exponential backoff on persistent errors
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = backoff * 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			continue
		}
		backoff = c.config.BackoffMin
	}
}

// sendAction performs one HTTP call and returns the status code. A non-nil
// error means the request never produced a response (network-level failure).
func (c *Client) sendAction(ctx context.Context, endpoint, method string, payload json.RawMessage) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get JWT token: %w", err)
	}

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
