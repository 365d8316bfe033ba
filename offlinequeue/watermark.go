// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package offlinequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/rsvpkit/guestsync/guestimport"
)

// ApplyFunc receives one page of server changes in seq order. Implementations
// update local state, last write wins. The watermark only advances after the
// callback returns nil, so a failed apply sees the same page again.
type ApplyFunc func(ctx context.Context, changes []guestimport.GuestChange) error

// RefreshSince polls the server's changed-since feed from the stored
// watermark, hands each page to the Apply callback, and advances the
// watermark. The watermark moves forward only; pages are fetched until the
// server reports no more. Polls are single-flight; an overlapping call
// returns immediately.
func (c *Client) RefreshSince(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.polling, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.polling, 0)

	if !c.online() {
		return nil
	}

	for {
		after, err := c.lastChangeSeq(ctx)
		if err != nil {
			return err
		}

		page, err := c.fetchChanges(ctx, after, c.config.PollLimit)
		if err != nil {
			return err
		}

		if len(page.Changes) > 0 && c.Apply != nil {
			if err := c.Apply(ctx, page.Changes); err != nil {
				return fmt.Errorf("apply changes: %w", err)
			}
		}

		if page.NextAfter > after {
			if err := c.setLastChangeSeq(ctx, page.NextAfter); err != nil {
				return err
			}
		}

		if !page.HasMore {
			return nil
		}
	}
}

// LastChangeSeq returns the persisted watermark.
func (c *Client) LastChangeSeq(ctx context.Context) (int64, error) {
	return c.lastChangeSeq(ctx)
}

func (c *Client) lastChangeSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT last_change_seq FROM _queue_client_info WHERE client_id = ?`,
		c.ClientID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last change seq: %w", err)
	}
	return seq, nil
}

func (c *Client) setLastChangeSeq(ctx context.Context, seq int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Monotonic guard in SQL so a delayed write can never move the
	// watermark backwards
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _queue_client_info SET last_change_seq = ?
		WHERE client_id = ? AND last_change_seq < ?
	`, seq, c.ClientID, seq)
	if err != nil {
		return fmt.Errorf("failed to update last change seq: %w", err)
	}
	return nil
}

// fetchChanges sends one changed-since request to the server.
func (c *Client) fetchChanges(ctx context.Context, after int64, limit int) (*guestimport.ChangesResponse, error) {
	url := fmt.Sprintf("%s/collections/%s/changes?after=%d&limit=%d",
		c.BaseURL, c.config.CollectionID, after, limit)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWT token: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var changesResp guestimport.ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&changesResp); err != nil {
		return nil, fmt.Errorf("failed to decode changes response: %w", err)
	}

	return &changesResp, nil
}
