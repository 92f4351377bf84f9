// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"time"
)

// Run syncs on the given interval until ctx is cancelled. Consecutive
// failures back off exponentially between BackoffMin and BackoffMax; a
// successful cycle resets the backoff and returns to the normal interval.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	backoff := c.config.BackoffMin
	wait := time.Duration(0) // first cycle runs immediately

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		_, err := c.Sync(ctx)
		switch {
		case err == nil:
			backoff = c.config.BackoffMin
			wait = interval
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			c.logger.Warn("sync cycle failed, backing off", "error", err, "backoff", backoff)
			wait = backoff
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		}
	}
}
