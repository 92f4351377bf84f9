// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncclient pushes the local mutation queue to the sync server and
// pulls canonical snapshots back. One sync runs at a time; overlapping
// requests are rejected rather than queued.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Carcadons/RememberMe-2.0/localstore"
	"github.com/Carcadons/RememberMe-2.0/syncserver"
)

// ErrSyncInProgress is returned when a sync is requested while another one is
// still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config holds tunables for the sync client.
type Config struct {
	BatchLimit  int           // max mutations per push batch
	HTTPTimeout time.Duration // per-request timeout; never unlimited
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchLimit:  200,
		HTTPTimeout: 30 * time.Second,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Client performs push and pull sync against the server.
type Client struct {
	Store   *localstore.Store
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client

	config *Config
	logger *slog.Logger

	syncing int32 // atomic single-flight guard
}

// NewClient creates a sync client. The token callback supplies the bearer
// token per request so a refreshed session is picked up automatically.
func NewClient(store *localstore.Store, baseURL string, token func(context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if token == nil {
		return nil, errors.New("token callback is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		Store:   store,
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: config.HTTPTimeout},
		config:  config,
		logger:  logger,
	}, nil
}

// beginFlight claims the single-flight slot. The release func must be called
// exactly once.
func (c *Client) beginFlight() (func(), error) {
	if !atomic.CompareAndSwapInt32(&c.syncing, 0, 1) {
		return nil, ErrSyncInProgress
	}
	return func() { atomic.StoreInt32(&c.syncing, 0) }, nil
}

// Syncing reports whether a sync is currently running.
func (c *Client) Syncing() bool {
	return atomic.LoadInt32(&c.syncing) == 1
}

// doJSON performs an authenticated JSON request and decodes the response into
// out. Non-2xx statuses are returned as errors carrying the server's error
// code when one was provided.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp syncserver.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
