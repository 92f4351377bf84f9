// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService applies client-submitted batches against the versioned
// canonical store and serves full snapshots back. This is the main server
// component; HTTP handlers are a thin shell around it.
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	resolver ConflictResolver

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName         string
	MaxBatchSize    int // maximum operations per batch (0 = unlimited)
	MaxPayloadBytes int // maximum JSON payload size per operation (0 = unlimited)
}

// NewSyncService creates a sync service from an existing pool. The conflict
// resolver defaults to server-wins; pass a different ConflictResolver via
// SetResolver to swap the policy without touching transaction logic.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "rememberme"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		resolver: ServerWinsResolver{},
	}, nil
}

// SetResolver replaces the conflict resolution policy.
func (s *SyncService) SetResolver(r ConflictResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r != nil {
		s.resolver = r
	}
}

// Close marks the service as shut down. It does NOT close the pool; the
// caller owns the pool lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessBatch applies a batch of operations in one transaction and returns
// per-operation outcomes. A transaction-level failure rolls the whole batch
// back (the client retries wholesale); a per-operation business failure is
// captured in Errors and never aborts sibling operations.
func (s *SyncService) ProcessBatch(ctx context.Context, userID, deviceID string, req *BatchRequest) (*BatchResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	resp := &BatchResponse{
		Success:     true,
		SyncedIDs:   map[string]string{},
		NewVersions: map[string]int64{},
		Conflicts:   []ConflictReport{},
		Errors:      []OperationError{},
	}
	if len(req.Operations) == 0 {
		return resp, nil
	}

	// Reject oversized batches wholesale so clients never drop pending items.
	if s.config.MaxBatchSize > 0 && len(req.Operations) > s.config.MaxBatchSize {
		resp.Success = false
		for _, op := range req.Operations {
			resp.Errors = append(resp.Errors, OperationError{
				EntityID: op.EntityID,
				Reason:   ReasonBatchTooLarge,
				Message:  fmt.Sprintf("batch too large: operations=%d limit=%d", len(req.Operations), s.config.MaxBatchSize),
			})
		}
		return resp, nil
	}

	s.mu.RLock()
	resolver := s.resolver
	s.mu.RUnlock()

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Bound lock waits so a stuck sibling transaction cannot pin us.
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")

		// Per-entity row versions at first touch, so a client's queued
		// offline sequence stays fresh as its own siblings advance the row.
		bases := map[string]int64{}

		for i, op := range req.Operations {
			outcome, err := s.applyOperation(ctx, tx, userID, deviceID, resolver, i, op, bases)
			if err != nil {
				return fmt.Errorf("apply operation %d (%s %s): %w", i, op.Action, op.EntityID, err)
			}

			switch {
			case outcome.opErr != nil:
				resp.Errors = append(resp.Errors, *outcome.opErr)
			default:
				resp.Processed++
				if outcome.serverID != "" {
					resp.SyncedIDs[op.EntityID] = outcome.serverID
					resp.NewVersions[op.EntityID] = outcome.newVersion
				}
				if outcome.conflict != nil {
					resp.Conflicts = append(resp.Conflicts, *outcome.conflict)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process batch transaction: %w", err)
	}

	s.logger.Info("processed batch",
		"user_id", userID, "source", deviceID,
		"operations", len(req.Operations), "processed", resp.Processed,
		"conflicts", len(resp.Conflicts), "errors", len(resp.Errors))

	return resp, nil
}
