package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"caeplane/internal/store"
)

const (
	executionRunning = "running"
	executionDone    = "done"
)

// ClaimExecution inserts the (plan, mode) row. A conflicting row means the slot
// is taken; its status decides between replay and in-progress.
func (s *Store) ClaimExecution(ctx context.Context, planID string, mode store.ExecutionMode) (bool, *store.ExecutionResult, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (plan_id, mode, status, claimed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id, mode) DO NOTHING
	`, planID, string(mode), executionRunning, s.now())
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, nil, nil
	}

	var status string
	var raw []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT status, result FROM executions WHERE plan_id = $1 AND mode = $2`,
		planID, string(mode),
	).Scan(&status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the read.
		return false, nil, store.ErrExecutionInProgress
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to read execution: %w", err)
	}
	if status != executionDone {
		return false, nil, store.ErrExecutionInProgress
	}

	prior, err := decodeResult(raw)
	if err != nil {
		return false, nil, err
	}
	return false, prior, nil
}

// CompleteExecution stores the result on a running claim.
func (s *Store) CompleteExecution(ctx context.Context, result *store.ExecutionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode execution result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $3, result = $4, finished_at = $5
		WHERE plan_id = $1 AND mode = $2 AND status = $6
	`, result.PlanID, string(result.Mode), executionDone, raw, s.now(), executionRunning)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no running execution for plan %s in %s mode", result.PlanID, result.Mode)
	}
	return nil
}

// GetExecution returns a finished result.
func (s *Store) GetExecution(ctx context.Context, planID string, mode store.ExecutionMode) (*store.ExecutionResult, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM executions WHERE plan_id = $1 AND mode = $2 AND status = $3`,
		planID, string(mode), executionDone,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeResult(raw)
}

// ReleaseExecution deletes a claim that is still running.
func (s *Store) ReleaseExecution(ctx context.Context, planID string, mode store.ExecutionMode) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE plan_id = $1 AND mode = $2 AND status = $3`,
		planID, string(mode), executionRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to release execution: %w", err)
	}
	return nil
}

func decodeResult(raw []byte) (*store.ExecutionResult, error) {
	var result store.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}
	return &result, nil
}
