package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"caeplane/internal/store"

	"github.com/lib/pq"
)

// PutPlan writes a frozen plan and its items in one transaction.
func (s *Store) PutPlan(ctx context.Context, plan *store.SubmissionPlan) error {
	if !plan.Frozen {
		return fmt.Errorf("plan %s is not frozen", plan.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO plans (plan_id, confirm_token, company_key, platform_id, type_ids, subject_ids, period_keys, snapshot_taken_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (plan_id) DO NOTHING
	`,
		plan.ID, plan.ConfirmToken, plan.Scope.CompanyKey, plan.Scope.PlatformID,
		pq.Array(plan.Scope.TypeIDs), pq.Array(plan.Scope.SubjectIDs), pq.Array(plan.Scope.PeriodKeys),
		plan.SnapshotTakenAt, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan %s: %w", plan.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrPlanExists
	}

	if err := insertPlanItems(ctx, tx, plan); err != nil {
		return err
	}

	return tx.Commit()
}

// GetPlan reads a plan and its items in write order.
func (s *Store) GetPlan(ctx context.Context, id string) (*store.SubmissionPlan, error) {
	plan := store.SubmissionPlan{Frozen: true}
	var typeIDs, subjectIDs, periodKeys []string

	err := s.db.QueryRowContext(ctx, `
		SELECT plan_id, confirm_token, company_key, platform_id, type_ids, subject_ids, period_keys, snapshot_taken_at, created_at
		FROM plans
		WHERE plan_id = $1
	`, id).Scan(
		&plan.ID, &plan.ConfirmToken, &plan.Scope.CompanyKey, &plan.Scope.PlatformID,
		pq.Array(&typeIDs), pq.Array(&subjectIDs), pq.Array(&periodKeys),
		&plan.SnapshotTakenAt, &plan.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	plan.Scope.TypeIDs = nonEmpty(typeIDs)
	plan.Scope.SubjectIDs = nonEmpty(subjectIDs)
	plan.Scope.PeriodKeys = nonEmpty(periodKeys)
	plan.SnapshotTakenAt = plan.SnapshotTakenAt.UTC()
	plan.CreatedAt = plan.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT pending_item_key, type_id, subject_id, period_key, matched_doc, suggested_doc, decision, decision_reason, confidence
		FROM plan_items
		WHERE plan_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan items: %w", err)
	}
	defer rows.Close()

	plan.Items = []store.PlanItem{}
	for rows.Next() {
		var it store.PlanItem
		var decision string
		if err := rows.Scan(
			&it.PendingItemKey, &it.TypeID, &it.SubjectID, &it.PeriodKey,
			&it.MatchedDocID, &it.SuggestedDocID, &decision, &it.Reason, &it.Confidence,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan item: %w", err)
		}
		if it.Decision, err = store.ParseDecision(decision); err != nil {
			return nil, fmt.Errorf("plan %s: %w", id, err)
		}
		plan.Items = append(plan.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &plan, nil
}

func insertPlanItems(ctx context.Context, exec store.DBTransaction, plan *store.SubmissionPlan) error {
	for i, it := range plan.Items {
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO plan_items (plan_id, position, pending_item_key, type_id, subject_id, period_key, matched_doc, suggested_doc, decision, decision_reason, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			plan.ID, i, it.PendingItemKey, it.TypeID, it.SubjectID, it.PeriodKey,
			it.MatchedDocID, it.SuggestedDocID, it.Decision.String(), it.Reason, it.Confidence,
		); err != nil {
			return fmt.Errorf("failed to insert plan item %s: %w", it.PendingItemKey, err)
		}
	}
	return nil
}

func nonEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return values
}
