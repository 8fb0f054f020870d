package postgres

import (
	"context"
	"fmt"
)

const (
	uploadClaimed  = "uploading"
	uploadAccepted = "uploaded"
)

// ClaimUpload inserts the (plan, item) row. A conflict means another attempt
// holds the item or it is already uploaded.
func (s *Store) ClaimUpload(ctx context.Context, planID, pendingItemKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO item_uploads (plan_id, pending_item_key, status, claimed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id, pending_item_key) DO NOTHING
	`, planID, pendingItemKey, uploadClaimed, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim upload: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishUpload marks a held claim uploaded, or deletes it.
func (s *Store) FinishUpload(ctx context.Context, planID, pendingItemKey string, uploaded bool) error {
	var err error
	var n int64
	if uploaded {
		n, err = s.exec(ctx, `
			UPDATE item_uploads SET status = $3, uploaded_at = $4
			WHERE plan_id = $1 AND pending_item_key = $2 AND status = $5
		`, planID, pendingItemKey, uploadAccepted, s.now(), uploadClaimed)
	} else {
		n, err = s.exec(ctx,
			`DELETE FROM item_uploads WHERE plan_id = $1 AND pending_item_key = $2 AND status = $3`,
			planID, pendingItemKey, uploadClaimed,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no pending upload claim for %s in plan %s", pendingItemKey, planID)
	}
	return nil
}

// UploadedItems lists the accepted items of a plan.
func (s *Store) UploadedItems(ctx context.Context, planID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pending_item_key FROM item_uploads
		WHERE plan_id = $1 AND status = $2
		ORDER BY pending_item_key
	`, planID, uploadAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
