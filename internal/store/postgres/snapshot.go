package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"caeplane/internal/store"

	"github.com/lib/pq"
)

// TakeSnapshot reads the pending items of a scope, ordered by key.
func (s *Store) TakeSnapshot(ctx context.Context, scope store.Scope) (*store.Snapshot, error) {
	args := []interface{}{scope.CompanyKey, scope.PlatformID}
	where := []string{"company_key = $1", "platform_id = $2"}

	filter := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		args = append(args, pq.Array(values))
		where = append(where, fmt.Sprintf("%s = ANY($%d)", column, len(args)))
	}
	filter("type_id", scope.TypeIDs)
	filter("subject_id", scope.SubjectIDs)
	filter("period_key", scope.PeriodKeys)

	query := fmt.Sprintf(`
		SELECT pending_item_key, company_key, platform_id, type_id, subject_id, period_key
		FROM pending_items
		WHERE %s
		ORDER BY pending_item_key ASC
	`, strings.Join(where, " AND "))

	takenAt := s.now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	items := []store.PendingItem{}
	for rows.Next() {
		var it store.PendingItem
		if err := rows.Scan(&it.Key, &it.CompanyKey, &it.PlatformID, &it.TypeID, &it.SubjectID, &it.PeriodKey); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &store.Snapshot{
		CompanyKey: scope.CompanyKey,
		PlatformID: scope.PlatformID,
		TakenAt:    takenAt,
		Items:      items,
	}, nil
}

const documentColumns = `doc_id, company_key, type_id, subject_id, file_ref, issued_at, valid_from, valid_to,
	type_confidence, subject_confidence, extraction_confidence, submitted_item_keys`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (store.Document, error) {
	var d store.Document
	var submitted []string
	err := row.Scan(
		&d.ID, &d.CompanyKey, &d.TypeID, &d.SubjectID, &d.FileRef,
		&d.IssuedAt, &d.ValidFrom, &d.ValidTo,
		&d.TypeConfidence, &d.SubjectConfidence, &d.ExtractionConfidence,
		pq.Array(&submitted),
	)
	if len(submitted) > 0 {
		d.SubmittedItemKeys = submitted
	}
	return d, err
}

// FindCandidates returns a company's documents for a subject and type, ordered by id.
func (s *Store) FindCandidates(ctx context.Context, companyKey, subjectID, typeID string) ([]store.Document, error) {
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE company_key = $1 AND subject_id = $2 AND type_id = $3
		ORDER BY doc_id ASC`

	rows, err := s.db.QueryContext(ctx, query, companyKey, subjectID, typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetDocument returns one document by id.
func (s *Store) GetDocument(ctx context.Context, docID string) (*store.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE doc_id = $1`

	d, err := scanDocument(s.db.QueryRowContext(ctx, query, docID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	return &d, nil
}
