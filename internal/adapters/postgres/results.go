package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"repowatch/internal/domain"
)

// Put upserts the whole document in one statement, so a concurrent Get sees
// either the previous row or the new one.
func (db *DB) Put(ctx context.Context, name string, doc domain.FindingsDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: fmt.Errorf("marshal document: %w", err)}
	}
	_, err = db.Pool.Exec(ctx, `
        INSERT INTO scan_results (repository, generated_at, findings_count, document, updated_at)
        VALUES ($1, $2, $3, $4, now())
        ON CONFLICT (repository) DO UPDATE SET
            generated_at = EXCLUDED.generated_at,
            findings_count = EXCLUDED.findings_count,
            document = EXCLUDED.document,
            updated_at = now()
    `, name, doc.GeneratedAt, len(doc.Findings), data)
	if err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	return nil
}

func (db *DB) Get(ctx context.Context, name string) (domain.FindingsDocument, error) {
	var doc domain.FindingsDocument
	var data []byte
	err := db.Pool.QueryRow(ctx, `SELECT document FROM scan_results WHERE repository = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, domain.ErrNotFound
	}
	if err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: err}
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: fmt.Errorf("decode document: %w", err)}
	}
	if doc.Findings == nil {
		doc.Findings = []domain.Finding{}
	}
	return doc, nil
}

func (db *DB) ListScanned(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT repository FROM scan_results ORDER BY repository`)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	return names, nil
}
