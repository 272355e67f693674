package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pipecore/internal/store"
)

// upsertBatchSize bounds the number of rows per INSERT statement.
const upsertBatchSize = 500

// RowsStore implements store.DatabasesStore on MySQL.
type RowsStore struct {
	db *DB
}

var _ store.DatabasesStore = (*RowsStore)(nil)

// NewRowsStore creates a rows store over an initialized DB.
func NewRowsStore(db *DB) *RowsStore {
	return &RowsStore{db: db}
}

// LoadTableRow implements store.DatabasesStore.
func (s *RowsStore) LoadTableRow(ctx context.Context, tableUniqueID, rowID string) (*store.Row, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT content FROM table_rows WHERE table_id = ? AND row_id = ?",
		tableUniqueID, rowID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load row %s: %w", rowID, err)
	}

	row := store.Row{RowID: rowID}
	if err := json.Unmarshal(content, &row.Value); err != nil {
		return nil, fmt.Errorf("failed to decode row %s: %w", rowID, err)
	}
	return &row, nil
}

// ListTableRows implements store.DatabasesStore.
func (s *RowsStore) ListTableRows(ctx context.Context, tableUniqueID string, limit, offset int) ([]store.Row, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM table_rows WHERE table_id = ?", tableUniqueID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rows: %w", err)
	}

	query := "SELECT row_id, content FROM table_rows WHERE table_id = ? ORDER BY row_id"
	args := []any{tableUniqueID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	} else if offset > 0 {
		// MySQL requires a LIMIT with OFFSET.
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, offset)
	}

	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rs.Close()

	var rows []store.Row
	for rs.Next() {
		var row store.Row
		var content []byte
		if err := rs.Scan(&row.RowID, &content); err != nil {
			return nil, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(content, &row.Value); err != nil {
			return nil, 0, fmt.Errorf("failed to decode row %s: %w", row.RowID, err)
		}
		rows = append(rows, row)
	}
	return rows, total, rs.Err()
}

// BatchUpsertTableRows implements store.DatabasesStore. Truncation and
// inserts run in one transaction.
func (s *RowsStore) BatchUpsertTableRows(ctx context.Context, tableUniqueID string, rows []store.Row, truncate bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if truncate {
		if _, err := tx.ExecContext(ctx, "DELETE FROM table_rows WHERE table_id = ?", tableUniqueID); err != nil {
			return fmt.Errorf("failed to truncate rows: %w", err)
		}
	}

	for start := 0; start < len(rows); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(rows))
		batch := rows[start:end]

		placeholders := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*3)
		for _, row := range batch {
			content, err := json.Marshal(row.Value)
			if err != nil {
				return fmt.Errorf("failed to encode row %s: %w", row.RowID, err)
			}
			placeholders = append(placeholders, "(?, ?, ?)")
			args = append(args, tableUniqueID, row.RowID, content)
		}

		query := "INSERT INTO table_rows (table_id, row_id, content) VALUES " +
			strings.Join(placeholders, ", ") +
			" ON DUPLICATE KEY UPDATE content = VALUES(content)"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert rows: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteTableRow implements store.DatabasesStore.
func (s *RowsStore) DeleteTableRow(ctx context.Context, tableUniqueID, rowID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM table_rows WHERE table_id = ? AND row_id = ?", tableUniqueID, rowID)
	if err != nil {
		return fmt.Errorf("failed to delete row %s: %w", rowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	return nil
}

// DeleteTableRows implements store.DatabasesStore.
func (s *RowsStore) DeleteTableRows(ctx context.Context, tableUniqueID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM table_rows WHERE table_id = ?", tableUniqueID); err != nil {
		return fmt.Errorf("failed to delete rows: %w", err)
	}
	return nil
}
