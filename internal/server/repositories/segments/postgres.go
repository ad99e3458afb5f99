// Package segments implements persistence for upload segments.
package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/server/models"
)

// PostgresRepository implements segment storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const segmentColumns = `id, upload_id, idx, file_key, attempt_count`

func scanSegment(row interface{ Scan(...any) error }) (*models.UploadSegment, error) {
	var s models.UploadSegment
	if err := row.Scan(&s.ID, &s.UploadID, &s.Index, &s.FileKey, &s.AttemptCount); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) GetOrCreate(ctx context.Context, uploadID, index int64) (*models.UploadSegment, bool, error) {
	query := `
		INSERT INTO upload_segments (upload_id, idx)
		VALUES ($1, $2)
		ON CONFLICT (upload_id, idx) DO NOTHING;
	`
	res, err := r.db.ExecContext(ctx, query, uploadID, index)
	if err != nil {
		return nil, false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected error: %w", err)
	}

	segment, err := r.Get(ctx, uploadID, index)
	if err != nil {
		return nil, false, err
	}
	return segment, n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, uploadID, index int64) (*models.UploadSegment, error) {
	query := `SELECT ` + segmentColumns + ` FROM upload_segments WHERE upload_id = $1 AND idx = $2`

	segment, err := scanSegment(r.db.QueryRowContext(ctx, query, uploadID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select segment: %w", err)
	}
	return segment, nil
}

func (r *PostgresRepository) ListByUpload(ctx context.Context, uploadID int64) ([]*models.UploadSegment, error) {
	query := `SELECT ` + segmentColumns + ` FROM upload_segments WHERE upload_id = $1 ORDER BY idx ASC`

	rows, err := r.db.QueryContext(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to select segments: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadSegment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) CountByUpload(ctx context.Context, uploadID int64) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM upload_segments WHERE upload_id = $1`
	if err := r.db.QueryRowContext(ctx, query, uploadID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count segments: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) Update(ctx context.Context, segment *models.UploadSegment) error {
	query := `UPDATE upload_segments SET file_key = $1, attempt_count = $2 WHERE id = $3`
	return r.execOne(ctx, query, segment.FileKey, segment.AttemptCount, segment.ID)
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, `DELETE FROM upload_segments WHERE id = $1`, id)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
