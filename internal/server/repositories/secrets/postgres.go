// Package secrets implements persistence for single-use upload secrets.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/server/models"
)

// PostgresRepository implements secret storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, uploadID int64) (*models.UploadSecret, error) {
	value, err := models.NewSecretValue()
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO upload_secrets (value, upload_id) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, query, value, uploadID); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &models.UploadSecret{Value: value, UploadID: uploadID}, nil
}

func (r *PostgresRepository) Get(ctx context.Context, value string) (*models.UploadSecret, error) {
	query := `SELECT value, upload_id FROM upload_secrets WHERE value = $1`

	var s models.UploadSecret
	err := r.db.QueryRowContext(ctx, query, value).Scan(&s.Value, &s.UploadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select secret: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, value string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upload_secrets WHERE value = $1`, value)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
