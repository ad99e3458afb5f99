// Package uploads implements persistence for the Upload aggregate.
package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/server/models"
)

// PostgresRepository implements upload storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const uploadColumns = `id, token, user_id, session, filename, file_key, digest, created_at, lingering`

func scanUpload(row interface{ Scan(...any) error }) (*models.Upload, error) {
	var (
		u         models.Upload
		userID    sql.NullString
		session   sql.NullString
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Token, &userID, &session, &u.Filename, &u.FileKey, &u.Digest, &createdAt, &u.Lingering); err != nil {
		return nil, err
	}
	if userID.Valid {
		u.UserID = &userID.String
	}
	if session.Valid {
		u.Session = &session.String
	}
	u.CreatedAt = time.Unix(0, createdAt)
	return &u, nil
}

func ownerValues(owner models.Owner) (userID, session sql.NullString) {
	switch owner.Kind {
	case models.OwnerUser:
		userID = sql.NullString{String: owner.ID, Valid: true}
	case models.OwnerSession:
		session = sql.NullString{String: owner.ID, Valid: true}
	}
	return userID, session
}

func ownerPredicate(owner models.Owner) (string, string) {
	if owner.Kind == models.OwnerUser {
		return "user_id = $2", owner.ID
	}
	return "session = $2", owner.ID
}

func (r *PostgresRepository) GetOrCreate(ctx context.Context, token string, owner models.Owner, filename string, now time.Time) (*models.Upload, bool, error) {
	userID, session := ownerValues(owner)

	query := `
		INSERT INTO uploads (token, user_id, session, filename, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING;
	`
	res, err := r.db.ExecContext(ctx, query, token, userID, session, filename, now.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected error: %w", err)
	}

	upload, err := r.Get(ctx, token, owner)
	if err != nil {
		return nil, false, err
	}
	return upload, n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, token string, owner models.Owner) (*models.Upload, error) {
	pred, arg := ownerPredicate(owner)
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE token = $1 AND ` + pred

	upload, err := scanUpload(r.db.QueryRowContext(ctx, query, token, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select upload: %w", err)
	}
	return upload, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1`

	upload, err := scanUpload(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select upload: %w", err)
	}
	return upload, nil
}

func (r *PostgresRepository) SetMaterialized(ctx context.Context, id int64, fileKey, digest string) error {
	query := `UPDATE uploads SET file_key = $1, digest = $2 WHERE id = $3`
	return r.execOne(ctx, query, fileKey, digest, id)
}

func (r *PostgresRepository) SetLingering(ctx context.Context, id int64, lingering bool) error {
	query := `UPDATE uploads SET lingering = $1 WHERE id = $2`
	return r.execOne(ctx, query, lingering, id)
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

// Delete removes the upload and any remaining segment rows. The explicit
// secret count keeps referential protection deterministic across backends;
// the schema's RESTRICT foreign key backs it up against races.
func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	var secretCount int64
	query := `SELECT COUNT(*) FROM upload_secrets WHERE upload_id = $1`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&secretCount); err != nil {
		return fmt.Errorf("failed to count secrets: %w", err)
	}
	if secretCount > 0 {
		return common.ErrProtected
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM upload_segments WHERE upload_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return r.execOne(ctx, `DELETE FROM uploads WHERE id = $1`, id)
}

func (r *PostgresRepository) Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var result PurgeResult
	predicate := `SELECT id FROM uploads WHERE lingering OR created_at < $1`

	// Collect every blob key the candidates still hold before the rows
	// disappear; the caller deletes the blobs after commit.
	keysQuery := `
		SELECT file_key FROM uploads WHERE file_key <> '' AND id IN (` + predicate + `)
		UNION ALL
		SELECT file_key FROM upload_segments WHERE file_key <> '' AND upload_id IN (` + predicate + `)
	`
	rows, err := r.db.QueryContext(ctx, keysQuery, cutoff.UnixNano())
	if err != nil {
		return result, fmt.Errorf("failed to select purge keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return result, err
		}
		result.FileKeys = append(result.FileKeys, key)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}

	// An expired grant dies with its upload, so candidate secrets go
	// first; otherwise the RESTRICT constraint would abort the sweep.
	deletes := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM upload_secrets WHERE upload_id IN (` + predicate + `)`, &result.Secrets},
		{`DELETE FROM upload_segments WHERE upload_id IN (` + predicate + `)`, &result.Segments},
		{`DELETE FROM uploads WHERE lingering OR created_at < $1`, &result.Uploads},
	}
	for _, d := range deletes {
		res, err := r.db.ExecContext(ctx, d.query, cutoff.UnixNano())
		if err != nil {
			return result, fmt.Errorf("purge delete failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("rows affected error: %w", err)
		}
		*d.count = n
	}
	return result, nil
}
