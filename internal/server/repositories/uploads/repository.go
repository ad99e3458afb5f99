package uploads

import (
	"context"
	"time"

	"github.com/upstitch/upstitch/internal/server/models"
)

// PurgeResult reports what a purge pass removed, for observability, plus
// the blob keys that must be cleaned up after the surrounding transaction
// commits.
type PurgeResult struct {
	Uploads  int64
	Segments int64
	Secrets  int64
	FileKeys []string
}

// Total is the overall number of deleted rows.
func (r PurgeResult) Total() int64 {
	return r.Uploads + r.Segments + r.Secrets
}

type Repository interface {
	// GetOrCreate resolves the upload for (token, owner), creating it
	// with the given filename and creation time when absent. The bool
	// reports whether a row was created.
	GetOrCreate(ctx context.Context, token string, owner models.Owner, filename string, now time.Time) (*models.Upload, bool, error)

	// Get returns the upload for (token, owner) or common.ErrNotFound.
	Get(ctx context.Context, token string, owner models.Owner) (*models.Upload, error)

	// GetByID returns the upload or common.ErrNotFound.
	GetByID(ctx context.Context, id int64) (*models.Upload, error)

	// SetMaterialized records the assembled object ref and digest.
	SetMaterialized(ctx context.Context, id int64, fileKey, digest string) error

	// SetLingering flags the upload for later teardown by the purge
	// sweep.
	SetLingering(ctx context.Context, id int64, lingering bool) error

	// Delete removes the upload and its remaining segment rows. It
	// returns common.ErrProtected while a secret still references the
	// upload.
	Delete(ctx context.Context, id int64) error

	// Purge removes, set-based, every upload that is lingering or was
	// created before cutoff, together with its segments and secrets.
	Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error)
}
