package segments

import (
	"context"

	"github.com/upstitch/upstitch/internal/server/models"
)

type Repository interface {
	// GetOrCreate resolves the segment for (uploadID, index), creating
	// an empty row when absent. The bool reports creation.
	GetOrCreate(ctx context.Context, uploadID, index int64) (*models.UploadSegment, bool, error)

	// Get returns the segment or common.ErrNotFound.
	Get(ctx context.Context, uploadID, index int64) (*models.UploadSegment, error)

	// ListByUpload returns the upload's segments ordered ascending by
	// index.
	ListByUpload(ctx context.Context, uploadID int64) ([]*models.UploadSegment, error)

	// CountByUpload returns the number of segment rows for the upload.
	CountByUpload(ctx context.Context, uploadID int64) (int64, error)

	// Update persists file_key and attempt_count.
	Update(ctx context.Context, segment *models.UploadSegment) error

	// Delete removes one segment row.
	Delete(ctx context.Context, id int64) error
}
