package secrets

import (
	"context"

	"github.com/upstitch/upstitch/internal/server/models"
)

type Repository interface {
	// Create issues a fresh secret bound to the upload.
	Create(ctx context.Context, uploadID int64) (*models.UploadSecret, error)

	// Get resolves a secret by its value or returns common.ErrNotFound.
	Get(ctx context.Context, value string) (*models.UploadSecret, error)

	// Delete removes the secret. Deleting an absent secret returns
	// common.ErrNotFound.
	Delete(ctx context.Context, value string) error
}
