package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/upstitch/upstitch/internal/blob"
	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
)

// BoundFile is a redeemed upload spooled to local disk. Closing it
// discards the spool file; the caller owns the lifetime.
type BoundFile struct {
	*os.File
	Filename string
	Size     int64
	UploadID int64
}

// Close closes and removes the underlying spool file.
func (f *BoundFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.File.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// Redeem exchanges a secret for the assembled upload's content. The
// returned consume function burns the secret and tears the upload down;
// the caller invokes it only after the content has been used, so a
// failure between redeem and use leaves the secret valid.
//
// Teardown is best-effort behind a savepoint: if the upload cannot be
// removed, the rows are restored and the upload is flagged lingering so
// the purge sweep retries later. Either way the secret itself is gone.
func (s *UploadService) Redeem(ctx context.Context, value string) (*BoundFile, func(context.Context), error) {
	secret, err := s.repos.Secrets(s.db).Get(ctx, value)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown secret", common.ErrMalformed)
	}
	if err != nil {
		return nil, nil, err
	}
	upload, err := s.repos.Uploads(s.db).GetByID(ctx, secret.UploadID)
	if err != nil {
		return nil, nil, err
	}
	if !upload.Materialized() {
		return nil, nil, fmt.Errorf("%w: upload is not materialized", common.ErrStateConflict)
	}

	bound, err := s.spoolObject(ctx, upload.FileKey, upload.Filename, upload.ID)
	if err != nil {
		return nil, nil, err
	}

	uploadID := upload.ID
	fileKey := upload.FileKey
	consume := func(cctx context.Context) {
		cctx = ctxDetached(cctx)
		err := dbx.WithTxHooks(cctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX, hooks *dbx.Hooks) error {
			if err := s.repos.Secrets(tx).Delete(ctx, value); err != nil {
				return err
			}
			err := dbx.WithSavepoint(ctx, tx, "upload_teardown", func(ctx context.Context) error {
				if err := s.repos.Uploads(tx).Delete(ctx, uploadID); err != nil {
					return err
				}
				if err := s.blobs.Delete(ctx, fileKey); err != nil && !errors.Is(err, blob.ErrNotExist) {
					return err
				}
				return nil
			})
			switch {
			case err == nil:
			case errors.Is(err, common.ErrProtected):
				// Another outstanding secret still needs the upload; it
				// is torn down when the last one is consumed.
				s.logger.Warn(ctx, "upload survives consume, other secrets reference it", "upload_id", uploadID)
			default:
				s.logger.Error(ctx, "upload teardown failed, flagging lingering", "upload_id", uploadID, "error", err.Error())
				if err := s.repos.Uploads(tx).SetLingering(ctx, uploadID, true); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error(cctx, "secret consume failed", "upload_id", uploadID, "error", err.Error())
		}
	}
	return bound, consume, nil
}

// spoolObject copies the named object to a local temp file so the caller
// can read it after the store connection is gone.
func (s *UploadService) spoolObject(ctx context.Context, key, filename string, uploadID int64) (*BoundFile, error) {
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open assembled object: %w", err)
	}
	defer rc.Close()

	spool, err := os.CreateTemp(s.cfg.SpoolDir, "upstitch-redeem-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	size, err := io.Copy(spool, rc)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, fmt.Errorf("spool assembled object: %w", err)
	}
	return &BoundFile{File: spool, Filename: filename, Size: size, UploadID: uploadID}, nil
}
