package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/server/models"
)

// FinalizeResult reports the outcome of a finalize call. Exactly one of
// the terminal fields is meaningful: Secret when the upload is assembled
// and handed off, PollRefs when assembly was dispatched asynchronously.
// Both empty means assembly is not done yet and the client should retry.
type FinalizeResult struct {
	Upload   *models.Upload
	Secret   string
	PollRefs []jobs.Ref
}

// Ready reports whether the upload is assembled and a secret was issued.
func (r *FinalizeResult) Ready() bool {
	return r.Secret != ""
}

// Finalize declares an upload complete. When the upload is already
// assembled it verifies the declared digest and issues a single-use
// secret; otherwise it triggers assembly and reports what to wait for.
// A digest mismatch destroys the upload: the stored content is wrong and
// no retry can fix it.
func (s *UploadService) Finalize(ctx context.Context, owner models.Owner, identifier, declaredDigest string, alg digest.Algorithm) (*FinalizeResult, error) {
	token := HashToken(identifier)
	upload, created, err := s.repos.Uploads(s.db).GetOrCreate(ctx, token, owner, "", s.now())
	if err != nil {
		return nil, err
	}
	if created {
		// Nothing was ever ingested under this identifier. The row it
		// just created is empty and will be purged.
		return nil, fmt.Errorf("%w: upload cannot be created and finalized in the same request", common.ErrMalformed)
	}

	if !upload.Materialized() {
		refs, err := s.Materialize(ctx, upload, false, alg, nil)
		switch {
		case errors.Is(err, locks.ErrBusy):
			s.logger.Warn(ctx, "materialization already triggered elsewhere", "upload_id", upload.ID)
		case err != nil:
			return nil, err
		case len(refs) > 0:
			return &FinalizeResult{Upload: upload, PollRefs: refs}, nil
		}
		// An inline dispatcher may have assembled synchronously.
		upload, err = s.repos.Uploads(s.db).GetByID(ctx, upload.ID)
		if err != nil {
			return nil, err
		}
	}
	if !upload.Materialized() {
		return &FinalizeResult{Upload: upload}, nil
	}

	if declaredDigest != "" && upload.Digest != declaredDigest {
		if err := s.destroy(ctx, upload); err != nil {
			return nil, err
		}
		errs := common.NewValidationError()
		errs.Add("assembled content did not match the declared digest", "digest")
		return nil, errs
	}

	secret, err := s.repos.Secrets(s.db).Create(ctx, upload.ID)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{Upload: upload, Secret: secret.Value}, nil
}

// destroy removes a materialized upload whose content failed
// verification, object included.
func (s *UploadService) destroy(ctx context.Context, upload *models.Upload) error {
	return dbx.WithTxHooks(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX, hooks *dbx.Hooks) error {
		if err := s.repos.Uploads(tx).Delete(ctx, upload.ID); err != nil {
			if errors.Is(err, common.ErrProtected) {
				s.logger.Error(ctx, "cannot destroy upload, a secret still references it", "upload_id", upload.ID)
				return fmt.Errorf("%w: upload is referenced by an issued secret", common.ErrStateConflict)
			}
			return err
		}
		key := upload.FileKey
		hooks.OnCommit(func() { s.deleteBlob(ctxDetached(ctx), key) })
		return nil
	})
}
