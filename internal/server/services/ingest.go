package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/upstitch/upstitch/internal/blob"
	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/server/models"
)

// Ingest accepts one segment payload for the upload named by identifier,
// creating the upload row on first contact. Segments may arrive in any
// order and may be retried: a retry whose content matches what is already
// stored is a no-op, a differing retry replaces the stored payload.
// Attempt bookkeeping survives rejections so a client cannot hammer one
// index forever.
func (s *UploadService) Ingest(ctx context.Context, owner models.Owner, identifier, filename string, index int64, payload []byte, declaredDigest string, alg digest.Algorithm) (*models.Upload, error) {
	if index < 1 {
		return nil, fmt.Errorf("%w: segment index must be positive", common.ErrMalformed)
	}
	if int64(len(payload)) > s.cfg.SegmentAllowableSize {
		return nil, fmt.Errorf("%w: segment is too large", common.ErrMalformed)
	}
	if declaredDigest != "" && alg == digest.AlgorithmNone {
		return nil, fmt.Errorf("%w: digest supplied without an algorithm", common.ErrMalformed)
	}

	token := HashToken(identifier)

	var upload *models.Upload
	// Rejections discovered after the attempt counter moved must still
	// commit, so they are carried out of the transaction separately.
	var rejection error
	err := dbx.WithTxHooks(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX, hooks *dbx.Hooks) error {
		upRepo := s.repos.Uploads(tx)
		segRepo := s.repos.Segments(tx)

		var err error
		upload, _, err = upRepo.GetOrCreate(ctx, token, owner, filename, s.now())
		if err != nil {
			return err
		}
		if err := upload.Clean(); err != nil {
			return err
		}
		if upload.Materialized() {
			return fmt.Errorf("%w: upload is already materialized", common.ErrStateConflict)
		}

		seg, _, err := segRepo.GetOrCreate(ctx, upload.ID, index)
		if err != nil {
			return err
		}
		count, err := segRepo.CountByUpload(ctx, upload.ID)
		if err != nil {
			return err
		}
		if count > s.cfg.SegmentLimit {
			return fmt.Errorf("%w: upload has too many segments", common.ErrMalformed)
		}

		seg.AttemptCount++
		if seg.AttemptCount > s.cfg.SegmentMaxAttempts {
			if err := segRepo.Update(ctx, seg); err != nil {
				return err
			}
			rejection = fmt.Errorf("%w: no attempts left for segment %d", common.ErrMalformed, index)
			return nil
		}

		incoming := digest.HexSum(alg, payload)
		if declaredDigest != "" && incoming != declaredDigest {
			if err := segRepo.Update(ctx, seg); err != nil {
				return err
			}
			errs := common.NewValidationError()
			errs.Add("segment content did not match the declared digest", "digest")
			rejection = errs
			return nil
		}

		if seg.FileKey != "" && alg != digest.AlgorithmNone {
			stored, err := s.storedDigest(ctx, seg.FileKey, alg)
			switch {
			case errors.Is(err, blob.ErrNotExist):
				s.logger.Warn(ctx, "segment object missing from blob store, re-accepting",
					"upload_id", upload.ID, "index", index, "file_key", seg.FileKey)
			case err != nil:
				return err
			case stored == incoming:
				// Idempotent retry: content already stored.
				return segRepo.Update(ctx, seg)
			}
		}

		key := blob.MakeKey("upload-segments",
			fmt.Sprintf("%d-%d-%d-%d-%s", upload.ID, seg.ID, seg.Index, seg.AttemptCount, upload.Filename))
		if err := s.blobs.Put(ctx, key, bytes.NewReader(payload), int64(len(payload))); err != nil {
			return fmt.Errorf("store segment payload: %w", err)
		}

		old := seg.FileKey
		seg.FileKey = key
		if err := segRepo.Update(ctx, seg); err != nil {
			// The fresh object is orphaned if the row update fails; remove
			// it before the transaction rolls back.
			s.deleteBlob(ctxDetached(ctx), key)
			return err
		}
		if old != "" {
			hooks.OnCommit(func() { s.deleteBlob(ctxDetached(ctx), old) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return nil, rejection
	}
	return upload, nil
}

// Probe reports whether the segment at index is already present with the
// expected content, so clients can resume an interrupted upload without
// re-sending payloads. It never fails: anything uncertain reports absent.
func (s *UploadService) Probe(ctx context.Context, owner models.Owner, identifier string, index int64, declaredDigest string, alg digest.Algorithm) bool {
	upload, err := s.repos.Uploads(s.db).Get(ctx, HashToken(identifier), owner)
	if err != nil {
		return false
	}
	if upload.Materialized() {
		// Segments are consumed by assembly; the content is in the final
		// object now.
		return true
	}
	seg, err := s.repos.Segments(s.db).Get(ctx, upload.ID, index)
	if err != nil || seg.FileKey == "" {
		return false
	}
	if declaredDigest != "" && alg != digest.AlgorithmNone {
		stored, err := s.storedDigest(ctx, seg.FileKey, alg)
		if err != nil || stored != declaredDigest {
			return false
		}
		return true
	}
	ok, err := s.blobs.Exists(ctx, seg.FileKey)
	return err == nil && ok
}

// storedDigest streams the named object through the algorithm's hasher.
func (s *UploadService) storedDigest(ctx context.Context, key string, alg digest.Algorithm) (string, error) {
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := alg.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return digest.HexDigest(h), nil
}

// deleteBlob removes an object, tolerating absence and logging anything
// else. Used where the row change already committed and failing the
// request would help nobody.
func (s *UploadService) deleteBlob(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotExist) {
		s.logger.Warn(ctx, "failed to delete object", "file_key", key, "error", err.Error())
	}
}
