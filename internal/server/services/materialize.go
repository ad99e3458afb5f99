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
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/server/models"
)

const copyBufferSize = 32 * 1024

// Materialize turns an upload's segments into the single assembled
// object. With force it assembles in the calling goroutine under the
// upload's materialize lease; without force it only hands the work to the
// configured dispatchers and returns their pollable references.
//
// Assembly is destructive: segment rows are deleted in the same
// transaction that records the assembled object, and their payload
// objects are removed once that transaction commits. progress, when
// non-nil, is called after each completed step.
func (s *UploadService) Materialize(ctx context.Context, upload *models.Upload, force bool, alg digest.Algorithm, progress func(step, total int64)) ([]jobs.Ref, error) {
	if upload.Materialized() {
		return nil, fmt.Errorf("%w: upload is already materialized", common.ErrStateConflict)
	}
	if !force {
		return s.trigger(ctx, upload, alg)
	}

	lease, err := s.locks.Acquire(ctx, upload.MaterializeLockKey(), s.cfg.MaterializeLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire materialize lock: %w", err)
	}
	defer func() {
		if err := s.locks.Release(ctxDetached(ctx), lease); err != nil {
			s.logger.Warn(ctx, "failed to release materialize lock", "upload_id", upload.ID, "error", err.Error())
		}
	}()

	// Re-check under the lock: another worker may have finished while we
	// were acquiring it.
	fresh, err := s.repos.Uploads(s.db).GetByID(ctx, upload.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Materialized() {
		*upload = *fresh
		return nil, fmt.Errorf("%w: upload is already materialized", common.ErrStateConflict)
	}

	spool, err := os.CreateTemp(s.cfg.SpoolDir, "upstitch-assemble-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := alg.New()
	sink := io.MultiWriter(spool, hasher)
	buf := make([]byte, copyBufferSize)

	var key string
	var dg string
	err = dbx.WithTxHooks(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX, hooks *dbx.Hooks) error {
		segRepo := s.repos.Segments(tx)
		segs, err := segRepo.ListByUpload(ctx, upload.ID)
		if err != nil {
			return err
		}

		total := int64(len(segs)) + 1
		var size int64
		for i, seg := range segs {
			if seg.FileKey == "" {
				return fmt.Errorf("%w: segment %d has no content", common.ErrStateConflict, seg.Index)
			}
			rc, err := s.blobs.Open(ctx, seg.FileKey)
			if err != nil {
				return fmt.Errorf("open segment %d: %w", seg.Index, err)
			}
			n, err := io.CopyBuffer(sink, rc, buf)
			rc.Close()
			if err != nil {
				return fmt.Errorf("copy segment %d: %w", seg.Index, err)
			}
			size += n

			if err := segRepo.Delete(ctx, seg.ID); err != nil {
				return err
			}
			segKey := seg.FileKey
			hooks.OnCommit(func() { s.deleteBlob(ctxDetached(ctx), segKey) })

			if progress != nil {
				progress(int64(i)+1, total)
			}
			// Long concatenations outlive the initial lease; keep it
			// alive one segment at a time.
			if err := s.locks.Extend(ctx, lease, s.cfg.MaterializeHeartbeat); err != nil {
				return fmt.Errorf("extend materialize lock: %w", err)
			}
		}

		// The final save can be slow on a remote store; push the lease
		// well past it.
		if err := s.locks.Extend(ctx, lease, s.cfg.FinalLockExtension); err != nil {
			return fmt.Errorf("extend materialize lock: %w", err)
		}

		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind spool file: %w", err)
		}
		dg = digest.HexDigest(hasher)
		key = blob.MakeKey("uploads", upload.Filename)
		if err := s.blobs.Put(ctx, key, spool, size); err != nil {
			return fmt.Errorf("store assembled object: %w", err)
		}
		if err := s.repos.Uploads(tx).SetMaterialized(ctx, upload.ID, key, dg); err != nil {
			s.deleteBlob(ctxDetached(ctx), key)
			return err
		}
		if progress != nil {
			progress(total, total)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	upload.FileKey = key
	upload.Digest = dg
	s.logger.Info(ctx, "upload materialized", "upload_id", upload.ID, "file_key", key)
	return nil, nil
}

// MaterializeByID is the dispatcher-facing entry point. Vanished uploads
// and already-materialized uploads are treated as done, so stale queued
// jobs drain quietly.
func (s *UploadService) MaterializeByID(ctx context.Context, uploadID int64, alg digest.Algorithm) error {
	upload, err := s.repos.Uploads(s.db).GetByID(ctx, uploadID)
	if errors.Is(err, common.ErrNotFound) {
		s.logger.Warn(ctx, "upload vanished before materialization", "upload_id", uploadID)
		return nil
	}
	if err != nil {
		return err
	}
	if upload.Materialized() {
		return nil
	}
	_, err = s.Materialize(ctx, upload, true, alg, nil)
	if errors.Is(err, common.ErrStateConflict) {
		return nil
	}
	return err
}

// trigger offers the materialization job to every configured dispatcher
// under the upload's trigger lease. The short lease absorbs request-level
// races; a dispatcher that accepts work extends it so a lost job cannot
// be re-queued immediately.
func (s *UploadService) trigger(ctx context.Context, upload *models.Upload, alg digest.Algorithm) ([]jobs.Ref, error) {
	if len(s.dispatchers) == 0 {
		return nil, nil
	}
	lease, err := s.locks.Acquire(ctx, upload.TriggerLockKey(), s.cfg.TriggerLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire trigger lock: %w", err)
	}

	job := jobs.Job{UploadID: upload.ID, Algorithm: alg}
	var refs []jobs.Ref
	dispatched := false
	for _, d := range s.dispatchers {
		ref, err := d.Dispatch(ctx, job, lease)
		if err != nil {
			s.logger.Error(ctx, "dispatch failed", "upload_id", upload.ID, "error", err.Error())
			continue
		}
		dispatched = true
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	if !dispatched {
		// Nothing took the work, so nothing will extend the lease; free
		// it for the next trigger instead of waiting out the TTL.
		if err := s.locks.Release(ctxDetached(ctx), lease); err != nil {
			s.logger.Warn(ctx, "failed to release trigger lock", "upload_id", upload.ID, "error", err.Error())
		}
	}
	return refs, nil
}
