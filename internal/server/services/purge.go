package services

import (
	"context"

	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/server/repositories/uploads"
)

// Purge removes every upload that is lingering or older than the
// retention window, rows and objects both. Object deletion happens after
// the row deletions commit; a failed object delete is logged and retried
// by nobody, which is acceptable because the store is namespaced to this
// service.
func (s *UploadService) Purge(ctx context.Context) (uploads.PurgeResult, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	var res uploads.PurgeResult
	err := dbx.WithTxHooks(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX, hooks *dbx.Hooks) error {
		r, err := s.repos.Uploads(tx).Purge(ctx, cutoff)
		if err != nil {
			return err
		}
		res = r
		keys := r.FileKeys
		hooks.OnCommit(func() {
			dctx := ctxDetached(ctx)
			for _, key := range keys {
				s.deleteBlob(dctx, key)
			}
		})
		return nil
	})
	if err != nil {
		return uploads.PurgeResult{}, err
	}
	if res.Total() > 0 {
		s.logger.Info(ctx, "purge removed stale uploads",
			"uploads", res.Uploads, "segments", res.Segments, "secrets", res.Secrets)
	}
	return res, nil
}
