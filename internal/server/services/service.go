// Package services implements the segmented-upload engine: segment
// ingestion, lock-guarded materialization, trigger dispatch, secret
// redemption, and the purge sweep.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/upstitch/upstitch/internal/blob"
	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/logging"
	"github.com/upstitch/upstitch/internal/server/repositories/repomanager"
)

// Config carries the engine's tunables. Zero values are replaced by
// DefaultConfig in NewUploadService.
type Config struct {
	SegmentLimit         int64         // max segments per upload
	SegmentAllowableSize int64         // max bytes per segment
	SegmentMaxAttempts   int           // ingestion attempts per index before rejection
	Retention            time.Duration // purge window for non-lingering uploads
	MaterializeLockTTL   time.Duration
	MaterializeHeartbeat time.Duration // per-segment lease extension
	FinalLockExtension   time.Duration // covers the assembled-object save
	TriggerLockTTL       time.Duration
	SpoolDir             string // scratch dir for assembly; "" means the OS default
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		SegmentLimit:         100,
		SegmentAllowableSize: 10 * 1024 * 1024,
		SegmentMaxAttempts:   3,
		Retention:            7 * 24 * time.Hour,
		MaterializeLockTTL:   60 * time.Second,
		MaterializeHeartbeat: 60 * time.Second,
		FinalLockExtension:   300 * time.Second,
		TriggerLockTTL:       5 * time.Second,
	}
}

// UploadService owns the upload engine. All operations take an explicit
// owner; nothing reads ambient request state.
type UploadService struct {
	db          *sql.DB
	repos       repomanager.RepositoryManager
	blobs       blob.Store
	locks       locks.Service
	dispatchers []jobs.Dispatcher
	cfg         Config
	logger      logging.Logger
	now         func() time.Time
}

// NewUploadService wires the engine. Dispatchers are attached afterwards
// with UseDispatchers, since they usually call back into the service.
func NewUploadService(db *sql.DB, repos repomanager.RepositoryManager, blobs blob.Store, lockSvc locks.Service, cfg Config, logger logging.Logger) *UploadService {
	def := DefaultConfig()
	if cfg.SegmentLimit == 0 {
		cfg.SegmentLimit = def.SegmentLimit
	}
	if cfg.SegmentAllowableSize == 0 {
		cfg.SegmentAllowableSize = def.SegmentAllowableSize
	}
	if cfg.SegmentMaxAttempts == 0 {
		cfg.SegmentMaxAttempts = def.SegmentMaxAttempts
	}
	if cfg.Retention == 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaterializeLockTTL == 0 {
		cfg.MaterializeLockTTL = def.MaterializeLockTTL
	}
	if cfg.MaterializeHeartbeat == 0 {
		cfg.MaterializeHeartbeat = def.MaterializeHeartbeat
	}
	if cfg.FinalLockExtension == 0 {
		cfg.FinalLockExtension = def.FinalLockExtension
	}
	if cfg.TriggerLockTTL == 0 {
		cfg.TriggerLockTTL = def.TriggerLockTTL
	}
	return &UploadService{
		db:     db,
		repos:  repos,
		blobs:  blobs,
		locks:  lockSvc,
		cfg:    cfg,
		logger: logger.With("module", "upload_service"),
		now:    time.Now,
	}
}

// UseDispatchers sets the trigger receivers. Call once during wiring; an
// empty set means finalizing never starts assembly.
func (s *UploadService) UseDispatchers(dispatchers ...jobs.Dispatcher) {
	s.dispatchers = dispatchers
}

// WithClock replaces the service clock. Test use only.
func (s *UploadService) WithClock(now func() time.Time) *UploadService {
	s.now = now
	return s
}

// HashToken reduces a client-chosen identifier to the stored token. The
// hash lets clients use arbitrarily long identifiers (JSON blobs
// included) without hitting column limits.
func HashToken(identifier string) string {
	return digest.HexSum(digest.AlgorithmSHA1, []byte(identifier))
}

// ValidateDeclared checks the client-declared totals against the three
// ceilings: segment count, single-segment size, and the theoretical
// maximum total (count ceiling times size ceiling). Zero values mean the
// client declared nothing.
func (s *UploadService) ValidateDeclared(count, segmentSize, totalSize int64) error {
	if s.cfg.SegmentLimit < count {
		return fmt.Errorf("%w: upload has too many segments", common.ErrMalformed)
	}
	if s.cfg.SegmentAllowableSize < segmentSize {
		return fmt.Errorf("%w: segment is too large", common.ErrMalformed)
	}
	if s.cfg.SegmentLimit*s.cfg.SegmentAllowableSize < totalSize {
		return fmt.Errorf("%w: file is too large", common.ErrMalformed)
	}
	return nil
}

// Limits reports the advertised ceilings for OPTIONS-style discovery.
func (s *UploadService) Limits() (segmentLimit, segmentAllowableSize int64) {
	return s.cfg.SegmentLimit, s.cfg.SegmentAllowableSize
}

var _ jobs.Materializer = (*UploadService)(nil)

func ctxDetached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
