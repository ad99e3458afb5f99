package services

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/upstitch/upstitch/internal/blob"
	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/logging"
	"github.com/upstitch/upstitch/internal/server/models"
	"github.com/upstitch/upstitch/internal/server/repositories/repomanager"
)

func openMemDB(t *testing.T, name string, schema []string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range schema {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

var dataSchema = []string{
	`DROP TABLE IF EXISTS upload_secrets`,
	`DROP TABLE IF EXISTS upload_segments`,
	`DROP TABLE IF EXISTS uploads`,
	`CREATE TABLE uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		user_id TEXT,
		session TEXT,
		filename TEXT NOT NULL DEFAULT '',
		file_key TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		lingering BOOLEAN NOT NULL DEFAULT FALSE
	);`,
	`CREATE UNIQUE INDEX uq_uploads_token_user ON uploads (token, user_id) WHERE user_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX uq_uploads_token_session ON uploads (token, session) WHERE session IS NOT NULL;`,
	`CREATE TABLE upload_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		upload_id BIGINT NOT NULL,
		idx BIGINT NOT NULL,
		file_key TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE (upload_id, idx)
	);`,
	`CREATE TABLE upload_secrets (
		value TEXT PRIMARY KEY,
		upload_id BIGINT NOT NULL
	);`,
}

var lockSchema = []string{
	`DROP TABLE IF EXISTS lock_leases`,
	`CREATE TABLE lock_leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	);`,
}

// testEngine wires a full UploadService over in-memory sqlite and an
// in-memory blob store. The service clock is frozen at e.now; the lock
// service runs on the wall clock.
type testEngine struct {
	t     *testing.T
	svc   *UploadService
	store *blob.MemStore
	db    *sql.DB
	locks *locks.SQLService
	now   time.Time
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	db := openMemDB(t, "services_data", dataSchema)
	lockDB := openMemDB(t, "services_locks", lockSchema)

	cfg.SpoolDir = t.TempDir()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	e := &testEngine{
		t:     t,
		store: blob.NewMemStore(),
		db:    db,
		locks: locks.NewSQLService(lockDB),
		now:   time.Unix(1700000000, 0),
	}
	e.svc = NewUploadService(db, repomanager.NewPostgresRepositoryManager(), e.store, e.locks, cfg, logger).
		WithClock(func() time.Time { return e.now })
	return e
}

func (e *testEngine) ingest(owner models.Owner, identifier string, index int64, payload string) *models.Upload {
	e.t.Helper()
	upload, err := e.svc.Ingest(context.Background(), owner, identifier, "doc.txt", index, []byte(payload), "", digest.AlgorithmSHA1)
	require.NoError(e.t, err)
	return upload
}

func (e *testEngine) segment(uploadID, index int64) *models.UploadSegment {
	e.t.Helper()
	seg, err := e.svc.repos.Segments(e.db).Get(context.Background(), uploadID, index)
	require.NoError(e.t, err)
	return seg
}

func sha1hex(s string) string {
	return digest.HexSum(digest.AlgorithmSHA1, []byte(s))
}

func TestMaterialize_OutOfOrderAssembly(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	owner := models.UserOwner("u1")

	e.ingest(owner, "doc-1", 3, "c")
	e.ingest(owner, "doc-1", 1, "a")
	upload := e.ingest(owner, "doc-1", 2, "b")
	assert.Equal(t, 3, e.store.Len())

	var steps [][2]int64
	_, err := e.svc.Materialize(ctx, upload, true, digest.AlgorithmSHA1, func(step, total int64) {
		steps = append(steps, [2]int64{step, total})
	})
	require.NoError(t, err)

	assert.True(t, upload.Materialized())
	assert.Equal(t, sha1hex("abc"), upload.Digest)
	data, ok := e.store.Get(upload.FileKey)
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))

	// Segment rows and their objects are consumed by assembly.
	count, err := e.svc.repos.Segments(e.db).CountByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, e.store.Len())

	assert.Equal(t, [][2]int64{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, steps)
}

func TestMaterialize_RejectsSecondRun(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	upload := e.ingest(models.UserOwner("u1"), "doc-1", 1, "a")

	_, err := e.svc.Materialize(ctx, upload, true, digest.AlgorithmNone, nil)
	require.NoError(t, err)

	_, err = e.svc.Materialize(ctx, upload, true, digest.AlgorithmNone, nil)
	assert.True(t, errors.Is(err, common.ErrStateConflict))

	// Ingestion is over once the upload is assembled.
	_, err = e.svc.Ingest(ctx, models.UserOwner("u1"), "doc-1", "doc.txt", 2, []byte("b"), "", digest.AlgorithmNone)
	assert.True(t, errors.Is(err, common.ErrStateConflict))
}

func TestMaterialize_LockContention(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	upload := e.ingest(models.UserOwner("u1"), "doc-1", 1, "a")

	lease, err := e.locks.Acquire(ctx, upload.MaterializeLockKey(), time.Minute)
	require.NoError(t, err)

	_, err = e.svc.Materialize(ctx, upload, true, digest.AlgorithmNone, nil)
	assert.True(t, errors.Is(err, locks.ErrBusy))
	assert.False(t, upload.Materialized())

	require.NoError(t, e.locks.Release(ctx, lease))
	_, err = e.svc.Materialize(ctx, upload, true, digest.AlgorithmNone, nil)
	require.NoError(t, err)
	assert.True(t, upload.Materialized())
}

func TestMaterialize_EmptySegmentAborts(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	upload := e.ingest(models.UserOwner("u1"), "doc-1", 1, "a")

	// A row created by a failed attempt has no payload behind it.
	_, _, err := e.svc.repos.Segments(e.db).GetOrCreate(ctx, upload.ID, 2)
	require.NoError(t, err)

	_, err = e.svc.Materialize(ctx, upload, true, digest.AlgorithmSHA1, nil)
	assert.True(t, errors.Is(err, common.ErrStateConflict))

	// Rolled back: the filled segment survives for a later run.
	count, err := e.svc.repos.Segments(e.db).CountByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 1, e.store.Len())
}

func TestMaterializeByID_VanishedUploadIsQuiet(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.NoError(t, e.svc.MaterializeByID(context.Background(), 999, digest.AlgorithmNone))
}

func TestIngest_IdempotentRetryAndReplace(t *testing.T) {
	e := newTestEngine(t, Config{})
	owner := models.SessionOwner("s1")

	upload := e.ingest(owner, "doc-1", 1, "a")
	key1 := e.segment(upload.ID, 1).FileKey
	require.NotEmpty(t, key1)
	assert.Equal(t, 1, e.store.Len())

	// Same content again: stored object untouched.
	e.ingest(owner, "doc-1", 1, "a")
	assert.Equal(t, key1, e.segment(upload.ID, 1).FileKey)
	assert.Equal(t, 1, e.store.Len())

	// Different content: replaced under a fresh key, old object removed.
	e.ingest(owner, "doc-1", 1, "x")
	seg := e.segment(upload.ID, 1)
	assert.NotEqual(t, key1, seg.FileKey)
	assert.Equal(t, 1, e.store.Len())
	data, ok := e.store.Get(seg.FileKey)
	require.True(t, ok)
	assert.Equal(t, "x", string(data))
	assert.Equal(t, 3, seg.AttemptCount)
}

func TestIngest_DeclaredDigestMismatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, models.UserOwner("u1"), "doc-1", "doc.txt", 1, []byte("a"), sha1hex("b"), digest.AlgorithmSHA1)
	var verr *common.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "digest")

	// Nothing stored, but the attempt was spent.
	assert.Zero(t, e.store.Len())
	upload, err := e.svc.repos.Uploads(e.db).Get(ctx, HashToken("doc-1"), models.UserOwner("u1"))
	require.NoError(t, err)
	seg := e.segment(upload.ID, 1)
	assert.Empty(t, seg.FileKey)
	assert.Equal(t, 1, seg.AttemptCount)
}

func TestIngest_AttemptCeiling(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	owner := models.UserOwner("u1")

	for i := 0; i < 3; i++ {
		e.ingest(owner, "doc-1", 1, "a")
	}
	_, err := e.svc.Ingest(ctx, owner, "doc-1", "doc.txt", 1, []byte("a"), "", digest.AlgorithmSHA1)
	assert.True(t, errors.Is(err, common.ErrMalformed))

	upload, err := e.svc.repos.Uploads(e.db).Get(ctx, HashToken("doc-1"), owner)
	require.NoError(t, err)
	assert.Equal(t, 4, e.segment(upload.ID, 1).AttemptCount, "the rejected attempt is still recorded")
}

func TestIngest_Ceilings(t *testing.T) {
	e := newTestEngine(t, Config{SegmentLimit: 2, SegmentAllowableSize: 4})
	ctx := context.Background()
	owner := models.UserOwner("u1")

	e.ingest(owner, "doc-1", 1, "a")
	e.ingest(owner, "doc-1", 2, "b")
	_, err := e.svc.Ingest(ctx, owner, "doc-1", "doc.txt", 3, []byte("c"), "", digest.AlgorithmSHA1)
	assert.True(t, errors.Is(err, common.ErrMalformed))

	_, err = e.svc.Ingest(ctx, owner, "doc-2", "doc.txt", 1, []byte("toobig"), "", digest.AlgorithmSHA1)
	assert.True(t, errors.Is(err, common.ErrMalformed))

	_, err = e.svc.Ingest(ctx, owner, "doc-2", "doc.txt", 0, []byte("a"), "", digest.AlgorithmSHA1)
	assert.True(t, errors.Is(err, common.ErrMalformed))
}

func TestProbe(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	owner := models.UserOwner("u1")

	assert.False(t, e.svc.Probe(ctx, owner, "doc-1", 1, "", digest.AlgorithmNone))

	upload := e.ingest(owner, "doc-1", 1, "a")
	assert.True(t, e.svc.Probe(ctx, owner, "doc-1", 1, "", digest.AlgorithmNone))
	assert.False(t, e.svc.Probe(ctx, owner, "doc-1", 2, "", digest.AlgorithmNone))

	assert.True(t, e.svc.Probe(ctx, owner, "doc-1", 1, sha1hex("a"), digest.AlgorithmSHA1))
	assert.False(t, e.svc.Probe(ctx, owner, "doc-1", 1, sha1hex("b"), digest.AlgorithmSHA1))

	_, err := e.svc.Materialize(ctx, upload, true, digest.AlgorithmNone, nil)
	require.NoError(t, err)
	assert.True(t, e.svc.Probe(ctx, owner, "doc-1", 1, "", digest.AlgorithmNone),
		"segments of a materialized upload count as present")
}

func TestFinalize_InlineDispatcher(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.svc.UseDispatchers(jobs.NewInlineDispatcher(e.svc))
	ctx := context.Background()
	owner := models.UserOwner("u1")

	e.ingest(owner, "doc-1", 1, "a")
	e.ingest(owner, "doc-1", 2, "b")

	res, err := e.svc.Finalize(ctx, owner, "doc-1", sha1hex("ab"), digest.AlgorithmSHA1)
	require.NoError(t, err)
	require.True(t, res.Ready())
	assert.Empty(t, res.PollRefs)
	assert.True(t, res.Upload.Materialized())
	assert.GreaterOrEqual(t, len(res.Secret), 200)

	data, ok := e.store.Get(res.Upload.FileKey)
	require.True(t, ok)
	assert.Equal(t, "ab", string(data))
}

func TestFinalize_UnknownIdentifier(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.svc.Finalize(context.Background(), models.UserOwner("u1"), "never-seen", "", digest.AlgorithmNone)
	assert.True(t, errors.Is(err, common.ErrMalformed))
}

func TestFinalize_NoDispatchers(t *testing.T) {
	e := newTestEngine(t, Config{})
	owner := models.UserOwner("u1")
	e.ingest(owner, "doc-1", 1, "a")

	res, err := e.svc.Finalize(context.Background(), owner, "doc-1", "", digest.AlgorithmSHA1)
	require.NoError(t, err)
	assert.False(t, res.Ready())
	assert.Empty(t, res.PollRefs)
	assert.False(t, res.Upload.Materialized())
}

func TestFinalize_DigestMismatchDestroysUpload(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.svc.UseDispatchers(jobs.NewInlineDispatcher(e.svc))
	ctx := context.Background()
	owner := models.UserOwner("u1")
	e.ingest(owner, "doc-1", 1, "a")

	_, err := e.svc.Finalize(ctx, owner, "doc-1", sha1hex("wrong"), digest.AlgorithmSHA1)
	var verr *common.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "digest")

	// The bad content is unrecoverable: rows and object are gone.
	_, err = e.svc.repos.Uploads(e.db).Get(ctx, HashToken("doc-1"), owner)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Zero(t, e.store.Len())
}

func TestRedeem_SingleUse(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.svc.UseDispatchers(jobs.NewInlineDispatcher(e.svc))
	ctx := context.Background()
	owner := models.SessionOwner("s1")
	e.ingest(owner, "doc-1", 1, "hel")
	e.ingest(owner, "doc-1", 2, "lo")

	res, err := e.svc.Finalize(ctx, owner, "doc-1", "", digest.AlgorithmSHA1)
	require.NoError(t, err)
	require.True(t, res.Ready())

	bound, consume, err := e.svc.Redeem(ctx, res.Secret)
	require.NoError(t, err)
	data, err := io.ReadAll(bound)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "doc.txt", bound.Filename)
	assert.Equal(t, int64(5), bound.Size)

	consume(ctx)
	require.NoError(t, bound.Close())

	// The secret is burned and the upload is gone, object included.
	_, _, err = e.svc.Redeem(ctx, res.Secret)
	assert.True(t, errors.Is(err, common.ErrMalformed))
	_, err = e.svc.repos.Uploads(e.db).GetByID(ctx, res.Upload.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Zero(t, e.store.Len())
}

func TestRedeem_TeardownFailureLingers(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.svc.UseDispatchers(jobs.NewInlineDispatcher(e.svc))
	ctx := context.Background()
	owner := models.UserOwner("u1")
	e.ingest(owner, "doc-1", 1, "a")

	res, err := e.svc.Finalize(ctx, owner, "doc-1", "", digest.AlgorithmSHA1)
	require.NoError(t, err)

	e.store.FailDelete = true
	bound, consume, err := e.svc.Redeem(ctx, res.Secret)
	require.NoError(t, err)
	consume(ctx)
	require.NoError(t, bound.Close())

	// Secret gone either way; the upload stays behind, flagged for the
	// purge sweep.
	_, _, err = e.svc.Redeem(ctx, res.Secret)
	assert.True(t, errors.Is(err, common.ErrMalformed))
	upload, err := e.svc.repos.Uploads(e.db).GetByID(ctx, res.Upload.ID)
	require.NoError(t, err)
	assert.True(t, upload.Lingering)
	assert.Equal(t, 1, e.store.Len())

	// Once the store recovers, the sweep finishes the job.
	e.store.FailDelete = false
	result, err := e.svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Uploads)
	assert.Zero(t, e.store.Len())
}

func TestPurge_RetentionWindow(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	owner := models.UserOwner("u1")
	base := e.now

	e.now = base.Add(-8 * 24 * time.Hour)
	old := e.ingest(owner, "old-doc", 1, "o")

	e.now = base
	fresh := e.ingest(owner, "fresh-doc", 1, "f")

	result, err := e.svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Uploads)
	assert.Equal(t, int64(1), result.Segments)

	_, err = e.svc.repos.Uploads(e.db).GetByID(ctx, old.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = e.svc.repos.Uploads(e.db).GetByID(ctx, fresh.ID)
	require.NoError(t, err)

	// Only the fresh upload's segment object survives.
	assert.Equal(t, 1, e.store.Len())
	key := e.segment(fresh.ID, 1).FileKey
	_, ok := e.store.Get(key)
	assert.True(t, ok)
}
