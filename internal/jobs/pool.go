package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/logging"
)

// ErrQueueFull is returned by Dispatch when the pool's backlog is at
// capacity. The caller decides whether to retry.
var ErrQueueFull = errors.New("dispatch queue full")

// DispatchLeaseExtension is how far an accepted job pushes the trigger
// lease: just longer than typical wait plus execution time, so a lost
// job cannot flood the queue while a stuck one still blocks redundant
// dispatch for a while.
const DispatchLeaseExtension = 120 * time.Second

type task struct {
	ref Ref
	job Job
}

// PoolDispatcher runs materialization on a bounded pool of workers and
// hands back pollable references.
type PoolDispatcher struct {
	m      Materializer
	locks  locks.Service
	logger logging.Logger

	tasks   chan task
	results sync.Map // Ref -> error (nil on success); present only when done
	wg      sync.WaitGroup
}

// NewPoolDispatcher constructs a dispatcher with the given worker count
// and backlog depth. Call Start before dispatching and Stop on shutdown.
func NewPoolDispatcher(m Materializer, lockSvc locks.Service, logger logging.Logger, workers, depth int) *PoolDispatcher {
	d := &PoolDispatcher{
		m:      m,
		locks:  lockSvc,
		logger: logger.With("module", "pool_dispatcher"),
		tasks:  make(chan task, depth),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *PoolDispatcher) work() {
	defer d.wg.Done()
	for t := range d.tasks {
		ctx := context.Background()
		err := d.m.MaterializeByID(ctx, t.job.UploadID, t.job.Algorithm)
		switch {
		case err == nil:
		case errors.Is(err, locks.ErrBusy):
			d.logger.Warn(ctx, "unable to obtain lock for materialization", "upload_id", t.job.UploadID, "ref", string(t.ref))
		default:
			d.logger.Error(ctx, "materialization failed", "upload_id", t.job.UploadID, "ref", string(t.ref), "error", err.Error())
		}
		d.results.Store(t.ref, err)
	}
}

// Dispatch queues the job and extends the trigger lease so a second
// trigger cannot redundantly queue the same upload while this one waits.
func (d *PoolDispatcher) Dispatch(ctx context.Context, job Job, lease *locks.Lease) (Ref, error) {
	ref := Ref(uuid.NewString())
	select {
	case d.tasks <- task{ref: ref, job: job}:
	default:
		return "", fmt.Errorf("dispatch upload %d: %w", job.UploadID, ErrQueueFull)
	}
	if err := d.locks.Extend(ctx, lease, DispatchLeaseExtension); err != nil {
		d.logger.Warn(ctx, "failed to extend trigger lease after dispatch", "upload_id", job.UploadID, "error", err.Error())
	}
	return ref, nil
}

// Ready reports whether the referenced job has finished, and its error
// if it failed. Unknown references report not ready.
func (d *PoolDispatcher) Ready(ref Ref) (bool, error) {
	v, ok := d.results.Load(ref)
	if !ok {
		return false, nil
	}
	if v == nil {
		return true, nil
	}
	err, _ := v.(error)
	return true, err
}

// Stop drains the queue and waits for in-flight work.
func (d *PoolDispatcher) Stop() {
	close(d.tasks)
	d.wg.Wait()
}
