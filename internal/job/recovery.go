package job

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/store"
)

// AbandonedReason is stored on running jobs failed by the reaper.
const AbandonedReason = "abandoned: worker did not finish"

const recoveryPageSize = 100

// pendingRequeueAfter is how long a pending job may sit unclaimed before the
// periodic reap dispatches it again. The dispatcher drops duplicates of jobs
// it still holds.
const pendingRequeueAfter = 5 * time.Minute

// Recovery re-dispatches orphaned pending jobs and fails abandoned running
// ones.
type Recovery struct {
	store      store.Store
	scheduler  Scheduler
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewRecovery creates a Recovery.
func NewRecovery(st store.Store, scheduler Scheduler, staleAfter time.Duration) *Recovery {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Recovery{
		store:      st,
		scheduler:  scheduler,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "recovery")),
	}
}

// Recover runs at startup. Pending jobs last touched before startedAt lost
// their worker with the previous process and are dispatched again.
func (r *Recovery) Recover(ctx context.Context, startedAt time.Time) (requeued, reaped int, err error) {
	requeued, err = r.requeue(ctx, startedAt)
	if err != nil {
		return 0, 0, err
	}
	reaped, err = r.failStale(ctx)
	if err != nil {
		return requeued, 0, err
	}
	if requeued > 0 || reaped > 0 {
		r.log.Info("startup recovery",
			zap.Int("requeued", requeued),
			zap.Int("reaped", reaped),
		)
	}
	return requeued, reaped, nil
}

// Reap runs periodically. It re-dispatches pending jobs no worker has
// claimed within pendingRequeueAfter, such as those whose claim hit a store
// error, and fails running jobs not updated within the stale window. It
// returns how many jobs it acted on.
func (r *Recovery) Reap(ctx context.Context) (int, error) {
	after := min(pendingRequeueAfter, r.staleAfter)
	requeued, err := r.requeue(ctx, r.now().Add(-after))
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		r.log.Warn("re-dispatched unclaimed pending jobs", zap.Int("count", requeued))
	}
	reaped, err := r.failStale(ctx)
	if err != nil {
		return requeued, err
	}
	return requeued + reaped, nil
}

// requeue dispatches every pending job last updated before cutoff.
func (r *Recovery) requeue(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []string
	for offset := 0; ; offset += recoveryPageSize {
		page, err := r.store.ListJobs(ctx, store.JobFilter{
			Status:        model.JobStatusPending,
			UpdatedBefore: cutoff,
			Limit:         recoveryPageSize,
			Offset:        offset,
		})
		if err != nil {
			return 0, eris.Wrap(err, "recovery: list pending jobs")
		}
		for _, j := range page {
			ids = append(ids, j.ID)
		}
		if len(page) < recoveryPageSize {
			break
		}
	}

	for _, id := range ids {
		r.scheduler.Dispatch(id)
	}
	return len(ids), nil
}

func (r *Recovery) failStale(ctx context.Context) (int, error) {
	n, err := r.store.FailStale(ctx, r.now().Add(-r.staleAfter), AbandonedReason)
	if err != nil {
		return 0, eris.Wrap(err, "recovery: fail stale jobs")
	}
	if n > 0 {
		r.log.Warn("reaped abandoned jobs", zap.Int("count", n))
	}
	return n, nil
}
