package greenroots

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const rateLimitSchedule = "@every 5m"

// Janitor periodically removes an expired session record and stale rate
// limit windows. Validity is still recomputed on every check; the sweep only
// keeps storage tidy.
type Janitor struct {
	cron *cron.Cron
}

func newJanitor(w *Worker, schedule string) (*Janitor, error) {
	j := &Janitor{
		cron: cron.New(cron.WithLogger(cron.DiscardLogger)),
	}

	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := w.SweepExpiredSession(context.Background()); err != nil {
			w.log.Warn("session cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}

	if _, err := j.cron.AddFunc(rateLimitSchedule, func() {
		w.rateLimiter.Cleanup(5 * time.Minute)
	}); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// SweepExpiredSession deletes the session record if it is outside the
// validity window. It reports whether a record was removed.
func (w *Worker) SweepExpiredSession(ctx context.Context) (bool, error) {
	record, err := w.Session(ctx)
	if err != nil || record == nil {
		return false, err
	}
	if !record.Expired(w.now(), w.config.SessionTTL) {
		return false, nil
	}

	bucket, err := w.bucket(ctx)
	if err != nil {
		return false, err
	}
	removed, err := bucket.Delete(ctx, SessionKey)
	if err == nil && removed {
		w.log.Info("expired session removed", zap.String("email", record.Email))
	}
	return removed, err
}
