// Package expiry runs the scheduled batch job that retires stale found
// items.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ItemExpirer abstracts the store's batched status transition.
type ItemExpirer interface {
	ExpireAvailableBefore(cutoff time.Time) (int, error)
}

// Job marks expired found items on a fixed daily schedule. Runs are
// idempotent; the scheduler is assumed to fire one tick at a time, so
// overlapping runs are not mutually excluded here.
type Job struct {
	store  ItemExpirer
	hour   int
	minute int
	logger *slog.Logger
	now    func() time.Time
}

// NewJob creates a Job that ticks daily at the given local time.
func NewJob(store ItemExpirer, hour, minute int) *Job {
	return &Job{
		store:  store,
		hour:   hour,
		minute: minute,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// RunOnce expires every available item whose expiry date has passed and
// returns how many were transitioned. Failures are logged by the caller;
// there is no compensating action.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count, err := j.store.ExpireAvailableBefore(j.now())
	if err != nil {
		return 0, fmt.Errorf("expiring items: %w", err)
	}

	if count > 0 {
		j.logger.Info("expired stale items", "count", count)
	} else {
		j.logger.Debug("no items to expire")
	}
	return count, nil
}

// Run ticks daily until ctx is cancelled. A failed run is logged and the
// job waits for the next tick.
func (j *Job) Run(ctx context.Context) {
	for {
		next := nextTick(j.now(), j.hour, j.minute)
		j.logger.Debug("expiry job sleeping", "until", next)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(j.now())):
		}

		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("expiry run failed", "error", err)
		}
	}
}

// nextTick returns the next occurrence of hour:minute strictly after now.
func nextTick(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
