package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/metrics"
	"github.com/openjules/openjules/model"
)

// Runner claims pending jobs and owns one controller goroutine per job. The
// bound caps concurrent missions; each mission remains a single cooperative
// loop internally.
type Runner struct {
	store Store
	ctrl  *Controller
	max   int
	log   zerolog.Logger

	// Interval is the pending-job poll cadence.
	Interval time.Duration
}

// NewRunner creates a Runner with the given concurrency bound.
func NewRunner(store Store, ctrl *Controller, maxJobs int, log zerolog.Logger) *Runner {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Runner{
		store:    store,
		ctrl:     ctrl,
		max:      maxJobs,
		log:      log.With().Str("component", "runner").Logger(),
		Interval: 2 * time.Second,
	}
}

// Start polls for pending jobs until ctx is cancelled, then waits for the
// in-flight controllers to exit (their deferred teardowns included).
func (r *Runner) Start(ctx context.Context) {
	sem := make(chan struct{}, r.max)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		job, err := r.store.NextPendingJob()
		if err != nil {
			r.log.Error().Err(err).Msg("polling jobs")
			job = nil
		}
		if job == nil {
			if err := sleepCtx(ctx, r.Interval); err != nil {
				wg.Wait()
				return
			}
			continue
		}

		// Claim before launching so the next poll skips it.
		now := time.Now().UTC()
		job.Status = model.JobRunning
		job.StartedAt = &now
		if err := r.store.UpdateJob(job); err != nil {
			r.log.Error().Str("job_id", job.ID).Err(err).Msg("claiming job")
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		metrics.JobsRunning.Inc()
		go func(id string) {
			defer func() {
				<-sem
				wg.Done()
				metrics.JobsRunning.Dec()
			}()
			if err := r.ctrl.Run(ctx, id); err != nil {
				r.log.Error().Str("job_id", id).Err(err).Msg("controller exited with error")
			}
		}(job.ID)
	}
}
