package scheduler

import (
	"context"
	"log"
	"time"

	"civicflow/internal/queue"
)

// Job is a named periodic scan. Run must be safe to call repeatedly and on
// overlapping schedules across replicas; the runner's lock only reduces
// duplicate work, it does not guarantee exclusion across clock skew.
type Job struct {
	Name    string
	Every   time.Duration
	LockTTL time.Duration
	Run     func(context.Context) error
}

// Runner executes jobs on their intervals, one goroutine per job, each run
// guarded by a redis lock so only one replica scans at a time.
type Runner struct {
	Lock queue.Lock
	Jobs []Job
}

// Start runs all jobs until ctx is cancelled. Each job fires once
// immediately and then on its interval.
func (r *Runner) Start(ctx context.Context) {
	done := make(chan struct{}, len(r.Jobs))
	for _, job := range r.Jobs {
		go func(j Job) {
			defer func() { done <- struct{}{} }()
			r.runJob(ctx, j)
		}(job)
	}
	for range r.Jobs {
		<-done
	}
}

func (r *Runner) runJob(ctx context.Context, j Job) {
	r.tick(ctx, j)
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, j)
		}
	}
}

func (r *Runner) tick(ctx context.Context, j Job) {
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = j.Every
	}
	release, ok, err := r.Lock.Acquire(ctx, j.Name, ttl)
	if err != nil {
		log.Printf("jobs: %s: acquire lock: %v", j.Name, err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := release(ctx); err != nil {
			log.Printf("jobs: %s: release lock: %v", j.Name, err)
		}
	}()
	started := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Printf("jobs: %s: %v", j.Name, err)
		return
	}
	log.Printf("jobs: %s done in %s", j.Name, time.Since(started).Round(time.Millisecond))
}
