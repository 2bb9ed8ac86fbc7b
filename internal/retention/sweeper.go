// Package retention removes finished jobs and their files after a TTL.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"transcript-server/internal/jobs"
)

// ArtifactRemover deletes the stored files of one job.
type ArtifactRemover interface {
	Remove(jobID string) error
}

// Sweeper periodically drops terminal jobs older than ttl.
type Sweeper struct {
	store     *jobs.Store
	artifacts ArtifactRemover
	ttl       time.Duration
	schedule  string
	log       logrus.FieldLogger
	now       func() time.Time
	cron      *cron.Cron
}

// New creates a sweeper; it does nothing until Start.
func New(store *jobs.Store, artifacts ArtifactRemover, ttl time.Duration, schedule string, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "retention")
	return &Sweeper{
		store:     store,
		artifacts: artifacts,
		ttl:       ttl,
		schedule:  schedule,
		log:       log,
		now:       time.Now,
		cron: cron.New(
			cron.WithLogger(cron.PrintfLogger(log)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
	}
}

// Enabled reports whether a positive TTL is configured.
func (s *Sweeper) Enabled() bool {
	return s.ttl > 0
}

// Start schedules Sweep and stops the scheduler when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.log.Info("retention disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.WithFields(logrus.Fields{"ttl": s.ttl, "schedule": s.schedule}).Info("retention started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep removes expired jobs now and returns how many were dropped. A job
// whose files cannot be removed is kept for the next sweep.
func (s *Sweeper) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for _, job := range s.store.List() {
		if !job.Status.IsTerminal() || job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		log := s.log.WithField("job_id", job.ID)
		if err := s.artifacts.Remove(job.ID); err != nil {
			log.WithError(err).Warn("remove expired artifacts")
			continue
		}
		if err := s.store.Delete(job.ID); err != nil {
			log.WithError(err).Warn("delete expired job")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("expired jobs swept")
	}
	return removed
}
