package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled sync run.
type Job func(ctx context.Context) error

// Scheduler runs a sync job on a cron spec. A run that is still going when
// the next one is due causes that next run to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	spec   string
	job    Job
}

// New creates a Scheduler for a five-field cron spec or descriptor, evaluated
// in location (UTC if nil).
func New(logger *slog.Logger, location *time.Location, spec string, job Job) (*Scheduler, error) {
	if location == nil {
		location = time.UTC
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, logger: logger, spec: spec, job: job}

	// Parse the expression up front so a typo fails at startup.
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Start registers the job and blocks until ctx is done. Runs receive ctx, so
// cancelling it also interrupts a run in progress.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started.", "spec", s.spec, "location", s.cron.Location().String())

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped.")
}

func (s *Scheduler) run(ctx context.Context) {
	started := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error("Scheduled sync failed", "error", err, "duration", time.Since(started))
		return
	}
	s.logger.Info("Scheduled sync finished.", "duration", time.Since(started))
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
