package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/clock"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/scheduling"
)

// Scheduler runs the dispatch scan and the lifecycle sweep on cron specs. A run that is still
// going when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	clock  clock.Clock
	logger *slog.Logger
}

func NewScheduler(clk clock.Clock, loc *time.Location, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	if loc == nil {
		loc = time.UTC
	}
	l := cronLogger{logger: logger.With("component", "cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		clock:  clk,
		logger: logger,
	}
}

// AddDispatch registers the reminder scan. timeout bounds a single run.
func (s *Scheduler) AddDispatch(ctx context.Context, spec string, d *Dispatcher, timeout time.Duration) error {
	_, err := s.cron.AddFunc(spec, func() {
		runCtx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		n, err := d.DispatchDue(runCtx, s.clock.Now())
		if err != nil {
			s.logger.Error("reminder dispatch failed", "sent", n, "err", err)
			return
		}
		if n > 0 {
			s.logger.Info("reminders dispatched", "sent", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule dispatch %q: %w", spec, err)
	}
	return nil
}

// AddSweep registers the automatic lifecycle sweep.
func (s *Scheduler) AddSweep(ctx context.Context, spec string, svc *scheduling.Service, opts scheduling.SweepOptions, timeout time.Duration) error {
	_, err := s.cron.AddFunc(spec, func() {
		runCtx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		res, err := svc.Sweep(runCtx, opts)
		if err != nil {
			s.logger.Error("lifecycle sweep failed", "started", res.Started, "no_shows", res.NoShows, "err", err)
			return
		}
		if res.Started > 0 || res.NoShows > 0 {
			s.logger.Info("lifecycle sweep", "started", res.Started, "no_shows", res.NoShows)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is done and running jobs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
