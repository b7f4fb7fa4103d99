package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type SweepStalledBuildsArgs struct{}

func (SweepStalledBuildsArgs) Kind() string { return "sweep_stalled_builds" }

// StallSweeper fails builds that stayed non-terminal longer than olderThan.
type StallSweeper interface {
	FailStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

type SweepStalledBuildsWorker struct {
	river.WorkerDefaults[SweepStalledBuildsArgs]
	builds       StallSweeper
	stallTimeout time.Duration
	log          *slog.Logger
}

func NewSweepStalledBuildsWorker(builds StallSweeper, stallTimeout time.Duration, log *slog.Logger) *SweepStalledBuildsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepStalledBuildsWorker{builds: builds, stallTimeout: stallTimeout, log: log}
}

func (w *SweepStalledBuildsWorker) Work(ctx context.Context, _ *river.Job[SweepStalledBuildsArgs]) error {
	n, err := w.builds.FailStalled(ctx, w.stallTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Warn("Failed stalled builds", "count", n, "stall_timeout", w.stallTimeout)
	}
	return nil
}

// SweepPeriodicJob schedules the sweeper every interval, starting right after boot.
func SweepPeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepStalledBuildsArgs{}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
