package daemon

import (
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/autobuildd/internal/config"
	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
)

// Scheduler wraps gocron for periodic builds configured in the daemon's
// schedules section.
type Scheduler struct {
	scheduler gocron.Scheduler
	queue     *BuildQueue
}

// NewScheduler creates a scheduler instance.
func NewScheduler(queue *BuildQueue) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, queue: queue}, nil
}

// Register adds one periodic build job per configured schedule.
func (s *Scheduler) Register(schedules []config.Schedule) error {
	for _, sched := range schedules {
		profile := sched.Profile
		job, err := s.scheduler.NewJob(
			gocron.DurationJob(sched.Interval()),
			gocron.NewTask(s.triggerBuild, profile),
			gocron.WithName(fmt.Sprintf("periodic-%s", profile)),
		)
		if err != nil {
			return fmt.Errorf("failed to create periodic build job for %s: %w", profile, err)
		}
		slog.Info("Periodic build scheduled",
			logfields.Profile(profile),
			"interval", sched.Interval().String(),
			"job_id", job.ID().String())
	}
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// triggerBuild is called by gocron on each tick. A busy profile simply
// keeps its existing entry.
func (s *Scheduler) triggerBuild(profile string) {
	pos, err := s.queue.Enqueue(profile)
	if err != nil {
		if buerrors.Is(err, buerrors.CategoryAlreadyBusy) {
			slog.Debug("Scheduled build skipped, profile busy", logfields.Profile(profile))
			return
		}
		slog.Error("Failed to enqueue scheduled build",
			logfields.Profile(profile), logfields.Error(err))
		return
	}
	slog.Info("Scheduled build enqueued",
		logfields.Profile(profile), logfields.QueuePos(pos))
}
