package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"rostersync.org/internal/obs"
)

// Task is a recurring maintenance job.
type Task struct {
	Name        string
	Description string
	Schedule    string // cron expression
	Handler     func(ctx context.Context) error
}

type housekeeping struct {
	cron  *gocron.Scheduler
	tasks map[string]Task
	ctx   context.Context
	stop  context.CancelFunc
}

// Tasks returns the maintenance tasks run alongside the queue.
func (s *Scheduler) Tasks() []Task {
	return []Task{
		{
			Name:        "prune-jobs",
			Description: "Delete finished sync jobs past retention",
			Schedule:    "30 3 * * *",
			Handler: func(ctx context.Context) error {
				n, err := s.queue.Prune(ctx, s.retention)
				if err != nil {
					return err
				}
				obs.Logger().Info().Int("jobs", n).Msg("pruned finished jobs")
				return nil
			},
		},
		{
			Name:        "rearm-schedules",
			Description: "Arm enabled integrations that have no pending scheduled run",
			Schedule:    "0 * * * *",
			Handler: func(ctx context.Context) error {
				_, err := s.InitializeScheduledSyncs(ctx)
				return err
			},
		},
	}
}

// StartHousekeeping registers the maintenance tasks on a UTC cron scheduler.
func (s *Scheduler) StartHousekeeping() error {
	if s.tasks != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	hk := &housekeeping{
		cron:  gocron.NewScheduler(time.UTC),
		tasks: make(map[string]Task),
		ctx:   ctx,
		stop:  cancel,
	}
	hk.cron.SingletonModeAll()
	for _, task := range s.Tasks() {
		if err := hk.register(task); err != nil {
			cancel()
			return err
		}
	}
	hk.cron.StartAsync()
	s.tasks = hk
	return nil
}

// StopHousekeeping halts the maintenance tasks.
func (s *Scheduler) StopHousekeeping() {
	if s.tasks == nil {
		return
	}
	s.tasks.cron.Stop()
	s.tasks.stop()
	s.tasks = nil
}

// RunTaskNow runs a maintenance task by name in the caller's goroutine.
func (s *Scheduler) RunTaskNow(ctx context.Context, name string) error {
	for _, t := range s.Tasks() {
		if t.Name == name {
			return t.Handler(ctx)
		}
	}
	return fmt.Errorf("scheduler: task %s not found", name)
}

func (hk *housekeeping) register(task Task) error {
	job, err := hk.cron.Cron(task.Schedule).Do(func() {
		log := obs.Logger().With().Str("task", task.Name).Logger()
		log.Debug().Msg("running maintenance task")
		if err := task.Handler(hk.ctx); err != nil {
			log.Error().Err(err).Msg("maintenance task failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register task %s: %w", task.Name, err)
	}
	job.Tag(task.Name)
	hk.tasks[task.Name] = task
	return nil
}
