// Package jobmanager runs the robot's scheduled housekeeping jobs. Jobs only read status; they
// never touch the hardware the control loop owns.
package jobmanager

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"go.smars.dev/robot/config"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/services/avoidance"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = 15 * time.Second

// ErrSelfCheck is returned by the self check when the robot reports a fault.
var ErrSelfCheck = errors.New("self check failed")

// The Robot is what jobs look at.
type Robot interface {
	Name() string
	Status() avoidance.Status
}

// A Jobmanager adds and removes scheduled jobs as the job configs change, and logs when they
// trigger and whether they succeed.
type Jobmanager struct {
	scheduler gocron.Scheduler
	robot     Robot
	logger    logging.Logger

	mu           sync.Mutex
	jobConfigs   []config.JobConfig
	namesToUUIDs map[string]uuid.UUID
}

// New returns a stopped job manager. Jobs start with Start.
func New(jobConfigs []config.JobConfig, r Robot, logger logging.Logger) (*Jobmanager, error) {
	jm := &Jobmanager{
		robot:        r,
		logger:       logger,
		namesToUUIDs: make(map[string]uuid.UUID),
	}
	scheduler, err := gocron.NewScheduler(
		gocron.WithGlobalJobOptions(
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithEventListeners(
				gocron.AfterJobRunsWithError(func(_ uuid.UUID, name string, err error) {
					jm.logger.Warnw("job failed", "job", name, "error", err)
				}),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	jm.scheduler = scheduler
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobConfigs = jobConfigs
	jm.addJobs()
	return jm, nil
}

// Start starts the scheduler.
func (jm *Jobmanager) Start() {
	jm.scheduler.Start()
}

// Stop stops running jobs without removing them.
func (jm *Jobmanager) Stop() error {
	return jm.scheduler.StopJobs()
}

// Shutdown stops the scheduler and waits for running jobs.
func (jm *Jobmanager) Shutdown() error {
	jm.logger.Info("shutting down gracefully")
	return jm.scheduler.Shutdown()
}

// JobNames returns the names of the scheduled jobs.
func (jm *Jobmanager) JobNames() []string {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	names := make([]string, 0, len(jm.namesToUUIDs))
	for name := range jm.namesToUUIDs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definition parses a schedule: a Go duration such as "30s", otherwise a cron expression.
func Definition(schedule string) gocron.JobDefinition {
	if d, err := time.ParseDuration(schedule); err == nil {
		return gocron.DurationJob(d)
	}
	return gocron.CronJob(schedule, false)
}

// Task returns the function a job of kind runs.
func (jm *Jobmanager) Task(kind string) (func(context.Context) error, error) {
	switch kind {
	case config.JobLogStatus:
		return jm.logStatus, nil
	case config.JobSelfCheck:
		return jm.selfCheck, nil
	default:
		return nil, errors.Errorf("unknown job %q", kind)
	}
}

func (jm *Jobmanager) logStatus(context.Context) error {
	rep := jm.robot.Status().Report(jm.robot.Name())
	jm.logger.Infow("status",
		"distance", rep.Distance,
		"movement", rep.Movement,
		"mode", rep.Mode,
		"state", rep.State,
		"speed", rep.Speed,
		"route", rep.Route,
	)
	return nil
}

func (jm *Jobmanager) selfCheck(context.Context) error {
	st := jm.robot.Status()
	if st.State == avoidance.StateError {
		return errors.Wrapf(ErrSelfCheck, "robot is in the error state: %s", st.Movement.Label)
	}
	if !st.Distance.Valid() {
		return errors.Wrap(ErrSelfCheck, "range sensor has no reading")
	}
	jm.logger.Debugw("self check passed", "distance_cm", st.Distance.Centimeters())
	return nil
}

// addJobs schedules every job in jm.jobConfigs. Bad jobs are logged and skipped.
func (jm *Jobmanager) addJobs() {
	for _, jc := range jm.jobConfigs {
		run, err := jm.Task(jc.Job)
		if err != nil {
			jm.logger.Errorw("cannot create job", "job", jc.Name, "error", err)
			continue
		}
		name := jc.Name
		j, err := jm.scheduler.NewJob(
			Definition(jc.Schedule),
			gocron.NewTask(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				defer cancel()
				jm.logger.Debugw("triggering job", "job", name)
				return run(ctx)
			}),
			gocron.WithName(name),
		)
		if err != nil {
			jm.logger.Errorw("cannot create job", "job", jc.Name, "error", err)
			continue
		}
		jm.logger.Infow("created job", "job", jc.Name, "uuid", j.ID())
		jm.namesToUUIDs[jc.Name] = j.ID()
	}
}

// UpdateJobs replaces the scheduled jobs with jobs. Unchanged configs are left alone.
func (jm *Jobmanager) UpdateJobs(jobs []config.JobConfig) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if slices.Equal(jm.jobConfigs, jobs) {
		return
	}
	for name, id := range jm.namesToUUIDs {
		if err := jm.scheduler.RemoveJob(id); err != nil {
			jm.logger.Debugw("cannot remove job", "job", name, "error", err)
		}
	}
	jm.namesToUUIDs = make(map[string]uuid.UUID)
	jm.jobConfigs = slices.Clone(jobs)
	jm.addJobs()
}
