package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.smars.dev/robot/config"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/robot"
	"go.smars.dev/robot/robot/jobmanager"
	"go.smars.dev/robot/robot/mqtt"
	"go.smars.dev/robot/robot/web"
)

// RunAction runs the robot until it is interrupted or receives the shutdown command.
func RunAction(c *cli.Context) (err error) {
	base := bootstrapLogger(c)
	cfg, err := loadConfig(c, base)
	if err != nil {
		return err
	}
	if addr := c.String(runFlagWebAddress); addr != "" {
		cfg.Web.Address = addr
	}
	if c.Bool(runFlagNoWeb) {
		cfg.Web.Disabled = true
	}
	if c.Bool(runFlagAutonomous) {
		cfg.Autostart.Autonomous = true
	}
	logger, closeLog := newLogger(c, cfg, base)
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()
	return runRobot(c.Context, cfg, logger)
}

func runRobot(ctx context.Context, cfg *config.Config, logger logging.Logger) (err error) {
	r, err := robot.New(ctx, cfg, logger.Sublogger("robot"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, r.Close(context.Background()))
	}()

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if !cfg.Web.Disabled {
		svc := web.New(r, logger.Sublogger("web"))
		if err := svc.Start(cancelCtx, cfg.Web.Address); err != nil {
			return err
		}
		closers = append(closers, svc.Close)
	}

	if cfg.MQTT.Enabled() {
		bridge := mqtt.New(r, cfg.MQTT, logger.Sublogger("mqtt"))
		if err := bridge.Start(cancelCtx); err != nil {
			return err
		}
		closers = append(closers, bridge.Close)
	}

	jm, err := jobmanager.New(cfg.Jobs, r, logger.Sublogger("job_manager"))
	if err != nil {
		return errors.Wrap(err, "cannot start job manager")
	}
	jm.Start()
	closers = append(closers, func() {
		if err := jm.Shutdown(); err != nil {
			logger.Warnw("error shutting down jobs", "error", err)
		}
	})

	if cfg.ConfigFilePath != "" {
		watcher, err := config.NewWatcher(cfg, config.DefaultSettle, func(next *config.Config) {
			applyConfigChange(r, jm, next, logger)
		}, logger.Sublogger("config"))
		if err != nil {
			logger.Warnw("config changes will not be picked up", "error", err)
		} else {
			closers = append(closers, func() {
				if err := watcher.Close(); err != nil {
					logger.Debugw("error closing config watcher", "error", err)
				}
			})
		}
	}

	g, gctx := errgroup.WithContext(cancelCtx)
	g.Go(func() error {
		defer cancel()
		return r.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

// applyConfigChange hands the parts of a new config that can change at runtime to their owners.
// Wiring, board and surfaces need a restart.
func applyConfigChange(r *robot.Robot, jm *jobmanager.Jobmanager, next *config.Config, logger logging.Logger) {
	if err := r.Reconfigure(next); err != nil {
		logger.Warnw("cannot apply avoidance settings", "error", err)
	}
	jm.UpdateJobs(next.Jobs)
	if level, err := logging.LevelFromString(next.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	logger.Info("config change applied")
}
