// Package robot assembles a SMARS robot from its config: the board, the range sensor, the motor
// bank, the drive, the avoidance engine and the control loop that runs them.
package robot

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.smars.dev/robot/components/base/wheeled"
	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/components/board/fake"
	"go.smars.dev/robot/components/board/genericlinux"
	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/motor/gpio"
	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/config"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/operation"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/robot/control"
	"go.smars.dev/robot/services/avoidance"
	"go.smars.dev/robot/services/route"
)

var (
	// ErrLoopRunning is returned by the hardware checks while the control loop owns the hardware.
	ErrLoopRunning = errors.New("control loop is running")
	// ErrHardwareBusy is returned when a hardware check already owns the hardware.
	ErrHardwareBusy = errors.New("hardware check in progress")
)

const (
	ownerNone int32 = iota
	ownerLoop
	ownerCheck
)

// A Robot owns every hardware handle. Only the control loop touches the hardware while Run is in
// progress; everyone else submits commands and reads status.
type Robot struct {
	name    string
	board   board.Board
	sensor  *ultrasonic.Sensor
	drive   *wheeled.Drive
	program *route.Program
	engine  *avoidance.Engine
	loop    *control.Loop
	clk     clock.Clock
	wait    operation.Waiter
	logger  logging.Logger

	owner atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	clk   clock.Clock
	board board.Board
}

// An Option changes how New builds the robot.
type Option func(*options)

// WithClock makes the robot keep time with clk. A *clock.Mock is advanced instead of slept on.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clk = clk
	}
}

// WithBoard uses b instead of the board named by the config.
func WithBoard(b board.Board) Option {
	return func(o *options) {
		o.board = b
	}
}

// New builds a robot with its motors stopped. Any hardware failure stops whatever was acquired,
// closes the board and returns an error.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (*Robot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	wait := operation.ContextWait
	if o.clk != nil {
		wait = operation.ClockWait(o.clk)
	} else {
		o.clk = clock.New()
	}

	tun, err := cfg.Avoidance.Tunables()
	if err != nil {
		return nil, errors.Wrap(err, "avoidance")
	}

	b := o.board
	if b == nil {
		if b, err = newBoard(ctx, cfg, o.clk, logger.Sublogger("board")); err != nil {
			return nil, err
		}
	}

	r := &Robot{
		name:    cfg.Name,
		board:   b,
		program: route.NewProgram(cfg.Route),
		clk:     o.clk,
		wait:    wait,
		logger:  logger,
	}
	if r.sensor, err = ultrasonic.NewFromBoard(ctx, b, cfg.Sensor, logger.Sublogger("sensor")); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "range sensor"), b.Close(ctx))
	}
	bank, err := gpio.NewBank(ctx, b, cfg.Motors, logger.Sublogger("motors"))
	if err != nil {
		return nil, multierr.Combine(err, b.Close(ctx))
	}
	r.drive = wheeled.New(bank, cfg.Drive, wait, logger.Sublogger("drive"))
	r.engine = avoidance.New(
		r.sensor,
		r.drive,
		r.program,
		tun,
		cfg.Avoidance.StartContinuous(),
		o.clk,
		logger.Sublogger("avoidance"),
	)
	r.loop = control.NewLoop(r.engine, cfg.Loop, wait, logger.Sublogger("loop"))

	if d := r.sensor.Distance(ctx); !d.Valid() {
		logger.Warn("no reading from the range sensor at startup, check the wiring")
	} else {
		logger.Infow("range sensor ready", "distance_cm", d.Centimeters())
	}
	if cfg.Autostart.Autonomous {
		r.loop.Submit(command.ToggleMode)
	}
	logger.Infow("robot ready", "name", r.name, "board", cfg.Board.Model)
	return r, nil
}

func newBoard(ctx context.Context, cfg *config.Config, clk clock.Clock, logger logging.Logger) (board.Board, error) {
	switch cfg.Board.Model {
	case config.ModelFake:
		return fake.NewBoard(fake.Config{FailPins: cfg.Board.FailPins}, logger), nil
	case config.ModelSimulated:
		return fake.NewSimulatedBoard(fake.WorldConfig{
			LeftForward:   cfg.Motors.Left.Forward,
			LeftBackward:  cfg.Motors.Left.Backward,
			RightForward:  cfg.Motors.Right.Forward,
			RightBackward: cfg.Motors.Right.Backward,
			Echo:          cfg.Sensor.EchoPin,
			StartCm:       cfg.Board.StartCm,
			Seed:          cfg.Board.Seed,
		}, clk, logger), nil
	case config.ModelLinux:
		b, err := genericlinux.NewBoard(ctx, logger)
		if err != nil {
			return nil, errors.Wrapf(gpio.ErrHardwareInit, "board: %v", err)
		}
		return b, nil
	default:
		return nil, errors.Errorf("unknown board model %q", cfg.Board.Model)
	}
}

// Name returns the robot's name.
func (r *Robot) Name() string {
	return r.name
}

// Board returns the board the robot is wired to.
func (r *Robot) Board() board.Board {
	return r.board
}

// Submit queues cmd for the control loop. It reports false for an invalid command.
func (r *Robot) Submit(cmd command.Command) bool {
	return r.loop.Submit(cmd)
}

// Status returns the latest status snapshot.
func (r *Robot) Status() avoidance.Status {
	return r.engine.Status()
}

// Distance returns the most recent distance the control loop measured.
func (r *Robot) Distance() ultrasonic.Distance {
	return r.engine.Status().Distance
}

// FreshDistance takes a new reading. While the control loop or a hardware check owns the sensor
// it returns the loop's latest reading instead.
func (r *Robot) FreshDistance(ctx context.Context) ultrasonic.Distance {
	if err := r.acquire(ownerCheck); err != nil {
		return r.Distance()
	}
	defer r.release()
	return r.sensor.Distance(ctx)
}

// acquire claims the hardware for who. Only one owner at a time touches the sensor and motors.
func (r *Robot) acquire(who int32) error {
	if r.owner.CompareAndSwap(ownerNone, who) {
		return nil
	}
	if r.owner.Load() == ownerLoop {
		return ErrLoopRunning
	}
	return ErrHardwareBusy
}

func (r *Robot) release() {
	r.owner.Store(ownerNone)
}

// MovementState returns the current label, mode and movement sub-mode.
func (r *Robot) MovementState() (label string, mode avoidance.Mode, continuous bool) {
	return r.engine.MovementState()
}

// Reconfigure hands the tunables of cfg to the control loop.
func (r *Robot) Reconfigure(cfg *config.Config) error {
	tun, err := cfg.Avoidance.Tunables()
	if err != nil {
		return err
	}
	r.loop.Reconfigure(tun)
	return nil
}

// Run runs the control loop until ctx is done or a shutdown command arrives; both are a normal
// end and return nil. The motors are stopped when it returns.
func (r *Robot) Run(ctx context.Context) error {
	if err := r.acquire(ownerLoop); err != nil {
		return err
	}
	defer r.release()
	err := r.loop.Run(ctx)
	if errors.Is(err, control.ErrShutdown) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return nil
	}
	return err
}

// Running reports whether the control loop is running.
func (r *Robot) Running() bool {
	return r.loop.Running()
}

// Measure takes n readings interval apart. It refuses to run alongside the control loop.
func (r *Robot) Measure(ctx context.Context, n int, interval time.Duration) ([]ultrasonic.Distance, error) {
	if err := r.acquire(ownerCheck); err != nil {
		return nil, err
	}
	defer r.release()
	readings := make([]ultrasonic.Distance, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && !r.wait(ctx, interval) {
			return readings, ctx.Err()
		}
		readings = append(readings, r.sensor.Distance(ctx))
	}
	return readings, nil
}

// TestMovements drives forward, backward, left and right for step each, with a pause between
// them, and reports each maneuver's outcome. It refuses to run alongside the control loop.
func (r *Robot) TestMovements(ctx context.Context, step time.Duration, report func(motor.Direction, error)) error {
	if err := r.acquire(ownerCheck); err != nil {
		return err
	}
	defer r.release()
	var errs error
	for _, dir := range []motor.Direction{motor.Forward, motor.Backward, motor.Left, motor.Right} {
		err := r.drive.Move(ctx, dir, step)
		if report != nil {
			report(dir, err)
		}
		errs = multierr.Append(errs, err)
		if !r.wait(ctx, step/2) {
			break
		}
	}
	return multierr.Combine(errs, r.drive.Stop(ctx), ctx.Err())
}

// Close stops the motors and releases the board. It is safe to call more than once.
func (r *Robot) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.logger.Info("closing robot")
		r.closeErr = multierr.Combine(r.drive.Stop(ctx), r.board.Close(ctx))
	})
	return r.closeErr
}
