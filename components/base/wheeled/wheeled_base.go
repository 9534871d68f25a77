// Package wheeled implements the tank-style drive of a two channel robot: both tracks together
// for straight lines, opposite directions to pivot in place.
package wheeled

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/operation"
)

// DefaultMaxBounded caps how long a bounded maneuver may block.
const DefaultMaxBounded = time.Second

// Motors is the part of a motor bank the drive needs.
type Motors interface {
	SetDirection(ctx context.Context, ch motor.Channel, dir motor.Direction, speed motor.Speed) error
	StopAll(ctx context.Context)
}

// Config is how you configure the drive.
type Config struct {
	MaxBoundedMs int `json:"max_bounded_ms,omitempty"`
	Speed        int `json:"speed,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.MaxBoundedMs < 0 {
		return errors.Errorf("%s: max_bounded_ms cannot be negative", path)
	}
	if cfg.Speed < 0 || cfg.Speed > int(motor.MaxSpeed) {
		return errors.Errorf("%s: speed must be between 0 and 100, got %d", path, cfg.Speed)
	}
	return nil
}

// A Drive issues robot level maneuvers to the motors. A zero duration latches the maneuver until
// the next one; a positive duration blocks for that long and then stops.
type Drive struct {
	motors     Motors
	opMgr      operation.SingleOperationManager
	maxBounded time.Duration
	speed      atomic.Int32
	logger     logging.Logger

	mu      sync.Mutex
	current motor.Direction
}

// New returns a stopped drive. wait is used for bounded maneuvers; nil waits on the wall clock.
func New(motors Motors, cfg Config, wait operation.Waiter, logger logging.Logger) *Drive {
	d := &Drive{
		motors:     motors,
		maxBounded: DefaultMaxBounded,
		logger:     logger,
	}
	d.opMgr.Wait = wait
	if cfg.MaxBoundedMs > 0 {
		d.maxBounded = time.Duration(cfg.MaxBoundedMs) * time.Millisecond
	}
	speed := motor.DefaultSpeed
	if cfg.Speed > 0 {
		speed = motor.ClampSpeed(cfg.Speed)
	}
	d.speed.Store(int32(speed))
	return d
}

// channelDirections maps a robot maneuver onto the left and right channels.
func channelDirections(dir motor.Direction) (left, right motor.Direction, err error) {
	switch dir {
	case motor.Forward:
		return motor.Forward, motor.Forward, nil
	case motor.Backward:
		return motor.Backward, motor.Backward, nil
	case motor.Left:
		return motor.Backward, motor.Forward, nil
	case motor.Right:
		return motor.Forward, motor.Backward, nil
	case motor.Stop:
		return motor.Stop, motor.Stop, nil
	default:
		return motor.Stop, motor.Stop, errors.Errorf("unknown maneuver %d", dir)
	}
}

// Forward drives both tracks forward.
func (d *Drive) Forward(ctx context.Context, duration time.Duration) error {
	return d.Move(ctx, motor.Forward, duration)
}

// Backward drives both tracks backward.
func (d *Drive) Backward(ctx context.Context, duration time.Duration) error {
	return d.Move(ctx, motor.Backward, duration)
}

// TurnLeft pivots left in place.
func (d *Drive) TurnLeft(ctx context.Context, duration time.Duration) error {
	return d.Move(ctx, motor.Left, duration)
}

// TurnRight pivots right in place.
func (d *Drive) TurnRight(ctx context.Context, duration time.Duration) error {
	return d.Move(ctx, motor.Right, duration)
}

// Move runs one maneuver. Any failure stops every channel before the error is returned. If ctx
// is canceled during a bounded maneuver the motors are stopped too.
func (d *Drive) Move(ctx context.Context, dir motor.Direction, duration time.Duration) error {
	if dir == motor.Stop {
		return d.Stop(ctx)
	}
	left, right, err := channelDirections(dir)
	if err != nil {
		return err
	}

	parent := ctx
	ctx, done := d.opMgr.New(ctx)
	defer done()

	speed := d.Speed()
	d.logger.Debugw("maneuver", "direction", dir.String(), "duration", duration, "speed", speed)
	if err := d.motors.SetDirection(ctx, motor.LeftChannel, left, speed); err != nil {
		return d.fail(ctx, errors.Wrapf(err, "cannot go %s", dir))
	}
	if err := d.motors.SetDirection(ctx, motor.RightChannel, right, speed); err != nil {
		return d.fail(ctx, errors.Wrapf(err, "cannot go %s", dir))
	}
	d.setCurrent(dir)

	if duration <= 0 {
		return nil
	}
	if duration > d.maxBounded {
		d.logger.Warnw("clamping bounded maneuver", "requested", duration, "max", d.maxBounded)
		duration = d.maxBounded
	}
	if !d.opMgr.NewTimedWaitOp(ctx, duration) {
		if parent.Err() == nil {
			// a newer maneuver took over the motors
			return nil
		}
		d.stopAll(context.WithoutCancel(parent))
		return errors.Wrapf(parent.Err(), "%s interrupted", dir)
	}
	d.stopAll(ctx)
	return nil
}

// Stop cancels any bounded maneuver in progress and clears both channels.
func (d *Drive) Stop(ctx context.Context) error {
	ctx, done := d.opMgr.New(ctx)
	defer done()
	d.stopAll(ctx)
	return nil
}

func (d *Drive) fail(ctx context.Context, err error) error {
	d.stopAll(context.WithoutCancel(ctx))
	return err
}

func (d *Drive) stopAll(ctx context.Context) {
	d.motors.StopAll(ctx)
	d.setCurrent(motor.Stop)
}

func (d *Drive) setCurrent(dir motor.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = dir
}

// Current returns the maneuver the motors are executing.
func (d *Drive) Current() motor.Direction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Speed returns the speed new maneuvers use.
func (d *Drive) Speed() motor.Speed {
	return motor.Speed(d.speed.Load())
}

// SetSpeed changes the speed of the next maneuver and returns the clamped value.
func (d *Drive) SetSpeed(pct int) motor.Speed {
	speed := motor.ClampSpeed(pct)
	d.speed.Store(int32(speed))
	return speed
}

// MaxBounded returns the longest a bounded maneuver may run.
func (d *Drive) MaxBounded() time.Duration {
	return d.maxBounded
}
