// Package gpio implements the motor bank on H-bridge driver boards: each channel has a forward
// pin, a reverse pin and an optional PWM pin for speed.
package gpio

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/components/motor"
)

// ChannelConfig names the pins of one H-bridge channel.
type ChannelConfig struct {
	Forward  string `json:"forward"`
	Backward string `json:"backward"`
	PWM      string `json:"pwm,omitempty"`
	PWMFreq  uint   `json:"pwm_freq,omitempty"`
	// Invert swaps forward and backward for motors mounted the other way round.
	Invert bool `json:"invert,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *ChannelConfig) Validate(path string) error {
	if conf.Forward == "" {
		return errors.Errorf("%s: field %q is required", path, "forward")
	}
	if conf.Backward == "" {
		return errors.Errorf("%s: field %q is required", path, "backward")
	}
	if conf.Forward == conf.Backward {
		return errors.Errorf("%s: forward and backward must be different pins", path)
	}
	return nil
}

// A Channel is one H-bridge channel. Its forward and reverse pins are never high together.
type Channel struct {
	mu       sync.Mutex
	forward  board.GPIOPin
	backward board.GPIOPin
	pwm      board.GPIOPin
	invert   bool

	direction motor.Direction
	speed     motor.Speed
}

// NewChannel wraps already acquired pins. pwm may be nil.
func NewChannel(forward, backward, pwm board.GPIOPin, invert bool) *Channel {
	return &Channel{forward: forward, backward: backward, pwm: pwm, invert: invert}
}

// Set drives the channel. Both direction pins are always cleared before the new one is asserted,
// so there is no instant where both are high. Stop, or a zero speed, leaves both low.
func (c *Channel) Set(ctx context.Context, dir motor.Direction, speed motor.Speed) error {
	if !dir.ValidForChannel() {
		return errors.Errorf("channel cannot go %s", dir)
	}
	speed = motor.ClampSpeed(int(speed))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.clear(ctx); err != nil {
		c.direction = motor.Stop
		return err
	}
	if dir == motor.Stop || speed == 0 {
		c.direction, c.speed = motor.Stop, speed
		return nil
	}

	pin := c.forward
	if (dir == motor.Backward) != c.invert {
		pin = c.backward
	}
	if err := pin.Set(ctx, true); err != nil {
		return multierr.Combine(err, c.clear(ctx))
	}
	if c.pwm != nil {
		if err := c.pwm.SetPWM(ctx, speed.Duty()); err != nil {
			return multierr.Combine(err, c.clear(ctx))
		}
	}
	c.direction, c.speed = dir, speed
	return nil
}

// clear drives both direction pins low and the duty to zero, trying every pin even when one
// fails. Expects the lock to be held.
func (c *Channel) clear(ctx context.Context) error {
	err := multierr.Combine(
		c.forward.Set(ctx, false),
		c.backward.Set(ctx, false),
	)
	if c.pwm != nil {
		err = multierr.Combine(err, c.pwm.SetPWM(ctx, 0))
	}
	return err
}

// Stop clears the channel.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.direction = motor.Stop
	return c.clear(ctx)
}

// Direction returns the last commanded direction.
func (c *Channel) Direction() motor.Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

// Speed returns the last commanded speed.
func (c *Channel) Speed() motor.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}
