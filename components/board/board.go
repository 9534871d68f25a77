// Package board defines the pin-level handles the robot drives: output pins for the motor
// H-bridges and the sensor trigger, and echo pins whose pulses are timed by the range sensor.
package board

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrPulseTimeout is returned by an EchoPin when no complete pulse was seen before the timeout.
var ErrPulseTimeout = errors.New("timed out waiting for echo pulse")

// A Board hands out named pin handles.
type Board interface {
	// GPIOPinByName returns an output pin by its board name.
	GPIOPinByName(name string) (GPIOPin, error)

	// EchoPinByName returns an input pin that can time pulses.
	EchoPinByName(name string) (EchoPin, error)

	// Close releases the board and stops any background pin work.
	Close(ctx context.Context) error
}

// A GPIOPin represents an individual GPIO pin on a board.
type GPIOPin interface {
	// Set sets the pin to either low or high.
	Set(ctx context.Context, high bool) error

	// Get gets the high/low state of the pin.
	Get(ctx context.Context) (bool, error)

	// PWM gets the pin's duty cycle in [0, 1].
	PWM(ctx context.Context) (float64, error)

	// SetPWM sets the pin to the given duty cycle in [0, 1].
	SetPWM(ctx context.Context, dutyCyclePct float64) error

	// PWMFreq gets the PWM frequency of the pin.
	PWMFreq(ctx context.Context) (uint, error)

	// SetPWMFreq sets the given pin to the given PWM frequency. 0 will use the board's default PWM frequency.
	SetPWMFreq(ctx context.Context, freqHz uint) error
}

// An EchoPin is an input pin that measures how long it stays at a level.
type EchoPin interface {
	// PulseWidth waits for the pin to reach the given level and returns how long it stayed there.
	// The whole call, including the wait for the leading edge, is bounded by timeout; running out
	// of time returns ErrPulseTimeout.
	PulseWidth(ctx context.Context, high bool, timeout time.Duration) (time.Duration, error)
}

// IsPulseTimeout reports whether err means the echo never completed.
func IsPulseTimeout(err error) bool {
	return errors.Is(err, ErrPulseTimeout)
}
