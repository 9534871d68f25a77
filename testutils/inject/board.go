// Package inject provides function-field doubles for the hardware interfaces.
package inject

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.smars.dev/robot/components/board"
)

// Board is an injected board.
type Board struct {
	board.Board
	GPIOPinByNameFunc func(name string) (board.GPIOPin, error)
	EchoPinByNameFunc func(name string) (board.EchoPin, error)
	CloseFunc         func(ctx context.Context) error
}

// GPIOPinByName calls the injected GPIOPinByName or the real version.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	if b.GPIOPinByNameFunc == nil {
		return b.Board.GPIOPinByName(name)
	}
	return b.GPIOPinByNameFunc(name)
}

// EchoPinByName calls the injected EchoPinByName or the real version.
func (b *Board) EchoPinByName(name string) (board.EchoPin, error) {
	if b.EchoPinByNameFunc == nil {
		return b.Board.EchoPinByName(name)
	}
	return b.EchoPinByNameFunc(name)
}

// Close calls the injected Close or the real version.
func (b *Board) Close(ctx context.Context) error {
	if b.CloseFunc == nil {
		if b.Board == nil {
			return nil
		}
		return b.Board.Close(ctx)
	}
	return b.CloseFunc(ctx)
}

// GPIOPin is an injected GPIOPin.
type GPIOPin struct {
	board.GPIOPin

	SetFunc        func(ctx context.Context, high bool) error
	GetFunc        func(ctx context.Context) (bool, error)
	PWMFunc        func(ctx context.Context) (float64, error)
	SetPWMFunc     func(ctx context.Context, dutyCyclePct float64) error
	PWMFreqFunc    func(ctx context.Context) (uint, error)
	SetPWMFreqFunc func(ctx context.Context, freqHz uint) error
}

// Set calls the injected Set or the real version.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	if gp.SetFunc == nil {
		return gp.GPIOPin.Set(ctx, high)
	}
	return gp.SetFunc(ctx, high)
}

// Get calls the injected Get or the real version.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	if gp.GetFunc == nil {
		return gp.GPIOPin.Get(ctx)
	}
	return gp.GetFunc(ctx)
}

// PWM calls the injected PWM or the real version.
func (gp *GPIOPin) PWM(ctx context.Context) (float64, error) {
	if gp.PWMFunc == nil {
		return gp.GPIOPin.PWM(ctx)
	}
	return gp.PWMFunc(ctx)
}

// SetPWM calls the injected SetPWM or the real version.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	if gp.SetPWMFunc == nil {
		return gp.GPIOPin.SetPWM(ctx, dutyCyclePct)
	}
	return gp.SetPWMFunc(ctx, dutyCyclePct)
}

// PWMFreq calls the injected PWMFreq or the real version.
func (gp *GPIOPin) PWMFreq(ctx context.Context) (uint, error) {
	if gp.PWMFreqFunc == nil {
		return gp.GPIOPin.PWMFreq(ctx)
	}
	return gp.PWMFreqFunc(ctx)
}

// SetPWMFreq calls the injected SetPWMFreq or the real version.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	if gp.SetPWMFreqFunc == nil {
		return gp.GPIOPin.SetPWMFreq(ctx, freqHz)
	}
	return gp.SetPWMFreqFunc(ctx, freqHz)
}

// EchoPin is an injected EchoPin.
type EchoPin struct {
	board.EchoPin
	PulseWidthFunc func(ctx context.Context, high bool, timeout time.Duration) (time.Duration, error)
}

// PulseWidth calls the injected PulseWidth or the real version.
func (ep *EchoPin) PulseWidth(ctx context.Context, high bool, timeout time.Duration) (time.Duration, error) {
	if ep.PulseWidthFunc == nil {
		if ep.EchoPin == nil {
			return 0, errors.Wrap(board.ErrPulseTimeout, "no echo pin injected")
		}
		return ep.EchoPin.PulseWidth(ctx, high, timeout)
	}
	return ep.PulseWidthFunc(ctx, high, timeout)
}
