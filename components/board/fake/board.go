// Package fake implements a fake board.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/logging"
)

// A Config describes the behavior of a fake board.
type Config struct {
	// FailPins names pins whose lookup fails, for exercising hardware init faults.
	FailPins []string `json:"fail_pins,omitempty"`
}

// NewBoard returns a new fake board.
func NewBoard(conf Config, logger logging.Logger) *Board {
	b := &Board{
		GPIOPins: map[string]*GPIOPin{},
		EchoPins: map[string]*EchoPin{},
		failPins: map[string]struct{}{},
		logger:   logger,
	}
	for _, name := range conf.FailPins {
		b.failPins[name] = struct{}{}
	}
	return b
}

// A Board provides dummy pins that read back what was written to them.
type Board struct {
	mu         sync.Mutex
	GPIOPins   map[string]*GPIOPin
	EchoPins   map[string]*EchoPin
	failPins   map[string]struct{}
	logger     logging.Logger
	CloseCount int

	world *World
}

// GPIOPinByName returns the GPIO pin by the given name, creating it on first use.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, fail := b.failPins[name]; fail {
		return nil, errors.Errorf("cannot open gpio pin %q", name)
	}
	return b.gpioPin(name), nil
}

// expects the lock to be held.
func (b *Board) gpioPin(name string) *GPIOPin {
	p, ok := b.GPIOPins[name]
	if !ok {
		p = &GPIOPin{}
		if b.world != nil {
			p.onChange = b.world.update
		}
		b.GPIOPins[name] = p
	}
	return p
}

// EchoPinByName returns the echo pin by the given name, creating it on first use.
func (b *Board) EchoPinByName(name string) (board.EchoPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, fail := b.failPins[name]; fail {
		return nil, errors.Errorf("cannot open echo pin %q", name)
	}
	p, ok := b.EchoPins[name]
	if !ok {
		p = &EchoPin{}
		b.EchoPins[name] = p
	}
	return p, nil
}

// World returns the simulated world attached to the board, if any.
func (b *Board) World() *World {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.world
}

// Close counts the close.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return nil
}

// A GPIOPin reads back the same set values.
type GPIOPin struct {
	high     bool
	pwm      float64
	pwmFreq  uint
	setCount int
	onChange func()

	mu sync.Mutex
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	gp.high = high
	gp.setCount++
	hook := gp.onChange
	gp.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}

// High is Get without the context, for tests.
func (gp *GPIOPin) High() bool {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high
}

// SetCount returns how many times Set was called.
func (gp *GPIOPin) SetCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.setCount
}

// PWM gets the pin's given duty cycle.
func (gp *GPIOPin) PWM(ctx context.Context) (float64, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwm, nil
}

// SetPWM sets the pin to the given duty cycle.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	gp.mu.Lock()
	gp.pwm = dutyCyclePct
	hook := gp.onChange
	gp.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// PWMFreq gets the PWM frequency of the pin.
func (gp *GPIOPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwmFreq, nil
}

// SetPWMFreq sets the given pin to the given PWM frequency.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.pwmFreq = freqHz
	return nil
}

// A Pulse is one scripted echo: either a width or an error.
type Pulse struct {
	Width time.Duration
	Err   error
}

// An EchoPin replays scripted pulses. Once the script runs out it asks Source, and without a
// Source it times out.
type EchoPin struct {
	mu     sync.Mutex
	script []Pulse
	calls  int

	Source func(ctx context.Context) (time.Duration, error)
}

// Script appends pulses to replay.
func (ep *EchoPin) Script(pulses ...Pulse) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.script = append(ep.script, pulses...)
}

// ScriptDistances appends pulses that a sensor reads back as the given distances in
// centimeters. A negative distance scripts a timeout.
func (ep *EchoPin) ScriptDistances(cms ...float64) {
	pulses := make([]Pulse, 0, len(cms))
	for _, cm := range cms {
		if cm < 0 {
			pulses = append(pulses, Pulse{Err: board.ErrPulseTimeout})
			continue
		}
		pulses = append(pulses, Pulse{Width: WidthForDistance(cm)})
	}
	ep.Script(pulses...)
}

// Calls returns how many pulses were requested.
func (ep *EchoPin) Calls() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.calls
}

// PulseWidth returns the next scripted pulse without waiting.
func (ep *EchoPin) PulseWidth(ctx context.Context, high bool, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ep.mu.Lock()
	ep.calls++
	var next *Pulse
	if len(ep.script) > 0 {
		next = &ep.script[0]
		ep.script = ep.script[1:]
	}
	source := ep.Source
	ep.mu.Unlock()

	var width time.Duration
	var err error
	switch {
	case next != nil:
		width, err = next.Width, next.Err
	case source != nil:
		width, err = source(ctx)
	default:
		err = board.ErrPulseTimeout
	}
	if err != nil {
		return 0, err
	}
	if width >= timeout {
		return 0, board.ErrPulseTimeout
	}
	return width, nil
}

// speed of sound, halved for the round trip, in cm per microsecond.
const cmPerMicrosecond = 0.01715

// WidthForDistance is the echo width an object at cm centimeters produces.
func WidthForDistance(cm float64) time.Duration {
	return time.Duration(cm / cmPerMicrosecond * float64(time.Microsecond))
}
