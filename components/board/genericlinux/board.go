// Package genericlinux implements a board for Linux single board computers by way of periph.io.
// Pins are addressed by their periph.io names (e.g. "GPIO17"). PWM is simulated in software.
package genericlinux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/logging"
)

var _ = board.Board(&sysfsBoard{})

// defaultPWMFreq is used by the software PWM loop until SetPWMFreq is called.
const defaultPWMFreq = 100 * physic.Hertz

type pwmSetting struct {
	dutyCycle gpio.Duty
	frequency physic.Frequency
}

type sysfsBoard struct {
	mu     sync.RWMutex
	pwms   map[string]pwmSetting
	logger logging.Logger

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewBoard initializes the periph.io host drivers and returns a board.
func NewBoard(ctx context.Context, logger logging.Logger) (board.Board, error) {
	state, err := host.Init()
	if err != nil {
		return nil, errors.Wrap(err, "error initializing host")
	}
	for _, failure := range state.Failed {
		logger.Debugw("host driver failed to load", "driver", failure.D.String(), "error", failure.Err)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &sysfsBoard{
		pwms:       map[string]pwmSetting{},
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

func getGPIOLine(pinName string) (gpio.PinIO, error) {
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, errors.Errorf("no global pin found for %q", pinName)
	}
	return pin, nil
}

func (b *sysfsBoard) GPIOPinByName(pinName string) (board.GPIOPin, error) {
	pin, err := getGPIOLine(pinName)
	if err != nil {
		return nil, err
	}
	return periphGpioPin{b, pin, pinName}, nil
}

func (b *sysfsBoard) EchoPinByName(pinName string) (board.EchoPin, error) {
	pin, err := getGPIOLine(pinName)
	if err != nil {
		return nil, err
	}
	edges := true
	if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
		b.logger.Debugw("edge detection unavailable, polling echo pin", "pin_name", pinName, "error", err)
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(err, "cannot configure %q as input", pinName)
		}
		edges = false
	}
	return &echoPin{pin: pin, edges: edges}, nil
}

func (b *sysfsBoard) Close(ctx context.Context) error {
	b.mu.Lock()
	b.cancelFunc()
	b.pwms = map[string]pwmSetting{}
	b.mu.Unlock()
	b.activeBackgroundWorkers.Wait()
	return nil
}

type periphGpioPin struct {
	b       *sysfsBoard
	pin     gpio.PinIO
	pinName string
}

func (gp periphGpioPin) Set(ctx context.Context, high bool) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	delete(gp.b.pwms, gp.pinName)

	return gp.set(high)
}

// set does not touch the pwms map so the software PWM loop can toggle the pin while it stays a
// PWM pin.
func (gp periphGpioPin) set(high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp periphGpioPin) Get(ctx context.Context) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}

func (gp periphGpioPin) PWM(ctx context.Context) (float64, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	pwm, ok := gp.b.pwms[gp.pinName]
	if !ok {
		return 0, fmt.Errorf("missing pin %s", gp.pinName)
	}
	return float64(pwm.dutyCycle) / float64(gpio.DutyMax), nil
}

func (gp periphGpioPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	if dutyCyclePct <= 0 {
		delete(gp.b.pwms, gp.pinName)
		return gp.set(false)
	}
	if dutyCyclePct >= 1 {
		delete(gp.b.pwms, gp.pinName)
		return gp.set(true)
	}

	last, alreadySet := gp.b.pwms[gp.pinName]
	if last.frequency == 0 {
		last.frequency = defaultPWMFreq
	}
	last.dutyCycle = gpio.Duty(dutyCyclePct * float64(gpio.DutyMax))
	gp.b.pwms[gp.pinName] = last

	if !alreadySet {
		gp.b.startSoftwarePWMLoop(gp)
	}
	return nil
}

func (gp periphGpioPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	return uint(gp.b.pwms[gp.pinName].frequency / physic.Hertz), nil
}

func (gp periphGpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	last, ok := gp.b.pwms[gp.pinName]
	if !ok {
		return nil
	}
	last.frequency = physic.Hertz * physic.Frequency(freqHz)
	if freqHz == 0 {
		last.frequency = defaultPWMFreq
	}
	gp.b.pwms[gp.pinName] = last
	return nil
}

// expects to already have lock acquired.
func (b *sysfsBoard) startSoftwarePWMLoop(gp periphGpioPin) {
	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		b.softwarePWMLoop(b.cancelCtx, gp)
	}, b.activeBackgroundWorkers.Done)
}

func (b *sysfsBoard) softwarePWMLoop(ctx context.Context, gp periphGpioPin) {
	for {
		cont := func() bool {
			b.mu.RLock()
			pwmSetting, ok := b.pwms[gp.pinName]
			b.mu.RUnlock()
			if !ok {
				b.logger.Debugw("pwm setting deleted; stopping", "pin_name", gp.pinName)
				return false
			}

			if err := gp.set(true); err != nil {
				b.logger.Errorw("error setting pin", "pin_name", gp.pinName, "error", err)
				return true
			}
			period := pwmSetting.frequency.Period()
			onPeriod := time.Duration(float64(pwmSetting.dutyCycle) / float64(gpio.DutyMax) * float64(period))
			if !goutils.SelectContextOrWait(ctx, onPeriod) {
				return false
			}
			if err := gp.set(false); err != nil {
				b.logger.Errorw("error setting pin", "pin_name", gp.pinName, "error", err)
				return true
			}
			return goutils.SelectContextOrWait(ctx, period-onPeriod)
		}()
		if !cont {
			return
		}
	}
}

type echoPin struct {
	mu    sync.Mutex
	pin   gpio.PinIO
	edges bool
}

func (ep *echoPin) PulseWidth(ctx context.Context, high bool, timeout time.Duration) (time.Duration, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	level := gpio.Low
	if high {
		level = gpio.High
	}
	deadline := time.Now().Add(timeout)

	if !ep.waitFor(ctx, level, deadline) {
		return 0, board.ErrPulseTimeout
	}
	start := time.Now()
	if !ep.waitFor(ctx, !level, deadline) {
		return 0, board.ErrPulseTimeout
	}
	return time.Since(start), nil
}

// waitFor returns false if the deadline passes or ctx is done before the pin reads level.
func (ep *echoPin) waitFor(ctx context.Context, level gpio.Level, deadline time.Time) bool {
	for ep.pin.Read() != level {
		if ctx.Err() != nil {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if ep.edges {
			ep.pin.WaitForEdge(remaining)
		}
	}
	return true
}
