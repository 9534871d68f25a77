// Package ultrasonic implements an HC-SR04 style time-of-flight range sensor: a short trigger
// pulse starts a ping and the width of the echo pulse is the round trip time of the sound.
package ultrasonic

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	rdkutils "go.viam.com/utils"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/logging"
)

// CmPerMicrosecond is the speed of sound (343 m/s) halved for the round trip.
const CmPerMicrosecond = 0.01715

// Default protocol timings.
const (
	DefaultSettle  = 2 * time.Microsecond
	DefaultPulse   = 10 * time.Microsecond
	DefaultTimeout = 30 * time.Millisecond
)

// A Distance is a range reading in centimeters, or NoReading.
type Distance struct {
	cm    float64
	valid bool
}

// NoReading is the distance reported when the echo never came back.
var NoReading = Distance{}

// Centimeters builds a valid reading. Negative values are clamped to zero.
func Centimeters(cm float64) Distance {
	if cm < 0 || math.IsNaN(cm) {
		cm = 0
	}
	return Distance{cm: cm, valid: true}
}

// Valid reports whether d holds a reading.
func (d Distance) Valid() bool {
	return d.valid
}

// Centimeters returns the reading, or 0 for NoReading.
func (d Distance) Centimeters() float64 {
	return d.cm
}

// Millimeters returns the reading in whole millimeters, or 0 for NoReading.
func (d Distance) Millimeters() int {
	return int(math.Round(d.cm * 10))
}

func (d Distance) String() string {
	if !d.valid {
		return "Error"
	}
	return fmt.Sprintf("%.1f", d.cm)
}

// ToDistance converts an echo width to a distance. Widths at or beyond timeout, and negative
// widths, are NoReading.
func ToDistance(elapsed, timeout time.Duration) Distance {
	if elapsed < 0 || elapsed >= timeout {
		return NoReading
	}
	us := float64(elapsed) / float64(time.Microsecond)
	return Centimeters(us * CmPerMicrosecond)
}

// Config holds the pin names and timings of a sensor.
type Config struct {
	TriggerPin string `json:"trigger_pin"`
	EchoPin    string `json:"echo_pin"`
	SettleUs   uint   `json:"settle_us,omitempty"`
	PulseUs    uint   `json:"pulse_us,omitempty"`
	TimeoutMs  uint   `json:"timeout_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.TriggerPin == "" {
		return errors.Errorf("%s: field %q is required", path, "trigger_pin")
	}
	if conf.EchoPin == "" {
		return errors.Errorf("%s: field %q is required", path, "echo_pin")
	}
	if conf.TimeoutMs > 1000 {
		return errors.Errorf("%s: timeout_ms must be at most 1000, got %d", path, conf.TimeoutMs)
	}
	return nil
}

func (conf *Config) timings() (settle, pulse, timeout time.Duration) {
	settle, pulse, timeout = DefaultSettle, DefaultPulse, DefaultTimeout
	if conf.SettleUs > 0 {
		settle = time.Duration(conf.SettleUs) * time.Microsecond
	}
	if conf.PulseUs > 0 {
		pulse = time.Duration(conf.PulseUs) * time.Microsecond
	}
	if conf.TimeoutMs > 0 {
		timeout = time.Duration(conf.TimeoutMs) * time.Millisecond
	}
	return settle, pulse, timeout
}

// A Sensor measures distances on one trigger/echo pin pair.
type Sensor struct {
	triggerPin board.GPIOPin
	echoPin    board.EchoPin
	settle     time.Duration
	pulse      time.Duration
	timeout    time.Duration
	logger     logging.Logger

	busy atomic.Bool
	mu   sync.Mutex
	last Distance
}

// NewFromBoard looks up the configured pins and builds a sensor.
func NewFromBoard(ctx context.Context, b board.Board, conf Config, logger logging.Logger) (*Sensor, error) {
	trigger, err := b.GPIOPinByName(conf.TriggerPin)
	if err != nil {
		return nil, errors.Wrapf(err, "ultrasonic: cannot grab gpio %q", conf.TriggerPin)
	}
	echo, err := b.EchoPinByName(conf.EchoPin)
	if err != nil {
		return nil, errors.Wrapf(err, "ultrasonic: cannot grab echo pin %q", conf.EchoPin)
	}
	return New(ctx, trigger, echo, conf, logger)
}

// New returns a sensor with its trigger driven low.
func New(ctx context.Context, trigger board.GPIOPin, echo board.EchoPin, conf Config, logger logging.Logger) (*Sensor, error) {
	s := &Sensor{triggerPin: trigger, echoPin: echo, logger: logger, last: NoReading}
	s.settle, s.pulse, s.timeout = conf.timings()
	if err := s.triggerPin.Set(ctx, false); err != nil {
		return nil, errors.Wrap(err, "ultrasonic: cannot set trigger pin to low")
	}
	return s, nil
}

// Timeout is the longest echo the sensor waits for.
func (s *Sensor) Timeout() time.Duration {
	return s.timeout
}

// Distance takes one measurement. Any failure, including a missing echo, is NoReading.
// A call made while another measurement is in flight returns NoReading right away.
func (s *Sensor) Distance(ctx context.Context) Distance {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Warn("measurement already in progress")
		return NoReading
	}
	defer s.busy.Store(false)

	d, err := s.measure(ctx)
	if err != nil {
		s.logger.Debugw("no reading", "error", err)
		d = NoReading
	}

	s.mu.Lock()
	s.last = d
	s.mu.Unlock()
	return d
}

func (s *Sensor) measure(ctx context.Context) (Distance, error) {
	if err := s.triggerPin.Set(ctx, false); err != nil {
		return NoReading, errors.Wrap(err, "cannot set trigger pin to low")
	}
	rdkutils.SelectContextOrWait(ctx, s.settle)
	if err := s.triggerPin.Set(ctx, true); err != nil {
		return NoReading, errors.Wrap(err, "cannot set trigger pin to high")
	}
	rdkutils.SelectContextOrWait(ctx, s.pulse)
	if err := s.triggerPin.Set(ctx, false); err != nil {
		return NoReading, errors.Wrap(err, "cannot set trigger pin to low")
	}

	elapsed, err := s.echoPin.PulseWidth(ctx, true, s.timeout)
	if err != nil {
		return NoReading, err
	}
	d := ToDistance(elapsed, s.timeout)
	if !d.Valid() {
		return NoReading, board.ErrPulseTimeout
	}
	return d, nil
}

// CheckObstacle reports whether something is within thresholdCm. NoReading is never an obstacle.
func (s *Sensor) CheckObstacle(ctx context.Context, thresholdCm float64) bool {
	d := s.Distance(ctx)
	return d.Valid() && d.Centimeters() <= thresholdCm
}

// LastReading returns the most recent completed measurement.
func (s *Sensor) LastReading() Distance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
