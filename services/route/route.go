// Package route records a short program of drive steps and plays it back one step at a time.
package route

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// A Step is one recorded movement.
type Step uint8

// The recordable steps.
const (
	StepForward = Step(iota)
	StepLeft
	StepRight
)

func (s Step) String() string {
	switch s {
	case StepForward:
		return "forward"
	case StepLeft:
		return "left"
	case StepRight:
		return "right"
	default:
		return "unknown"
	}
}

// ParseStep accepts "forward", "left" and "right".
func ParseStep(s string) (Step, error) {
	switch strings.ToLower(s) {
	case "forward":
		return StepForward, nil
	case "left":
		return StepLeft, nil
	case "right":
		return StepRight, nil
	default:
		return 0, errors.Errorf("unknown route step %q", s)
	}
}

// Default step timings and program length.
const (
	DefaultForward  = 500 * time.Millisecond
	DefaultTurn     = 600 * time.Millisecond
	DefaultMaxSteps = 64
)

// Config is how you configure route playback.
type Config struct {
	ForwardMs int `json:"forward_ms,omitempty"`
	TurnMs    int `json:"turn_ms,omitempty"`
	MaxSteps  int `json:"max_steps,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ForwardMs < 0 || cfg.TurnMs < 0 || cfg.MaxSteps < 0 {
		return errors.Errorf("%s: route timings and max_steps cannot be negative", path)
	}
	return nil
}

// ErrFull is returned when a step is added to a program at its maximum length.
var ErrFull = errors.New("route is full")

// ErrEmpty is returned when an empty program is played.
var ErrEmpty = errors.New("route is empty")

// A Program is a list of steps plus a playback cursor. It is safe for concurrent use.
type Program struct {
	forward  time.Duration
	turn     time.Duration
	maxSteps int

	mu      sync.Mutex
	steps   []Step
	cursor  int
	playing bool
}

// NewProgram returns an empty program.
func NewProgram(cfg Config) *Program {
	p := &Program{forward: DefaultForward, turn: DefaultTurn, maxSteps: DefaultMaxSteps}
	if cfg.ForwardMs > 0 {
		p.forward = time.Duration(cfg.ForwardMs) * time.Millisecond
	}
	if cfg.TurnMs > 0 {
		p.turn = time.Duration(cfg.TurnMs) * time.Millisecond
	}
	if cfg.MaxSteps > 0 {
		p.maxSteps = cfg.MaxSteps
	}
	return p
}

// Duration is how long a step drives for.
func (p *Program) Duration(s Step) time.Duration {
	if s == StepForward {
		return p.forward
	}
	return p.turn
}

// Add appends a step. Steps cannot be added while the program plays.
func (p *Program) Add(s Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return errors.New("cannot edit a route while it plays")
	}
	if len(p.steps) >= p.maxSteps {
		return ErrFull
	}
	p.steps = append(p.steps, s)
	return nil
}

// Clear removes every step and stops playback.
func (p *Program) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = nil
	p.cursor = 0
	p.playing = false
}

// Play starts playback from the first step.
func (p *Program) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		return ErrEmpty
	}
	p.cursor = 0
	p.playing = true
	return nil
}

// Cancel stops playback, keeping the steps.
func (p *Program) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.cursor = 0
}

// Next returns the step to play now and advances. ok is false when nothing is playing; playback
// ends by itself after the last step.
func (p *Program) Next() (step Step, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.cursor >= len(p.steps) {
		p.playing = false
		return 0, false
	}
	step = p.steps[p.cursor]
	p.cursor++
	if p.cursor >= len(p.steps) {
		p.playing = false
	}
	return step, true
}

// Playing reports whether a playback is in progress.
func (p *Program) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Steps returns a copy of the recorded steps.
func (p *Program) Steps() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Step(nil), p.steps...)
}

func (p *Program) String() string {
	steps := p.Steps()
	if len(steps) == 0 {
		return "empty"
	}
	return strings.Join(lo.Map(steps, func(s Step, _ int) string { return s.String() }), " -> ")
}
