package control

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/operation"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/services/avoidance"
)

// DefaultSlice is the pause between cycles.
const DefaultSlice = 10 * time.Millisecond

// ErrShutdown is returned by Run when a shutdown command ended the loop.
var ErrShutdown = errors.New("shutdown requested")

// Engine is the decision maker the loop drives.
type Engine interface {
	Step(ctx context.Context) bool
	Handle(ctx context.Context, cmd command.Command) bool
	Reconfigure(tun avoidance.Tunables)
	Shutdown(ctx context.Context)
}

// Config is how you configure the loop.
type Config struct {
	SliceMs int `json:"slice_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.SliceMs < 0 {
		return errors.Errorf("%s: slice_ms cannot be negative", path)
	}
	if cfg.SliceMs > 1000 {
		return errors.Errorf("%s: slice_ms must be at most 1000, got %d", path, cfg.SliceMs)
	}
	return nil
}

// Loop holds the loop state. Only Submit, Reconfigure and Cycles may be called from other
// goroutines while Run is running.
type Loop struct {
	engine Engine
	inbox  Inbox
	slice  time.Duration
	wait   operation.Waiter
	logger logging.Logger

	pending atomic.Pointer[avoidance.Tunables]
	cycles  atomic.Uint64
	running atomic.Bool
}

// NewLoop returns a loop around engine. wait paces the cycles; nil waits on the wall clock.
func NewLoop(engine Engine, cfg Config, wait operation.Waiter, logger logging.Logger) *Loop {
	l := &Loop{
		engine: engine,
		slice:  DefaultSlice,
		wait:   wait,
		logger: logger,
	}
	if cfg.SliceMs > 0 {
		l.slice = time.Duration(cfg.SliceMs) * time.Millisecond
	}
	if l.wait == nil {
		l.wait = operation.ContextWait
	}
	return l
}

// Submit queues cmd for the next cycle, replacing any command not yet taken.
func (l *Loop) Submit(cmd command.Command) bool {
	if !l.inbox.Submit(cmd) {
		l.logger.Warnw("dropping invalid command", "command", int32(cmd))
		return false
	}
	return true
}

// Reconfigure hands new tunables to the engine at the start of the next cycle.
func (l *Loop) Reconfigure(tun avoidance.Tunables) {
	l.pending.Store(&tun)
}

// Cycles returns how many cycles have completed.
func (l *Loop) Cycles() uint64 {
	return l.cycles.Load()
}

// Running reports whether Run is in progress.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Cycle runs one iteration without pausing afterwards. It returns false once a shutdown
// command has been taken.
func (l *Loop) Cycle(ctx context.Context) bool {
	defer l.cycles.Inc()

	if cmd := l.inbox.Take(); cmd != command.Invalid {
		if cmd == command.Shutdown {
			l.logger.Info("shutdown command received")
			return false
		}
		if !l.engine.Handle(ctx, cmd) {
			l.logger.Debugw("command not applied", "command", cmd.String())
		}
	}
	if tun := l.pending.Swap(nil); tun != nil {
		l.engine.Reconfigure(*tun)
	}
	l.engine.Step(ctx)
	return true
}

// Run cycles until ctx is done or a shutdown command arrives. The engine is shut down on every
// way out, a panic included, which stops the motors.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("control loop already running")
	}
	defer l.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("control loop panicked: %v", r)
			l.logger.Errorw("control loop panicked", "panic", r)
		}
		l.engine.Shutdown(context.WithoutCancel(ctx))
		l.logger.Infow("control loop stopped", "cycles", l.Cycles())
	}()

	l.logger.Infow("running control loop", "slice", l.slice)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.Cycle(ctx) {
			return ErrShutdown
		}
		if !l.wait(ctx, l.slice) {
			return ctx.Err()
		}
	}
}
