package avoidance

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/services/route"
)

// An Engine decides, one cycle at a time, what the robot does. Everything but Status belongs to
// the goroutine running the control loop.
type Engine struct {
	sensor  Ranger
	drive   Driver
	program *route.Program
	clk     clock.Clock
	logger  logging.Logger

	tun        Tunables
	limiter    *rate.Limiter
	mode       Mode
	state      State
	continuous bool
	lastTurn   motor.Direction
	distance   ultrasonic.Distance
	movement   MovementState
	routing    bool

	status atomic.Pointer[Status]
}

// New returns an engine in manual mode with the motors assumed stopped.
func New(
	sensor Ranger,
	drive Driver,
	program *route.Program,
	tun Tunables,
	continuous bool,
	clk clock.Clock,
	logger logging.Logger,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if program == nil {
		program = route.NewProgram(route.Config{})
	}
	e := &Engine{
		sensor:     sensor,
		drive:      drive,
		program:    program,
		clk:        clk,
		logger:     logger,
		continuous: continuous,
		lastTurn:   motor.Right,
		distance:   ultrasonic.NoReading,
		movement:   MovementState{Label: LabelStopped, Since: clk.Now()},
	}
	e.applyTunables(tun)
	e.publish()
	return e
}

func (e *Engine) applyTunables(tun Tunables) {
	defaults := DefaultTunables()
	if tun.TurnPolicy == nil {
		tun.TurnPolicy = defaults.TurnPolicy
	}
	if tun.ThresholdCm <= 0 {
		tun.ThresholdCm = defaults.ThresholdCm
	}
	e.tun = tun
	e.resetLimiter()
}

func (e *Engine) resetLimiter() {
	limit := rate.Inf
	if e.tun.Debounce > 0 {
		limit = rate.Every(e.tun.Debounce)
	}
	e.limiter = rate.NewLimiter(limit, 1)
}

// Reconfigure swaps in new tunables. The state machine keeps its state.
func (e *Engine) Reconfigure(tun Tunables) {
	e.applyTunables(tun)
	e.logger.Infow("reconfigured",
		"threshold_cm", e.tun.ThresholdCm,
		"debounce", e.tun.Debounce,
		"backup", e.tun.Backup,
		"turn", e.tun.Turn,
	)
	e.publish()
}

// Tunables returns the tunables in use.
func (e *Engine) Tunables() Tunables {
	return e.tun
}

// Step runs one decision cycle. It returns false when the cycle came too soon after the last
// one and did nothing, not even a sensor read.
func (e *Engine) Step(ctx context.Context) bool {
	if !e.limiter.AllowN(e.clk.Now(), 1) {
		return false
	}
	defer e.publish()

	if e.mode == ModeManual {
		e.distance = e.sensor.Distance(ctx)
		e.playRoute(ctx)
		return true
	}
	e.autonomousStep(ctx)
	return true
}

func (e *Engine) autonomousStep(ctx context.Context) {
	d := e.sensor.Distance(ctx)
	e.distance = d

	var blocked bool
	if d.Valid() {
		blocked = d.Centimeters() < e.tun.ThresholdCm
	} else {
		if e.tun.NoReading == NoReadingError {
			e.enterError(ctx)
			return
		}
		blocked = true
	}

	switch e.state {
	case StateBacking:
		e.lastTurn = e.tun.TurnPolicy.Next()
		e.maneuver(ctx, e.lastTurn, e.tun.Turn, StateTurning, turnLabel(e.lastTurn, true))
	case StateTurning:
		if blocked {
			e.logger.Debugw("path still blocked, turning more", "distance_cm", d.Centimeters())
			e.maneuver(ctx, e.lastTurn, e.tun.ExtendedTurn, StateTurning, turnLabel(e.lastTurn, true))
			return
		}
		e.maneuver(ctx, motor.Forward, 0, StateDrivingForward, LabelForwardAuto)
	case StateIdle, StateDrivingForward, StateError:
		if blocked {
			e.logger.Infow("obstacle detected", "distance", d.String(), "threshold_cm", e.tun.ThresholdCm)
			if err := e.drive.Stop(ctx); err != nil {
				e.logger.Errorw("failed to stop", "error", err)
			}
			e.maneuver(ctx, motor.Backward, e.tun.Backup, StateBacking, LabelBackingAvoid)
			return
		}
		e.maneuver(ctx, motor.Forward, 0, StateDrivingForward, LabelForwardAuto)
	}
}

func (e *Engine) enterError(ctx context.Context) {
	if err := e.drive.Stop(ctx); err != nil {
		e.logger.Errorw("failed to stop", "error", err)
	}
	if e.state != StateError {
		e.logger.Warn("sensor reading failed, stopping")
	}
	e.state = StateError
	e.setLabel(LabelSensorFailed)
}

// maneuver moves the robot and moves the state machine along. A failed maneuver has already
// stopped the motors; the robot is then treated as idle so the next cycle decides afresh.
func (e *Engine) maneuver(ctx context.Context, dir motor.Direction, dur time.Duration, next State, label string) {
	e.setLabel(label)
	if err := e.drive.Move(ctx, dir, dur); err != nil {
		e.logger.Errorw("maneuver failed", "direction", dir.String(), "error", err)
		e.setLabel(LabelStopped)
		e.state = StateIdle
		return
	}
	e.state = next
}

func (e *Engine) playRoute(ctx context.Context) {
	step, ok := e.program.Next()
	if !ok {
		if e.routing {
			e.routing = false
			e.setLabel(LabelStopped)
			e.logger.Info("route finished")
		}
		return
	}
	e.routing = true
	e.setLabel(routeLabelPrefix + step.String())
	dir := motor.Forward
	switch step {
	case route.StepLeft:
		dir = motor.Left
	case route.StepRight:
		dir = motor.Right
	case route.StepForward:
	}
	if err := e.drive.Move(ctx, dir, e.program.Duration(step)); err != nil {
		e.logger.Errorw("route step failed, abandoning route", "step", step.String(), "error", err)
		e.program.Cancel()
		e.routing = false
		e.setLabel(LabelStopped)
	}
}

// Handle applies an operator command. Mode toggles and stops are always honored; everything else
// is ignored in autonomous mode. It returns whether the command was applied.
func (e *Engine) Handle(ctx context.Context, cmd command.Command) bool {
	defer e.publish()

	switch cmd {
	case command.ToggleMode:
		e.stop(ctx)
		if e.mode == ModeManual {
			e.mode = ModeAutonomous
		} else {
			e.mode = ModeManual
		}
		e.state = StateIdle
		e.resetLimiter()
		e.logger.Infow("mode changed", "mode", e.mode.String())
		return true
	case command.Stop:
		e.stop(ctx)
		if e.mode == ModeAutonomous {
			e.mode = ModeManual
			e.logger.Infow("stopped by operator, leaving autonomous mode")
		}
		e.state = StateIdle
		return true
	default:
	}

	if e.mode == ModeAutonomous {
		e.logger.Debugw("ignoring command in autonomous mode", "command", cmd.String())
		return false
	}

	switch cmd {
	case command.Forward:
		e.manual(ctx, motor.Forward, LabelForward)
	case command.Backward:
		e.manual(ctx, motor.Backward, LabelBackward)
	case command.Left:
		e.manual(ctx, motor.Left, turnLabel(motor.Left, false))
	case command.Right:
		e.manual(ctx, motor.Right, turnLabel(motor.Right, false))
	case command.ToggleContinuous:
		e.continuous = !e.continuous
		e.stop(ctx)
		e.logger.Infow("movement mode changed", "continuous", e.continuous)
	case command.SpeedUp:
		e.logger.Infow("speed changed", "speed", e.drive.SetSpeed(int(e.drive.Speed())+speedStep))
	case command.SpeedDown:
		e.logger.Infow("speed changed", "speed", e.drive.SetSpeed(int(e.drive.Speed())-speedStep))
	case command.RouteAddForward, command.RouteAddLeft, command.RouteAddRight:
		step := map[command.Command]route.Step{
			command.RouteAddForward: route.StepForward,
			command.RouteAddLeft:    route.StepLeft,
			command.RouteAddRight:   route.StepRight,
		}[cmd]
		if err := e.program.Add(step); err != nil {
			e.logger.Warnw("cannot add route step", "step", step.String(), "error", err)
			return false
		}
	case command.RouteClear:
		e.program.Clear()
	case command.RoutePlay:
		if err := e.program.Play(); err != nil {
			e.logger.Warnw("cannot play route", "error", err)
			return false
		}
		e.logger.Infow("playing route", "route", e.program.String())
	default:
		return false
	}
	return true
}

func (e *Engine) manual(ctx context.Context, dir motor.Direction, label string) {
	e.program.Cancel()
	e.routing = false
	var dur time.Duration
	if !e.continuous {
		dur = e.tun.ManualStep
	}
	e.setLabel(label)
	if err := e.drive.Move(ctx, dir, dur); err != nil {
		e.logger.Errorw("manual maneuver failed", "direction", dir.String(), "error", err)
		e.setLabel(LabelStopped)
	}
}

func (e *Engine) stop(ctx context.Context) {
	e.program.Cancel()
	e.routing = false
	if err := e.drive.Stop(ctx); err != nil {
		e.logger.Errorw("failed to stop", "error", err)
	}
	e.setLabel(LabelStopped)
}

// Shutdown stops the motors and returns to manual mode.
func (e *Engine) Shutdown(ctx context.Context) {
	e.stop(ctx)
	e.mode = ModeManual
	e.state = StateIdle
	e.publish()
}

func (e *Engine) setLabel(label string) {
	if e.movement.Label == label {
		return
	}
	e.movement = MovementState{Label: label, Since: e.clk.Now()}
}

func (e *Engine) publish() {
	e.status.Store(&Status{
		Distance:     e.distance,
		Movement:     e.movement,
		Mode:         e.mode,
		Continuous:   e.continuous,
		State:        e.state,
		Speed:        e.drive.Speed(),
		ThresholdCm:  e.tun.ThresholdCm,
		RoutePlaying: e.program.Playing(),
		Route:        e.program.String(),
	})
}

// Status returns the latest published snapshot. It is safe to call from any goroutine.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// MovementState returns the current label, mode and movement sub-mode.
func (e *Engine) MovementState() (label string, mode Mode, continuous bool) {
	s := e.Status()
	return s.Movement.Label, s.Mode, s.Continuous
}

// IsRouteLabel reports whether label was set by route playback.
func IsRouteLabel(label string) bool {
	return strings.HasPrefix(label, routeLabelPrefix)
}
