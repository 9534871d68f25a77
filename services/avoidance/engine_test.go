package avoidance

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"go.smars.dev/robot/components/base/wheeled"
	"go.smars.dev/robot/components/board/fake"
	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/motor/gpio"
	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/operation"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/services/route"
)

// recordingDrive logs every maneuver before passing it to the real drive.
type recordingDrive struct {
	*wheeled.Drive
	calls   []string
	failing error
}

func (r *recordingDrive) Move(ctx context.Context, dir motor.Direction, duration time.Duration) error {
	if duration > 0 {
		r.calls = append(r.calls, fmt.Sprintf("%s %s", dir, duration))
	} else {
		r.calls = append(r.calls, dir.String())
	}
	if r.failing != nil {
		return r.failing
	}
	return r.Drive.Move(ctx, dir, duration)
}

func (r *recordingDrive) Stop(ctx context.Context) error {
	r.calls = append(r.calls, "stop")
	return r.Drive.Stop(ctx)
}

func (r *recordingDrive) take() []string {
	calls := r.calls
	r.calls = nil
	return calls
}

type harness struct {
	e     *Engine
	board *fake.Board
	echo  *fake.EchoPin
	clk   *clock.Mock
	drive *recordingDrive
	logs  *observer.ObservedLogs
	tun   Tunables
}

func newHarness(t *testing.T, tun Tunables, continuous bool) *harness {
	t.Helper()
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	mockClock := clock.NewMock()

	b := fake.NewBoard(fake.Config{}, logger)
	bank, err := gpio.NewBank(ctx, b, gpio.BankConfig{
		Left:  gpio.ChannelConfig{Forward: "lf", Backward: "lb"},
		Right: gpio.ChannelConfig{Forward: "rf", Backward: "rb"},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	sensor, err := ultrasonic.NewFromBoard(ctx, b, ultrasonic.Config{TriggerPin: "trig", EchoPin: "echo"}, logger)
	test.That(t, err, test.ShouldBeNil)

	drive := &recordingDrive{Drive: wheeled.New(bank, wheeled.Config{}, operation.ClockWait(mockClock), logger)}
	e := New(sensor, drive, route.NewProgram(route.Config{}), tun, continuous, mockClock, logger.Sublogger("avoidance"))
	return &harness{e: e, board: b, echo: b.EchoPins["echo"], clk: mockClock, drive: drive, logs: logs, tun: tun}
}

func (h *harness) pins() [4]bool {
	return [4]bool{
		h.board.GPIOPins["lf"].High(), h.board.GPIOPins["lb"].High(),
		h.board.GPIOPins["rf"].High(), h.board.GPIOPins["rb"].High(),
	}
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	h.clk.Add(h.tun.Debounce + time.Millisecond)
	test.That(t, h.e.Step(context.Background()), test.ShouldBeTrue)
}

func (h *harness) autonomous(t *testing.T) {
	t.Helper()
	test.That(t, h.e.Handle(context.Background(), command.ToggleMode), test.ShouldBeTrue)
	test.That(t, h.e.Status().Mode, test.ShouldEqual, ModeAutonomous)
	h.drive.take()
}

var (
	forwardPins = [4]bool{true, false, true, false}
	stoppedPins = [4]bool{}
)

func TestAvoidanceScript(t *testing.T) {
	tun := DefaultTunables()
	h := newHarness(t, tun, true)
	h.autonomous(t)
	h.echo.ScriptDistances(50, 50, 8, 8, 50)

	for i, expected := range []struct {
		calls []string
		state State
		label string
		pins  [4]bool
	}{
		{[]string{"forward"}, StateDrivingForward, LabelForwardAuto, forwardPins},
		{[]string{"forward"}, StateDrivingForward, LabelForwardAuto, forwardPins},
		{[]string{"stop", "backward 1s"}, StateBacking, LabelBackingAvoid, stoppedPins},
		{[]string{"right 1s"}, StateTurning, "Turning Right - Avoiding Obstacle", stoppedPins},
		{[]string{"forward"}, StateDrivingForward, LabelForwardAuto, forwardPins},
	} {
		h.step(t)
		status := h.e.Status()
		test.That(t, h.drive.take(), test.ShouldResemble, expected.calls)
		test.That(t, status.State, test.ShouldEqual, expected.state)
		test.That(t, status.Movement.Label, test.ShouldEqual, expected.label)
		test.That(t, h.pins(), test.ShouldResemble, expected.pins)
		test.That(t, status.Distance.Valid(), test.ShouldBeTrue)
		if i == 2 {
			test.That(t, status.Distance.Centimeters(), test.ShouldAlmostEqual, 8, 0.01)
		}
	}
	test.That(t, h.logs.FilterMessage("obstacle detected").Len(), test.ShouldEqual, 1)
}

func TestClearPathKeepsDrivingForward(t *testing.T) {
	h := newHarness(t, DefaultTunables(), true)
	h.autonomous(t)
	h.echo.ScriptDistances(50, 60, 70)

	h.step(t)
	since := h.e.Status().Movement.Since
	for i := 0; i < 3; i++ {
		if i > 0 {
			h.step(t)
		}
		status := h.e.Status()
		test.That(t, h.drive.take(), test.ShouldResemble, []string{"forward"})
		test.That(t, status.State, test.ShouldEqual, StateDrivingForward)
		test.That(t, status.Movement.Label, test.ShouldEqual, LabelForwardAuto)
		test.That(t, status.Movement.Since, test.ShouldEqual, since)
		test.That(t, h.pins(), test.ShouldResemble, forwardPins)
	}
}

func TestExtendedTurn(t *testing.T) {
	tun := DefaultTunables()
	tun.TurnPolicy = FixedTurn(motor.Left)
	h := newHarness(t, tun, true)
	h.autonomous(t)
	h.echo.ScriptDistances(50, 5, 5, 5, 7, 40)

	expected := [][]string{
		{"forward"},
		{"stop", "backward 1s"},
		{"left 1s"},
		{"left 500ms"},
		{"left 500ms"},
		{"forward"},
	}
	for _, calls := range expected {
		h.step(t)
		test.That(t, h.drive.take(), test.ShouldResemble, calls)
	}
	test.That(t, h.e.Status().State, test.ShouldEqual, StateDrivingForward)
}

func TestDebounce(t *testing.T) {
	ctx := context.Background()
	tun := DefaultTunables()
	tun.Debounce = 200 * time.Millisecond
	h := newHarness(t, tun, true)
	h.autonomous(t)
	h.echo.ScriptDistances(50, 5, 5)

	test.That(t, h.e.Step(ctx), test.ShouldBeTrue)
	test.That(t, h.drive.take(), test.ShouldResemble, []string{"forward"})

	h.clk.Add(50 * time.Millisecond)
	test.That(t, h.e.Step(ctx), test.ShouldBeFalse)
	test.That(t, h.drive.take(), test.ShouldBeEmpty)
	test.That(t, h.echo.Calls(), test.ShouldEqual, 1)
	test.That(t, h.e.Status().State, test.ShouldEqual, StateDrivingForward)

	h.clk.Add(200 * time.Millisecond)
	test.That(t, h.e.Step(ctx), test.ShouldBeTrue)
	test.That(t, h.drive.take(), test.ShouldResemble, []string{"stop", "backward 1s"})
	test.That(t, h.echo.Calls(), test.ShouldEqual, 2)
}

func TestNoReading(t *testing.T) {
	t.Run("error policy stops even from driving forward", func(t *testing.T) {
		h := newHarness(t, DefaultTunables(), true)
		h.autonomous(t)
		h.echo.ScriptDistances(50, -1, -1, 50)

		h.step(t)
		test.That(t, h.pins(), test.ShouldResemble, forwardPins)
		h.drive.take()

		for i := 0; i < 2; i++ {
			h.step(t)
			status := h.e.Status()
			test.That(t, h.drive.take(), test.ShouldResemble, []string{"stop"})
			test.That(t, status.State, test.ShouldEqual, StateError)
			test.That(t, status.Movement.Label, test.ShouldEqual, LabelSensorFailed)
			test.That(t, status.Distance.Valid(), test.ShouldBeFalse)
			test.That(t, h.pins(), test.ShouldResemble, stoppedPins)
		}
		test.That(t, h.logs.FilterMessage("sensor reading failed, stopping").Len(), test.ShouldEqual, 1)

		h.step(t)
		test.That(t, h.drive.take(), test.ShouldResemble, []string{"forward"})
		test.That(t, h.e.Status().State, test.ShouldEqual, StateDrivingForward)
	})

	t.Run("obstacle policy backs away", func(t *testing.T) {
		tun := DefaultTunables()
		tun.NoReading = NoReadingObstacle
		h := newHarness(t, tun, true)
		h.autonomous(t)
		h.echo.ScriptDistances(50, -1)

		h.step(t)
		h.drive.take()
		h.step(t)
		test.That(t, h.drive.take(), test.ShouldResemble, []string{"stop", "backward 1s"})
		test.That(t, h.e.Status().State, test.ShouldEqual, StateBacking)
	})
}

func TestModeToggle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultTunables(), true)

	test.That(t, h.e.Handle(ctx, command.Forward), test.ShouldBeTrue)
	test.That(t, h.pins(), test.ShouldResemble, forwardPins)
	test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, LabelForward)

	test.That(t, h.e.Handle(ctx, command.ToggleMode), test.ShouldBeTrue)
	status := h.e.Status()
	test.That(t, status.Mode, test.ShouldEqual, ModeAutonomous)
	test.That(t, status.Movement.Label, test.ShouldEqual, LabelStopped)
	test.That(t, h.pins(), test.ShouldResemble, stoppedPins)

	h.echo.ScriptDistances(60)
	h.step(t)
	test.That(t, h.pins(), test.ShouldResemble, forwardPins)

	test.That(t, h.e.Handle(ctx, command.ToggleMode), test.ShouldBeTrue)
	label, mode, continuous := h.e.MovementState()
	test.That(t, label, test.ShouldEqual, LabelStopped)
	test.That(t, mode, test.ShouldEqual, ModeManual)
	test.That(t, continuous, test.ShouldBeTrue)
	test.That(t, h.pins(), test.ShouldResemble, stoppedPins)
	test.That(t, h.e.Status().State, test.ShouldEqual, StateIdle)
}

func TestAutonomousIgnoresManualCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultTunables(), true)
	h.autonomous(t)
	h.echo.ScriptDistances(50)
	h.step(t)
	h.drive.take()

	for _, cmd := range []command.Command{
		command.Forward, command.Backward, command.Left, command.Right,
		command.ToggleContinuous, command.SpeedUp, command.RouteAddLeft, command.RoutePlay,
	} {
		test.That(t, h.e.Handle(ctx, cmd), test.ShouldBeFalse)
	}
	test.That(t, h.drive.take(), test.ShouldBeEmpty)
	test.That(t, h.pins(), test.ShouldResemble, forwardPins)
	test.That(t, h.e.Status().Continuous, test.ShouldBeTrue)
	test.That(t, h.e.Status().Speed, test.ShouldEqual, motor.DefaultSpeed)

	test.That(t, h.e.Handle(ctx, command.Stop), test.ShouldBeTrue)
	status := h.e.Status()
	test.That(t, status.Mode, test.ShouldEqual, ModeManual)
	test.That(t, status.Movement.Label, test.ShouldEqual, LabelStopped)
	test.That(t, h.pins(), test.ShouldResemble, stoppedPins)
}

func TestManualControl(t *testing.T) {
	ctx := context.Background()

	t.Run("continuous", func(t *testing.T) {
		h := newHarness(t, DefaultTunables(), true)
		for _, tc := range []struct {
			cmd   command.Command
			label string
			pins  [4]bool
		}{
			{command.Forward, LabelForward, forwardPins},
			{command.Backward, LabelBackward, [4]bool{false, true, false, true}},
			{command.Left, LabelTurningLeft, [4]bool{false, true, true, false}},
			{command.Right, LabelTurningRight, [4]bool{true, false, false, true}},
			{command.Stop, LabelStopped, stoppedPins},
		} {
			test.That(t, h.e.Handle(ctx, tc.cmd), test.ShouldBeTrue)
			test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, tc.label)
			test.That(t, h.pins(), test.ShouldResemble, tc.pins)
		}
	})

	t.Run("single step", func(t *testing.T) {
		h := newHarness(t, DefaultTunables(), false)
		start := h.clk.Now()
		test.That(t, h.e.Handle(ctx, command.Left), test.ShouldBeTrue)
		test.That(t, h.drive.take(), test.ShouldResemble, []string{"left 500ms"})
		test.That(t, h.clk.Since(start), test.ShouldEqual, 500*time.Millisecond)
		test.That(t, h.pins(), test.ShouldResemble, stoppedPins)
		test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, LabelTurningLeft)

		test.That(t, h.e.Handle(ctx, command.ToggleContinuous), test.ShouldBeTrue)
		test.That(t, h.e.Status().Continuous, test.ShouldBeTrue)
		test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, LabelStopped)
		test.That(t, h.e.Handle(ctx, command.Forward), test.ShouldBeTrue)
		test.That(t, h.pins(), test.ShouldResemble, forwardPins)
	})

	t.Run("speed", func(t *testing.T) {
		h := newHarness(t, DefaultTunables(), true)
		test.That(t, h.e.Handle(ctx, command.SpeedUp), test.ShouldBeTrue)
		test.That(t, h.e.Status().Speed, test.ShouldEqual, motor.Speed(60))
		for i := 0; i < 10; i++ {
			h.e.Handle(ctx, command.SpeedDown)
		}
		test.That(t, h.e.Status().Speed, test.ShouldEqual, motor.MinSpeed)
	})

	t.Run("manual mode only refreshes the distance", func(t *testing.T) {
		h := newHarness(t, DefaultTunables(), true)
		h.echo.ScriptDistances(4)
		h.step(t)
		test.That(t, h.drive.take(), test.ShouldBeEmpty)
		status := h.e.Status()
		test.That(t, status.Distance.Centimeters(), test.ShouldAlmostEqual, 4, 0.01)
		test.That(t, status.State, test.ShouldEqual, StateIdle)
	})
}

func TestRoutePlayback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultTunables(), true)

	test.That(t, h.e.Handle(ctx, command.RoutePlay), test.ShouldBeFalse)
	for _, cmd := range []command.Command{command.RouteAddForward, command.RouteAddLeft, command.RouteAddRight} {
		test.That(t, h.e.Handle(ctx, cmd), test.ShouldBeTrue)
	}
	test.That(t, h.e.Status().Route, test.ShouldEqual, "forward -> left -> right")
	test.That(t, h.e.Handle(ctx, command.RoutePlay), test.ShouldBeTrue)
	test.That(t, h.e.Status().RoutePlaying, test.ShouldBeTrue)

	for _, expected := range []struct {
		call  string
		label string
	}{
		{"forward 500ms", "Route - forward"},
		{"left 600ms", "Route - left"},
		{"right 600ms", "Route - right"},
	} {
		h.step(t)
		test.That(t, h.drive.take(), test.ShouldResemble, []string{expected.call})
		test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, expected.label)
		test.That(t, IsRouteLabel(expected.label), test.ShouldBeTrue)
	}
	h.step(t)
	test.That(t, h.drive.take(), test.ShouldBeEmpty)
	test.That(t, h.e.Status().Movement.Label, test.ShouldEqual, LabelStopped)
	test.That(t, h.e.Status().RoutePlaying, test.ShouldBeFalse)

	t.Run("a manual command cancels playback", func(t *testing.T) {
		test.That(t, h.e.Handle(ctx, command.RoutePlay), test.ShouldBeTrue)
		h.step(t)
		h.drive.take()
		test.That(t, h.e.Handle(ctx, command.Backward), test.ShouldBeTrue)
		test.That(t, h.e.Status().RoutePlaying, test.ShouldBeFalse)
		h.step(t)
		test.That(t, h.drive.take(), test.ShouldResemble, []string{"backward"})
	})

	test.That(t, h.e.Handle(ctx, command.RouteClear), test.ShouldBeTrue)
	test.That(t, h.e.Status().Route, test.ShouldEqual, "empty")
}

func TestManeuverFailure(t *testing.T) {
	h := newHarness(t, DefaultTunables(), true)
	h.autonomous(t)
	h.drive.failing = errors.New("bridge fault")
	h.echo.ScriptDistances(50)
	h.step(t)
	status := h.e.Status()
	test.That(t, status.State, test.ShouldEqual, StateIdle)
	test.That(t, status.Movement.Label, test.ShouldEqual, LabelStopped)
	test.That(t, h.logs.FilterMessage("maneuver failed").Len(), test.ShouldEqual, 1)
}

func TestReconfigureAndShutdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultTunables(), true)
	h.autonomous(t)

	tun := DefaultTunables()
	tun.ThresholdCm = 30
	tun.Backup = 300 * time.Millisecond
	h.e.Reconfigure(tun)
	h.tun = tun
	test.That(t, h.e.Status().ThresholdCm, test.ShouldEqual, 30.)
	test.That(t, h.e.Tunables().Backup, test.ShouldEqual, 300*time.Millisecond)

	h.echo.ScriptDistances(20)
	h.step(t)
	test.That(t, h.drive.take(), test.ShouldResemble, []string{"stop", "backward 300ms"})

	h.e.Shutdown(ctx)
	status := h.e.Status()
	test.That(t, status.Mode, test.ShouldEqual, ModeManual)
	test.That(t, status.Movement.Label, test.ShouldEqual, LabelStopped)
	test.That(t, h.pins(), test.ShouldResemble, stoppedPins)
}

func TestMovementStateStale(t *testing.T) {
	h := newHarness(t, DefaultTunables(), true)
	since := h.e.Status().Movement.Since
	h.e.Handle(context.Background(), command.Stop)
	test.That(t, h.e.Status().Movement.Since, test.ShouldEqual, since)

	h.clk.Add(2 * time.Second)
	ms := h.e.Status().Movement
	test.That(t, ms.Stale(h.clk.Now(), time.Second), test.ShouldBeTrue)
	test.That(t, ms.Stale(h.clk.Now(), 5*time.Second), test.ShouldBeFalse)
}

func TestTurnPolicies(t *testing.T) {
	test.That(t, FixedTurn(motor.Left).Next(), test.ShouldEqual, motor.Left)
	test.That(t, FixedTurn(motor.Forward).Next(), test.ShouldEqual, motor.Right)

	random := RandomTurn(rand.New(rand.NewSource(7)))
	seen := map[motor.Direction]bool{}
	for i := 0; i < 64; i++ {
		seen[random.Next()] = true
	}
	test.That(t, seen, test.ShouldResemble, map[motor.Direction]bool{motor.Left: true, motor.Right: true})

	for _, name := range []string{"", "right", "left", "random"} {
		_, err := ParseTurnPolicy(name, 1)
		test.That(t, err, test.ShouldBeNil)
	}
	_, err := ParseTurnPolicy("spin", 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfig(t *testing.T) {
	cfg := Config{}
	test.That(t, cfg.Validate("avoidance"), test.ShouldBeNil)
	tun, err := cfg.Tunables()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tun.ThresholdCm, test.ShouldEqual, 10.)
	test.That(t, tun.Debounce, test.ShouldEqual, 100*time.Millisecond)
	test.That(t, tun.NoReading, test.ShouldEqual, NoReadingError)
	test.That(t, tun.TurnPolicy.Next(), test.ShouldEqual, motor.Right)
	test.That(t, cfg.StartContinuous(), test.ShouldBeTrue)

	off := false
	cfg = Config{ThresholdCm: 25, BackupMs: 300, NoReading: "obstacle", TurnPolicy: "left", Continuous: &off}
	tun, err = cfg.Tunables()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tun.ThresholdCm, test.ShouldEqual, 25.)
	test.That(t, tun.Backup, test.ShouldEqual, 300*time.Millisecond)
	test.That(t, tun.NoReading, test.ShouldEqual, NoReadingObstacle)
	test.That(t, tun.TurnPolicy.Next(), test.ShouldEqual, motor.Left)
	test.That(t, cfg.StartContinuous(), test.ShouldBeFalse)

	for _, bad := range []Config{
		{ThresholdCm: -1},
		{TurnMs: -5},
		{NoReading: "panic"},
		{TurnPolicy: "up"},
	} {
		test.That(t, bad.Validate("avoidance"), test.ShouldNotBeNil)
	}
}

func TestStatusReport(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := Status{
		Distance:   ultrasonic.Centimeters(8.3),
		Movement:   MovementState{Label: LabelBackingAvoid, Since: since},
		Mode:       ModeAutonomous,
		State:      StateBacking,
		Speed:      motor.DefaultSpeed,
		Continuous: true,
		Route:      "F L",
	}
	rep := st.Report("PicoSMARS")
	test.That(t, rep.Name, test.ShouldEqual, "PicoSMARS")
	test.That(t, *rep.DistanceCm, test.ShouldEqual, 8.3)
	test.That(t, rep.Distance, test.ShouldEqual, "8.3")
	test.That(t, rep.Movement, test.ShouldEqual, LabelBackingAvoid)
	test.That(t, rep.MovementSince, test.ShouldEqual, since)
	test.That(t, rep.Mode, test.ShouldEqual, "autonomous")
	test.That(t, rep.State, test.ShouldEqual, "backing")
	test.That(t, rep.Speed, test.ShouldEqual, 50)
	test.That(t, rep.Route, test.ShouldEqual, "F L")

	st.Distance = ultrasonic.NoReading
	rep = st.Report("")
	test.That(t, rep.DistanceCm, test.ShouldBeNil)
	test.That(t, rep.Distance, test.ShouldEqual, "Error")
}
