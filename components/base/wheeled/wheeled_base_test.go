package wheeled

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.smars.dev/robot/components/board/fake"
	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/motor/gpio"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/operation"
)

var bankConfig = gpio.BankConfig{
	Left:  gpio.ChannelConfig{Forward: "lf", Backward: "lb"},
	Right: gpio.ChannelConfig{Forward: "rf", Backward: "rb"},
}

type call struct {
	ch  motor.Channel
	dir motor.Direction
}

type recordingMotors struct {
	mu       sync.Mutex
	calls    []call
	stops    int
	failOn   motor.Channel
	failWith error
}

func (m *recordingMotors) SetDirection(ctx context.Context, ch motor.Channel, dir motor.Direction, speed motor.Speed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{ch, dir})
	if m.failWith != nil && ch == m.failOn {
		return m.failWith
	}
	return nil
}

func (m *recordingMotors) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *recordingMotors) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func newFakeDrive(t *testing.T, clk clock.Clock) (*Drive, *fake.Board) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	b := fake.NewBoard(fake.Config{}, logger)
	bank, err := gpio.NewBank(context.Background(), b, bankConfig, logger)
	test.That(t, err, test.ShouldBeNil)
	return New(bank, Config{}, operation.ClockWait(clk), logger), b
}

func pins(b *fake.Board) [4]bool {
	return [4]bool{b.GPIOPins["lf"].High(), b.GPIOPins["lb"].High(), b.GPIOPins["rf"].High(), b.GPIOPins["rb"].High()}
}

func TestManeuverMapping(t *testing.T) {
	ctx := context.Background()
	d, b := newFakeDrive(t, clock.NewMock())
	test.That(t, d.Current(), test.ShouldEqual, motor.Stop)
	test.That(t, d.Speed(), test.ShouldEqual, motor.DefaultSpeed)

	for _, tc := range []struct {
		name string
		move func(context.Context, time.Duration) error
		dir  motor.Direction
		pins [4]bool
	}{
		{"forward", d.Forward, motor.Forward, [4]bool{true, false, true, false}},
		{"backward", d.Backward, motor.Backward, [4]bool{false, true, false, true}},
		{"left", d.TurnLeft, motor.Left, [4]bool{false, true, true, false}},
		{"right", d.TurnRight, motor.Right, [4]bool{true, false, false, true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, tc.move(ctx, 0), test.ShouldBeNil)
			test.That(t, pins(b), test.ShouldResemble, tc.pins)
			test.That(t, d.Current(), test.ShouldEqual, tc.dir)
		})
	}

	test.That(t, d.Stop(ctx), test.ShouldBeNil)
	test.That(t, pins(b), test.ShouldResemble, [4]bool{})
	test.That(t, d.Current(), test.ShouldEqual, motor.Stop)

	test.That(t, d.Move(ctx, motor.Direction(99), 0), test.ShouldNotBeNil)
}

func TestBoundedManeuver(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock()
	d, b := newFakeDrive(t, mockClock)
	start := mockClock.Now()

	test.That(t, d.Backward(ctx, 300*time.Millisecond), test.ShouldBeNil)
	test.That(t, mockClock.Since(start), test.ShouldEqual, 300*time.Millisecond)
	test.That(t, pins(b), test.ShouldResemble, [4]bool{})
	test.That(t, d.Current(), test.ShouldEqual, motor.Stop)

	t.Run("clamped to the maximum", func(t *testing.T) {
		start := mockClock.Now()
		test.That(t, d.TurnRight(ctx, 5*time.Second), test.ShouldBeNil)
		test.That(t, mockClock.Since(start), test.ShouldEqual, DefaultMaxBounded)
		test.That(t, pins(b), test.ShouldResemble, [4]bool{})
	})
}

func TestManeuverErrorStopsAll(t *testing.T) {
	ctx := context.Background()
	m := &recordingMotors{failOn: motor.RightChannel, failWith: errors.New("driver fault")}
	d := New(m, Config{MaxBoundedMs: 200, Speed: 70}, operation.ClockWait(clock.NewMock()), logging.NewTestLogger(t))
	test.That(t, d.MaxBounded(), test.ShouldEqual, 200*time.Millisecond)
	test.That(t, d.Speed(), test.ShouldEqual, motor.Speed(70))

	err := d.TurnLeft(ctx, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "driver fault")
	test.That(t, m.stopCount(), test.ShouldEqual, 1)
	test.That(t, d.Current(), test.ShouldEqual, motor.Stop)
	test.That(t, m.calls, test.ShouldResemble, []call{
		{motor.LeftChannel, motor.Backward},
		{motor.RightChannel, motor.Forward},
	})
}

func TestInterruptedManeuver(t *testing.T) {
	logger := logging.NewTestLogger(t)
	started := make(chan struct{}, 1)
	blockingWait := func(ctx context.Context, dur time.Duration) bool {
		started <- struct{}{}
		<-ctx.Done()
		return false
	}

	t.Run("canceled context stops the motors", func(t *testing.T) {
		m := &recordingMotors{}
		d := New(m, Config{}, blockingWait, logger)
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- d.Forward(ctx, time.Second)
		}()
		<-started
		cancel()
		err := <-errCh
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		test.That(t, m.stopCount(), test.ShouldEqual, 1)
		test.That(t, d.Current(), test.ShouldEqual, motor.Stop)
	})

	t.Run("stop preempts a bounded maneuver", func(t *testing.T) {
		m := &recordingMotors{}
		d := New(m, Config{}, blockingWait, logger)
		errCh := make(chan error, 1)
		go func() {
			errCh <- d.Backward(context.Background(), time.Second)
		}()
		<-started
		test.That(t, d.Stop(context.Background()), test.ShouldBeNil)
		test.That(t, <-errCh, test.ShouldBeNil)
		test.That(t, m.stopCount(), test.ShouldEqual, 1)
		test.That(t, d.Current(), test.ShouldEqual, motor.Stop)
	})
}

func TestSpeed(t *testing.T) {
	d := New(&recordingMotors{}, Config{}, nil, logging.NewTestLogger(t))
	test.That(t, d.SetSpeed(80), test.ShouldEqual, motor.Speed(80))
	test.That(t, d.SetSpeed(180), test.ShouldEqual, motor.MaxSpeed)
	test.That(t, d.SetSpeed(-1), test.ShouldEqual, motor.MinSpeed)
	test.That(t, d.Speed(), test.ShouldEqual, motor.MinSpeed)

	cfg := Config{Speed: 101}
	test.That(t, cfg.Validate("drive"), test.ShouldNotBeNil)
	cfg = Config{MaxBoundedMs: -1}
	test.That(t, cfg.Validate("drive"), test.ShouldNotBeNil)
	cfg = Config{MaxBoundedMs: 800, Speed: 60}
	test.That(t, cfg.Validate("drive"), test.ShouldBeNil)
}
