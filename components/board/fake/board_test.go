package fake

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/logging"
)

func TestFakeBoard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	b := NewBoard(Config{FailPins: []string{"bad"}}, logger)

	p, err := b.GPIOPinByName("11")
	test.That(t, err, test.ShouldBeNil)
	again, err := b.GPIOPinByName("11")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldEqual, p)

	test.That(t, p.Set(context.Background(), true), test.ShouldBeNil)
	high, err := p.Get(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeTrue)
	test.That(t, b.GPIOPins["11"].SetCount(), test.ShouldEqual, 1)

	test.That(t, p.SetPWM(context.Background(), 0.4), test.ShouldBeNil)
	duty, err := p.PWM(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, duty, test.ShouldAlmostEqual, 0.4)

	_, err = b.GPIOPinByName("bad")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.EchoPinByName("bad")
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	test.That(t, b.CloseCount, test.ShouldEqual, 1)
}

func TestEchoPin(t *testing.T) {
	ctx := context.Background()
	ep := &EchoPin{}

	t.Run("empty script times out", func(t *testing.T) {
		_, err := ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, board.IsPulseTimeout(err), test.ShouldBeTrue)
	})

	t.Run("scripted pulses replay in order", func(t *testing.T) {
		ep.Script(Pulse{Width: time.Millisecond}, Pulse{Err: errors.New("bus error")}, Pulse{Width: time.Second})
		width, err := ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, width, test.ShouldEqual, time.Millisecond)

		_, err = ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, err, test.ShouldBeError, errors.New("bus error"))

		_, err = ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, board.IsPulseTimeout(err), test.ShouldBeTrue)
	})

	t.Run("distances", func(t *testing.T) {
		ep.ScriptDistances(17.15, -1)
		width, err := ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, width, test.ShouldEqual, time.Millisecond)
		_, err = ep.PulseWidth(ctx, true, 30*time.Millisecond)
		test.That(t, board.IsPulseTimeout(err), test.ShouldBeTrue)
	})

	t.Run("canceled context", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ep.PulseWidth(cancelCtx, true, 30*time.Millisecond)
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
	test.That(t, ep.Calls(), test.ShouldEqual, 7)
}

func TestSimulatedWorld(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	mockClock := clock.NewMock()
	conf := WorldConfig{LeftForward: "lf", LeftBackward: "lb", RightForward: "rf", RightBackward: "rb", Echo: "echo"}
	b := NewSimulatedBoard(conf, mockClock, logger)
	w := b.World()
	test.That(t, w, test.ShouldNotBeNil)
	test.That(t, w.Distance(), test.ShouldEqual, 50.)

	pin := func(name string) board.GPIOPin {
		p, err := b.GPIOPinByName(name)
		test.That(t, err, test.ShouldBeNil)
		return p
	}

	test.That(t, pin("lf").Set(ctx, true), test.ShouldBeNil)
	test.That(t, pin("rf").Set(ctx, true), test.ShouldBeNil)
	mockClock.Add(time.Second)
	test.That(t, w.Distance(), test.ShouldAlmostEqual, 30.)

	mockClock.Add(10 * time.Second)
	test.That(t, w.Distance(), test.ShouldEqual, worldMinCm)

	test.That(t, pin("lf").Set(ctx, false), test.ShouldBeNil)
	test.That(t, pin("rf").Set(ctx, false), test.ShouldBeNil)
	test.That(t, pin("lb").Set(ctx, true), test.ShouldBeNil)
	test.That(t, pin("rb").Set(ctx, true), test.ShouldBeNil)
	mockClock.Add(500 * time.Millisecond)
	test.That(t, w.Distance(), test.ShouldAlmostEqual, 15.)

	test.That(t, pin("lb").Set(ctx, false), test.ShouldBeNil)
	test.That(t, pin("lf").Set(ctx, true), test.ShouldBeNil)
	mockClock.Add(time.Second)
	test.That(t, w.Distance(), test.ShouldBeGreaterThanOrEqualTo, 30.)

	echo, err := b.EchoPinByName("echo")
	test.That(t, err, test.ShouldBeNil)
	width, err := echo.PulseWidth(ctx, true, 30*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, width, test.ShouldBeGreaterThan, WidthForDistance(worldMinCm*6-1))
}
