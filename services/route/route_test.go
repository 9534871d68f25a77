package route

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestProgram(t *testing.T) {
	p := NewProgram(Config{})
	test.That(t, p.String(), test.ShouldEqual, "empty")
	test.That(t, errors.Is(p.Play(), ErrEmpty), test.ShouldBeTrue)

	for _, s := range []Step{StepForward, StepLeft, StepForward} {
		test.That(t, p.Add(s), test.ShouldBeNil)
	}
	test.That(t, p.String(), test.ShouldEqual, "forward -> left -> forward")

	_, ok := p.Next()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, p.Play(), test.ShouldBeNil)
	test.That(t, p.Playing(), test.ShouldBeTrue)
	test.That(t, p.Add(StepRight), test.ShouldNotBeNil)

	var played []Step
	for {
		s, ok := p.Next()
		if !ok {
			break
		}
		played = append(played, s)
	}
	test.That(t, played, test.ShouldResemble, []Step{StepForward, StepLeft, StepForward})
	test.That(t, p.Playing(), test.ShouldBeFalse)

	t.Run("cancel keeps the steps", func(t *testing.T) {
		test.That(t, p.Play(), test.ShouldBeNil)
		_, ok := p.Next()
		test.That(t, ok, test.ShouldBeTrue)
		p.Cancel()
		_, ok = p.Next()
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, len(p.Steps()), test.ShouldEqual, 3)
	})

	p.Clear()
	test.That(t, p.Steps(), test.ShouldBeEmpty)
}

func TestProgramLimits(t *testing.T) {
	p := NewProgram(Config{MaxSteps: 2, ForwardMs: 300, TurnMs: 450})
	test.That(t, p.Duration(StepForward), test.ShouldEqual, 300*time.Millisecond)
	test.That(t, p.Duration(StepRight), test.ShouldEqual, 450*time.Millisecond)

	test.That(t, p.Add(StepLeft), test.ShouldBeNil)
	test.That(t, p.Add(StepRight), test.ShouldBeNil)
	test.That(t, errors.Is(p.Add(StepRight), ErrFull), test.ShouldBeTrue)

	d := NewProgram(Config{})
	test.That(t, d.Duration(StepForward), test.ShouldEqual, DefaultForward)
	test.That(t, d.Duration(StepLeft), test.ShouldEqual, DefaultTurn)

	cfg := Config{TurnMs: -1}
	test.That(t, cfg.Validate("route"), test.ShouldNotBeNil)
}

func TestParseStep(t *testing.T) {
	for _, s := range []Step{StepForward, StepLeft, StepRight} {
		parsed, err := ParseStep(s.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, s)
	}
	_, err := ParseStep("backflip")
	test.That(t, err, test.ShouldNotBeNil)
}
