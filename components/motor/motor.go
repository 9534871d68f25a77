// Package motor defines the directions, channels and speeds shared by the motor bank and the
// drive controller.
package motor

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// A Direction is what a channel, or the whole robot, is doing.
// Channels only ever use Forward, Backward and Stop.
type Direction int

// The known directions.
const (
	Stop Direction = iota
	Forward
	Backward
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Stop:
		return "stop"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// ValidForChannel reports whether a single channel can be driven in d.
func (d Direction) ValidForChannel() bool {
	return d == Stop || d == Forward || d == Backward
}

// A Channel identifies one side of the robot.
type Channel int

// The two channels of the bank. A and B are the driver board's names for them.
const (
	LeftChannel Channel = iota
	RightChannel

	A = LeftChannel
	B = RightChannel
)

// Channels lists every channel in bank order.
var Channels = []Channel{LeftChannel, RightChannel}

func (c Channel) String() string {
	switch c {
	case LeftChannel:
		return "left"
	case RightChannel:
		return "right"
	default:
		return "unknown"
	}
}

// ParseChannel accepts "left"/"right" and "a"/"b".
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(s) {
	case "left", "a":
		return LeftChannel, nil
	case "right", "b":
		return RightChannel, nil
	default:
		return 0, errors.Errorf("unknown motor channel %q", s)
	}
}

// Speed is a duty cycle in whole percent.
type Speed int

// Speed bounds and the default.
const (
	MinSpeed     Speed = 0
	MaxSpeed     Speed = 100
	DefaultSpeed Speed = 50
)

// ClampSpeed forces pct into [0, 100].
func ClampSpeed(pct int) Speed {
	return Speed(lo.Clamp(pct, int(MinSpeed), int(MaxSpeed)))
}

// Duty is the speed as a fraction for a PWM pin.
func (s Speed) Duty() float64 {
	return float64(ClampSpeed(int(s))) / 100
}
