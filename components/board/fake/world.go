package fake

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"go.smars.dev/robot/logging"
)

// WorldConfig names the pins a simulated robot is wired to.
type WorldConfig struct {
	LeftForward   string
	LeftBackward  string
	RightForward  string
	RightBackward string
	Echo          string

	// StartCm is the distance to the obstacle ahead at start. Zero means 50.
	StartCm float64
	// Seed feeds the sensor noise and the open space found after a turn.
	Seed int64
}

const (
	worldMinCm      = 5.
	worldMaxCm      = 100.
	worldCmPerSec   = 20.
	worldTurnToOpen = 300 * time.Millisecond
)

// A World is a simulated room. The obstacle ahead gets closer while both tracks drive forward,
// further while both reverse, and a long enough pivot faces the robot towards new open space.
type World struct {
	mu       sync.Mutex
	clk      clock.Clock
	rng      *rand.Rand
	pins     [4]*GPIOPin
	distance float64
	motion   motion
	since    time.Time
	turned   time.Duration
}

type motion int

const (
	still motion = iota
	ahead
	reverse
	pivot
)

// NewSimulatedBoard returns a fake board whose echo pin reports the distance to a simulated
// obstacle that reacts to the motor pins.
func NewSimulatedBoard(conf WorldConfig, clk clock.Clock, logger logging.Logger) *Board {
	b := NewBoard(Config{}, logger)
	start := conf.StartCm
	if start == 0 {
		start = 50
	}
	w := &World{
		clk:      clk,
		rng:      rand.New(rand.NewSource(conf.Seed)), //nolint:gosec
		distance: start,
		since:    clk.Now(),
	}

	b.mu.Lock()
	b.world = w
	for i, name := range []string{conf.LeftForward, conf.LeftBackward, conf.RightForward, conf.RightBackward} {
		w.pins[i] = b.gpioPin(name)
	}
	echo := &EchoPin{Source: w.echo}
	b.EchoPins[conf.Echo] = echo
	b.mu.Unlock()

	logger.Infow("simulating robot", "start_cm", start)
	return b
}

// Distance returns the true distance to the obstacle ahead.
func (w *World) Distance() float64 {
	w.update()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.distance
}

func (w *World) echo(ctx context.Context) (time.Duration, error) {
	w.update()
	w.mu.Lock()
	defer w.mu.Unlock()
	noisy := w.distance + (w.rng.Float64()-0.5)*2
	if noisy < worldMinCm {
		noisy = worldMinCm
	}
	return WidthForDistance(noisy), nil
}

// update integrates the motion since the last pin change and picks up the new one.
func (w *World) update() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	elapsed := now.Sub(w.since)
	w.since = now

	moved := worldCmPerSec * elapsed.Seconds()
	switch w.motion {
	case ahead:
		w.distance -= moved
	case reverse:
		w.distance += moved
	case pivot:
		w.turned += elapsed
		if w.turned >= worldTurnToOpen {
			w.distance = worldMinCm*6 + w.rng.Float64()*(worldMaxCm-worldMinCm*6)
			w.turned = 0
		}
	case still:
	}
	if w.distance < worldMinCm {
		w.distance = worldMinCm
	}
	if w.distance > worldMaxCm {
		w.distance = worldMaxCm
	}

	next := w.currentMotion()
	if next != pivot {
		w.turned = 0
	}
	w.motion = next
}

// expects the lock to be held.
func (w *World) currentMotion() motion {
	var on [4]bool
	for i, p := range w.pins {
		if p == nil {
			continue
		}
		p.mu.Lock()
		on[i] = p.high
		p.mu.Unlock()
	}
	leftFwd, leftRev, rightFwd, rightRev := on[0], on[1], on[2], on[3]
	switch {
	case leftFwd && rightFwd:
		return ahead
	case leftRev && rightRev:
		return reverse
	case (leftFwd && rightRev) || (leftRev && rightFwd):
		return pivot
	default:
		return still
	}
}
