// Package avoidance contains the obstacle avoidance engine: a per-cycle state machine that drives
// forward until something is close, then backs up and pivots away, plus the manual override
// that lets an operator take over.
package avoidance

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/sensor/ultrasonic"
)

// Mode describes who is driving.
type Mode uint8

// The set of known modes.
const (
	ModeManual = Mode(iota)
	ModeAutonomous
)

func (m Mode) String() string {
	if m == ModeAutonomous {
		return "autonomous"
	}
	return "manual"
}

// State is where the avoidance state machine is.
type State uint8

// The avoidance states. Idle is the state of a robot in manual mode.
const (
	StateIdle = State(iota)
	StateDrivingForward
	StateBacking
	StateTurning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDrivingForward:
		return "driving_forward"
	case StateBacking:
		return "backing"
	case StateTurning:
		return "turning"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Movement labels shown to operators.
const (
	LabelStopped      = "Stopped"
	LabelForward      = "Forward"
	LabelBackward     = "Backward"
	LabelTurningLeft  = "Turning Left"
	LabelTurningRight = "Turning Right"
	LabelForwardAuto  = "Forward - Autonomous"
	LabelBackingAvoid = "Backward - Avoiding Obstacle"
	LabelSensorFailed = "Error: Sensor Reading Failed"

	avoidingSuffix   = " - Avoiding Obstacle"
	routeLabelPrefix = "Route - "
)

const (
	defaultThresholdCm    = 10.
	defaultDebounce       = 100 * time.Millisecond
	defaultBackup         = time.Second
	defaultTurn           = time.Second
	defaultExtendedTurn   = 500 * time.Millisecond
	defaultManualStep     = 500 * time.Millisecond
	defaultTurnPolicyName = "right"
	speedStep             = 10
)

// turnLabel is "Turning Left" or "Turning Right", optionally while avoiding an obstacle.
func turnLabel(dir motor.Direction, avoiding bool) string {
	label := LabelTurningRight
	if dir == motor.Left {
		label = LabelTurningLeft
	}
	if avoiding {
		label += avoidingSuffix
	}
	return label
}

// A MovementState is the label of what the robot is doing and when that started.
type MovementState struct {
	Label string    `json:"label"`
	Since time.Time `json:"since"`
}

// Stale reports whether the label has not changed for longer than maxAge.
func (ms MovementState) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(ms.Since) > maxAge
}

// Status is a snapshot of the engine for readers outside the control loop.
type Status struct {
	Distance     ultrasonic.Distance
	Movement     MovementState
	Mode         Mode
	Continuous   bool
	State        State
	Speed        motor.Speed
	ThresholdCm  float64
	RoutePlaying bool
	Route        string
}

// A Report is the wire form of a Status, shared by the web page and the MQTT bridge.
// DistanceCm is null when the sensor had no reading.
type Report struct {
	Name          string    `json:"name,omitempty"`
	DistanceCm    *float64  `json:"distance_cm"`
	Distance      string    `json:"distance"`
	Movement      string    `json:"movement"`
	MovementSince time.Time `json:"movement_since"`
	Mode          string    `json:"mode"`
	Continuous    bool      `json:"continuous"`
	State         string    `json:"state"`
	Speed         int       `json:"speed"`
	ThresholdCm   float64   `json:"threshold_cm"`
	RoutePlaying  bool      `json:"route_playing"`
	Route         string    `json:"route"`
}

// Report converts s for the wire.
func (s Status) Report(name string) Report {
	r := Report{
		Name:          name,
		Distance:      s.Distance.String(),
		Movement:      s.Movement.Label,
		MovementSince: s.Movement.Since,
		Mode:          s.Mode.String(),
		Continuous:    s.Continuous,
		State:         s.State.String(),
		Speed:         int(s.Speed),
		ThresholdCm:   s.ThresholdCm,
		RoutePlaying:  s.RoutePlaying,
		Route:         s.Route,
	}
	if s.Distance.Valid() {
		cm := s.Distance.Centimeters()
		r.DistanceCm = &cm
	}
	return r
}

// NoReadingPolicy decides what a missing echo means in autonomous mode.
type NoReadingPolicy uint8

// The no-reading policies.
const (
	// NoReadingError stops the robot and waits for a valid reading.
	NoReadingError = NoReadingPolicy(iota)
	// NoReadingObstacle treats a missing echo as something right in front of the robot.
	NoReadingObstacle
)

// ParseNoReadingPolicy accepts "error" and "obstacle". Empty means "error".
func ParseNoReadingPolicy(s string) (NoReadingPolicy, error) {
	switch strings.ToLower(s) {
	case "", "error":
		return NoReadingError, nil
	case "obstacle":
		return NoReadingObstacle, nil
	default:
		return 0, errors.Errorf("unknown no reading policy %q", s)
	}
}

// A TurnPolicy picks which way to pivot away from an obstacle.
type TurnPolicy interface {
	Next() motor.Direction
}

type fixedTurn motor.Direction

func (f fixedTurn) Next() motor.Direction {
	return motor.Direction(f)
}

// FixedTurn always turns dir, which must be motor.Left or motor.Right.
func FixedTurn(dir motor.Direction) TurnPolicy {
	if dir != motor.Left {
		dir = motor.Right
	}
	return fixedTurn(dir)
}

type randomTurn struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *randomTurn) Next() motor.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() < 0.5 {
		return motor.Left
	}
	return motor.Right
}

// RandomTurn picks left or right with equal odds.
func RandomTurn(rng *rand.Rand) TurnPolicy {
	return &randomTurn{rng: rng}
}

// ParseTurnPolicy accepts "left", "right" and "random". Empty means "right".
func ParseTurnPolicy(s string, seed int64) (TurnPolicy, error) {
	switch strings.ToLower(s) {
	case "", defaultTurnPolicyName:
		return FixedTurn(motor.Right), nil
	case "left":
		return FixedTurn(motor.Left), nil
	case "random":
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return RandomTurn(rand.New(rand.NewSource(seed))), nil //nolint:gosec
	default:
		return nil, errors.Errorf("unknown turn policy %q", s)
	}
}

// Tunables are the knobs of the engine that can change while it runs.
type Tunables struct {
	ThresholdCm  float64
	Debounce     time.Duration
	Backup       time.Duration
	Turn         time.Duration
	ExtendedTurn time.Duration
	ManualStep   time.Duration
	NoReading    NoReadingPolicy
	TurnPolicy   TurnPolicy
}

// DefaultTunables returns the stock tuning: a 10 cm threshold, 100 ms between decisions, a one
// second back-up and turn, and fixed right turns.
func DefaultTunables() Tunables {
	return Tunables{
		ThresholdCm:  defaultThresholdCm,
		Debounce:     defaultDebounce,
		Backup:       defaultBackup,
		Turn:         defaultTurn,
		ExtendedTurn: defaultExtendedTurn,
		ManualStep:   defaultManualStep,
		NoReading:    NoReadingError,
		TurnPolicy:   FixedTurn(motor.Right),
	}
}

// Config is how you configure the engine.
type Config struct {
	ThresholdCm    float64 `json:"obstacle_threshold_cm,omitempty"`
	DebounceMs     int     `json:"debounce_ms,omitempty"`
	BackupMs       int     `json:"backup_ms,omitempty"`
	TurnMs         int     `json:"turn_ms,omitempty"`
	ExtendedTurnMs int     `json:"extended_turn_ms,omitempty"`
	ManualStepMs   int     `json:"manual_step_ms,omitempty"`
	NoReading      string  `json:"no_reading,omitempty"`
	TurnPolicy     string  `json:"turn_policy,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	// Continuous starts manual mode latched. Nil means true.
	Continuous *bool `json:"continuous,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ThresholdCm < 0 {
		return errors.Errorf("%s: obstacle_threshold_cm cannot be negative", path)
	}
	for name, ms := range map[string]int{
		"debounce_ms":      cfg.DebounceMs,
		"backup_ms":        cfg.BackupMs,
		"turn_ms":          cfg.TurnMs,
		"extended_turn_ms": cfg.ExtendedTurnMs,
		"manual_step_ms":   cfg.ManualStepMs,
	} {
		if ms < 0 {
			return errors.Errorf("%s: %s cannot be negative", path, name)
		}
	}
	if _, err := ParseNoReadingPolicy(cfg.NoReading); err != nil {
		return errors.Wrap(err, path)
	}
	if _, err := ParseTurnPolicy(cfg.TurnPolicy, cfg.Seed); err != nil {
		return errors.Wrap(err, path)
	}
	return nil
}

// StartContinuous reports whether manual mode starts latched.
func (cfg *Config) StartContinuous() bool {
	return cfg.Continuous == nil || *cfg.Continuous
}

// Tunables converts the config, filling in defaults for unset fields.
func (cfg *Config) Tunables() (Tunables, error) {
	tun := DefaultTunables()
	if cfg.ThresholdCm > 0 {
		tun.ThresholdCm = cfg.ThresholdCm
	}
	setMs := func(dst *time.Duration, ms int) {
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setMs(&tun.Debounce, cfg.DebounceMs)
	setMs(&tun.Backup, cfg.BackupMs)
	setMs(&tun.Turn, cfg.TurnMs)
	setMs(&tun.ExtendedTurn, cfg.ExtendedTurnMs)
	setMs(&tun.ManualStep, cfg.ManualStepMs)

	var err error
	if tun.NoReading, err = ParseNoReadingPolicy(cfg.NoReading); err != nil {
		return Tunables{}, err
	}
	if tun.TurnPolicy, err = ParseTurnPolicy(cfg.TurnPolicy, cfg.Seed); err != nil {
		return Tunables{}, err
	}
	return tun, nil
}

// Ranger is the range sensor as the engine sees it.
type Ranger interface {
	Distance(ctx context.Context) ultrasonic.Distance
}

// Driver is the drive controller as the engine sees it.
type Driver interface {
	Move(ctx context.Context, dir motor.Direction, duration time.Duration) error
	Stop(ctx context.Context) error
	Speed() motor.Speed
	SetSpeed(pct int) motor.Speed
}
