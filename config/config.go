// Package config defines the robot's JSON configuration, its defaults and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.smars.dev/robot/components/base/wheeled"
	"go.smars.dev/robot/components/motor/gpio"
	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/robot/control"
	"go.smars.dev/robot/services/avoidance"
	"go.smars.dev/robot/services/route"
)

// Board models.
const (
	// ModelLinux drives real pins through the host's GPIO driver.
	ModelLinux = "linux"
	// ModelSimulated is an in-memory board wired to a simulated room.
	ModelSimulated = "simulated"
	// ModelFake is an in-memory board that never echoes.
	ModelFake = "fake"
)

// DefaultName is the name of a robot whose config does not give one.
const DefaultName = "PicoSMARS"

// Default pins of the SMARS wiring.
const (
	DefaultTriggerPin    = "GPIO17"
	DefaultEchoPin       = "GPIO16"
	DefaultLeftForward   = "GPIO18"
	DefaultLeftBackward  = "GPIO19"
	DefaultRightForward  = "GPIO20"
	DefaultRightBackward = "GPIO21"
)

// Defaults of the outer surfaces.
const (
	DefaultWebAddress       = ":8080"
	DefaultMQTTPrefix       = "smars"
	DefaultStatusIntervalMs = 1000
)

// A Config describes the whole robot.
type Config struct {
	ConfigFilePath string `json:"-"`

	Name      string            `json:"name,omitempty"`
	Board     BoardConfig       `json:"board"`
	Sensor    ultrasonic.Config `json:"sensor"`
	Motors    gpio.BankConfig   `json:"motors"`
	Drive     wheeled.Config    `json:"drive"`
	Avoidance avoidance.Config  `json:"avoidance"`
	Route     route.Config      `json:"route"`
	Loop      control.Config    `json:"loop"`
	Web       WebConfig         `json:"web"`
	MQTT      MQTTConfig        `json:"mqtt"`
	Jobs      []JobConfig       `json:"jobs,omitempty"`
	Log       LogConfig         `json:"log"`
	Autostart AutostartConfig   `json:"autostart"`
}

// BoardConfig selects the board implementation.
type BoardConfig struct {
	Model string `json:"model"`
	// FailPins makes a fake board refuse these pins. Used to rehearse wiring faults.
	FailPins []string `json:"fail_pins,omitempty"`
	// StartCm and Seed shape the simulated room.
	StartCm float64 `json:"start_cm,omitempty"`
	Seed    int64   `json:"seed,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *BoardConfig) Validate(path string) error {
	switch conf.Model {
	case ModelLinux, ModelSimulated, ModelFake:
	case "":
		return errors.Errorf("%s: field %q is required", path, "model")
	default:
		return errors.Errorf("%s: unknown board model %q", path, conf.Model)
	}
	if conf.StartCm < 0 {
		return errors.Errorf("%s: start_cm cannot be negative", path)
	}
	return nil
}

// WebConfig configures the HTTP command surface.
type WebConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Address  string `json:"address,omitempty"`
}

// MQTTConfig configures the MQTT bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker           string `json:"broker,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Prefix           string `json:"prefix,omitempty"`
	StatusIntervalMs int    `json:"status_interval_ms,omitempty"`
}

// Enabled reports whether a broker is configured.
func (conf *MQTTConfig) Enabled() bool {
	return conf.Broker != ""
}

// StatusInterval is how often status is published.
func (conf *MQTTConfig) StatusInterval() time.Duration {
	return time.Duration(conf.StatusIntervalMs) * time.Millisecond
}

// Validate ensures all parts of the config are valid.
func (conf *MQTTConfig) Validate(path string) error {
	if !conf.Enabled() {
		return nil
	}
	if !strings.Contains(conf.Broker, "://") {
		return errors.Errorf("%s: broker %q must be a URL such as tcp://host:1883", path, conf.Broker)
	}
	if strings.ContainsAny(conf.Prefix, "#+") {
		return errors.Errorf("%s: prefix cannot contain wildcards", path)
	}
	if conf.StatusIntervalMs < 0 {
		return errors.Errorf("%s: status_interval_ms cannot be negative", path)
	}
	return nil
}

// Job kinds.
const (
	JobLogStatus = "log_status"
	JobSelfCheck = "self_check"
)

// A JobConfig schedules a periodic housekeeping job. Schedule is a Go duration such as "30s" or
// a cron expression.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Job      string `json:"job"`
}

// Validate ensures all parts of the config are valid.
func (conf *JobConfig) Validate(path string) error {
	if conf.Name == "" {
		return errors.Errorf("%s: field %q is required", path, "name")
	}
	if conf.Schedule == "" {
		return errors.Errorf("%s: field %q is required", path, "schedule")
	}
	switch conf.Job {
	case JobLogStatus, JobSelfCheck:
	default:
		return errors.Errorf("%s: unknown job %q", path, conf.Job)
	}
	return nil
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `json:"level,omitempty"`
	File      string `json:"file,omitempty"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *LogConfig) Validate(path string) error {
	if _, err := logging.LevelFromString(conf.Level); err != nil {
		return errors.Wrap(err, path)
	}
	if conf.MaxSizeMB < 0 {
		return errors.Errorf("%s: max_size_mb cannot be negative", path)
	}
	return nil
}

// AutostartConfig sets what the robot does as soon as it is up.
type AutostartConfig struct {
	Autonomous bool `json:"autonomous,omitempty"`
}

// ApplyDefaults fills in every unset field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Board.Model == "" {
		c.Board.Model = ModelLinux
	}
	setDefault(&c.Sensor.TriggerPin, DefaultTriggerPin)
	setDefault(&c.Sensor.EchoPin, DefaultEchoPin)
	setDefault(&c.Motors.Left.Forward, DefaultLeftForward)
	setDefault(&c.Motors.Left.Backward, DefaultLeftBackward)
	setDefault(&c.Motors.Right.Forward, DefaultRightForward)
	setDefault(&c.Motors.Right.Backward, DefaultRightBackward)
	setDefault(&c.Web.Address, DefaultWebAddress)
	setDefault(&c.MQTT.Prefix, DefaultMQTTPrefix)
	if c.MQTT.StatusIntervalMs == 0 {
		c.MQTT.StatusIntervalMs = DefaultStatusIntervalMs
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate returns an error naming the first invalid field.
func (c *Config) Validate() error {
	if err := c.Board.Validate("board"); err != nil {
		return err
	}
	if err := c.Sensor.Validate("sensor"); err != nil {
		return err
	}
	if err := c.Motors.Validate("motors"); err != nil {
		return err
	}
	if err := c.Drive.Validate("drive"); err != nil {
		return err
	}
	if err := c.Avoidance.Validate("avoidance"); err != nil {
		return err
	}
	if err := c.Route.Validate("route"); err != nil {
		return err
	}
	if err := c.Loop.Validate("loop"); err != nil {
		return err
	}
	if err := c.MQTT.Validate("mqtt"); err != nil {
		return err
	}
	if err := c.Log.Validate("log"); err != nil {
		return err
	}
	seen := map[string]bool{}
	for idx := range c.Jobs {
		if err := c.Jobs[idx].Validate(jobPath(idx)); err != nil {
			return err
		}
		if seen[c.Jobs[idx].Name] {
			return errors.Errorf("%s: duplicate job name %q", jobPath(idx), c.Jobs[idx].Name)
		}
		seen[c.Jobs[idx].Name] = true
	}
	return c.checkPinConflicts()
}

func jobPath(idx int) string {
	return fmt.Sprintf("jobs.%d", idx)
}

// checkPinConflicts rejects configs that put two roles on one pin.
func (c *Config) checkPinConflicts() error {
	roles := []struct{ role, pin string }{
		{"sensor.trigger_pin", c.Sensor.TriggerPin},
		{"sensor.echo_pin", c.Sensor.EchoPin},
		{"motors.left.forward", c.Motors.Left.Forward},
		{"motors.left.backward", c.Motors.Left.Backward},
		{"motors.left.pwm", c.Motors.Left.PWM},
		{"motors.right.forward", c.Motors.Right.Forward},
		{"motors.right.backward", c.Motors.Right.Backward},
		{"motors.right.pwm", c.Motors.Right.PWM},
	}
	used := map[string]string{}
	for _, r := range roles {
		if r.pin == "" {
			continue
		}
		if other, ok := used[r.pin]; ok {
			return errors.Errorf("%s: pin %q is already used by %s", r.role, r.pin, other)
		}
		used[r.pin] = r.role
	}
	return nil
}
