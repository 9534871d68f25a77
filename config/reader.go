package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"go.smars.dev/robot/logging"
)

// Environment variables that override the config file.
const (
	EnvWebAddress = "SMARS_WEB_ADDRESS"
	EnvMQTTBroker = "SMARS_MQTT_BROKER"
	EnvBoardModel = "SMARS_BOARD_MODEL"
	EnvLogLevel   = "SMARS_LOG_LEVEL"
)

// Read reads a config from the given file. A .env file next to it is loaded first, then
// ${VAR} references in the file are expanded and the SMARS_* variables override what the file
// says.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(filePath), ".env")); err != nil {
		return nil, err
	}
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", filePath)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, errors.Errorf("config %q is empty", filePath)
	}
	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from. The config is JSON5, so it may
// carry comments and trailing commas.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	cfg := Config{ConfigFilePath: originalPath}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read config")
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		if err := json5.Unmarshal(buf, &cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to decode Config from json")
		}
	}
	applyEnv(&cfg, logger)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", originalPath)
	}
	return &cfg, nil
}

// Default returns the config of a robot wired the stock way, with environment overrides.
func Default(logger logging.Logger) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := Config{}
	applyEnv(&cfg, logger)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "cannot load %q", path)
}

func applyEnv(cfg *Config, logger logging.Logger) {
	for _, override := range []struct {
		env   string
		field *string
	}{
		{EnvWebAddress, &cfg.Web.Address},
		{EnvMQTTBroker, &cfg.MQTT.Broker},
		{EnvBoardModel, &cfg.Board.Model},
		{EnvLogLevel, &cfg.Log.Level},
	} {
		if v, ok := os.LookupEnv(override.env); ok && v != "" {
			logger.Debugw("config overridden from environment", "variable", override.env)
			*override.field = v
		}
	}
}
