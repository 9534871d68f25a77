package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.smars.dev/robot/config"
	"go.smars.dev/robot/logging"
)

var (
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
)

// printf prints a message with no prefix.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with a yellow "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	warningColor.Fprint(w, "Warning: ")
	printf(w, format, a...)
}

// loadConfig reads the config named by --config, or the stock config, and applies --board.
func loadConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String(generalFlagConfig); path != "" {
		cfg, err = config.Read(path, logger)
	} else {
		cfg, err = config.Default(logger)
	}
	if err != nil {
		return nil, err
	}
	if model := c.String(generalFlagBoard); model != "" {
		cfg.Board.Model = model
		if err := cfg.Board.Validate("board"); err != nil {
			return nil, errors.Wrap(err, "--board")
		}
	}
	return cfg, nil
}

// newLogger returns the process logger, leveled by the config unless --debug is set. When the
// config names a log file the returned func closes it.
func newLogger(c *cli.Context, cfg *config.Config, base logging.Logger) (logging.Logger, func() error) {
	noop := func() error { return nil }
	if c.Bool(generalFlagDebug) {
		base.SetLevel(logging.DEBUG)
	} else if level, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		base.SetLevel(level)
	}
	if cfg.Log.File == "" {
		return base, noop
	}
	file := logging.NewFileAppender(cfg.Log.File, cfg.Log.MaxSizeMB)
	base.AddAppender(file)
	return base, file.Close
}

// bootstrapLogger logs config loading before the config's own log settings are known.
func bootstrapLogger(c *cli.Context) logging.Logger {
	if c.Bool(generalFlagDebug) {
		return logging.NewDebugLogger("smars")
	}
	return logging.NewLogger("smars")
}
