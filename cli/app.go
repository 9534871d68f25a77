// Package cli implements the smars command line: running the robot, bench checks of its
// hardware and config tooling.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"
	generalFlagBoard  = "board"

	runFlagWebAddress = "web-address"
	runFlagNoWeb      = "no-web"
	runFlagAutonomous = "autonomous"

	measureFlagCount    = "count"
	measureFlagInterval = "interval"

	selftestFlagStep = "step"
)

var app = &cli.App{
	Name:            "smars",
	Usage:           "drive a SMARS robot",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  generalFlagBoard,
			Usage: "override the board model (linux, simulated or fake)",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "run",
			Usage: "run the control loop with its web, MQTT and job surfaces",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  runFlagWebAddress,
					Usage: "listen for HTTP commands on `ADDRESS`",
				},
				&cli.BoolFlag{
					Name:  runFlagNoWeb,
					Usage: "do not serve HTTP commands",
				},
				&cli.BoolFlag{
					Name:  runFlagAutonomous,
					Usage: "start in autonomous mode",
				},
			},
			Action: RunAction,
		},
		{
			Name:  "measure",
			Usage: "take range readings and summarize them",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  measureFlagCount,
					Value: 10,
					Usage: "number of readings",
				},
				&cli.DurationFlag{
					Name:  measureFlagInterval,
					Value: defaultMeasureInterval,
					Usage: "time between readings",
				},
			},
			Action: MeasureAction,
		},
		{
			Name:  "selftest",
			Usage: "briefly drive each direction and take a range reading",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  selftestFlagStep,
					Value: defaultSelftestStep,
					Usage: "how long each maneuver lasts",
				},
			},
			Action: SelftestAction,
		},
		{
			Name:            "config",
			Usage:           "work with config files",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:   "schema",
					Usage:  "print the JSON schema of the config file",
					Action: SchemaAction,
				},
				{
					Name:   "check",
					Usage:  "validate the config and print it with defaults applied",
					Action: CheckConfigAction,
				},
			},
		},
		{
			Name:   "commands",
			Usage:  "list the command names the robot accepts",
			Action: CommandsAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
