package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/config"
	"go.smars.dev/robot/robot"
	"go.smars.dev/robot/robot/command"
)

const (
	defaultMeasureInterval = 500 * time.Millisecond
	defaultSelftestStep    = time.Second
)

// withRobot builds a robot from the command's config, runs fn and closes the robot.
func withRobot(c *cli.Context, fn func(r *robot.Robot) error) (err error) {
	base := bootstrapLogger(c)
	cfg, err := loadConfig(c, base)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(c, cfg, base)
	r, err := robot.New(c.Context, cfg, logger.Sublogger("robot"))
	if err != nil {
		return multierr.Combine(err, closeLog())
	}
	defer func() {
		err = multierr.Combine(err, r.Close(context.Background()), closeLog())
	}()
	return fn(r)
}

// A Summary describes a series of range readings. Readings with no echo are only counted.
type Summary struct {
	Count     int
	Missing   int
	Min       float64
	Max       float64
	Mean      float64
	Median    float64
	StdDevCm  float64
	HasValues bool
}

// Summarize describes readings.
func Summarize(readings []ultrasonic.Distance) (Summary, error) {
	s := Summary{Count: len(readings)}
	var data stats.Float64Data
	for _, d := range readings {
		if !d.Valid() {
			s.Missing++
			continue
		}
		data = append(data, d.Centimeters())
	}
	if len(data) == 0 {
		return s, nil
	}
	s.HasValues = true
	var errs [5]error
	s.Min, errs[0] = data.Min()
	s.Max, errs[1] = data.Max()
	s.Mean, errs[2] = data.Mean()
	s.Median, errs[3] = data.Median()
	s.StdDevCm, errs[4] = data.StandardDeviation()
	return s, multierr.Combine(errs[:]...)
}

// MeasureAction prints a series of range readings and their summary.
func MeasureAction(c *cli.Context) error {
	count := c.Int(measureFlagCount)
	if count <= 0 {
		return errors.Errorf("--%s must be positive", measureFlagCount)
	}
	return withRobot(c, func(r *robot.Robot) error {
		printf(c.App.Writer, "Taking %d readings from %s...", count, r.Name())
		readings, err := r.Measure(c.Context, count, c.Duration(measureFlagInterval))
		for i, d := range readings {
			if d.Valid() {
				printf(c.App.Writer, "Reading %d: %s", i+1, okColor.Sprintf("%s cm", d))
			} else {
				printf(c.App.Writer, "Reading %d: %s", i+1, failColor.Sprint("no reading"))
			}
		}
		if err != nil {
			return err
		}
		summary, err := Summarize(readings)
		if err != nil {
			return err
		}
		if !summary.HasValues {
			warningf(c.App.Writer, "no echo in %d readings, check the sensor wiring", summary.Count)
			return nil
		}
		printf(c.App.Writer, "min %.1f cm, max %.1f cm, mean %.1f cm, median %.1f cm, stddev %.2f cm, missing %d/%d",
			summary.Min, summary.Max, summary.Mean, summary.Median, summary.StdDevCm, summary.Missing, summary.Count)
		return nil
	})
}

// SelftestAction drives each direction briefly, takes one reading and prints a table of the
// results. It fails if any maneuver failed.
func SelftestAction(c *cli.Context) error {
	return withRobot(c, func(r *robot.Robot) error {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"#", "Check", "Result"})
		row := 0
		result := func(err error) string {
			if err != nil {
				return failColor.Sprint(err.Error())
			}
			return okColor.Sprint("ok")
		}

		readings, err := r.Measure(c.Context, 1, 0)
		if err != nil {
			return err
		}
		row++
		if readings[0].Valid() {
			t.AppendRow(table.Row{row, "range sensor", okColor.Sprintf("%s cm", readings[0])})
		} else {
			t.AppendRow(table.Row{row, "range sensor", warningColor.Sprint("no reading")})
		}

		err = r.TestMovements(c.Context, c.Duration(selftestFlagStep), func(dir motor.Direction, err error) {
			row++
			t.AppendRow(table.Row{row, fmt.Sprintf("drive %s", dir), result(err)})
		})
		printf(c.App.Writer, "%s", t.Render())
		return err
	})
}

// SchemaAction prints the JSON schema of the config file.
func SchemaAction(c *cli.Context) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", schema)
	return nil
}

// CheckConfigAction validates the config and prints it with every default filled in.
func CheckConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c, bootstrapLogger(c))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// CommandsAction lists the accepted command names.
func CommandsAction(c *cli.Context) error {
	for _, name := range command.Names() {
		printf(c.App.Writer, "%s", name)
	}
	return nil
}
