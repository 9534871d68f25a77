// Package command defines the decoded external commands the robot accepts.
package command

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"
)

// A Command is one operator request.
type Command int32

// Invalid is the zero value so an empty inbox slot never holds a real command.
const (
	Invalid Command = iota
	Forward
	Backward
	Left
	Right
	Stop
	ToggleMode
	ToggleContinuous
	SpeedUp
	SpeedDown
	RouteAddForward
	RouteAddLeft
	RouteAddRight
	RouteClear
	RoutePlay
	Shutdown
)

// names holds the canonical name first, then accepted aliases.
var names = map[Command][]string{
	Forward:          {"forward"},
	Backward:         {"backward", "back", "reverse"},
	Left:             {"left"},
	Right:            {"right"},
	Stop:             {"stop"},
	ToggleMode:       {"toggleauto", "auto", "autonomous"},
	ToggleContinuous: {"togglemode", "continuous"},
	SpeedUp:          {"speedup", "faster"},
	SpeedDown:        {"speeddown", "slower"},
	RouteAddForward:  {"add_forward"},
	RouteAddLeft:     {"add_left"},
	RouteAddRight:    {"add_right"},
	RouteClear:       {"clear"},
	RoutePlay:        {"play"},
	Shutdown:         {"shutdown"},
}

var byName = func() map[string]Command {
	m := map[string]Command{}
	for cmd, aliases := range names {
		for _, alias := range aliases {
			m[alias] = cmd
		}
	}
	return m
}()

// Parse decodes a command name. Names are case insensitive and may carry the leading slash and
// trailing question mark of the original web buttons, e.g. "/toggleauto?".
func Parse(s string) (Command, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "/"), "?")
	cmd, ok := byName[s]
	if !ok {
		return Invalid, false
	}
	return cmd, true
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	_, ok := names[c]
	return ok
}

func (c Command) String() string {
	aliases, ok := names[c]
	if !ok {
		return "invalid"
	}
	return aliases[0]
}

// Names returns the canonical name of every command in command order.
func Names() []string {
	cmds := lo.Keys(names)
	slices.Sort(cmds)
	return lo.Map(cmds, func(c Command, _ int) string { return c.String() })
}
