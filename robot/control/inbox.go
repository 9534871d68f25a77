// Package control runs the robot's cooperative control loop: one goroutine that takes at most one
// operator command per cycle and then lets the avoidance engine decide.
package control

import (
	"go.uber.org/atomic"

	"go.smars.dev/robot/robot/command"
)

// An Inbox holds at most one pending command. A newer command replaces an older one that has
// not been taken yet.
type Inbox struct {
	slot atomic.Int32
}

// Submit stores cmd for the next cycle. It reports false, and stores nothing, if cmd is not a
// known command.
func (in *Inbox) Submit(cmd command.Command) bool {
	if !cmd.Valid() {
		return false
	}
	in.slot.Store(int32(cmd))
	return true
}

// Take empties the slot and returns what was in it, or command.Invalid.
func (in *Inbox) Take() command.Command {
	return command.Command(in.slot.Swap(int32(command.Invalid)))
}

// Pending reports whether a command is waiting.
func (in *Inbox) Pending() bool {
	return in.slot.Load() != int32(command.Invalid)
}
