// Package operation tracks the one maneuver the drive is running so that a newer maneuver, or a
// shutdown, can cancel it.
package operation

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/utils"
)

// A Waiter blocks for dur and returns true, or returns false early if ctx is done.
type Waiter func(ctx context.Context, dur time.Duration) bool

// ContextWait waits on the wall clock.
func ContextWait(ctx context.Context, dur time.Duration) bool {
	return utils.SelectContextOrWait(ctx, dur)
}

// ClockWait waits on clk. A mock clock is advanced by dur instead, so tests that drive the robot
// never sleep.
func ClockWait(clk clock.Clock) Waiter {
	if mock, ok := clk.(*clock.Mock); ok {
		return func(ctx context.Context, dur time.Duration) bool {
			if ctx.Err() != nil {
				return false
			}
			mock.Add(dur)
			return ctx.Err() == nil
		}
	}
	return func(ctx context.Context, dur time.Duration) bool {
		if dur <= 0 {
			return ctx.Err() == nil
		}
		timer := clk.Timer(dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
}

// SingleOperationManager ensures only 1 operation is happening a time.
// An operation can be nested, so if there is already an operation in progress,
// it can have sub-operations without an issue.
type SingleOperationManager struct {
	// Wait is used by NewTimedWaitOp. Nil means ContextWait.
	Wait Waiter

	mu        sync.Mutex
	currentOp *anOp
}

// CancelRunning cancels the current operation unless it's mine.
func (sm *SingleOperationManager) CancelRunning(ctx context.Context) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelInLock(ctx)
}

// OpRunning returns if there is a current operation.
func (sm *SingleOperationManager) OpRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentOp != nil
}

type somCtxKey byte

const somCtxKeySingleOp = somCtxKey(iota)

// New creates a new operation, cancels previous, returns a new context and function to call when done.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	// handle nested ops
	if ctx.Value(somCtxKeySingleOp) != nil {
		return ctx, func() {}
	}

	sm.mu.Lock()

	// first cancel any old operation
	sm.cancelInLock(ctx)

	theOp := &anOp{}

	ctx = context.WithValue(ctx, somCtxKeySingleOp, theOp)

	theOp.ctx, theOp.cancelFunc = context.WithCancel(ctx)
	sm.currentOp = theOp
	sm.mu.Unlock()

	return theOp.ctx, func() {
		theOp.cancelFunc()
		sm.mu.Lock()
		if theOp == sm.currentOp {
			sm.currentOp = nil
		}
		sm.mu.Unlock()
	}
}

// NewTimedWaitOp returns true if it finished, false if cancelled.
// If there are other operations pending, this will cancel them.
func (sm *SingleOperationManager) NewTimedWaitOp(ctx context.Context, dur time.Duration) bool {
	ctx, finish := sm.New(ctx)
	defer finish()

	wait := sm.Wait
	if wait == nil {
		wait = ContextWait
	}
	return wait(ctx, dur)
}

func (sm *SingleOperationManager) cancelInLock(ctx context.Context) {
	myOp := ctx.Value(somCtxKeySingleOp)
	op := sm.currentOp

	if op == nil || myOp == op {
		return
	}

	op.cancelFunc()

	sm.currentOp = nil
}

type anOp struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
}
