// Package operation provides the asynchronous operation primitive the update
// lifecycle is built on. An operation is created, started once, and reaches
// exactly one terminal state. Completion callbacks run exactly once, after
// the terminal state has been recorded.
package operation

import (
	"context"
	"sync"
)

type State int

const (
	Created State = iota
	Running
	Finished
	FinishedWithError
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case FinishedWithError:
		return "FINISHED_WITH_ERROR"
	default:
		return "INVALID STATE"
	}
}

func (s State) terminal() bool {
	return s == Finished || s == FinishedWithError
}

// StartFunc does the work of an operation. It must eventually call one of
// SetFinished, SetFinishedWithError or Fail on op, either before returning
// or later from any goroutine.
type StartFunc func(op *Operation)

type Operation struct {
	name  string
	start StartFunc

	mu        sync.Mutex
	state     State
	err       *Error
	result    string
	callbacks []func(*Operation)
	done      chan struct{}
}

// New creates an operation in the Created state.
func New(name string, start StartFunc) *Operation {
	return &Operation{
		name:  name,
		start: start,
		state: Created,
		done:  make(chan struct{}),
	}
}

// Failure returns a started operation that has already failed.
func Failure(kind Kind, format string, args ...interface{}) *Operation {
	err := Errorf(kind, format, args...)

	return New("failure", func(op *Operation) {
		op.Fail(err)
	}).Start()
}

// Success returns a started operation that has already finished with the
// given result.
func Success(result string) *Operation {
	return New("success", func(op *Operation) {
		op.SetResult(result)
		op.SetFinished()
	}).Start()
}

func (o *Operation) Name() string {
	return o.name
}

// Start runs the operation. Only the first call has an effect, so starting
// an operation that is already running or finished is harmless.
func (o *Operation) Start() *Operation {
	o.mu.Lock()
	if o.state != Created {
		o.mu.Unlock()
		return o
	}
	o.state = Running
	o.mu.Unlock()

	o.start(o)

	return o
}

// SetResult stores the operation's result. It is ignored once the
// operation has reached a terminal state.
func (o *Operation) SetResult(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.terminal() {
		return
	}

	o.result = result
}

func (o *Operation) SetFinished() bool {
	return o.finish(nil)
}

func (o *Operation) SetFinishedWithError(kind Kind, format string, args ...interface{}) bool {
	return o.finish(Errorf(kind, format, args...))
}

// Fail finishes the operation with err. Errors without a kind are reported
// as FailedRequest.
func (o *Operation) Fail(err error) bool {
	if err == nil {
		err = Errorf(FailedRequest, "")
	}

	return o.finish(Wrap(FailedRequest, err))
}

// finish records the terminal state and runs the callbacks. It reports
// false when the operation was not running.
func (o *Operation) finish(err *Error) bool {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return false
	}

	if err != nil {
		o.state = FinishedWithError
		o.err = err
	} else {
		o.state = Finished
	}

	callbacks := o.callbacks
	o.callbacks = nil
	close(o.done)
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb(o)
	}

	return true
}

// OnFinished registers cb to run once the operation is finished. When the
// operation has already finished, cb runs right away.
func (o *Operation) OnFinished(cb func(*Operation)) {
	o.mu.Lock()
	if !o.state.terminal() {
		o.callbacks = append(o.callbacks, cb)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	cb(o)
}

func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

func (o *Operation) IsFinished() bool {
	return o.State().terminal()
}

func (o *Operation) IsError() bool {
	return o.State() == FinishedWithError
}

// Err returns the failure of the operation, or nil.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err == nil {
		return nil
	}

	return o.err
}

// Error returns the failure of the operation as *Error, or nil.
func (o *Operation) Error() *Error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.err
}

func (o *Operation) Result() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.result
}

// Done is closed when the operation reaches a terminal state.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes or ctx is done. Giving up on the
// wait does not affect the operation.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
