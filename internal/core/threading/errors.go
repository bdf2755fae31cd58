package threading

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned for illegal lifecycle transitions, e.g. starting a thread twice.
	ErrInvalidState = errors.New("invalid thread state")
	// ErrTimeout is returned when a thread fails to exit within the join deadline.
	ErrTimeout = errors.New("thread join timed out")
	// ErrUnhandledFault matches every FaultError.
	ErrUnhandledFault = errors.New("unhandled fault")
)

// FaultError is an error or panic that escaped a thread's frame, start hook or scheduled task.
type FaultError struct {
	Thread string
	Err    error
	Stack  []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unhandled fault on thread %s: %v", e.Thread, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

func (e *FaultError) Is(target error) bool {
	return target == ErrUnhandledFault
}

func newFault(thread string, err error) *FaultError {
	var fault *FaultError
	if errors.As(err, &fault) && fault.Thread == thread {
		return fault
	}
	fault = &FaultError{Thread: thread, Err: err}
	var p *PanicError
	if errors.As(err, &p) {
		fault.Stack = p.Stack
	}
	return fault
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FaultSink receives every unhandled fault of the threads it is attached to.
// It is called on the faulting thread, before that thread reports Exited.
type FaultSink func(fault *FaultError)
