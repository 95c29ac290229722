// Package errkind defines the dispatcher-specific error kinds from
// SPEC_FULL.md §7. These are domain vocabulary this spec invents
// (DuplicateWorker, RemoteError, huge-task, ...) and have no stock
// equivalent in github.com/grailbio/base/errors, so they get their own
// small Kind type here, styled the same way as that package's own
// E/Is/Match trio. Transport- and programmer-error classification that
// *does* have a grailbio/base/errors equivalent (Fatal, Unavailable, Net)
// uses that package directly instead of being reinvented here.
package errkind

import "fmt"

// Kind identifies one of the terminal or retryable error conditions a
// dispatcher operation can fail with.
type Kind int

const (
	// Other is the zero value; it never appears in a well-formed Error.
	Other Kind = iota
	DuplicateWorker
	WorkerRejected
	WorkerGone
	RemoteError
	TimeoutError
	HugeTask
	DuplicateGroup
	RetryLimitExceeded
)

func (k Kind) String() string {
	switch k {
	case DuplicateWorker:
		return "DuplicateWorker"
	case WorkerRejected:
		return "WorkerRejected"
	case WorkerGone:
		return "WorkerGone"
	case RemoteError:
		return "RemoteError"
	case TimeoutError:
		return "TimeoutError"
	case HugeTask:
		return "huge-task"
	case DuplicateGroup:
		return "DuplicateGroup"
	case RetryLimitExceeded:
		return "RetryLimitExceeded"
	default:
		return "Other"
	}
}

// Error is a kinded error: a dispatcher Kind plus a human-readable
// message and, optionally, the error it wraps.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a new *Error of the given kind. Remaining args are
// formatted the same way fmt.Sprint formats its operands, except that
// an error argument is captured as the wrapped cause instead of being
// stringified.
func E(kind Kind, args ...interface{}) *Error {
	e := &Error{Kind: kind}
	var msg []interface{}
	for _, a := range args {
		if err, ok := a.(error); ok && e.Err == nil {
			e.Err = err
			continue
		}
		msg = append(msg, a)
	}
	if len(msg) > 0 {
		e.Msg = fmt.Sprint(msg...)
	}
	return e
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(kind Kind, err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Other, false
		}
		err = u.Unwrap()
	}
	return Other, false
}
