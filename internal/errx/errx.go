// Package errx helps packages build on top of a small set of sentinel
// errors while attaching formatted, call-site-specific context.
//
// The convention used throughout this module: each package declares its
// sentinels as plain `errors.New` values (ErrXxx), and wraps them with
// errx.With or errx.Wrap so that callers can still errors.Is(err, ErrXxx)
// while getting a human-readable message.
package errx

import "fmt"

// With formats msg/args and attaches it to sentinel, preserving
// errors.Is(result, sentinel).
func With(sentinel error, format string, args ...any) error {
	if len(args) == 0 && format == "" {
		return sentinel
	}
	return &wrapped{sentinel: sentinel, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause's message to sentinel, preserving errors.Is against
// both sentinel and cause.
func Wrap(sentinel error, cause error) error {
	return &wrapped{sentinel: sentinel, msg: cause.Error(), cause: cause}
}

type wrapped struct {
	sentinel error
	msg      string
	cause    error
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.sentinel.Error()
	}
	return w.sentinel.Error() + ": " + w.msg
}

// Unwrap lets errors.Is/As see both the sentinel and, if present, the
// original cause.
func (w *wrapped) Unwrap() []error {
	if w.cause != nil {
		return []error{w.sentinel, w.cause}
	}
	return []error{w.sentinel}
}
