// Package skerr adds call-stack context to errors as they propagate up
// through a call chain, without discarding the original error.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
)

// stackTracer is the interface implemented by errors produced by this
// package, allowing callers to recover the original, unwrapped error.
type stackTracer interface {
	error
	Unwrap() error
}

type wrappedError struct {
	cause error
	msg   string
	trace []string
}

func (w *wrappedError) Error() string {
	s := w.msg
	if len(w.trace) > 0 {
		s += ". At"
		for _, frame := range w.trace {
			s += " " + frame
		}
	}
	return s
}

func (w *wrappedError) Unwrap() error {
	return w.cause
}

// callers returns the short file:line of up to depth stack frames, starting
// at runtime.Caller(skip): skip 0 is callers itself, 1 its caller, and so on.
func callers(skip, depth int) []string {
	if depth <= 0 {
		depth = 1
	}
	frames := make([]string, 0, depth)
	for i := 0; i < depth; i++ {
		_, file, line, ok := runtime.Caller(skip + i)
		if !ok {
			break
		}
		frames = append(frames, fmt.Sprintf("%s:%d", short(file), line))
	}
	return frames
}

func short(file string) string {
	cut := len(file)
	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' {
			return file[i+1:]
		}
	}
	return file[:cut]
}

// CallStack returns up to depth stack frames, counting skip as callers does
// (0 is callers, 1 is CallStack, 2 is the caller of CallStack), for use in
// tests that assert on call-stack shape.
func CallStack(skip, depth int) []string {
	return callers(skip, depth)
}

// Wrap annotates err with the call site. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		cause: err,
		msg:   err.Error(),
		trace: callers(2, 1),
	}
}

// Wrapf annotates err with a formatted message and the call site. Returns
// nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...) + ": " + err.Error()
	return &wrappedError{
		cause: err,
		msg:   msg,
		trace: callers(2, 1),
	}
}

// Fmt creates a new error from a format string, with the call site attached
// the same way Wrap attaches one.
func Fmt(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return &wrappedError{
		cause: err,
		msg:   err.Error(),
		trace: callers(2, 1),
	}
}

// Unwrap returns the original, innermost error wrapped by err, or err itself
// if it was not produced by this package.
func Unwrap(err error) error {
	for {
		st, ok := err.(stackTracer)
		if !ok {
			return err
		}
		cause := st.Unwrap()
		if cause == nil {
			return err
		}
		err = cause
	}
}

// Is reports whether err or any error it wraps matches target, per the
// standard errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
