// Package calltrace records every call and return of an interpreted runtime
// with minimal overhead and rebuilds the nested call tree afterwards.
//
// Capture is done by a Recorder installed as the profile hook of each traced
// thread. It appends fixed-size RawEvents to one log and memoizes the source
// location of every call site the first time it is seen. After the session
// stopped, Events replays the log with one stack per thread and produces a
// forest of TraceEvents.
//
// The host's hook table is process wide, so the package keeps one Recorder
// reached through Init and Default. StartCapture, StopCapture, ClearCapture
// and GetEvents serialize on a session lock and, when the runtime implements
// sync.Locker, also hold the runtime's execution lock.
package calltrace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/getsentry/calltracer/internal/host"
)

var ErrNotInitialized = fmt.Errorf("%w: call tracer is not initialized", ErrPrecondition)

var (
	sessionMu       sync.Mutex
	defaultRecorder *Recorder
)

// Init creates the process wide recorder. It may be called again only while
// no session state is held.
func Init(rt host.Runtime, cfg Config) error {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if r := defaultRecorder; r != nil && (r.active || len(r.contexts) > 0) {
		return fmt.Errorf("%w: call tracer holds session state, clear it first", ErrPrecondition)
	}
	r, err := NewRecorder(rt, cfg)
	if err != nil {
		return err
	}
	defaultRecorder = r
	return nil
}

// Default returns the recorder created by Init, or nil.
func Default() *Recorder {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return defaultRecorder
}

func withRecorder(fn func(r *Recorder) error) error {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	r := defaultRecorder
	if r == nil {
		return ErrNotInitialized
	}
	if l, ok := r.rt.(sync.Locker); ok {
		l.Lock()
		defer l.Unlock()
	}
	return fn(r)
}

// StartCapture starts a session on at most threadLimit threads.
func StartCapture(threadLimit int) error {
	return withRecorder(func(r *Recorder) error {
		return r.Start(threadLimit)
	})
}

func StopCapture() error {
	return withRecorder(func(r *Recorder) error {
		return r.Stop()
	})
}

func ClearCapture() error {
	return withRecorder(func(r *Recorder) error {
		return r.Clear()
	})
}

// GetEvents replays the last session.
func GetEvents() ([]TraceEvent, error) {
	var events []TraceEvent
	err := withRecorder(func(r *Recorder) error {
		var err error
		events, err = r.Events()
		return err
	})
	return events, err
}

// CaptureWarnings returns the warnings of the last StartCapture.
func CaptureWarnings() []error {
	var warnings []error
	_ = withRecorder(func(r *Recorder) error {
		warnings = append(warnings, r.Warnings()...)
		return nil
	})
	return warnings
}

// IsPrecondition reports whether err is a session state violation.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
