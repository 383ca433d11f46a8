// Package host declares the capabilities the call tracer consumes from the
// interpreter it is attached to. Implementations live with the runtime
// bindings; internal/simhost provides a simulated one.
package host

import "errors"

// Event is the kind of profiling event a runtime reports to a Profiler.
type Event uint8

const (
	EventCall Event = iota
	EventException
	EventLine
	EventReturn
	EventCCall
	EventCException
	EventCReturn
	EventOpcode
)

func (e Event) String() string {
	switch e {
	case EventCall:
		return "call"
	case EventException:
		return "exception"
	case EventLine:
		return "line"
	case EventReturn:
		return "return"
	case EventCCall:
		return "c_call"
	case EventCException:
		return "c_exception"
	case EventCReturn:
		return "c_return"
	case EventOpcode:
		return "opcode"
	default:
		return "unknown"
	}
}

type (
	// CodeID identifies a compiled function body for the lifetime of the runtime.
	CodeID uint64

	// ObjectRef is an opaque handle to a runtime object. The zero value is nil.
	ObjectRef uint64

	// Location is the source location of an instruction in a code object.
	Location struct {
		Line     int
		Filename string
		Funcname string
	}
)

// ErrUnresolved is returned by Resolve when no location is known.
var ErrUnresolved = errors.New("host: location not resolved")

// Frame is an activation record of managed code.
type Frame interface {
	Code() CodeID
	// Lasti is the offset of the last executed instruction, -1 before the
	// first instruction ran.
	Lasti() int
	// Back returns the calling frame, or nil for the outermost one.
	Back() Frame
	// Local fetches one named local binding of the frame.
	Local(name string) (ObjectRef, bool)
}

// Thread is a runtime thread able to execute managed code.
type Thread interface {
	ID() uint64
	// Frame returns the innermost frame currently executing on the thread.
	Frame() Frame
}

// Profiler receives profiling events synchronously on the thread that
// produced them.
type Profiler interface {
	Profile(frame Frame, what Event, arg ObjectRef)
}

// Runtime exposes the interpreter services used to attach a Profiler to
// every thread and to describe what was recorded.
//
// Callers must hold the runtime's execution lock (its GIL) while using a
// Runtime; implementations do not synchronize these methods themselves.
type Runtime interface {
	// Threads lists the live threads.
	Threads() []Thread
	CurrentThread() Thread
	// SwapThread makes t the current thread and returns the previous one.
	SwapThread(t Thread) Thread
	// SetProfile installs p on the current thread. A nil p uninstalls.
	SetProfile(p Profiler)

	Resolve(code CodeID, lasti int) (Location, error)

	IncRef(obj ObjectRef)
	DecRef(obj ObjectRef)
	TypeName(obj ObjectRef) string
	Repr(obj ObjectRef) string
}
