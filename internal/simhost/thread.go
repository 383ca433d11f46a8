package simhost

import (
	"github.com/getsentry/calltracer/internal/host"
)

// Frame is an activation record of the simulated interpreter.
type Frame struct {
	code   host.CodeID
	lasti  int
	back   *Frame
	locals map[string]host.ObjectRef
}

var _ host.Frame = (*Frame)(nil)

func (f *Frame) Code() host.CodeID { return f.code }

func (f *Frame) Lasti() int { return f.lasti }

func (f *Frame) Back() host.Frame {
	if f.back == nil {
		return nil
	}
	return f.back
}

func (f *Frame) Local(name string) (host.ObjectRef, bool) {
	v, ok := f.locals[name]
	return v, ok
}

type Thread struct {
	rt       *Runtime
	id       uint64
	frame    *Frame
	depth    int
	profiler host.Profiler
}

var _ host.Thread = (*Thread)(nil)

func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) Frame() host.Frame {
	if t.frame == nil {
		return nil
	}
	return t.frame
}

// Depth is the number of frames on the thread's stack.
func (t *Thread) Depth() int { return t.depth }

// Profiled reports whether a profile hook is installed on the thread.
func (t *Thread) Profiled() bool { return t.profiler != nil }

func (t *Thread) profile(f host.Frame, what host.Event, arg host.ObjectRef) {
	if t.profiler != nil {
		t.profiler.Profile(f, what, arg)
	}
}

// Call pushes a frame for code and reports the call.
func (t *Thread) Call(code host.CodeID, locals map[string]host.ObjectRef) {
	t.frame = &Frame{code: code, lasti: -1, back: t.frame, locals: locals}
	t.depth++
	t.profile(t.frame, host.EventCall, 0)
}

// Step advances the instruction offset of the innermost frame by n bytes.
func (t *Thread) Step(n int) {
	if t.frame == nil {
		return
	}
	if t.frame.lasti < 0 {
		t.frame.lasti = 0
	}
	t.frame.lasti += n
}

// Return reports the return and pops the innermost frame.
func (t *Thread) Return() {
	if t.frame == nil {
		return
	}
	t.profile(t.frame, host.EventReturn, 0)
	t.pop()
}

// Raise unwinds the innermost frame with an exception.
func (t *Thread) Raise() {
	if t.frame == nil {
		return
	}
	t.profile(t.frame, host.EventException, 0)
	t.pop()
}

func (t *Thread) pop() {
	t.frame = t.frame.back
	t.depth--
}

// Invoke runs body between a call of code and its return.
func (t *Thread) Invoke(code host.CodeID, locals map[string]host.ObjectRef, body func()) {
	t.Call(code, locals)
	if body != nil {
		body()
	}
	t.Return()
}

// CallNative reports a call of a native function with arg, runs body and
// reports the return. A failing native call is reported as a c_exception.
func (t *Thread) CallNative(arg host.ObjectRef, body func() bool) {
	f := t.Frame()
	t.profile(f, host.EventCCall, arg)
	ok := true
	if body != nil {
		ok = body()
	}
	if ok {
		t.profile(f, host.EventCReturn, arg)
	} else {
		t.profile(f, host.EventCException, arg)
	}
}
