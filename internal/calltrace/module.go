package calltrace

import (
	"github.com/getsentry/calltracer/internal/host"
)

// ModuleCall pairs a recorded call with the receiver of a wrapper call site.
// Self is a counted reference owned by the recorder until Clear.
type ModuleCall struct {
	EventIndex int
	Self       host.ObjectRef
}

// moduleTracker recognizes calls through one wrapper code object (a generic
// dispatch function) and keeps the receiver so replay can label the call with
// the receiver's type instead of the wrapper's name.
type moduleTracker struct {
	rt        host.Runtime
	code      host.CodeID
	selfLocal string
	calls     []ModuleCall
}

func newModuleTracker(rt host.Runtime, code host.CodeID, selfLocal string) *moduleTracker {
	return &moduleTracker{
		rt:        rt,
		code:      code,
		selfLocal: selfLocal,
	}
}

func (m *moduleTracker) track(frame host.Frame, eventIndex int) {
	if m.code == 0 || frame.Code() != m.code {
		return
	}
	self, ok := frame.Local(m.selfLocal)
	if !ok || self == 0 {
		return
	}
	m.rt.IncRef(self)
	m.calls = append(m.calls, ModuleCall{EventIndex: eventIndex, Self: self})
}

func (m *moduleTracker) clear() {
	for _, c := range m.calls {
		m.rt.DecRef(c.Self)
	}
	m.calls = nil
}
