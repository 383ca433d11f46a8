package calltrace

import (
	"time"

	"github.com/getsentry/calltracer/internal/host"
)

// TraceContext is the per-thread state of a session. It is installed as the
// thread's profile hook, so the hook itself carries the compact thread id and
// clock origin and no lookup happens on the hot path.
type TraceContext struct {
	// Thread ids are mapped to a compact space so they fit in one byte of a
	// RawEvent.
	threadID uint8
	thread   host.Thread
	origin   time.Time

	// truncated counts the outer frames that were live at attach time but
	// deeper than the configured stack depth, so no call was synthesized
	// for them.
	truncated int

	recorder *Recorder
}

func (c *TraceContext) ThreadID() uint8 { return c.threadID }

func (c *TraceContext) Thread() host.Thread { return c.thread }

func (c *TraceContext) Origin() time.Time { return c.origin }

// Profile implements host.Profiler.
func (c *TraceContext) Profile(frame host.Frame, what host.Event, arg host.ObjectRef) {
	switch what {
	case host.EventCall:
		c.recorder.recordManagedCall(c, frame)
	case host.EventCCall:
		c.recorder.recordNativeCall(c, frame, arg)
	case host.EventException, host.EventReturn:
		c.recorder.recordReturn(c, frame, TagManagedReturn)
	case host.EventCException, host.EventCReturn:
		c.recorder.recordReturn(c, frame, TagNativeReturn)
	}
}
