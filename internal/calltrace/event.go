package calltrace

import (
	"math"
	"time"

	"fortio.org/safecast"

	"github.com/getsentry/calltracer/internal/host"
)

// Tag is the kind of a RawEvent. The host reports finer grained events; a
// normal return and an exception both pop the replay stack, so they share a
// tag.
type Tag uint8

const (
	TagManagedCall Tag = iota
	TagManagedReturn
	TagNativeCall
	TagNativeReturn
)

func (t Tag) String() string {
	switch t {
	case TagManagedCall:
		return "managed_call"
	case TagManagedReturn:
		return "managed_return"
	case TagNativeCall:
		return "native_call"
	case TagNativeReturn:
		return "native_return"
	default:
		return "unknown"
	}
}

const lastiUnset = math.MaxUint16

// RawEvent is one captured call or return. It packs into two words:
//
//	tag(8) | thread(8) | lasti(16) | t(32)
//	misc(64)
//
// misc holds the code identity of a managed call, the argument of a native
// call and is unused for returns.
type RawEvent struct {
	tag      uint8
	threadID uint8
	lasti    uint16
	t        uint32
	misc     uint64
}

func newRawEvent(tag Tag, lasti int, ctx *TraceContext, now time.Time, misc uint64) RawEvent {
	return RawEvent{
		tag:      uint8(tag),
		threadID: ctx.threadID,
		lasti:    uint16(lasti),
		t:        elapsedMicros(ctx.origin, now),
		misc:     misc,
	}
}

// elapsedMicros saturates: a session longer than ~71 minutes pins every
// later event to the last representable instant.
func elapsedMicros(origin, now time.Time) uint32 {
	t, err := safecast.Conv[uint32](now.Sub(origin).Microseconds())
	if err != nil {
		if now.Before(origin) {
			return 0
		}
		return math.MaxUint32
	}
	return t
}

func (e RawEvent) Tag() Tag { return Tag(e.tag) }

func (e RawEvent) ThreadID() uint8 { return e.threadID }

// Lasti returns the stored instruction offset. Frames that have not started
// executing report -1, which is stored as the maximum value of the field.
func (e RawEvent) Lasti() int {
	if e.lasti == lastiUnset {
		return -1
	}
	return int(e.lasti)
}

// Elapsed is the time between the thread's clock origin and the event.
func (e RawEvent) Elapsed() time.Duration {
	return time.Duration(e.t) * time.Microsecond
}

func (e RawEvent) Code() host.CodeID { return host.CodeID(e.misc) }

func (e RawEvent) Arg() host.ObjectRef { return host.ObjectRef(e.misc) }

func (e RawEvent) IsCall() bool {
	return e.Tag() == TagManagedCall || e.Tag() == TagNativeCall
}
