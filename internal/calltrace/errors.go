package calltrace

import (
	"errors"
	"fmt"

	"github.com/getsentry/calltracer/internal/errorutil"
)

var (
	// ErrPrecondition is returned when a session operation is called in the
	// wrong state or with invalid arguments. It is never retried.
	ErrPrecondition = errors.New("calltrace: precondition violated")

	// ErrCapacityExceeded is recorded as a warning when more threads are
	// live than can be traced. Tracing continues on a prefix of them.
	ErrCapacityExceeded = errors.New("calltrace: thread capacity exceeded")

	// ErrReplayConsistency means a return was recorded on a thread with no
	// open call. It indicates a capture or replay bug.
	ErrReplayConsistency = fmt.Errorf("calltrace: replay stack is empty: %w", errorutil.ErrDataIntegrity)
)
