package calltrace

import (
	"fmt"
	"regexp"
	"time"

	"fortio.org/safecast"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltracer/internal/host"
)

// Recorder captures calls and returns of every traced thread into one shared
// log.
//
// The log is appended to from the hooks of several threads without
// synchronization. This relies on the host running managed code on one
// thread at a time (a global interpreter lock); a free-threaded host would
// need per-thread buffers merged at Stop. Start, Stop, Clear and Events must
// be serialized with each other and with managed execution by the caller.
type Recorder struct {
	rt    host.Runtime
	cfg   Config
	prune *regexp.Regexp
	now   func() time.Time

	active   bool
	contexts []*TraceContext
	warnings []error

	events       []RawEvent
	descriptions *descriptionCache
	modules      *moduleTracker
}

func NewRecorder(rt host.Runtime, cfg Config) (*Recorder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	prune, err := cfg.prefixRegexp()
	if err != nil {
		return nil, err
	}
	return &Recorder{
		rt:           rt,
		cfg:          cfg,
		prune:        prune,
		now:          time.Now,
		descriptions: newDescriptionCache(rt),
		modules:      newModuleTracker(rt, cfg.ModuleCallCode, cfg.ModuleSelfLocal),
	}, nil
}

// Start attaches the recorder to at most maxThreads live threads, the
// current one first. Frames already on each thread's stack are recorded as
// calls so the trace starts complete.
func (r *Recorder) Start(maxThreads int) error {
	if r.active {
		return fmt.Errorf("%w: recorder is already active", ErrPrecondition)
	}
	if len(r.contexts) > 0 {
		return fmt.Errorf("%w: recorder has contexts left from a previous session", ErrPrecondition)
	}
	if maxThreads <= 0 {
		return fmt.Errorf("%w: max threads must be positive, got %d", ErrPrecondition, maxThreads)
	}
	if maxThreads > MaxThreads {
		return fmt.Errorf("%w: max threads must be less than or equal to %d, got %d", ErrPrecondition, MaxThreads, maxThreads)
	}

	t0 := r.now()

	// The current thread goes first so it is always traced. A current thread
	// that already exited is only restored at the end, never traced.
	initial := r.rt.CurrentThread()
	live := r.rt.Threads()
	threads := make([]host.Thread, 0, len(live))
	if initial != nil && isLive(initial, live) {
		threads = append(threads, initial)
	}
	for _, t := range live {
		if initial == nil || t.ID() != initial.ID() {
			threads = append(threads, t)
		}
	}
	if len(threads) > maxThreads {
		if maxThreads > 1 {
			err := fmt.Errorf("%w: can only trace %d threads, %d are currently active", ErrCapacityExceeded, maxThreads, len(threads))
			r.warnings = append(r.warnings, err)
			log.Warn().Err(err).Int("max_threads", maxThreads).Int("live_threads", len(threads)).Msg("tracing a subset of threads")
		}
		threads = threads[:maxThreads]
	}

	for i, t := range threads {
		threadID, err := safecast.Conv[uint8](i)
		if err != nil {
			return fmt.Errorf("%w: thread index %d: %v", ErrPrecondition, i, err)
		}
		r.rt.SwapThread(t)

		ctx := &TraceContext{
			threadID: threadID,
			thread:   t,
			origin:   t0,
			recorder: r,
		}
		r.contexts = append(r.contexts, ctx)

		stack := make([]host.Frame, 0, 16)
		f := t.Frame()
		for f != nil && len(stack) < r.cfg.MaxStackDepth {
			stack = append(stack, f)
			f = f.Back()
		}
		for ; f != nil; f = f.Back() {
			ctx.truncated++
		}
		for i := len(stack) - 1; i >= 0; i-- {
			r.recordManagedCall(ctx, stack[i])
		}

		r.rt.SetProfile(ctx)
	}
	r.rt.SwapThread(initial)

	r.active = true
	log.Debug().Int("threads", len(r.contexts)).Int("synthesized", len(r.events)).Msg("call tracer started")
	return nil
}

// Stop uninstalls the hook from every traced thread. Events stay in the log
// until Clear.
func (r *Recorder) Stop() error {
	if !r.active {
		return fmt.Errorf("%w: recorder is not running", ErrPrecondition)
	}
	initial := r.rt.CurrentThread()
	for _, ctx := range r.contexts {
		r.rt.SwapThread(ctx.thread)
		r.rt.SetProfile(nil)
	}
	r.rt.SwapThread(initial)
	r.active = false
	log.Debug().Int("events", len(r.events)).Msg("call tracer stopped")
	return nil
}

// Clear releases everything held by the last session.
func (r *Recorder) Clear() error {
	if r.active {
		return fmt.Errorf("%w: cannot clear state while recorder is active", ErrPrecondition)
	}
	r.contexts = nil
	r.warnings = nil
	r.events = nil
	r.descriptions.clear()
	r.modules.clear()
	return nil
}

func (r *Recorder) Active() bool { return r.active }

// Len returns the number of events in the log.
func (r *Recorder) Len() int { return len(r.events) }

// RawEvents returns the log. The slice must not be modified.
func (r *Recorder) RawEvents() []RawEvent { return r.events }

// Contexts returns the contexts of the current or last session, indexed by
// compact thread id.
func (r *Recorder) Contexts() []*TraceContext { return r.contexts }

// Warnings returns the non-fatal conditions hit by the last Start.
func (r *Recorder) Warnings() []error { return r.warnings }

func (r *Recorder) ModuleCalls() []ModuleCall { return r.modules.calls }

func (r *Recorder) recordManagedCall(ctx *TraceContext, frame host.Frame) {
	lasti := frame.Lasti()
	code := frame.Code()
	e := newRawEvent(TagManagedCall, lasti, ctx, r.now(), uint64(code))
	r.events = append(r.events, e)
	r.descriptions.store(code, e.Lasti(), lasti)
	r.modules.track(frame, len(r.events)-1)
}

func (r *Recorder) recordNativeCall(ctx *TraceContext, frame host.Frame, arg host.ObjectRef) {
	r.events = append(r.events, newRawEvent(TagNativeCall, frameLasti(frame), ctx, r.now(), uint64(arg)))
}

// recordReturn does no stack bookkeeping, matching is left to replay.
func (r *Recorder) recordReturn(ctx *TraceContext, frame host.Frame, tag Tag) {
	r.events = append(r.events, newRawEvent(tag, frameLasti(frame), ctx, r.now(), 0))
}

func isLive(t host.Thread, live []host.Thread) bool {
	for _, l := range live {
		if l.ID() == t.ID() {
			return true
		}
	}
	return false
}

func frameLasti(frame host.Frame) int {
	if frame == nil {
		return -1
	}
	return frame.Lasti()
}
