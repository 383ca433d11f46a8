package calltrace

import (
	"errors"
	"math/rand"
	"testing"
	"time"
	"unsafe"

	"github.com/getsentry/calltracer/internal/host"
	"github.com/getsentry/calltracer/internal/simhost"
	"github.com/getsentry/calltracer/internal/testutil"
)

type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestRecorder(t *testing.T, rt host.Runtime, cfg Config) *Recorder {
	t.Helper()
	r, err := NewRecorder(rt, cfg)
	if err != nil {
		t.Fatalf("cannot create recorder: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0), step: time.Millisecond}
	r.now = clock.Now
	return r
}

func mustEvents(t *testing.T, r *Recorder) []TraceEvent {
	t.Helper()
	events, err := r.Events()
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	return events
}

func findEvent(t *testing.T, events []TraceEvent, name string) int {
	t.Helper()
	for i, e := range events {
		if e.Name == name {
			return i
		}
	}
	t.Fatalf("no event named %q in %+v", name, events)
	return -1
}

func checkInvariants(t *testing.T, events []TraceEvent) {
	t.Helper()
	for i, e := range events {
		if e.EndNS < e.StartNS {
			t.Errorf("event %d (%s) ends before it starts: %d < %d", i, e.Name, e.EndNS, e.StartNS)
		}
		if e.IsRoot() {
			continue
		}
		p := events[e.Parent]
		if p.ThreadID != e.ThreadID {
			t.Errorf("event %d (%s) has a parent on another thread", i, e.Name)
		}
		if e.StartNS < p.StartNS || e.EndNS > p.EndNS {
			t.Errorf("event %d (%s) [%d, %d] is not within its parent %s [%d, %d]", i, e.Name, e.StartNS, e.EndNS, p.Name, p.StartNS, p.EndNS)
		}
	}
}

func TestRawEventLayout(t *testing.T) {
	if size := unsafe.Sizeof(RawEvent{}); size != 16 {
		t.Fatalf("RawEvent is %d bytes, want 16", size)
	}
}

func TestRawEventLasti(t *testing.T) {
	ctx := &TraceContext{threadID: 3, origin: time.Unix(0, 0)}
	tests := []struct {
		name  string
		lasti int
		want  int
	}{
		{name: "not started", lasti: -1, want: -1},
		{name: "zero", lasti: 0, want: 0},
		{name: "regular", lasti: 1234, want: 1234},
		{name: "truncated", lasti: 65536 + 7, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newRawEvent(TagManagedCall, tt.lasti, ctx, time.Unix(0, 0), 42)
			if got := e.Lasti(); got != tt.want {
				t.Fatalf("got lasti %d, want %d", got, tt.want)
			}
			if e.ThreadID() != 3 || e.Code() != 42 || e.Tag() != TagManagedCall {
				t.Fatalf("unexpected event fields: %+v", e)
			}
		})
	}
}

func TestElapsedMicros(t *testing.T) {
	origin := time.Unix(100, 0)
	tests := []struct {
		name string
		now  time.Time
		want uint32
	}{
		{name: "origin", now: origin, want: 0},
		{name: "one millisecond", now: origin.Add(time.Millisecond), want: 1000},
		{name: "before origin", now: origin.Add(-time.Second), want: 0},
		{name: "saturates", now: origin.Add(3 * time.Hour), want: 1<<32 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := elapsedMicros(origin, tt.now); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSessionPreconditions(t *testing.T) {
	rt := simhost.NewRuntime()
	r := newTestRecorder(t, rt, DefaultConfig())

	for _, n := range []int{0, -1, MaxThreads + 1} {
		if err := r.Start(n); !errors.Is(err, ErrPrecondition) {
			t.Fatalf("Start(%d): expected a precondition error, got %v", n, err)
		}
	}
	if err := r.Stop(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Stop on an inactive recorder: expected a precondition error, got %v", err)
	}
	if err := r.Start(MaxThreads); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("double Start: expected a precondition error, got %v", err)
	}
	if err := r.Clear(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Clear while active: expected a precondition error, got %v", err)
	}
	if _, err := r.Events(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Events while active: expected a precondition error, got %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Start(1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Start with leftover contexts: expected a precondition error, got %v", err)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := r.Start(1); err != nil {
		t.Fatalf("Start after Clear: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestIdleSessionHasNoEvents(t *testing.T) {
	rt := simhost.NewRuntime()
	r := newTestRecorder(t, rt, DefaultConfig())

	for _, step := range []func() error{r.Clear, func() error { return r.Start(MaxThreads) }, r.Stop} {
		if err := step(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if events := mustEvents(t, r); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if r.Len() != 0 || len(r.Contexts()) != 0 {
		t.Fatalf("expected an empty recorder after Clear")
	}
}

func TestNestedCalls(t *testing.T) {
	rt := simhost.NewRuntime()
	f := rt.Compile("/app/main.py", "f", 10)
	g := rt.Compile("/app/main.py", "g", 20)
	r := newTestRecorder(t, rt, Config{MaxStackDepth: DefaultMaxStackDepth, PathPrefixes: []string{"/app"}})

	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	main := rt.Main()
	main.Invoke(f, nil, func() {
		main.Step(4)
		main.Invoke(g, nil, nil)
	})
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := mustEvents(t, r)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	fi := findEvent(t, events, "main.py(10): f")
	gi := findEvent(t, events, "main.py(20): g")
	fe, ge := events[fi], events[gi]
	if ge.Parent != fi {
		t.Fatalf("g's parent is %d, want %d", ge.Parent, fi)
	}
	if !fe.IsRoot() {
		t.Fatalf("f should be a root, parent is %d", fe.Parent)
	}
	if !(fe.StartNS <= ge.StartNS && ge.StartNS <= ge.EndNS && ge.EndNS <= fe.EndNS) {
		t.Fatalf("intervals are not nested: f=[%d, %d] g=[%d, %d]", fe.StartNS, fe.EndNS, ge.StartNS, ge.EndNS)
	}
	want := TraceEvent{
		StartNS:     ge.StartNS,
		EndNS:       ge.EndNS,
		Name:        "main.py(20): g",
		Kind:        CallManaged,
		ThreadID:    0,
		Parent:      fi,
		CallIndex:   1,
		ReturnIndex: 2,
		File:        "main.py",
		Path:        "/app/main.py",
		Line:        20,
		Function:    "g",
	}
	if diff := testutil.Diff(ge, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	checkInvariants(t, events)
}

func TestPreexistingFramesAreForceClosed(t *testing.T) {
	rt := simhost.NewRuntime()
	a := rt.Compile("/app/a.py", "a", 1)
	b := rt.Compile("/app/b.py", "b", 1)
	c := rt.Compile("/app/c.py", "c", 1)
	main := rt.Main()
	main.Call(a, nil)
	main.Step(2)
	main.Call(b, nil)
	main.Step(4)
	main.Call(c, nil)

	r := newTestRecorder(t, rt, DefaultConfig())
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 synthesized calls, got %d", r.Len())
	}
	main.Return()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := mustEvents(t, r)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	ai := findEvent(t, events, "/app/a.py(2): a")
	bi := findEvent(t, events, "/app/b.py(3): b")
	ci := findEvent(t, events, "/app/c.py(1): c")
	if !events[ai].IsRoot() || events[bi].Parent != ai || events[ci].Parent != bi {
		t.Fatalf("unexpected parents: %+v", events)
	}
	if events[ci].ReturnIndex != 3 {
		t.Fatalf("c should close at its return event, got %d", events[ci].ReturnIndex)
	}
	for _, i := range []int{ai, bi} {
		if events[i].ReturnIndex < r.Len() {
			t.Fatalf("%s should be force-closed, return index %d", events[i].Name, events[i].ReturnIndex)
		}
	}
	if events[ai].EndNS != events[bi].EndNS {
		t.Fatalf("force-closed frames should share the replay time")
	}
	checkInvariants(t, events)
}

func TestStackDepthIsBounded(t *testing.T) {
	rt := simhost.NewRuntime()
	code := rt.Compile("/app/deep.py", "deep", 1)
	main := rt.Main()
	for i := 0; i < 5; i++ {
		main.Call(code, nil)
	}

	r := newTestRecorder(t, rt, Config{MaxStackDepth: 2})
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 synthesized calls, got %d", r.Len())
	}
	// Unwind past the synthesized frames into the ones that were cut off.
	for i := 0; i < 4; i++ {
		main.Return()
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events := mustEvents(t, r)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	checkInvariants(t, events)
}

func TestReturnWithEmptyStack(t *testing.T) {
	rt := simhost.NewRuntime()
	r := newTestRecorder(t, rt, DefaultConfig())
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.recordReturn(r.Contexts()[0], nil, TagManagedReturn)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, err := r.Events()
	if !errors.Is(err, ErrReplayConsistency) {
		t.Fatalf("expected a replay consistency error, got %v", err)
	}
}

func TestCapacityExceeded(t *testing.T) {
	rt := simhost.NewRuntime()
	others := []*simhost.Thread{rt.NewThread(), rt.NewThread()}
	r := newTestRecorder(t, rt, DefaultConfig())

	if err := r.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(r.Contexts()) != 2 {
		t.Fatalf("expected 2 traced threads, got %d", len(r.Contexts()))
	}
	warnings := r.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], ErrCapacityExceeded) {
		t.Fatalf("expected a capacity warning, got %v", warnings)
	}
	if !rt.Main().Profiled() || !others[0].Profiled() || others[1].Profiled() {
		t.Fatalf("expected the main thread and the first other thread to be traced")
	}
	if rt.CurrentThread() != rt.Main() {
		t.Fatalf("current thread was not restored")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rt.Main().Profiled() || others[0].Profiled() {
		t.Fatalf("hooks should be uninstalled after Stop")
	}
}

func TestStartSkipsExitedCurrentThread(t *testing.T) {
	tests := []struct {
		name       string
		maxThreads int
		traced     int
	}{
		{name: "room for every live thread", maxThreads: 2, traced: 2},
		{name: "single thread", maxThreads: 1, traced: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := simhost.NewRuntime()
			live := rt.NewThread()
			exited := rt.NewThread()
			rt.Run(exited, func(th *simhost.Thread) {})
			rt.ExitThread(exited)
			// The host can still report a thread that just exited as current.
			rt.SwapThread(exited)

			r := newTestRecorder(t, rt, DefaultConfig())
			if err := r.Start(tt.maxThreads); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if warnings := r.Warnings(); len(warnings) != 0 {
				t.Fatalf("expected no warnings, got %v", warnings)
			}
			if len(r.Contexts()) != tt.traced {
				t.Fatalf("expected %d traced threads, got %d", tt.traced, len(r.Contexts()))
			}
			for _, ctx := range r.Contexts() {
				if ctx.Thread().ID() == exited.ID() {
					t.Fatalf("exited thread %d was traced", exited.ID())
				}
			}
			if exited.Profiled() {
				t.Fatalf("exited thread should not carry a hook")
			}
			if !rt.Main().Profiled() {
				t.Fatalf("expected the main thread to be traced")
			}
			if tt.maxThreads > 1 && !live.Profiled() {
				t.Fatalf("expected the live thread to be traced")
			}
			if rt.CurrentThread().ID() != exited.ID() {
				t.Fatalf("current thread was not restored")
			}
			if err := r.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
		})
	}
}

func TestStartOneTracesCurrentThreadOnly(t *testing.T) {
	rt := simhost.NewRuntime()
	other := rt.NewThread()
	r := newTestRecorder(t, rt, DefaultConfig())
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if other.Profiled() || len(r.Warnings()) != 0 {
		t.Fatalf("only the current thread should be traced, without warnings")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNativeCall(t *testing.T) {
	rt := simhost.NewRuntime()
	f := rt.Compile("/app/main.py", "f", 1)
	pi := rt.NewObject("float", "3.14")
	r := newTestRecorder(t, rt, DefaultConfig())

	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	main := rt.Main()
	main.Invoke(f, nil, func() {
		main.CallNative(pi, nil)
	})
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events := mustEvents(t, r)
	i := findEvent(t, events, "3.14")
	if events[i].Kind != CallNative {
		t.Fatalf("expected a native call, got %v", events[i].Kind)
	}
	if events[i].File != "" || events[events[i].Parent].Function != "f" {
		t.Fatalf("unexpected native event: %+v", events[i])
	}
	checkInvariants(t, events)
}

func TestExceptionsCloseFrames(t *testing.T) {
	rt := simhost.NewRuntime()
	f := rt.Compile("/app/main.py", "f", 1)
	g := rt.Compile("/app/main.py", "g", 5)
	fail := rt.NewObject("builtin_function_or_method", "<built-in function fail>")
	r := newTestRecorder(t, rt, DefaultConfig())

	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	main := rt.Main()
	main.Call(f, nil)
	main.Call(g, nil)
	main.CallNative(fail, func() bool { return false })
	main.Raise()
	main.Return()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events := mustEvents(t, r)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, e := range events {
		if e.ReturnIndex >= r.Len() {
			t.Fatalf("%s should have been closed by the trace, not force-closed", e.Name)
		}
	}
	checkInvariants(t, events)
}

func TestModuleCalls(t *testing.T) {
	rt := simhost.NewRuntime()
	dispatch := rt.Compile("/lib/site-packages/nn/module.py", "__call__", 100)
	forward := rt.Compile("/app/model.py", "forward", 7)
	linear := rt.NewObject("Linear", "Linear(in=4, out=2)")
	cfg := DefaultConfig()
	cfg.ModuleCallCode = dispatch
	cfg.PathPrefixes = []string{"/lib/site-packages"}
	r := newTestRecorder(t, rt, cfg)

	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	main := rt.Main()
	for i := 0; i < 2; i++ {
		main.Invoke(dispatch, map[string]host.ObjectRef{"self": linear}, func() {
			main.Invoke(forward, nil, nil)
		})
	}
	// A wrapper call without a receiver is not a module call.
	main.Invoke(dispatch, nil, nil)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rt.Refs(linear); got != 3 {
		t.Fatalf("expected the recorder to hold 2 references, refcount is %d", got)
	}

	events := mustEvents(t, r)
	var modules, wrappers int
	for _, e := range events {
		switch e.Name {
		case "Module: Linear":
			modules++
			if e.Kind != CallModule || e.File != "nn/module.py" {
				t.Fatalf("unexpected module event: %+v", e)
			}
		case "nn/module.py(100): __call__":
			wrappers++
		case "/app/model.py(7): forward":
			if events[e.Parent].Name != "Module: Linear" {
				t.Fatalf("forward should be called from the module call, got %q", events[e.Parent].Name)
			}
		default:
			t.Fatalf("unexpected event %q", e.Name)
		}
	}
	if modules != 2 || wrappers != 1 {
		t.Fatalf("got %d module calls and %d wrapper calls, want 2 and 1", modules, wrappers)
	}

	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := rt.Refs(linear); got != 1 {
		t.Fatalf("Clear should release module references, refcount is %d", got)
	}
}

func TestDescriptionsAreResolvedOnce(t *testing.T) {
	rt := simhost.NewRuntime()
	f := rt.Compile("/app/main.py", "f", 1)
	missing := rt.Compile("", "<lambda>", 0)
	r := newTestRecorder(t, rt, DefaultConfig())

	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	main := rt.Main()
	for i := 0; i < 10; i++ {
		main.Invoke(f, nil, nil)
		main.Invoke(missing, nil, nil)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rt.Resolves(f) != 1 || rt.Resolves(missing) != 1 {
		t.Fatalf("expected one resolution per call site, got %d and %d", rt.Resolves(f), rt.Resolves(missing))
	}
	events := mustEvents(t, r)
	var unknown int
	for _, e := range events {
		if e.Name == UnknownManagedName {
			unknown++
		}
	}
	if unknown != 10 {
		t.Fatalf("expected 10 unresolved calls, got %d", unknown)
	}
}

func TestMultipleThreads(t *testing.T) {
	rt := simhost.NewRuntime()
	worker := rt.NewThread()
	run := rt.Compile("/app/worker.py", "run", 1)
	task := rt.Compile("/app/worker.py", "task", 10)
	main := rt.Main()
	main.Call(run, nil)
	r := newTestRecorder(t, rt, DefaultConfig())

	if err := r.Start(MaxThreads); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Interleave the two threads the way a lock-switching interpreter would.
	worker.Call(run, nil)
	main.Call(task, nil)
	worker.Call(task, nil)
	main.Return()
	worker.Return()
	worker.Return()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := mustEvents(t, r)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for _, e := range events {
		if e.IsRoot() {
			continue
		}
		if events[e.Parent].Function != "run" || events[e.Parent].ThreadID != e.ThreadID {
			t.Fatalf("task on thread %d has the wrong parent: %+v", e.ThreadID, events[e.Parent])
		}
	}
	checkInvariants(t, events)
}

func TestRandomProgramsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		rt := simhost.NewRuntime()
		threads := []*simhost.Thread{rt.Main(), rt.NewThread(), rt.NewThread()}
		codes := []host.CodeID{
			rt.Compile("/app/a.py", "a", 1),
			rt.Compile("/app/b.py", "b", 1),
			rt.Compile("", "anonymous", 0),
		}
		arg := rt.NewObject("int", "42")

		// Some frames are already running when the session starts.
		for _, th := range threads {
			for i := rng.Intn(4); i > 0; i-- {
				th.Call(codes[rng.Intn(len(codes))], nil)
			}
		}

		r := newTestRecorder(t, rt, DefaultConfig())
		if err := r.Start(MaxThreads); err != nil {
			t.Fatalf("Start: %v", err)
		}
		synthesized := r.Len()

		for step := 0; step < 200; step++ {
			th := threads[rng.Intn(len(threads))]
			switch rng.Intn(4) {
			case 0, 1:
				th.Call(codes[rng.Intn(len(codes))], nil)
				th.Step(rng.Intn(8))
			case 2:
				th.CallNative(arg, nil)
			case 3:
				th.Return()
			}
		}
		if err := r.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		var calls int
		for _, e := range r.RawEvents()[synthesized:] {
			if e.IsCall() {
				calls++
			}
		}
		events := mustEvents(t, r)
		if len(events) != calls+synthesized {
			t.Fatalf("run %d: got %d events, want %d calls + %d synthesized frames", run, len(events), calls, synthesized)
		}
		checkInvariants(t, events)
	}
}
