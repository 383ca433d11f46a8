// Package simhost is a small simulated interpreter implementing host.Runtime.
// Programs are driven step by step (Call, Step, Return, CallNative) from Go
// code, which makes call stacks and profiling events fully deterministic.
//
// Like the interpreters it stands in for, the runtime serializes execution
// with one global lock. Run acquires it and makes the given thread current;
// every method of Thread must be called with the lock held.
package simhost

import (
	"fmt"
	"sync"

	"github.com/getsentry/calltracer/internal/host"
)

type (
	// Code is a compiled function body.
	Code struct {
		ID        host.CodeID
		Filename  string
		Name      string
		FirstLine int
		// BytesPerLine maps instruction offsets to lines. Zero keeps every
		// offset on FirstLine.
		BytesPerLine int
	}

	Object struct {
		TypeName string
		Repr     string
		refs     int
	}

	Runtime struct {
		gil sync.Mutex

		threads []*Thread
		current *Thread

		codes   map[host.CodeID]*Code
		objects map[host.ObjectRef]*Object

		nextThread uint64
		nextCode   host.CodeID
		nextObject host.ObjectRef

		resolves map[host.CodeID]int
	}
)

var _ host.Runtime = (*Runtime)(nil)

// NewRuntime returns a runtime with a main thread, which is current.
func NewRuntime() *Runtime {
	rt := &Runtime{
		codes:    make(map[host.CodeID]*Code),
		objects:  make(map[host.ObjectRef]*Object),
		resolves: make(map[host.CodeID]int),
	}
	rt.current = rt.NewThread()
	return rt
}

// Lock acquires the runtime's execution lock.
func (rt *Runtime) Lock() { rt.gil.Lock() }

func (rt *Runtime) Unlock() { rt.gil.Unlock() }

// Run executes fn on t while holding the execution lock.
func (rt *Runtime) Run(t *Thread, fn func(t *Thread)) {
	rt.gil.Lock()
	defer rt.gil.Unlock()
	rt.current = t
	fn(t)
}

// Main returns the first thread of the runtime.
func (rt *Runtime) Main() *Thread {
	return rt.threads[0]
}

func (rt *Runtime) NewThread() *Thread {
	rt.nextThread++
	t := &Thread{rt: rt, id: rt.nextThread}
	rt.threads = append(rt.threads, t)
	return t
}

// ExitThread removes t from the live threads. If t was current, the first
// remaining thread becomes current.
func (rt *Runtime) ExitThread(t *Thread) {
	for i, th := range rt.threads {
		if th == t {
			rt.threads = append(rt.threads[:i], rt.threads[i+1:]...)
			break
		}
	}
	if rt.current == t {
		rt.current = nil
		if len(rt.threads) > 0 {
			rt.current = rt.threads[0]
		}
	}
}

// Compile registers a code object. An empty filename makes the code
// unresolvable.
func (rt *Runtime) Compile(filename, name string, firstLine int) host.CodeID {
	rt.nextCode++
	rt.codes[rt.nextCode] = &Code{
		ID:           rt.nextCode,
		Filename:     filename,
		Name:         name,
		FirstLine:    firstLine,
		BytesPerLine: 2,
	}
	return rt.nextCode
}

func (rt *Runtime) Code(id host.CodeID) (*Code, bool) {
	c, ok := rt.codes[id]
	return c, ok
}

// NewObject allocates an object holding one reference owned by the caller.
func (rt *Runtime) NewObject(typeName, repr string) host.ObjectRef {
	rt.nextObject++
	rt.objects[rt.nextObject] = &Object{TypeName: typeName, Repr: repr, refs: 1}
	return rt.nextObject
}

// Refs returns the reference count of obj, zero once it was freed.
func (rt *Runtime) Refs(obj host.ObjectRef) int {
	o, ok := rt.objects[obj]
	if !ok {
		return 0
	}
	return o.refs
}

// Resolves returns how many times the location of code was resolved.
func (rt *Runtime) Resolves(code host.CodeID) int {
	return rt.resolves[code]
}

func (rt *Runtime) Threads() []host.Thread {
	threads := make([]host.Thread, len(rt.threads))
	for i, t := range rt.threads {
		threads[i] = t
	}
	return threads
}

func (rt *Runtime) CurrentThread() host.Thread {
	if rt.current == nil {
		return nil
	}
	return rt.current
}

func (rt *Runtime) SwapThread(t host.Thread) host.Thread {
	prev := rt.CurrentThread()
	if th, ok := t.(*Thread); ok {
		rt.current = th
	}
	return prev
}

func (rt *Runtime) SetProfile(p host.Profiler) {
	if rt.current == nil {
		return
	}
	rt.current.profiler = p
}

func (rt *Runtime) Resolve(code host.CodeID, lasti int) (host.Location, error) {
	rt.resolves[code]++
	c, ok := rt.codes[code]
	if !ok || c.Filename == "" {
		return host.Location{}, fmt.Errorf("%w: code %d", host.ErrUnresolved, code)
	}
	line := c.FirstLine
	if lasti > 0 && c.BytesPerLine > 0 {
		line += lasti / c.BytesPerLine
	}
	return host.Location{Line: line, Filename: c.Filename, Funcname: c.Name}, nil
}

func (rt *Runtime) IncRef(obj host.ObjectRef) {
	if o, ok := rt.objects[obj]; ok {
		o.refs++
	}
}

func (rt *Runtime) DecRef(obj host.ObjectRef) {
	o, ok := rt.objects[obj]
	if !ok {
		return
	}
	o.refs--
	if o.refs <= 0 {
		delete(rt.objects, obj)
	}
}

func (rt *Runtime) TypeName(obj host.ObjectRef) string {
	if o, ok := rt.objects[obj]; ok {
		return o.TypeName
	}
	return "<freed>"
}

func (rt *Runtime) Repr(obj host.ObjectRef) string {
	if o, ok := rt.objects[obj]; ok {
		return o.Repr
	}
	return "<freed>"
}
