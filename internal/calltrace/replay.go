package calltrace

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/calltracer/internal/host"
)

type CallKind uint8

const (
	CallManaged CallKind = iota
	CallModule
	CallNative
)

func (k CallKind) String() string {
	switch k {
	case CallManaged:
		return "managed"
	case CallModule:
		return "module"
	case CallNative:
		return "native"
	default:
		return "unknown"
	}
}

func (k CallKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *CallKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "managed":
		*k = CallManaged
	case "module":
		*k = CallModule
	case "native":
		*k = CallNative
	default:
		return fmt.Errorf("unknown call kind %q", b)
	}
	return nil
}

// TraceEvent is one reconstructed call. Parent is the index of the enclosing
// call in the slice returned by Events, or -1 for a root.
type TraceEvent struct {
	StartNS     int64    `json:"start_ns"`
	EndNS       int64    `json:"end_ns"`
	Name        string   `json:"name"`
	Kind        CallKind `json:"kind"`
	ThreadID    uint64   `json:"thread_id"`
	Parent      int      `json:"parent"`
	CallIndex   int      `json:"call_index"`
	ReturnIndex int      `json:"return_index"`

	// Source location of managed and module calls, when it resolved. File
	// is pruned, Path is the filename as reported by the runtime.
	File     string `json:"filename,omitempty"`
	Path     string `json:"abs_path,omitempty"`
	Line     int    `json:"lineno,omitempty"`
	Function string `json:"function,omitempty"`
}

func (e TraceEvent) Duration() time.Duration {
	return time.Duration(e.EndNS - e.StartNS)
}

func (e TraceEvent) IsRoot() bool {
	return e.Parent < 0
}

const rootID = 0

type replayFrame struct {
	startNS     int64
	endNS       int64
	name        string
	kind        CallKind
	id          int
	parentID    int
	threadID    uint8
	callIndex   int
	returnIndex int
	location    CodeDescription
}

// replay matches the calls and returns of a finished session. It reads the
// recorder state and never modifies it.
type replay struct {
	r           *Recorder
	moduleNames map[int]string
	filenames   map[string]string
}

// Events reconstructs the calls of the last session. Calls still open when
// the session stopped, including frames that were live before it started,
// are closed at the time of the replay.
func (r *Recorder) Events() ([]TraceEvent, error) {
	if r.active {
		return nil, fmt.Errorf("%w: cannot replay while recorder is active", ErrPrecondition)
	}
	return newReplay(r).run()
}

func newReplay(r *Recorder) *replay {
	p := &replay{
		r:           r,
		moduleNames: make(map[int]string, len(r.modules.calls)),
		filenames:   make(map[string]string),
	}

	names := make(map[host.ObjectRef]string)
	for _, c := range r.modules.calls {
		name, ok := names[c.Self]
		if !ok {
			name = r.cfg.ModuleLabelPrefix + r.rt.TypeName(c.Self)
			names[c.Self] = name
		}
		p.moduleNames[c.EventIndex] = name
	}

	// Pruning is a regexp replacement, so do it once per distinct file.
	for _, f := range r.descriptions.filenames() {
		if r.prune == nil {
			p.filenames[f] = f
			continue
		}
		p.filenames[f] = r.prune.ReplaceAllString(f, "")
	}
	return p
}

// managedName formats a call site as `<prunedFile>(<line>): <function>`.
func (p *replay) managedName(d CodeDescription) string {
	var b strings.Builder
	b.WriteString(p.filenames[d.Filename])
	b.WriteByte('(')
	b.WriteString(strconv.Itoa(d.Line))
	b.WriteString("): ")
	b.WriteString(d.Funcname)
	return b.String()
}

func (p *replay) run() ([]TraceEvent, error) {
	contexts := p.r.contexts
	stacks := make([][]replayFrame, len(contexts))
	truncated := make([]int, len(contexts))
	for i, ctx := range contexts {
		truncated[i] = ctx.truncated
	}
	results := make([]replayFrame, 0, len(p.r.events)/2)
	nextID := rootID + 1

	for i, e := range p.r.events {
		tid := int(e.ThreadID())
		if tid >= len(contexts) {
			return nil, fmt.Errorf("%w: event %d belongs to unknown thread %d", ErrReplayConsistency, i, tid)
		}
		t := contexts[tid].origin.UnixNano() + int64(e.Elapsed())

		switch e.Tag() {
		case TagManagedCall, TagNativeCall:
			f := replayFrame{
				startNS:   t,
				endNS:     -1,
				id:        nextID,
				parentID:  rootID,
				threadID:  e.ThreadID(),
				callIndex: i,
			}
			nextID++
			if n := len(stacks[tid]); n > 0 {
				f.parentID = stacks[tid][n-1].id
			}
			if e.Tag() == TagNativeCall {
				f.name, f.kind = p.r.rt.Repr(e.Arg()), CallNative
			} else {
				d, resolved := p.r.descriptions.lookup(e.Code(), e.Lasti())
				if resolved {
					f.location = d
				}
				if name, ok := p.moduleNames[i]; ok {
					f.name, f.kind = name, CallModule
				} else if resolved {
					f.name, f.kind = p.managedName(d), CallManaged
				} else {
					f.name, f.kind = UnknownManagedName, CallManaged
				}
			}
			stacks[tid] = append(stacks[tid], f)

		case TagManagedReturn, TagNativeReturn:
			n := len(stacks[tid])
			if n == 0 {
				// Returning out of a frame that was too deep to be
				// synthesized at start.
				if truncated[tid] > 0 {
					truncated[tid]--
					continue
				}
				return nil, fmt.Errorf("%w: return at event %d on thread %d", ErrReplayConsistency, i, tid)
			}
			f := stacks[tid][n-1]
			f.endNS = t
			f.returnIndex = i
			results = append(results, f)
			stacks[tid] = stacks[tid][:n-1]
		}
	}

	// Feign returns for everything still open so frames above the one that
	// started the session appear in the trace.
	// TODO: close at the time Stop was called instead of the replay time.
	final := p.r.now().UnixNano()
	returnIndex := len(p.r.events)
	for tid := range stacks {
		for n := len(stacks[tid]); n > 0; n-- {
			f := stacks[tid][n-1]
			f.endNS = final
			if f.endNS < f.startNS {
				f.endNS = f.startNS
			}
			f.returnIndex = returnIndex
			returnIndex++
			results = append(results, f)
		}
		stacks[tid] = nil
	}

	indexByID := make(map[int]int, len(results))
	for i, f := range results {
		indexByID[f.id] = i
	}
	out := make([]TraceEvent, len(results))
	for i, f := range results {
		parent := -1
		if f.parentID != rootID {
			parent = indexByID[f.parentID]
		}
		out[i] = TraceEvent{
			StartNS:     f.startNS,
			EndNS:       f.endNS,
			Name:        f.name,
			Kind:        f.kind,
			ThreadID:    uint64(f.threadID),
			Parent:      parent,
			CallIndex:   f.callIndex,
			ReturnIndex: f.returnIndex,
		}
		if f.location.Filename != "" || f.location.Funcname != "" {
			out[i].File = p.filenames[f.location.Filename]
			out[i].Path = f.location.Filename
			out[i].Line = f.location.Line
			out[i].Function = f.location.Funcname
		}
	}
	return out, nil
}
