package nodetree

import (
	"hash/fnv"
	"sort"

	"fortio.org/safecast"

	"github.com/getsentry/calltracer/internal/calltrace"
	"github.com/getsentry/calltracer/internal/frame"
)

type (
	Node struct {
		DurationNS    uint64             `json:"duration_ns"`
		EndNS         uint64             `json:"-"`
		Fingerprint   uint64             `json:"fingerprint"`
		IsApplication bool               `json:"is_application"`
		Kind          calltrace.CallKind `json:"kind"`
		Frame         frame.Frame        `json:"frame"`
		StartNS       uint64             `json:"-"`
		Children      []*Node            `json:"children,omitempty"`
	}

	CallTreeFunction struct {
		Fingerprint   uint64   `json:"fingerprint"`
		Function      string   `json:"function"`
		File          string   `json:"filename,omitempty"`
		InApp         bool     `json:"in_app"`
		SelfTimesNS   []uint64 `json:"self_times_ns"`
		SumSelfTimeNS uint64   `json:"sum_self_time_ns"`
		SampleCount   int      `json:"-"`
	}
)

// FrameFromEvent describes the call site of a reconstructed call.
func FrameFromEvent(e calltrace.TraceEvent) frame.Frame {
	line, err := safecast.Conv[uint32](e.Line)
	if err != nil {
		line = 0
	}
	return frame.Frame{
		File:     e.File,
		Function: e.Function,
		Line:     line,
		Name:     e.Name,
		Native:   e.Kind == calltrace.CallNative,
		Path:     e.Path,
	}
}

func NodeFromEvent(e calltrace.TraceEvent) *Node {
	f := FrameFromEvent(e)
	n := Node{
		Frame:         f,
		IsApplication: f.IsApplicationFrame(),
		Kind:          e.Kind,
		StartNS:       nanos(e.StartNS),
		EndNS:         nanos(e.EndNS),
	}
	if n.EndNS > n.StartNS {
		n.DurationNS = n.EndNS - n.StartNS
	}
	return &n
}

func nanos(ns int64) uint64 {
	v, err := safecast.Conv[uint64](ns)
	if err != nil {
		return 0
	}
	return v
}

// FromEvents arranges reconstructed calls into one tree per thread, with
// siblings in call order.
func FromEvents(events []calltrace.TraceEvent) map[uint64][]*Node {
	nodes := make([]*Node, len(events))
	for i, e := range events {
		nodes[i] = NodeFromEvent(e)
	}

	// Attach children following the order of their calls in the log.
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return events[order[i]].CallIndex < events[order[j]].CallIndex
	})

	trees := make(map[uint64][]*Node)
	for _, i := range order {
		e := events[i]
		if e.IsRoot() || e.Parent >= len(nodes) {
			trees[e.ThreadID] = append(trees[e.ThreadID], nodes[i])
			continue
		}
		parent := nodes[e.Parent]
		parent.Children = append(parent.Children, nodes[i])
	}
	for _, roots := range trees {
		for _, r := range roots {
			r.setFingerprints(0)
		}
	}
	return trees
}

// setFingerprints identifies every node by its frame and the frames of its
// ancestors, so identical stacks share a fingerprint.
func (n *Node) setFingerprints(parent uint64) {
	h := fnv.New64()
	var b [8]byte
	for i := range b {
		b[i] = byte(parent >> (8 * i))
	}
	h.Write(b[:])
	n.Frame.WriteToHash(h)
	n.Fingerprint = h.Sum64()
	for _, c := range n.Children {
		c.setFingerprints(n.Fingerprint)
	}
}

// SelfTimeNS is the part of the node's duration not spent in its children.
func (n *Node) SelfTimeNS() uint64 {
	var children uint64
	for _, c := range n.Children {
		children += c.DurationNS
	}
	if children >= n.DurationNS {
		return 0
	}
	return n.DurationNS - children
}

// CollectFunctions adds the self time of every node of the tree to the
// function it belongs to. Nodes without self time are skipped.
func (n *Node) CollectFunctions(results map[uint64]CallTreeFunction) {
	for _, c := range n.Children {
		c.CollectFunctions(results)
	}
	self := n.SelfTimeNS()
	if self == 0 {
		return
	}
	h := fnv.New64()
	n.Frame.WriteToHash(h)
	fingerprint := h.Sum64()

	fn, ok := results[fingerprint]
	if !ok {
		fn = CallTreeFunction{
			Fingerprint: fingerprint,
			Function:    n.Frame.Name,
			File:        n.Frame.File,
			InApp:       n.IsApplication,
		}
	}
	fn.SelfTimesNS = append(fn.SelfTimesNS, self)
	fn.SumSelfTimeNS += self
	fn.SampleCount++
	results[fingerprint] = fn
}

func (n Node) Collapse() []*Node {
	// always collapse the children first, since pruning may reduce
	// the number of children
	children := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.Collapse()...)
	}
	n.Children = children

	if n.Frame.Name == "" {
		return n.Children
	}

	// A single child covering the whole call replaces a library frame, and
	// an application frame keeps the innermost application frame.
	if len(n.Children) == 1 {
		child := n.Children[0]
		if n.StartNS == child.StartNS && n.DurationNS == child.DurationNS {
			if n.IsApplication {
				if child.IsApplication {
					n = *child
				} else {
					n.Children = child.Children
				}
			} else {
				n = *child
			}
		}
	}

	return []*Node{&n}
}
