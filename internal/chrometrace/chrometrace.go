// Package chrometrace exports reconstructed calls in the Trace Event Format
// read by chrome://tracing and Perfetto.
package chrometrace

import (
	"sort"
	"strconv"

	"github.com/getsentry/calltracer/internal/calltrace"
)

const (
	PhaseComplete = "X"
	PhaseMetadata = "M"

	CategoryManaged = "python_function"
	CategoryNative  = "native_function"
)

type (
	Event struct {
		Name     string                 `json:"name"`
		Category string                 `json:"cat,omitempty"`
		Phase    string                 `json:"ph"`
		TS       float64                `json:"ts"`
		Duration float64                `json:"dur,omitempty"`
		PID      int                    `json:"pid"`
		TID      uint64                 `json:"tid"`
		Args     map[string]interface{} `json:"args,omitempty"`
	}

	Output struct {
		TraceEvents     []Event           `json:"traceEvents"`
		DisplayTimeUnit string            `json:"displayTimeUnit"`
		OtherData       map[string]string `json:"otherData,omitempty"`
	}
)

// FromEvents emits one complete event per call, timestamps in microseconds
// since the earliest call, ordered by start time and then by call order.
// Each traced thread also gets a thread_name metadata event.
func FromEvents(events []calltrace.TraceEvent, pid int, otherData map[string]string) Output {
	o := Output{
		TraceEvents:     make([]Event, 0, len(events)),
		DisplayTimeUnit: "ns",
		OtherData:       otherData,
	}
	if len(events) == 0 {
		return o
	}

	origin := events[0].StartNS
	for _, e := range events {
		if e.StartNS < origin {
			origin = e.StartNS
		}
	}

	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := events[order[i]], events[order[j]]
		if a.StartNS != b.StartNS {
			return a.StartNS < b.StartNS
		}
		return a.CallIndex < b.CallIndex
	})

	threads := make(map[uint64]struct{})
	for _, i := range order {
		e := events[i]
		threads[e.ThreadID] = struct{}{}
		ce := Event{
			Name:     e.Name,
			Category: CategoryManaged,
			Phase:    PhaseComplete,
			TS:       micros(e.StartNS - origin),
			Duration: micros(e.EndNS - e.StartNS),
			PID:      pid,
			TID:      e.ThreadID,
			Args: map[string]interface{}{
				"kind": e.Kind.String(),
			},
		}
		if e.Kind == calltrace.CallNative {
			ce.Category = CategoryNative
		}
		if e.Path != "" {
			ce.Args["file"] = e.Path
			ce.Args["line"] = e.Line
		}
		if !e.IsRoot() {
			ce.Args["parent"] = events[e.Parent].Name
		}
		o.TraceEvents = append(o.TraceEvents, ce)
	}

	tids := make([]uint64, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		o.TraceEvents = append(o.TraceEvents, Event{
			Name:  "thread_name",
			Phase: PhaseMetadata,
			PID:   pid,
			TID:   tid,
			Args: map[string]interface{}{
				"name": "thread " + strconv.FormatUint(tid, 10),
			},
		})
	}
	return o
}

func micros(ns int64) float64 {
	return float64(ns) / 1e3
}
