package speedscope

import (
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/getsentry/calltracer/internal/calltrace"
	"github.com/getsentry/calltracer/internal/nodetree"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"
)

type (
	Frame struct {
		File          string `json:"file,omitempty"`
		IsApplication bool   `json:"is_application"`
		Line          uint32 `json:"line,omitempty"`
		Name          string `json:"name"`
		Path          string `json:"path,omitempty"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    uint64    `json:"at"`
	}

	EventedProfile struct {
		EndValue   uint64      `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue uint64      `json:"startValue"`
		ThreadID   uint64      `json:"threadID"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		DurationNS         uint64           `json:"durationNS"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		ProfileID          string           `json:"profileID"`
		Profiles           []EventedProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}
)

type boundary struct {
	index int
	at    int64
	open  bool
	frame int
}

// FromEvents converts reconstructed calls into one evented profile per
// thread. Times are relative to the earliest call. Opens and closes are
// emitted in the order they were recorded, which keeps them nested.
func FromEvents(name, exporter string, events []calltrace.TraceEvent) Output {
	o := Output{
		Schema:    Schema,
		Exporter:  exporter,
		Name:      name,
		ProfileID: uuid.New().String(),
		Profiles:  []EventedProfile{},
	}
	if len(events) == 0 {
		return o
	}

	origin, end := events[0].StartNS, events[0].EndNS
	for _, e := range events {
		if e.StartNS < origin {
			origin = e.StartNS
		}
		if e.EndNS > end {
			end = e.EndNS
		}
	}

	frameIndex := make(map[string]int)
	boundaries := make(map[uint64][]boundary)
	for _, e := range events {
		f := nodetree.FrameFromEvent(e)
		id := f.ID()
		i, ok := frameIndex[id]
		if !ok {
			i = len(o.Shared.Frames)
			frameIndex[id] = i
			o.Shared.Frames = append(o.Shared.Frames, Frame{
				File:          f.File,
				IsApplication: f.IsApplicationFrame(),
				Line:          f.Line,
				Name:          f.Name,
				Path:          f.Path,
			})
		}
		boundaries[e.ThreadID] = append(boundaries[e.ThreadID],
			boundary{index: e.CallIndex, at: e.StartNS, open: true, frame: i},
			boundary{index: e.ReturnIndex, at: e.EndNS, frame: i},
		)
	}

	threads := make([]uint64, 0, len(boundaries))
	for tid := range boundaries {
		threads = append(threads, tid)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })

	for _, tid := range threads {
		b := boundaries[tid]
		sort.Slice(b, func(i, j int) bool { return b[i].index < b[j].index })
		p := EventedProfile{
			Events:   make([]Event, 0, len(b)),
			Name:     threadName(tid),
			ThreadID: tid,
			Type:     ProfileTypeEvented,
			Unit:     ValueUnitNanoseconds,
		}
		var last uint64
		for _, x := range b {
			at := uint64(x.at - origin)
			// Force-closed calls may end at the same time as they
			// started, never before an earlier boundary.
			if at < last {
				at = last
			}
			last = at
			t := EventTypeCloseFrame
			if x.open {
				t = EventTypeOpenFrame
			}
			p.Events = append(p.Events, Event{Type: t, Frame: x.frame, At: at})
		}
		if len(p.Events) > 0 {
			p.StartValue = p.Events[0].At
			p.EndValue = p.Events[len(p.Events)-1].At
		}
		o.Profiles = append(o.Profiles, p)
	}
	o.DurationNS = uint64(end - origin)
	return o
}

// threadName labels a compact thread id. Id 0 is the thread that started
// the capture.
func threadName(tid uint64) string {
	return "thread " + strconv.FormatUint(tid, 10)
}
