package metrics

import (
	"math"
	"sort"

	"github.com/getsentry/calltracer/internal/calltrace"
	"github.com/getsentry/calltracer/internal/nodetree"
	"github.com/getsentry/calltracer/internal/quantile"
)

const (
	// MaxSelfTimesPerFunction bounds the self times kept per function. The
	// most recent ones are kept.
	MaxSelfTimesPerFunction = 1000
	// trackedFunctionsFactor times MaxUniqueFunctions functions are tracked
	// before the lightest ones are evicted.
	trackedFunctionsFactor = 10
)

type FunctionsMetadata struct {
	MaxVal   uint64
	WorstID  string
	Examples []string
}

// Aggregator accumulates per-function self times over several captures.
// It is not safe for concurrent use.
type Aggregator struct {
	MaxUniqueFunctions uint
	MaxNumOfExamples   uint
	CallTreeFunctions  map[uint64]nodetree.CallTreeFunction
	FunctionsMetadata  map[uint64]FunctionsMetadata
}

type FunctionMetrics struct {
	Name        string   `json:"name"`
	File        string   `json:"filename,omitempty"`
	Fingerprint uint64   `json:"fingerprint"`
	InApp       bool     `json:"in_app"`
	P50         uint64   `json:"p50"`
	P75         uint64   `json:"p75"`
	P95         uint64   `json:"p95"`
	P99         uint64   `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         uint64   `json:"sum"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(maxUniqueFunctions uint, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		MaxNumOfExamples:   maxNumOfExamples,
		CallTreeFunctions:  make(map[uint64]nodetree.CallTreeFunction),
		FunctionsMetadata:  make(map[uint64]FunctionsMetadata),
	}
}

// FunctionsFromEvents returns the self times of every function called in a
// capture, heaviest first. Library frames spanning exactly an application
// call are folded into it first.
func FunctionsFromEvents(events []calltrace.TraceEvent) []nodetree.CallTreeFunction {
	results := make(map[uint64]nodetree.CallTreeFunction)
	for _, roots := range nodetree.FromEvents(events) {
		for _, r := range roots {
			for _, n := range r.Collapse() {
				n.CollectFunctions(results)
			}
		}
	}
	functions := make([]nodetree.CallTreeFunction, 0, len(results))
	for _, f := range results {
		functions = append(functions, f)
	}
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].SumSelfTimeNS != functions[j].SumSelfTimeNS {
			return functions[i].SumSelfTimeNS > functions[j].SumSelfTimeNS
		}
		return functions[i].Fingerprint < functions[j].Fingerprint
	})
	return functions
}

// AddFunctions merges the functions of the capture identified by ID. Once the
// aggregator tracks enough functions, a new function only gets in by evicting
// a lighter one.
func (ma *Aggregator) AddFunctions(functions []nodetree.CallTreeFunction, ID string) {
	for _, f := range functions {
		if fn, ok := ma.CallTreeFunctions[f.Fingerprint]; ok {
			fn.SampleCount += f.SampleCount
			fn.SelfTimesNS = trimSelfTimes(append(fn.SelfTimesNS, f.SelfTimesNS...))
			fn.SumSelfTimeNS += f.SumSelfTimeNS
			funcMetadata := ma.FunctionsMetadata[f.Fingerprint]
			if f.SumSelfTimeNS > funcMetadata.MaxVal {
				funcMetadata.MaxVal = f.SumSelfTimeNS
				funcMetadata.WorstID = ID
			}
			if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
				funcMetadata.Examples = append(funcMetadata.Examples, ID)
			}
			ma.FunctionsMetadata[f.Fingerprint] = funcMetadata
			ma.CallTreeFunctions[f.Fingerprint] = fn
			continue
		}
		if !ma.makeRoom(f.SumSelfTimeNS) {
			continue
		}
		f.SelfTimesNS = trimSelfTimes(append([]uint64(nil), f.SelfTimesNS...))
		ma.CallTreeFunctions[f.Fingerprint] = f
		ma.FunctionsMetadata[f.Fingerprint] = FunctionsMetadata{
			MaxVal:   f.SumSelfTimeNS,
			WorstID:  ID,
			Examples: []string{ID},
		}
	}
}

// makeRoom reports whether a new function weighing sum can be tracked,
// evicting the lightest tracked function if needed.
func (ma *Aggregator) makeRoom(sum uint64) bool {
	limit := int(ma.MaxUniqueFunctions) * trackedFunctionsFactor
	if len(ma.CallTreeFunctions) < limit {
		return true
	}
	var (
		lightest    uint64
		lightestSum uint64
		found       bool
	)
	for fingerprint, fn := range ma.CallTreeFunctions {
		if !found || fn.SumSelfTimeNS < lightestSum ||
			(fn.SumSelfTimeNS == lightestSum && fingerprint > lightest) {
			lightest, lightestSum, found = fingerprint, fn.SumSelfTimeNS, true
		}
	}
	if !found || lightestSum >= sum {
		return false
	}
	delete(ma.CallTreeFunctions, lightest)
	delete(ma.FunctionsMetadata, lightest)
	return true
}

func trimSelfTimes(s []uint64) []uint64 {
	if n := len(s); n > MaxSelfTimesPerFunction {
		copy(s, s[n-MaxSelfTimesPerFunction:])
		s = s[:MaxSelfTimesPerFunction]
	}
	return s
}

func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.CallTreeFunctions))

	for _, f := range ma.CallTreeFunctions {
		q := quantile.FromDurations(f.SelfTimesNS)
		q.Sort()
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Function,
			File:        f.File,
			Fingerprint: f.Fingerprint,
			InApp:       f.InApp,
			P50:         round(q.Percentile(0.50)),
			P75:         round(q.Percentile(0.75)),
			P95:         round(q.Percentile(0.95)),
			P99:         round(q.Percentile(0.99)),
			Avg:         average(f),
			Sum:         f.SumSelfTimeNS,
			Count:       uint64(f.SampleCount),
			Worst:       ma.FunctionsMetadata[f.Fingerprint].WorstID,
			Examples:    ma.FunctionsMetadata[f.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

// average divides by the sample count since older self times may have been
// trimmed.
func average(f nodetree.CallTreeFunction) float64 {
	n := f.SampleCount
	if n == 0 {
		n = len(f.SelfTimesNS)
	}
	if n == 0 {
		return 0
	}
	return float64(f.SumSelfTimeNS) / float64(n)
}

func round(v float64) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(math.Round(v))
}
