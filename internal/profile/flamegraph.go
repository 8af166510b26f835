package profile

import (
	"math"
	"sort"
)

// Type names a profile family queried from the profiler.
type Type string

const (
	TypeCPU    Type = "cpu"
	TypeMemory Type = "memory"
	TypeMutex  Type = "mutex"
)

// Types lists the profile families in report order.
var Types = []Type{TypeCPU, TypeMemory, TypeMutex}

// DefaultTopN is the number of hot functions kept per profile when the caller does not say.
const DefaultTopN = 5

// Flamebearer is the flattened flame graph returned by the profiler render API.
// Each level holds groups of four integers: offset, total, self, name index.
type Flamebearer struct {
	Names    []string  `json:"names"`
	Levels   [][]int64 `json:"levels"`
	NumTicks int64     `json:"numTicks"`
	MaxSelf  int64     `json:"maxSelf"`
}

// HotFunction is one entry of a top-N list.
type HotFunction struct {
	FunctionName string  `json:"function_name"`
	SelfValue    int64   `json:"self_value"`
	PctOfTotal   float64 `json:"pct_of_total"`
}

const groupWidth = 4

// SelfTotals sums self values per function across every stack position.
// Groups whose name index falls outside the names table are skipped.
func SelfTotals(fb Flamebearer) map[string]int64 {
	totals := make(map[string]int64)
	for _, level := range fb.Levels {
		for i := 0; i+groupWidth-1 < len(level); i += groupWidth {
			self := level[i+2]
			nameIdx := level[i+3]
			if nameIdx < 0 || nameIdx >= int64(len(fb.Names)) || self <= 0 {
				continue
			}
			totals[fb.Names[nameIdx]] += self
		}
	}
	return totals
}

// TopFunctions returns the n functions with the highest self value. Percentages
// are computed against the profile's total ticks, not against the returned subset.
func TopFunctions(fb Flamebearer, n int) []HotFunction {
	if fb.NumTicks <= 0 {
		return []HotFunction{}
	}
	if n <= 0 {
		n = DefaultTopN
	}

	totals := SelfTotals(fb)
	out := make([]HotFunction, 0, len(totals))
	for name, self := range totals {
		out = append(out, HotFunction{FunctionName: name, SelfValue: self})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SelfValue == out[j].SelfValue {
			return out[i].FunctionName < out[j].FunctionName
		}
		return out[i].SelfValue > out[j].SelfValue
	})
	if len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].PctOfTotal = roundPct(float64(out[i].SelfValue) / float64(fb.NumTicks) * 100)
	}
	return out
}

// TopPct returns the share of the hottest function, or 0 for an empty list.
func TopPct(funcs []HotFunction) float64 {
	if len(funcs) == 0 {
		return 0
	}
	return funcs[0].PctOfTotal
}

func roundPct(v float64) float64 {
	return math.Round(v*10) / 10
}
