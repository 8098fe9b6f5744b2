package registry

import "sort"

// ProfileEntry accumulates the cost of one profiled symbol across ticks.
type ProfileEntry struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// ProfilerMemory is persisted under the root key "profiler", or under the
// legacy "profiller" when that is the only key it was loaded from.
type ProfilerMemory map[string]ProfileEntry

func (p ProfilerMemory) Record(symbol string, cost float64) {
	e := p[symbol]
	e.Sum += cost
	e.Count++
	p[symbol] = e
}

func (p ProfilerMemory) Average(symbol string) (float64, bool) {
	e, ok := p[symbol]
	if !ok || e.Count == 0 {
		return 0, false
	}
	return e.Sum / float64(e.Count), true
}

func (p ProfilerMemory) Symbols() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
