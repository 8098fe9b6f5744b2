package cycle

import (
	"time"

	"colonymem.dev/internal/memory/registry"
)

type Metrics struct {
	Tick    uint64
	Records map[registry.Category]int
	Roles   map[string]int

	StepMS float64
	LoopMS float64

	CommitsTotal    uint64
	LoopErrorsTotal uint64
	CoercedTotal    uint64
	PrunedTotal     uint64
	ChangesTotal    uint64
	LastLoopError   string

	SegmentsActive int
	SegmentBytes   int
	Subscribers    int
	AdminQueue     int
}

func (r *Runner) updateMetrics(entry CommitEntry, step time.Duration) {
	records := make(map[registry.Category]int, len(registry.Categories()))
	for _, c := range registry.Categories() {
		records[c] = r.mem.Len(c)
	}
	roles := map[string]int{}
	for _, n := range r.mem.Names(registry.Creeps) {
		m, _ := r.mem.Creep(n)
		roles[string(m.Role())]++
	}
	r.subMu.Lock()
	subs := len(r.subs)
	r.subMu.Unlock()

	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	m := &r.metrics
	m.Tick = entry.Tick
	m.Records = records
	m.Roles = roles
	m.StepMS = float64(step.Microseconds()) / 1000
	m.LoopMS = entry.CPUMs
	m.CommitsTotal++
	if entry.LoopError != "" {
		m.LoopErrorsTotal++
		m.LastLoopError = entry.LoopError
	}
	m.CoercedTotal += uint64(len(entry.Coerced))
	m.PrunedTotal += uint64(len(entry.Pruned))
	m.ChangesTotal += uint64(len(entry.Changed))
	m.SegmentsActive = len(r.segs.Active())
	m.SegmentBytes = r.segs.Size()
	m.Subscribers = subs
}

// Metrics returns the values recorded at the end of the last tick. Safe to
// call from any goroutine.
func (r *Runner) Metrics() Metrics {
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()
	m := r.metrics
	m.Records = make(map[registry.Category]int, len(r.metrics.Records))
	for k, v := range r.metrics.Records {
		m.Records[k] = v
	}
	m.Roles = make(map[string]int, len(r.metrics.Roles))
	for k, v := range r.metrics.Roles {
		m.Roles[k] = v
	}
	m.AdminQueue = len(r.admin)
	if m.Tick == 0 && m.CommitsTotal == 0 {
		m.Tick = r.tick.Load()
	}
	return m
}
