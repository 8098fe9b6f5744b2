package admin

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/stoewer/go-strcase"

	"colonymem.dev/internal/memory/registry"
)

func (s *Server) handleMetrics(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m := s.r.Metrics()
	shard := s.opts.Shard

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP colonymem_tick Last committed tick.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_tick gauge\n")
	fmt.Fprintf(rw, "colonymem_tick{shard=%q} %d\n", shard, m.Tick)

	fmt.Fprintf(rw, "# HELP colonymem_records Records per memory category.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_records gauge\n")
	for _, c := range registry.Categories() {
		fmt.Fprintf(rw, "colonymem_records{shard=%q,category=%q} %d\n", shard, strcase.SnakeCase(string(c)), m.Records[c])
	}

	fmt.Fprintf(rw, "# HELP colonymem_creeps_by_role Creep records per role.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_creeps_by_role gauge\n")
	roles := make([]string, 0, len(m.Roles))
	for r := range m.Roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	for _, r := range roles {
		fmt.Fprintf(rw, "colonymem_creeps_by_role{shard=%q,role=%q} %d\n", shard, r, m.Roles[r])
	}

	fmt.Fprintf(rw, "# HELP colonymem_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_step_ms gauge\n")
	fmt.Fprintf(rw, "colonymem_step_ms{shard=%q} %.3f\n", shard, m.StepMS)

	fmt.Fprintf(rw, "# HELP colonymem_loop_ms Last consumer loop duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_loop_ms gauge\n")
	fmt.Fprintf(rw, "colonymem_loop_ms{shard=%q} %.3f\n", shard, m.LoopMS)

	fmt.Fprintf(rw, "# HELP colonymem_events_total Commit counters.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_events_total counter\n")
	fmt.Fprintf(rw, "colonymem_events_total{shard=%q,event=%q} %d\n", shard, "commits", m.CommitsTotal)
	fmt.Fprintf(rw, "colonymem_events_total{shard=%q,event=%q} %d\n", shard, "loop_errors", m.LoopErrorsTotal)
	fmt.Fprintf(rw, "colonymem_events_total{shard=%q,event=%q} %d\n", shard, "coerced", m.CoercedTotal)
	fmt.Fprintf(rw, "colonymem_events_total{shard=%q,event=%q} %d\n", shard, "pruned", m.PrunedTotal)
	fmt.Fprintf(rw, "colonymem_events_total{shard=%q,event=%q} %d\n", shard, "changes", m.ChangesTotal)

	fmt.Fprintf(rw, "# HELP colonymem_segments Raw memory segment usage.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_segments gauge\n")
	fmt.Fprintf(rw, "colonymem_segments{shard=%q,metric=%q} %d\n", shard, "active", m.SegmentsActive)
	fmt.Fprintf(rw, "colonymem_segments{shard=%q,metric=%q} %d\n", shard, "bytes", m.SegmentBytes)

	fmt.Fprintf(rw, "# HELP colonymem_queue_depth Pending work per queue.\n")
	fmt.Fprintf(rw, "# TYPE colonymem_queue_depth gauge\n")
	fmt.Fprintf(rw, "colonymem_queue_depth{shard=%q,queue=%q} %d\n", shard, "admin", m.AdminQueue)
	fmt.Fprintf(rw, "colonymem_queue_depth{shard=%q,queue=%q} %d\n", shard, "subscribers", m.Subscribers)

	if s.opts.ExtraMetrics != nil {
		s.opts.ExtraMetrics(rw)
	}
}
