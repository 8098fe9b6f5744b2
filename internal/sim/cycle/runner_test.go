package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/persistence/snapshot"
)

type captureCommits struct {
	mu      sync.Mutex
	entries []CommitEntry
}

func (c *captureCommits) WriteCommit(e CommitEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

type captureAudits struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAudits) WriteAudit(e AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureAudits) all() []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuditEntry(nil), c.entries...)
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestRunner(t *testing.T, cfg Config, consumer Consumer, live LiveSource) *Runner {
	t.Helper()
	if cfg.Shard == "" {
		cfg.Shard = "test"
	}
	if cfg.TickRateHz == 0 {
		cfg.TickRateHz = 50
	}
	r, err := New(cfg, consumer, live, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestStepOnce_RegistersDefaultAndCommits(t *testing.T) {
	live := NewLiveSet()
	live.Add(registry.Creeps, "Harvester1")
	consumer := ConsumerFunc(func(ctx *Context) error {
		for _, n := range ctx.LiveNames(registry.Creeps) {
			if _, err := ctx.EnsureCreep(n, schema.RoleStartupFeeder); err != nil {
				return err
			}
		}
		return nil
	})
	r := newTestRunner(t, Config{}, consumer, live)
	logs := &captureCommits{}
	r.SetCommitLogger(logs)

	e := r.StepOnce()
	if e.Tick != 0 || r.CurrentTick() != 1 {
		t.Fatalf("tick=%d current=%d", e.Tick, r.CurrentTick())
	}
	if len(e.Changed) != 1 || e.Changed[0].Name != "Harvester1" || e.Changed[0].Role != "startup_feeder" {
		t.Fatalf("changed=%+v", e.Changed)
	}
	want := `{"role":"startup_feeder","state":"harvest","source":null,"spawn":null}`
	if string(e.Changed[0].Value) != want {
		t.Fatalf("value=%s want %s", e.Changed[0].Value, want)
	}
	d, _ := Digest(r.Memory())
	if e.Digest != d || r.LastDigest() != d {
		t.Fatalf("digest mismatch")
	}

	e2 := r.StepOnce()
	if len(e2.Changed) != 0 {
		t.Fatalf("second tick changed=%+v", e2.Changed)
	}
	if e2.Digest != e.Digest {
		t.Fatalf("digest changed without writes")
	}
	if len(logs.entries) != 2 {
		t.Fatalf("commit log entries=%d", len(logs.entries))
	}
}

func TestStepOnce_ConsumerErrorDiscardsWrites(t *testing.T) {
	fail := true
	consumer := ConsumerFunc(func(ctx *Context) error {
		_ = ctx.Memory.SetCreep("x", &schema.None{})
		_ = ctx.Segments.SetActive([]int{1})
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	r := newTestRunner(t, Config{}, consumer, nil)
	e := r.StepOnce()
	if e.LoopError != "boom" || len(e.Changed) != 0 {
		t.Fatalf("entry=%+v", e)
	}
	if _, ok := r.Memory().Creep("x"); ok {
		t.Fatalf("failed tick leaked a write")
	}
	r.Segments().Advance()
	if len(r.Segments().Active()) != 0 {
		t.Fatalf("failed tick leaked a segment request")
	}

	fail = false
	if e := r.StepOnce(); len(e.Changed) != 1 {
		t.Fatalf("changed=%+v", e.Changed)
	}
}

func TestStepOnce_RecoversPanic(t *testing.T) {
	r := newTestRunner(t, Config{}, ConsumerFunc(func(*Context) error { panic("bad") }), nil)
	e := r.StepOnce()
	if e.LoopError == "" {
		t.Fatalf("expected loop error from panic")
	}
	if r.Metrics().LoopErrorsTotal != 1 {
		t.Fatalf("metrics=%+v", r.Metrics())
	}
}

func TestStepOnce_InvalidCreepEditDiscardsTick(t *testing.T) {
	tick := 0
	consumer := ConsumerFunc(func(ctx *Context) error {
		tick++
		switch tick {
		case 1:
			return ctx.Memory.SetCreep("x", &schema.StartupFeeder{State: schema.StateHarvest})
		case 2:
			_ = ctx.Memory.SetCreep("y", &schema.None{})
			m, _ := ctx.Memory.Creep("x")
			m.(*schema.StartupFeeder).State = "sleep"
		}
		return nil
	})
	r := newTestRunner(t, Config{Policy: schema.PolicyReject}, consumer, nil)
	r.StepOnce()
	e := r.StepOnce()
	if !strings.Contains(e.LoopError, `creeps["x"]`) || len(e.Changed) != 0 {
		t.Fatalf("entry=%+v", e)
	}
	if _, ok := r.Memory().Creep("y"); ok {
		t.Fatalf("invalid tick leaked a write")
	}
	m, _ := r.Memory().Creep("x")
	if m.(*schema.StartupFeeder).State != schema.StateHarvest {
		t.Fatalf("x=%+v", m)
	}

	raw, err := r.Memory().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := registry.Decode(raw, schema.PolicyReject); err != nil {
		t.Fatalf("committed memory does not reload: %v", err)
	}
}

func TestStepOnce_NilCreepRecordIsRejected(t *testing.T) {
	var setErr error
	consumer := ConsumerFunc(func(ctx *Context) error {
		setErr = ctx.Memory.SetCreep("x", (*schema.StartupFeeder)(nil))
		if err := ctx.Memory.Set(registry.Creeps, "y", nil); err == nil {
			return errors.New("nil value accepted")
		}
		return nil
	})
	r := newTestRunner(t, Config{}, consumer, nil)
	e := r.StepOnce()
	if setErr == nil {
		t.Fatalf("SetCreep accepted a nil record")
	}
	if e.LoopError != "" || len(e.Changed) != 0 {
		t.Fatalf("entry=%+v", e)
	}
	if r.Memory().Len(registry.Creeps) != 0 {
		t.Fatalf("creeps=%v", r.Memory().Names(registry.Creeps))
	}
}

func TestStepOnce_PrunesDeadNames(t *testing.T) {
	live := NewLiveSet()
	live.Add(registry.Creeps, "a")
	r := newTestRunner(t, Config{PruneDead: true}, nil, live)
	_ = r.Memory().SetCreep("a", &schema.None{})
	_ = r.Memory().SetCreep("b", &schema.None{})
	_ = r.Memory().Set(registry.Flags, "f", registry.Record{})

	e := r.StepOnce()
	if len(e.Pruned) != 1 || e.Pruned[0] != "creeps/b" {
		t.Fatalf("pruned=%v", e.Pruned)
	}
	if _, ok := r.Memory().Get(registry.Flags, "f"); !ok {
		t.Fatalf("untracked category was pruned")
	}
}

func TestStepOnce_ProfilerRecordsLoop(t *testing.T) {
	r := newTestRunner(t, Config{Profiler: true}, nil, nil)
	e := r.StepOnce()
	if !e.Profiled {
		t.Fatalf("expected profiled entry")
	}
	if r.Memory().Profiler["loop"].Count != 1 {
		t.Fatalf("profiler=%+v", r.Memory().Profiler)
	}
}

func TestStepOnce_SnapshotBoundaries(t *testing.T) {
	r := newTestRunner(t, Config{SnapshotEveryTicks: 3, ArchiveEveryTicks: 5}, nil, nil)
	ch := make(chan snapshot.SnapshotV1, 16)
	r.SetSnapshotSink(ch)
	for i := 0; i < 10; i++ {
		r.StepOnce()
	}
	close(ch)
	var ticks []uint64
	for s := range ch {
		ticks = append(ticks, s.Header.Tick)
	}
	want := []uint64{2, 4, 5, 8, 9}
	if len(ticks) != len(want) {
		t.Fatalf("snapshot ticks=%v want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("snapshot ticks=%v want %v", ticks, want)
		}
	}
}

func TestRestore_ResumesAfterSnapshotTick(t *testing.T) {
	src := newTestRunner(t, Config{}, ConsumerFunc(func(ctx *Context) error {
		_, err := ctx.EnsureCreep("u", schema.RoleStartupUpgrader)
		return err
	}), nil)
	src.StepOnce()
	snap, err := src.ExportSnapshot(0)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	dst := newTestRunner(t, Config{}, nil, nil)
	if _, err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if dst.CurrentTick() != 1 || dst.LastDigest() != snap.Digest {
		t.Fatalf("tick=%d digest=%s want %s", dst.CurrentTick(), dst.LastDigest(), snap.Digest)
	}

	other := newTestRunner(t, Config{Shard: "elsewhere"}, nil, nil)
	if _, err := other.Restore(snap); err == nil {
		t.Fatalf("expected shard mismatch error")
	}
}

func TestRestore_AppliesPolicy(t *testing.T) {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Shard: "test", Tick: 7},
		Memory: json.RawMessage(`{"creeps":{"z":{"role":"zombie"}}}`),
	}
	strict := newTestRunner(t, Config{Policy: schema.PolicyReject}, nil, nil)
	var ure *schema.UnknownRoleError
	if _, err := strict.Restore(snap); !errors.As(err, &ure) {
		t.Fatalf("expected UnknownRoleError, got %v", err)
	}
	lax := newTestRunner(t, Config{Policy: schema.PolicyCoerceNone}, nil, nil)
	rep, err := lax.Restore(snap)
	if err != nil || len(rep.Coerced) != 1 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	bad := snap
	bad.Memory = json.RawMessage(`{"creeps":[1]}`)
	if _, err := lax.Restore(bad); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestAdmin_PutInspectDeleteBetweenTicks(t *testing.T) {
	r := newTestRunner(t, Config{TickRateHz: 100}, nil, nil)
	audits := &captureAudits{}
	commits := &captureCommits{}
	r.SetAuditLogger(audits)
	r.SetCommitLogger(commits)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = r.Run(runCtx)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	body := []byte(`{"role":"startup_upgrader","state":"upgrade","source":"s1"}`)
	if err := r.Put(ctx, "tester", registry.Creeps, "U1", body); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Inspect(ctx, registry.Creeps, "U1")
	if err != nil || string(got) != string(body) {
		t.Fatalf("Inspect=%s err=%v", got, err)
	}
	if err := r.Put(ctx, "tester", registry.Creeps, "U2", []byte(`{"role":"none","x":1}`)); err == nil {
		t.Fatalf("expected strict validation error")
	}
	all, err := r.List(ctx, registry.Creeps)
	if err != nil || len(all) != 1 {
		t.Fatalf("List=%v err=%v", all, err)
	}
	if err := r.Delete(ctx, "tester", registry.Creeps, "U1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(ctx, "tester", registry.Creeps, "U1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err=%v", err)
	}
	if _, err := r.Inspect(ctx, registry.Creeps, "U1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Inspect after delete err=%v", err)
	}
	if _, err := r.List(ctx, registry.Category("nope")); err == nil {
		t.Fatalf("expected unknown category error")
	}

	as := audits.all()
	if len(as) != 2 || as[0].Action != "put" || as[1].Action != "delete" || string(as[1].Before) != string(body) {
		t.Fatalf("audits=%+v", as)
	}
}

func TestAdmin_EditsAppearInNextCommit(t *testing.T) {
	r := newTestRunner(t, Config{}, nil, nil)
	r.StepOnce()

	// Drive the admin request by hand so no ticker is involved.
	ctx := context.Background()
	errc := make(chan error, 1)
	go func() {
		errc <- r.Put(ctx, "tester", registry.Rooms, "W1N1", []byte(`{"owner":"me"}`))
	}()
	req := <-r.admin
	req.serve()
	if err := <-errc; err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := r.StepOnce()
	if len(e.Changed) != 1 || e.Changed[0].Category != "rooms" || string(e.Changed[0].Value) != `{"owner":"me"}` {
		t.Fatalf("changed=%+v", e.Changed)
	}
}

func TestAdmin_AbandonedRequestDoesNotMutate(t *testing.T) {
	r := newTestRunner(t, Config{}, nil, nil)
	audits := &captureAudits{}
	r.SetAuditLogger(audits)
	_ = r.Memory().Set(registry.Rooms, "W1N1", registry.Record{"owner": "me"})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- r.Delete(ctx, "tester", registry.Rooms, "W1N1")
	}()
	req := <-r.admin
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Delete err=%v", err)
	}
	req.serve()

	if _, ok := r.Memory().Get(registry.Rooms, "W1N1"); !ok {
		t.Fatalf("abandoned delete removed the record")
	}
	if as := audits.all(); len(as) != 0 {
		t.Fatalf("audits=%+v", as)
	}
	// A retry after the timeout still finds the record.
	errc2 := make(chan error, 1)
	go func() {
		errc2 <- r.Delete(context.Background(), "tester", registry.Rooms, "W1N1")
	}()
	(<-r.admin).serve()
	if err := <-errc2; err != nil {
		t.Fatalf("retried Delete: %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	r := newTestRunner(t, Config{}, nil, nil)
	id, ch := r.Subscribe(1)
	r.StepOnce()
	r.StepOnce()
	e := <-ch
	if e.Tick != 0 {
		t.Fatalf("tick=%d", e.Tick)
	}
	r.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Config{Shard: "s"}, nil, nil, nil); err == nil {
		t.Fatalf("expected tick rate error")
	}
	if _, err := New(Config{Shard: "s", TickRateHz: 1, Policy: "drop"}, nil, nil, nil); err == nil {
		t.Fatalf("expected policy error")
	}
}
