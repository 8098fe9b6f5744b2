package script

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/segments"
	"colonymem.dev/internal/sim/cycle"
)

func testHost(t *testing.T, src string) *Host {
	t.Helper()
	h := New(Options{CPULimit: 200 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	if err := h.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

func testContext(policy schema.UnknownRolePolicy, live ...string) *cycle.Context {
	return &cycle.Context{
		Tick:     7,
		Shard:    "shard0",
		Memory:   registry.New(),
		Segments: segments.New(segments.MaxActive, segments.MaxBytes),
		Live:     map[registry.Category][]string{registry.Creeps: live},
		Policy:   policy,
		Logger:   log.New(io.Discard, "", 0),
	}
}

func TestLoop_RegistersDefaultForLiveCreep(t *testing.T) {
	h := testHost(t, `
function loop() {
  for (const name of Object.keys(Game.creeps)) {
    if (!Memory.creeps[name]) Memory.creeps[name] = defaultMemory(ROLES.STARTUP_FEEDER);
  }
  Memory.lastTick = Game.time;
}`)
	ctx := testContext(schema.PolicyReject, "Harvester1")
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	m, ok := ctx.Memory.Creep("Harvester1")
	if !ok {
		t.Fatalf("Harvester1 not registered")
	}
	f, ok := m.(*schema.StartupFeeder)
	if !ok {
		t.Fatalf("role=%s want startup_feeder", m.Role())
	}
	if f.State != schema.StateHarvest || !f.Source.IsNull() || !f.Spawn.IsNull() {
		t.Fatalf("feeder=%+v", f)
	}
	if got := string(ctx.Memory.Extra["lastTick"]); got != "7" {
		t.Fatalf("lastTick=%s want=7", got)
	}
}

func TestLoop_ExposesResultCodes(t *testing.T) {
	h := testHost(t, `function loop() { Memory.codes = [OK, ERR_FULL, ERR_NOT_ENOUGH_ENERGY, ERR_GCL_NOT_ENOUGH]; }`)
	ctx := testContext(schema.PolicyReject)
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if got := string(ctx.Memory.Extra["codes"]); got != "[0,-8,-6,-15]" {
		t.Fatalf("codes=%s", got)
	}
}

func TestLoop_UnknownRoleFollowsPolicy(t *testing.T) {
	src := `function loop() { Memory.creeps.X = {role: "bogus"}; }`

	ctx := testContext(schema.PolicyReject)
	err := testHost(t, src).Loop(ctx)
	var ure *schema.UnknownRoleError
	if !errors.As(err, &ure) {
		t.Fatalf("err=%v want UnknownRoleError", err)
	}

	ctx = testContext(schema.PolicyCoerceNone)
	if err := testHost(t, src).Loop(ctx); err != nil {
		t.Fatalf("coerce: %v", err)
	}
	m, ok := ctx.Memory.Creep("X")
	if !ok || m.Role() != schema.RoleNone {
		t.Fatalf("X=%v ok=%v", m, ok)
	}
	if got := ctx.Coerced(); len(got) != 1 || got[0] != "X" {
		t.Fatalf("coerced=%v", got)
	}
}

func TestLoop_CPULimitInterrupts(t *testing.T) {
	h := New(Options{CPULimit: 50 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	if err := h.Load(`function loop() { while (true) {} }`); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err := h.Loop(testContext(schema.PolicyReject))
	if !errors.Is(err, ErrCPULimit) {
		t.Fatalf("err=%v want ErrCPULimit", err)
	}
	// The runtime is usable again on the next tick.
	if err := h.Load(`function loop() {}`); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := h.Loop(testContext(schema.PolicyReject)); err != nil {
		t.Fatalf("Loop after interrupt: %v", err)
	}
}

func TestLoop_SegmentsActivateNextTick(t *testing.T) {
	h := testHost(t, `
function loop() {
  RawMemory.setActiveSegments([3]);
  if (RawMemory.segments[3] !== undefined) RawMemory.segments[3] = "t" + Game.time;
}`)
	ctx := testContext(schema.PolicyReject)
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := ctx.Segments.Active(); len(got) != 0 {
		t.Fatalf("active before advance=%v", got)
	}
	ctx.Segments.Advance()
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	v, err := ctx.Segments.Get(3)
	if err != nil || v != "t7" {
		t.Fatalf("segment 3=%q err=%v", v, err)
	}
}

func TestLoop_InactiveSegmentWriteFails(t *testing.T) {
	h := testHost(t, `function loop() { RawMemory.segments[5] = "x"; }`)
	if err := h.Loop(testContext(schema.PolicyReject)); err == nil {
		t.Fatalf("expected error writing inactive segment")
	}
}

func TestLoop_ThrowIsLoopError(t *testing.T) {
	h := testHost(t, `function loop() { throw new Error("boom"); }`)
	if err := h.Loop(testContext(schema.PolicyReject)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_RequiresLoopAndBlocksEval(t *testing.T) {
	h := New(Options{Logger: log.New(io.Discard, "", 0)})
	if err := h.Load(`var x = 1;`); err == nil {
		t.Fatalf("expected missing loop error")
	}
	if err := h.Load(`function loop( {`); err == nil {
		t.Fatalf("expected compile error")
	}
	if err := h.Load(`eval("1"); function loop() {}`); err == nil {
		t.Fatalf("expected eval to be unavailable")
	}
}

func TestReload_SwapsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.js")
	if err := os.WriteFile(path, []byte(`function loop() { Memory.v = 1; }`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := Open(Options{Path: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := testContext(schema.PolicyReject)
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if got := string(ctx.Memory.Extra["v"]); got != "1" {
		t.Fatalf("v=%s want=1", got)
	}

	if err := os.WriteFile(path, []byte(`function loop( {`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if err := os.WriteFile(path, []byte(`function loop() { Memory.v = 2; }`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := h.Loop(ctx); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if got := string(ctx.Memory.Extra["v"]); got != "2" {
		t.Fatalf("v=%s want=2", got)
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.js")
	if err := os.WriteFile(path, []byte(`function loop() {}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := Open(Options{Path: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx, 10*time.Millisecond) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop")
	}
}

func TestHost_DrivesRunner(t *testing.T) {
	h := testHost(t, `
function loop() {
  for (const name of Object.keys(Game.creeps)) {
    if (!Memory.creeps[name]) Memory.creeps[name] = defaultMemory("startup_upgrader");
  }
}`)
	live := cycle.NewLiveSet()
	live.Add(registry.Creeps, "Upgrader1")
	r, err := cycle.New(cycle.Config{Shard: "shard0", TickRateHz: 10}, h, live, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("cycle.New: %v", err)
	}
	e := r.StepOnce()
	if e.LoopError != "" {
		t.Fatalf("loop error: %s", e.LoopError)
	}
	if len(e.Changed) != 1 || e.Changed[0].Name != "Upgrader1" || e.Changed[0].Role != "startup_upgrader" {
		t.Fatalf("changed=%+v", e.Changed)
	}
	if got := string(e.Changed[0].Value); got != `{"role":"startup_upgrader","state":"harvest","source":null}` {
		t.Fatalf("value=%s", got)
	}
}

func TestHost_ProfilerKeyPersistsAcrossTicks(t *testing.T) {
	h := testHost(t, `
function loop() {
  if (!Memory.profiller) Memory.profiller = {f: {sum: 0, count: 0}};
  Memory.profiller.f.sum += 1;
  Memory.profiller.f.count += 1;
  Memory.seen = Memory.profiller.f.sum;
}`)
	r, err := cycle.New(cycle.Config{Shard: "shard0", TickRateHz: 10, Profiler: true}, h, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("cycle.New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if e := r.StepOnce(); e.LoopError != "" {
			t.Fatalf("tick %d: loop error: %s", i, e.LoopError)
		}
	}
	mem := r.Memory()
	if got := string(mem.Extra["seen"]); got != "3" {
		t.Fatalf("seen=%s want=3", got)
	}
	if f := mem.Profiler["f"]; f.Sum != 3 || f.Count != 3 {
		t.Fatalf("profiler f=%+v", f)
	}
	if loop := mem.Profiler["loop"]; loop.Count != 3 {
		t.Fatalf("profiler loop=%+v", loop)
	}
	raw, err := mem.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), `"profiller":{`) || strings.Contains(string(raw), `"profiler":`) {
		t.Fatalf("memory=%s", raw)
	}
}
