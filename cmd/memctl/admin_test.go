package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/persistence/indexdb"
	persistlog "colonymem.dev/internal/persistence/log"
	"colonymem.dev/internal/persistence/snapshot"
	"colonymem.dev/internal/sim/cycle"
)

func writeAudits(t *testing.T, shardDir string, entries ...cycle.AuditEntry) {
	t.Helper()
	l := persistlog.NewAuditLogger(shardDir)
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close audit: %v", err)
	}
}

func TestRollback_RestoresBeforeValues(t *testing.T) {
	dataDir := t.TempDir()
	shardDir := filepath.Join(dataDir, "shards", "shard0")
	writeSnap(t, dataDir, 5, `{"creeps":{"A":{"role":"startup_feeder","state":"feed","source":null,"spawn":null},"B":{"role":"none"}},"flags":{"F":{"x":1}}}`)
	writeAudits(t, shardDir,
		cycle.AuditEntry{Tick: 2, Actor: "ops", Action: "put", Category: "creeps", Name: "A",
			Before: []byte(`{"role":"startup_feeder","state":"harvest","source":null,"spawn":null}`),
			After:  []byte(`{"role":"startup_feeder","state":"feed","source":null,"spawn":null}`)},
		cycle.AuditEntry{Tick: 4, Actor: "ops", Action: "put", Category: "creeps", Name: "B",
			After: []byte(`{"role":"none"}`)},
		cycle.AuditEntry{Tick: 4, Actor: "bot", Action: "delete", Category: "flags", Name: "G",
			Before: []byte(`{"x":2}`)},
		cycle.AuditEntry{Tick: 9, Actor: "ops", Action: "delete", Category: "creeps", Name: "A"},
	)

	out, err := run(t, "rollback", "", "-data", dataDir, "-actor", "ops", "-yes")
	if err != nil {
		t.Fatalf("rollback: %v\n%s", err, out)
	}
	if !strings.Contains(out, "entries=2") {
		t.Fatalf("output:\n%s", out)
	}
	snap, err := snapshot.ReadSnapshot(filepath.Join(shardDir, "snapshots", "5.rollback.snap.zst"))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	reg, _, err := registry.Decode(snap.Memory, schema.PolicyReject)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a, ok := reg.Creep("A")
	if !ok || a.(*schema.StartupFeeder).State != schema.StateHarvest {
		t.Fatalf("A=%v ok=%v", a, ok)
	}
	if _, ok := reg.Creep("B"); ok {
		t.Fatalf("B should be removed")
	}
	if _, ok := reg.Get(registry.Flags, "G"); ok {
		t.Fatalf("G restored although its actor was filtered out")
	}

	// The rollback file is not picked as the latest snapshot.
	latest, err := snapshot.Latest(filepath.Join(shardDir, "snapshots"))
	if err != nil || filepath.Base(latest) != "5.snap.zst" {
		t.Fatalf("latest=%s err=%v", latest, err)
	}
}

func TestRollback_NameGlob(t *testing.T) {
	dataDir := t.TempDir()
	shardDir := filepath.Join(dataDir, "shards", "shard0")
	writeSnap(t, dataDir, 3, `{"creeps":{"Hauler1":{"role":"none"},"Miner1":{"role":"none"}}}`)
	writeAudits(t, shardDir,
		cycle.AuditEntry{Tick: 1, Action: "put", Category: "creeps", Name: "Hauler1", After: []byte(`{"role":"none"}`)},
		cycle.AuditEntry{Tick: 1, Action: "put", Category: "creeps", Name: "Miner1", After: []byte(`{"role":"none"}`)},
	)
	out := filepath.Join(t.TempDir(), "out.snap.zst")
	if _, err := run(t, "rollback", "", "-data", dataDir, "-name", "Haul*", "-out", out, "-yes"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(out)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if strings.Contains(string(snap.Memory), "Hauler1") || !strings.Contains(string(snap.Memory), "Miner1") {
		t.Fatalf("memory=%s", snap.Memory)
	}

	if _, err := run(t, "rollback", "", "-data", dataDir, "-name", "[", "-yes"); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}

func TestDB_QueriesIndex(t *testing.T) {
	dataDir := t.TempDir()
	shardDir := filepath.Join(dataDir, "shards", "shard0")
	idx, err := indexdb.OpenSQLite(filepath.Join(shardDir, "index", "memory.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	reg, _, err := registry.Decode([]byte(`{"creeps":{"A":{"role":"startup_feeder","state":"feed","source":"s1","spawn":null},"B":{"role":"none"}}}`), schema.PolicyReject)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := idx.Seed(7, reg); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := run(t, "db", "", "-data", dataDir, "-role", "startup_feeder", "creeps")
	if err != nil {
		t.Fatalf("db creeps: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"name":"A"`) || !strings.Contains(lines[0], `"source":"s1"`) {
		t.Fatalf("rows:\n%s", out)
	}

	if _, err := run(t, "db", "", "-data", dataDir, "bogus"); err == nil {
		t.Fatalf("expected unknown query error")
	}
}

func TestRemoteCommands(t *testing.T) {
	type call struct{ method, path, actor, body string }
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, call{r.Method, r.URL.Path, r.Header.Get("X-Actor"), string(b)})
		if r.URL.Path == "/admin/v1/memory/creeps/Missing" {
			http.Error(rw, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_, _ = rw.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	if _, err := run(t, "state", "", "-url", srv.URL); err != nil {
		t.Fatalf("state: %v", err)
	}
	if _, err := run(t, "snapshot", "", "-url", srv.URL+"/"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := run(t, "put", `{"role":"none"}`+"\n", "-url", srv.URL, "-actor", "ops", "-name", "A"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := run(t, "put", "", "-url", srv.URL, "-name", "Missing", "-delete"); err == nil {
		t.Fatalf("expected 404 to fail")
	}

	want := []call{
		{http.MethodGet, "/admin/v1/state", "", ""},
		{http.MethodPost, "/admin/v1/snapshot", "", ""},
		{http.MethodPut, "/admin/v1/memory/creeps/A", "ops", `{"role":"none"}`},
		{http.MethodDelete, "/admin/v1/memory/creeps/Missing", "", ""},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls=%+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d=%+v want %+v", i, calls[i], want[i])
		}
	}
}
