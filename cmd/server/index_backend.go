package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/persistence/indexdb"
	"colonymem.dev/internal/persistence/snapshot"
	"colonymem.dev/internal/sim/cycle"
	"colonymem.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	cycle.CommitLogger
	cycle.AuditLogger
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	Seed(tick uint64, reg *registry.Registry) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	RecordEpoch(epoch int, endTick uint64, archivedSnapshotPath, digest string)
	Stats() indexdb.Stats
}

func openRuntimeIndex(shardDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CM_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(shardDir, "index", "memory.sqlite")
		return indexdb.OpenSQLite(dbPath)
	default:
		return nil, fmt.Errorf("unsupported CM_INDEX_BACKEND: %s", backend)
	}
}

type multiCommitLogger struct {
	a cycle.CommitLogger
	b cycle.CommitLogger
}

func (m multiCommitLogger) WriteCommit(entry cycle.CommitEntry) error {
	if m.a != nil {
		_ = m.a.WriteCommit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteCommit(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a cycle.AuditLogger
	b cycle.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry cycle.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
