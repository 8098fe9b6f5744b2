package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/persistence/snapshot"
	"colonymem.dev/internal/sim/cycle"
	"colonymem.dev/internal/sim/tuning"
)

// SQLiteIndex is a secondary read model over commits, audits and snapshots.
// Writes are queued and applied in batched transactions by one goroutine; the
// JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCommit   atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	dropEpoch    atomic.Uint64
}

type reqKind int

const (
	reqCommit reqKind = iota + 1
	reqAudit
	reqSnapshot
	reqEpoch
)

type req struct {
	kind reqKind

	commit   cycle.CommitEntry
	audit    cycle.AuditEntry
	snapshot snapshotRow
	epoch    epochRow
}

type snapshotRow struct {
	Tick        uint64
	Path        string
	Shard       string
	Digest      string
	Records     map[registry.Category]int
	Segments    int
	RecordedAt  string
	MemoryBytes int
}

type epochRow struct {
	Epoch      int
	EndTick    uint64
	Path       string
	Digest     string
	RecordedAt string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropCommitTotal   uint64
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
	DropEpochTotal    uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commits (
			tick INTEGER PRIMARY KEY,
			commit_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			changes INTEGER NOT NULL,
			coerced INTEGER NOT NULL,
			pruned INTEGER NOT NULL,
			loop_error TEXT,
			cpu_ms REAL NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			op TEXT NOT NULL,
			role TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_name_tick ON changes(category, name, tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE TABLE IF NOT EXISTS creeps (
			name TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			state TEXT,
			source TEXT,
			spawn TEXT,
			updated_tick INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_creeps_role ON creeps(role);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			shard TEXT NOT NULL,
			digest TEXT NOT NULL,
			creeps INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			rooms INTEGER NOT NULL,
			spawns INTEGER NOT NULL,
			power_creeps INTEGER NOT NULL,
			segments INTEGER NOT NULL,
			memory_bytes INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			epoch INTEGER PRIMARY KEY,
			end_tick INTEGER NOT NULL,
			snapshot_path TEXT NOT NULL,
			digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epochs_end_tick ON epochs(end_tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropCommitTotal:   s.dropCommit.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropEpochTotal:    s.dropEpoch.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind.
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteCommit(entry cycle.CommitEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.enqueue(req{kind: reqCommit, commit: entry}, &s.dropCommit)
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry cycle.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.enqueue(req{kind: reqAudit, audit: entry}, &s.dropAudit)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:        snap.Header.Tick,
		Path:        path,
		Shard:       snap.Header.Shard,
		Digest:      snap.Digest,
		Records:     map[registry.Category]int{},
		Segments:    len(snap.Segments.Data),
		MemoryBytes: len(snap.Memory),
		RecordedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, c := range registry.Categories() {
		n := 0
		gjson.GetBytes(snap.Memory, gjsonKey(string(c))).ForEach(func(_, _ gjson.Result) bool {
			n++
			return true
		})
		r.Records[c] = n
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r}, &s.dropSnapshot)
}

func (s *SQLiteIndex) RecordEpoch(epoch int, endTick uint64, archivedSnapshotPath, digest string) {
	if s == nil || s.closed.Load() {
		return
	}
	if epoch <= 0 || archivedSnapshotPath == "" {
		return
	}
	r := epochRow{
		Epoch:      epoch,
		EndTick:    endTick,
		Path:       archivedSnapshotPath,
		Digest:     digest,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.enqueue(req{kind: reqEpoch, epoch: r}, &s.dropEpoch)
}

// UpsertTuning stores the tuning values in effect, keyed by digest. It shares
// the writer's connection; call it before queuing writes.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(tune)
	sum := sha256.Sum256(b)
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	rows := [][2]string{
		{"schema_version", "1"},
		{"tuning_json", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"shard", tune.Shard},
	}
	for _, r := range rows {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, r[0], r[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Seed replaces the creeps table with the contents of a loaded root. Used
// after resuming from a snapshot so the read model matches memory. Like
// UpsertTuning it must run before writes are queued.
func (s *SQLiteIndex) Seed(tick uint64, reg *registry.Registry) error {
	if s == nil {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM creeps`); err != nil {
		return err
	}
	for _, n := range reg.Names(registry.Creeps) {
		v, _ := reg.Get(registry.Creeps, n)
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := upsertCreep(tx, tick, n, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertCreep(tx execer, tick uint64, name string, value []byte) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO creeps(name,role,state,source,spawn,updated_tick) VALUES(?,?,?,?,?,?)`,
		name,
		gjson.GetBytes(value, "role").String(),
		nullable(gjson.GetBytes(value, "state")),
		nullable(gjson.GetBytes(value, "source")),
		nullable(gjson.GetBytes(value, "spawn")),
		int64(tick),
	)
	return err
}

func nullable(r gjson.Result) any {
	if r.Type != gjson.String {
		return nil
	}
	return r.Str
}

// gjsonKey escapes path metacharacters so a category name is matched literally.
func gjsonKey(k string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(k)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCommit, _ := s.db.Prepare(`INSERT OR REPLACE INTO commits(tick,commit_id,digest,changes,coerced,pruned,loop_error,cpu_ms,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO changes(tick,seq,category,name,op,role) VALUES(?,?,?,?,?,?)`)
	deleteCreep, _ := s.db.Prepare(`DELETE FROM creeps WHERE name=?`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,action,category,name,reason,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,shard,digest,creeps,flags,rooms,spawns,power_creeps,segments,memory_bytes,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEpoch, _ := s.db.Prepare(`INSERT OR REPLACE INTO epochs(epoch,end_tick,snapshot_path,digest,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertCommit, insertChange, deleteCreep, insertAudit, insertSnapshot, insertEpoch} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCommit:
			e := r.commit
			b, _ := json.Marshal(e)
			if insertCommit != nil {
				if _, err := tx.Stmt(insertCommit).Exec(
					int64(e.Tick),
					e.CommitID,
					e.Digest,
					len(e.Changed),
					len(e.Coerced),
					len(e.Pruned),
					e.LoopError,
					e.CPUMs,
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for i, ch := range e.Changed {
				if insertChange != nil {
					if _, err := tx.Stmt(insertChange).Exec(int64(e.Tick), i, ch.Category, ch.Name, ch.Op, ch.Role); err != nil {
						rollback()
						break
					}
					opCount++
				}
				if ch.Category != string(registry.Creeps) {
					continue
				}
				var err error
				switch ch.Op {
				case registry.OpSet:
					err = upsertCreep(tx, e.Tick, ch.Name, ch.Value)
				case registry.OpRemove:
					if deleteCreep != nil {
						_, err = tx.Stmt(deleteCreep).Exec(ch.Name)
					}
				}
				if err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					int64(a.Tick),
					seq,
					a.Actor,
					a.Action,
					a.Category,
					a.Name,
					a.Reason,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(sn.Tick),
					sn.Path,
					sn.Shard,
					sn.Digest,
					sn.Records[registry.Creeps],
					sn.Records[registry.Flags],
					sn.Records[registry.Rooms],
					sn.Records[registry.Spawns],
					sn.Records[registry.PowerCreeps],
					sn.Segments,
					sn.MemoryBytes,
					sn.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqEpoch:
			ep := r.epoch
			if insertEpoch != nil {
				if _, err := tx.Stmt(insertEpoch).Exec(
					ep.Epoch,
					int64(ep.EndTick),
					ep.Path,
					ep.Digest,
					ep.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
