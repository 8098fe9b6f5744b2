package cycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/segments"
	"colonymem.dev/internal/persistence/snapshot"
)

const profilerLoopSymbol = "loop"

type Config struct {
	Shard              string
	TickRateHz         int
	SnapshotEveryTicks int
	ArchiveEveryTicks  int
	PruneDead          bool
	Profiler           bool
	Policy             schema.UnknownRolePolicy

	MaxActiveSegments int
	MaxSegmentBytes   int
}

// Runner owns the memory root of one shard and advances it one tick at a
// time. All mutation happens on the goroutine running Run (or the caller of
// StepOnce); other goroutines go through the admin request channel.
type Runner struct {
	cfg    Config
	logger *log.Logger

	consumer Consumer
	live     LiveSource

	tick atomic.Uint64

	mem *registry.Registry
	// base is the last committed root while admin edits are pending in mem.
	base   *registry.Registry
	segs   *segments.Store
	digest string

	commitLogger CommitLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1

	admin    chan *adminReq
	stop     chan struct{}
	stopOnce sync.Once

	subMu sync.Mutex
	subs  map[string]chan CommitEntry

	metricsMu sync.RWMutex
	metrics   Metrics
}

func New(cfg Config, consumer Consumer, live LiveSource, logger *log.Logger) (*Runner, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be > 0")
	}
	if cfg.Shard == "" {
		return nil, fmt.Errorf("shard must not be empty")
	}
	policy, err := schema.ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if consumer == nil {
		consumer = ConsumerFunc(func(*Context) error { return nil })
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[cycle] ", log.LstdFlags)
	}
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		consumer: consumer,
		live:     live,
		mem:      registry.New(),
		segs:     segments.New(cfg.MaxActiveSegments, cfg.MaxSegmentBytes),
		admin:    make(chan *adminReq, 64),
		stop:     make(chan struct{}),
		subs:     map[string]chan CommitEntry{},
	}
	r.digest, _ = Digest(r.mem)
	return r, nil
}

func (r *Runner) SetCommitLogger(l CommitLogger)                { r.commitLogger = l }
func (r *Runner) SetAuditLogger(l AuditLogger)                  { r.auditLogger = l }
func (r *Runner) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { r.snapshotSink = ch }
func (r *Runner) Config() Config                                { return r.cfg }

// CurrentTick is the tick the next StepOnce will run.
func (r *Runner) CurrentTick() uint64 { return r.tick.Load() }

// Digest returns the hex sha256 of the canonical encoding of reg.
func Digest(reg *registry.Registry) (string, error) {
	b, err := reg.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Run steps the runner at the configured rate until ctx is done or Stop is
// called. Admin requests are serviced between ticks.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.admin:
			req.serve()
		case <-ticker.C:
			r.StepOnce()
		}
	}
}

func (r *Runner) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// StepOnce runs the consumer for the current tick and commits the result.
// A consumer error, or a creep record left invalid by the consumer, discards
// the consumer's writes for this tick; admin edits made since the previous
// commit are still committed.
func (r *Runner) StepOnce() CommitEntry {
	stepStart := time.Now()
	tick := r.tick.Load()

	r.segs.Advance()
	segBefore := r.segs.Export()

	base := r.mem
	if r.base != nil {
		base = r.base
	}
	working := r.mem.Clone()

	var live map[registry.Category][]string
	if r.live != nil {
		live = r.live.Live(tick)
	}
	ctx := &Context{
		Tick:     tick,
		Shard:    r.cfg.Shard,
		Memory:   working,
		Segments: r.segs,
		Live:     live,
		Policy:   r.cfg.Policy,
		Logger:   r.logger,
	}

	loopStart := time.Now()
	loopErr := r.runConsumer(ctx)
	cpuMs := float64(time.Since(loopStart).Microseconds()) / 1000
	if loopErr == nil {
		// Records edited in place skip SetCreep.
		if err := working.Validate(); err != nil {
			loopErr = fmt.Errorf("invalid memory: %w", err)
		}
	}

	entry := CommitEntry{Tick: tick, CommitID: uuid.NewString(), CPUMs: cpuMs}
	if loopErr != nil {
		entry.LoopError = loopErr.Error()
		working = r.mem.Clone()
		if err := r.segs.Import(segBefore); err != nil {
			r.logger.Printf("tick %d: restore segments: %v", tick, err)
		}
	} else {
		entry.Coerced = ctx.Coerced()
	}

	if r.cfg.PruneDead && live != nil {
		for _, c := range registry.Categories() {
			names, ok := live[c]
			if !ok {
				continue
			}
			for _, n := range working.Prune(c, names) {
				entry.Pruned = append(entry.Pruned, string(c)+"/"+n)
			}
		}
	}
	if r.cfg.Profiler {
		working.Profiler.Record(profilerLoopSymbol, cpuMs)
		entry.Profiled = true
	}

	for _, ch := range registry.Diff(base, working) {
		ce := ChangeEntry{Category: string(ch.Category), Name: ch.Name, Op: ch.Op, Role: ch.Role}
		if ch.Op == registry.OpSet {
			v, err := working.ValueOf(ch)
			if err != nil {
				r.logger.Printf("tick %d: encode %s/%s: %v", tick, ch.Category, ch.Name, err)
				continue
			}
			ce.Value = v
		}
		entry.Changed = append(entry.Changed, ce)
	}

	digest, err := Digest(working)
	if err != nil {
		// Unreachable for registries built through Set; keep the previous root.
		r.logger.Printf("tick %d: encode memory: %v", tick, err)
		entry.LoopError = fmt.Sprintf("encode memory: %v", err)
		entry.Changed = nil
		working = base
		digest = r.digest
	}
	entry.Digest = digest

	r.mem = working
	r.base = nil
	r.digest = digest
	r.tick.Store(tick + 1)

	if r.commitLogger != nil {
		if err := r.commitLogger.WriteCommit(entry); err != nil {
			r.logger.Printf("tick %d: commit log: %v", tick, err)
		}
	}
	r.publish(entry)

	if r.snapshotDue(tick) {
		if err := r.emitSnapshot(tick); err != nil {
			r.logger.Printf("tick %d: snapshot: %v", tick, err)
		}
	}
	r.updateMetrics(entry, time.Since(stepStart))
	return entry
}

func (r *Runner) runConsumer(ctx *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer panic: %v", p)
		}
	}()
	return r.consumer.Loop(ctx)
}

func (r *Runner) snapshotDue(tick uint64) bool {
	if every := uint64(r.cfg.SnapshotEveryTicks); every > 0 && (tick+1)%every == 0 {
		return true
	}
	if every := uint64(r.cfg.ArchiveEveryTicks); every > 0 && (tick+1)%every == 0 {
		return true
	}
	return false
}

// ExportSnapshot captures the current root as the state after tick.
func (r *Runner) ExportSnapshot(tick uint64) (snapshot.SnapshotV1, error) {
	b, err := r.mem.Encode()
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	sum := sha256.Sum256(b)
	return snapshot.SnapshotV1{
		Header:   snapshot.Header{Version: snapshot.Version, Shard: r.cfg.Shard, Tick: tick},
		Digest:   hex.EncodeToString(sum[:]),
		Memory:   b,
		Segments: r.segs.Export(),
	}, nil
}

func (r *Runner) emitSnapshot(tick uint64) error {
	if r.snapshotSink == nil {
		return fmt.Errorf("snapshot sink not configured")
	}
	snap, err := r.ExportSnapshot(tick)
	if err != nil {
		return err
	}
	select {
	case r.snapshotSink <- snap:
		return nil
	default:
		return fmt.Errorf("snapshot sink backpressure")
	}
}

// Restore replaces the runner state with snap. Call before Run.
func (r *Runner) Restore(snap snapshot.SnapshotV1) (registry.LoadReport, error) {
	if snap.Header.Shard != "" && snap.Header.Shard != r.cfg.Shard {
		return registry.LoadReport{}, fmt.Errorf("snapshot shard %q does not match %q", snap.Header.Shard, r.cfg.Shard)
	}
	reg, rep, err := LoadMemory(snap.Memory, r.cfg.Policy)
	if err != nil {
		return rep, err
	}
	segs := segments.New(r.cfg.MaxActiveSegments, r.cfg.MaxSegmentBytes)
	if err := segs.Import(snap.Segments); err != nil {
		return rep, fmt.Errorf("segments: %w", err)
	}
	digest, err := Digest(reg)
	if err != nil {
		return rep, err
	}
	r.mem = reg
	r.base = nil
	r.segs = segs
	r.digest = digest
	r.tick.Store(snap.Header.Tick + 1)
	return rep, nil
}

// LastDigest is the digest of the most recent commit. Only safe on the
// goroutine that owns the runner.
func (r *Runner) LastDigest() string { return r.digest }

// Memory exposes the live root to the owning goroutine, e.g. tests and replay.
func (r *Runner) Memory() *registry.Registry { return r.mem }

func (r *Runner) Segments() *segments.Store { return r.segs }

// Subscribe registers a commit stream. Entries are dropped for subscribers
// whose buffer is full.
func (r *Runner) Subscribe(buf int) (id string, ch <-chan CommitEntry) {
	if buf <= 0 {
		buf = 16
	}
	c := make(chan CommitEntry, buf)
	id = uuid.NewString()
	r.subMu.Lock()
	r.subs[id] = c
	r.subMu.Unlock()
	return id, c
}

func (r *Runner) Unsubscribe(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if c, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(c)
	}
}

func (r *Runner) publish(entry CommitEntry) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, c := range r.subs {
		select {
		case c <- entry:
		default:
		}
	}
}
