package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/persistence/indexdb"
	persistlog "colonymem.dev/internal/persistence/log"
	"colonymem.dev/internal/persistence/snapshot"
	"colonymem.dev/internal/script"
	"colonymem.dev/internal/sim/cycle"
	"colonymem.dev/internal/sim/tuning"
	"colonymem.dev/internal/transport/admin"
	"colonymem.dev/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		shardFlag  = flag.String("shard", "", "shard name (default: tuning shard)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (commits/audit + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		scriptPath    = flag.String("script", "", "consumer script (default: tuning script.path)")
		noScript      = flag.Bool("no_script", false, "run without a consumer script")
		watchInterval = flag.Duration("watch_interval", time.Second, "script reload poll interval")
		liveCreeps    = flag.String("creeps", "", "comma-separated live creep names to start with")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	snapshotToLoad := strings.TrimSpace(*snapPath)

	// Load tuning (required for a fresh shard; optional for snapshot resumes).
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if !errors.Is(tuneErr, fs.ErrNotExist) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if s := strings.TrimSpace(*shardFlag); s != "" {
		tune.Shard = s
	}
	if s := strings.TrimSpace(*scriptPath); s != "" {
		tune.Script.Path = s
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	shardDir := filepath.Join(*dataDir, "shards", tune.Shard)
	_ = os.MkdirAll(shardDir, 0o755)

	if snapshotToLoad == "" && *loadLatest {
		p, err := snapshot.Latest(filepath.Join(shardDir, "snapshots"))
		if err != nil && !errors.Is(err, snapshot.ErrNoSnapshot) {
			logger.Fatalf("find latest snapshot: %v", err)
		}
		snapshotToLoad = p
	}

	// Optional: read-model index backend (does not affect commits).
	idx, err := openRuntimeIndex(shardDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var consumer cycle.Consumer
	if !*noScript && tune.Script.Path != "" {
		host, err := script.Open(script.Options{
			Path:     tune.Script.Path,
			CPULimit: time.Duration(tune.Script.CPULimitMs) * time.Millisecond,
			Logger:   log.New(os.Stdout, "[script] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			logger.Fatalf("script: %v", err)
		}
		consumer = host
		if tune.Script.Watch {
			go func() {
				if err := host.Watch(ctx, *watchInterval); err != nil {
					logger.Printf("script watch: %v", err)
				}
			}()
		}
		logger.Printf("script loaded: %s", tune.Script.Path)
	} else {
		logger.Printf("no consumer script; memory changes only through admin endpoints")
	}

	live := cycle.NewLiveSet()
	for _, n := range strings.Split(*liveCreeps, ",") {
		if n = strings.TrimSpace(n); n != "" {
			live.Add(registry.Creeps, n)
		}
	}

	runner, err := cycle.New(cycle.Config{
		Shard:              tune.Shard,
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		ArchiveEveryTicks:  tune.ArchiveEveryTicks,
		PruneDead:          tune.PruneDead,
		Profiler:           tune.Profiler.Enabled,
		Policy:             tune.Policy(),
		MaxActiveSegments:  tune.Segments.MaxActive,
		MaxSegmentBytes:    tune.Segments.MaxBytes,
	}, consumer, live, log.New(os.Stdout, "[cycle] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}

	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.Shard != "" && snap.Header.Shard != tune.Shard {
			logger.Fatalf("snapshot shard mismatch: tuning=%s snap=%s", tune.Shard, snap.Header.Shard)
		}
		rep, err := runner.Restore(snap)
		if err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		if len(rep.Coerced) > 0 {
			logger.Printf("restore coerced %d creep records: %s", len(rep.Coerced), strings.Join(rep.Coerced, ","))
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), runner.CurrentTick())
	}
	if idx != nil {
		if err := idx.Seed(runner.CurrentTick(), runner.Memory()); err != nil {
			logger.Printf("index backend: seed: %v", err)
		}
	}

	commitLog := persistlog.NewCommitLogger(shardDir)
	auditLog := persistlog.NewAuditLogger(shardDir)
	defer commitLog.Close()
	defer auditLog.Close()
	if idx != nil {
		runner.SetCommitLogger(multiCommitLogger{a: commitLog, b: idx})
		runner.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})
	} else {
		runner.SetCommitLogger(commitLog)
		runner.SetAuditLogger(auditLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	runner.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				if _, err := persistSnapshot(shardDir, snap, tune.ArchiveEveryTicks, idx, logger); err != nil {
					logger.Printf("snapshot write: %v", err)
				}
			}
		}
	}()

	go func() {
		if err := runner.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("runner stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", admin.NewServer(runner, admin.Options{
		Shard:    tune.Shard,
		Logger:   logger,
		Live:     live,
		Observer: observer.NewServer(runner, logger).Handler(),
		ExtraMetrics: func(w io.Writer) {
			if idx != nil {
				writeIndexMetrics(w, tune.Shard, idx.Stats())
			}
		},
	}).Routes())

	if envBool("CM_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CM_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("shard %s listening on %s", tune.Shard, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeIndexMetrics(w io.Writer, shard string, st indexdb.Stats) {
	fmt.Fprintf(w, "# HELP colonymem_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE colonymem_index_queue_depth gauge\n")
	fmt.Fprintf(w, "colonymem_index_queue_depth{shard=%q} %d\n", shard, st.QueueDepth)

	fmt.Fprintf(w, "# HELP colonymem_index_dropped_total Index writes dropped under backpressure.\n")
	fmt.Fprintf(w, "# TYPE colonymem_index_dropped_total counter\n")
	fmt.Fprintf(w, "colonymem_index_dropped_total{shard=%q,kind=%q} %d\n", shard, "commit", st.DropCommitTotal)
	fmt.Fprintf(w, "colonymem_index_dropped_total{shard=%q,kind=%q} %d\n", shard, "audit", st.DropAuditTotal)
	fmt.Fprintf(w, "colonymem_index_dropped_total{shard=%q,kind=%q} %d\n", shard, "snapshot", st.DropSnapshotTotal)
	fmt.Fprintf(w, "colonymem_index_dropped_total{shard=%q,kind=%q} %d\n", shard, "epoch", st.DropEpochTotal)
}
