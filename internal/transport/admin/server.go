// Package admin serves the local HTTP surface of a shard: health, Prometheus
// metrics and out-of-band memory edits.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/sim/cycle"
)

const (
	maxBodyBytes = 1 << 20
	callTimeout  = 5 * time.Second
)

// Runner is the part of *cycle.Runner the admin surface drives.
type Runner interface {
	CurrentTick() uint64
	Metrics() cycle.Metrics
	List(ctx context.Context, c registry.Category) (map[string]json.RawMessage, error)
	Inspect(ctx context.Context, c registry.Category, name string) (json.RawMessage, error)
	Put(ctx context.Context, actor string, c registry.Category, name string, raw []byte) error
	Delete(ctx context.Context, actor string, c registry.Category, name string) error
	RequestSnapshot(ctx context.Context) (uint64, error)
}

type Options struct {
	Shard  string
	Logger *log.Logger
	// Live, when set, exposes /admin/v1/live for editing the live entity set.
	Live *cycle.LiveSet
	// ExtraMetrics appends further exposition lines to /metrics.
	ExtraMetrics func(w io.Writer)
	// Observer, when set, is mounted at /admin/v1/observer/ws.
	Observer http.Handler
	// AllowRemote disables the loopback check on /admin routes.
	AllowRemote bool
}

type Server struct {
	r    Runner
	opts Options
}

func NewServer(r Runner, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{r: r, opts: opts}
}

// Routes mounts every endpoint on a fresh chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", s.handleMetrics)

	r.Route("/admin/v1", func(r chi.Router) {
		if !s.opts.AllowRemote {
			r.Use(loopbackOnly)
		}
		r.Get("/state", s.handleState)
		r.Post("/snapshot", s.handleSnapshot)

		r.Get("/memory/{category}", s.handleList)
		r.Get("/memory/{category}/{name}", s.handleInspect)
		r.Put("/memory/{category}/{name}", s.handlePut)
		r.Delete("/memory/{category}/{name}", s.handleDelete)

		if s.opts.Observer != nil {
			r.Handle("/observer/ws", s.opts.Observer)
		}
		if s.opts.Live != nil {
			r.Get("/live", s.handleLiveList)
			r.Post("/live/{category}/{name}", s.handleLiveAdd)
			r.Delete("/live/{category}/{name}", s.handleLiveRemove)
		}
	})
	return r
}

func (s *Server) handleState(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"shard":   s.opts.Shard,
		"tick":    s.r.CurrentTick(),
		"metrics": s.r.Metrics(),
	})
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	tick, err := s.r.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
}

func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	recs, err := s.r.List(ctx, c)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"category": c, "records": recs})
}

func (s *Server) handleInspect(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	rec, err := s.r.Inspect(ctx, c, chi.URLParam(r, "name"))
	if err != nil {
		writeError(rw, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_, _ = rw.Write(rec)
}

func (s *Server) handlePut(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	if err := s.r.Put(ctx, actor(r), c, name, body); err != nil {
		writeError(rw, err)
		return
	}
	s.opts.Logger.Printf("admin put %s/%s by %s", c, name, actor(r))
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDelete(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	if err := s.r.Delete(ctx, actor(r), c, name); err != nil {
		writeError(rw, err)
		return
	}
	s.opts.Logger.Printf("admin delete %s/%s by %s", c, name, actor(r))
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLiveList(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, s.opts.Live.Live(s.r.CurrentTick()))
}

func (s *Server) handleLiveAdd(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	s.opts.Live.Add(c, chi.URLParam(r, "name"))
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLiveRemove(rw http.ResponseWriter, r *http.Request) {
	c, ok := category(rw, r)
	if !ok {
		return
	}
	if !s.opts.Live.Remove(c, chi.URLParam(r, "name")) {
		writeError(rw, cycle.ErrNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func category(rw http.ResponseWriter, r *http.Request) (registry.Category, bool) {
	c, err := registry.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return "", false
	}
	return c, true
}

// actor names the caller in audit entries: X-Actor when given, else the
// remote host.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "admin@" + host
}

func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, cycle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		fmt.Fprintf(rw, `{"ok":false,"error":%q}`, err.Error())
	}
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
