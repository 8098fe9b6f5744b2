// Package script runs a user JavaScript program as the per-tick memory
// consumer. The program defines a global loop() that reads and writes Memory.
package script

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"

	"colonymem.dev/internal/sim/cycle"
)

const (
	DefaultCPULimit = 500 * time.Millisecond
	initTimeout     = 2 * time.Second
)

var ErrCPULimit = errors.New("script cpu limit exceeded")

type Options struct {
	// Path of the script file; empty when the source is loaded directly.
	Path     string
	CPULimit time.Duration
	Logger   *log.Logger
}

// Host implements cycle.Consumer on top of a goja runtime. Reload swaps the
// runtime between ticks; a failed reload keeps the previous program.
type Host struct {
	mu       sync.Mutex
	rt       *goja.Runtime
	loop     goja.Callable
	source   string
	path     string
	cpuLimit time.Duration
	logger   *log.Logger

	// tick is the tick being run, for console output.
	tick uint64
}

func New(opts Options) *Host {
	if opts.CPULimit <= 0 {
		opts.CPULimit = DefaultCPULimit
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[script] ", log.LstdFlags)
	}
	return &Host{path: opts.Path, cpuLimit: opts.CPULimit, logger: opts.Logger}
}

// Open creates a host and loads the script at opts.Path.
func Open(opts Options) (*Host, error) {
	h := New(opts)
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) Path() string { return h.path }

// Reload re-reads the script file and swaps it in when it compiles and
// defines loop(). Unchanged sources are skipped.
func (h *Host) Reload() error {
	if h.path == "" {
		return fmt.Errorf("script host has no path")
	}
	b, err := os.ReadFile(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	same := h.rt != nil && string(b) == h.source
	h.mu.Unlock()
	if same {
		return nil
	}
	return h.Load(string(b))
}

// Load compiles source into a fresh runtime and makes it the active program.
func (h *Host) Load(source string) error {
	name := h.path
	if name == "" {
		name = "main.js"
	}
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	rt := goja.New()
	h.installGlobals(rt)

	timer := time.AfterFunc(initTimeout, func() { rt.Interrupt("script init timeout") })
	_, err = rt.RunProgram(prog)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(rt.Get("loop"))
	if !ok {
		return fmt.Errorf("%s: loop() function is not defined", name)
	}

	h.mu.Lock()
	h.rt, h.loop, h.source = rt, fn, source
	h.mu.Unlock()
	return nil
}

// Loop runs the script's loop() for one tick. The JS Memory object is
// decoded back into ctx.Memory through the registry with ctx.Policy.
func (h *Host) Loop(ctx *cycle.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rt == nil {
		return fmt.Errorf("no script loaded")
	}
	rt := h.rt
	h.tick = ctx.Tick

	start := time.Now()
	if err := h.injectTick(rt, ctx, start); err != nil {
		return err
	}

	timer := time.AfterFunc(h.cpuLimit, func() { rt.Interrupt(ErrCPULimit) })
	_, err := h.loop(goja.Undefined())
	timer.Stop()
	rt.ClearInterrupt()
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return fmt.Errorf("tick %d: %w (%s)", ctx.Tick, ErrCPULimit, h.cpuLimit)
		}
		return fmt.Errorf("tick %d: loop(): %w", ctx.Tick, err)
	}

	if err := h.collectSegments(rt, ctx); err != nil {
		return err
	}
	return h.collectMemory(rt, ctx)
}

func (h *Host) collectMemory(rt *goja.Runtime, ctx *cycle.Context) error {
	raw, err := stringify(rt, rt.Get("Memory"))
	if err != nil {
		return fmt.Errorf("tick %d: encode Memory: %w", ctx.Tick, err)
	}
	reg, rep, err := cycle.LoadMemory([]byte(raw), ctx.Policy)
	if err != nil {
		return fmt.Errorf("tick %d: Memory: %w", ctx.Tick, err)
	}
	for _, n := range rep.Coerced {
		ctx.MarkCoerced(n)
	}
	*ctx.Memory = *reg
	return nil
}
