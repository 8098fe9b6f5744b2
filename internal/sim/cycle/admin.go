package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/validate"
)

var ErrNotFound = errors.New("record not found")

const (
	reqQueued int32 = iota
	reqClaimed
	reqAbandoned
)

type adminReq struct {
	fn    func()
	done  chan struct{}
	state atomic.Int32
}

// serve runs fn unless the caller gave up first, then releases the caller.
func (req *adminReq) serve() {
	if req.state.CompareAndSwap(reqQueued, reqClaimed) {
		req.fn()
	}
	close(req.done)
}

// do runs fn on the runner goroutine between ticks. A caller whose ctx ends
// before the runner picks the request up gets ctx.Err() and fn never runs;
// once fn has started, do waits for it and returns nil.
func (r *Runner) do(ctx context.Context, fn func()) error {
	req := &adminReq{fn: fn, done: make(chan struct{})}
	select {
	case r.admin <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		if req.state.CompareAndSwap(reqQueued, reqAbandoned) {
			return ctx.Err()
		}
		<-req.done
		return nil
	}
}

// List returns every record of category c keyed by name.
func (r *Runner) List(ctx context.Context, c registry.Category) (map[string]json.RawMessage, error) {
	if _, err := registry.ParseCategory(string(c)); err != nil {
		return nil, err
	}
	var (
		out    map[string]json.RawMessage
		encErr error
	)
	err := r.do(ctx, func() {
		out = make(map[string]json.RawMessage, r.mem.Len(c))
		for _, n := range r.mem.Names(c) {
			v, _ := r.mem.Get(c, n)
			b, err := json.Marshal(v)
			if err != nil {
				encErr = err
				return
			}
			out[n] = b
		}
	})
	if err != nil {
		return nil, err
	}
	return out, encErr
}

// Inspect returns the encoded record stored under name, or ErrNotFound.
func (r *Runner) Inspect(ctx context.Context, c registry.Category, name string) (json.RawMessage, error) {
	if _, err := registry.ParseCategory(string(c)); err != nil {
		return nil, err
	}
	var (
		out    json.RawMessage
		found  bool
		encErr error
	)
	err := r.do(ctx, func() {
		v, ok := r.mem.Get(c, name)
		if !ok {
			return
		}
		found = true
		out, encErr = json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	if encErr != nil {
		return nil, encErr
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

// Put replaces the record stored under name. Creep records must match a
// declared variant exactly; no coercion is applied to admin writes.
func (r *Runner) Put(ctx context.Context, actor string, c registry.Category, name string, raw []byte) error {
	if _, err := registry.ParseCategory(string(c)); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if c == registry.Creeps {
		if err := validate.Creep(raw); err != nil {
			return err
		}
	}
	v, _, err := registry.DecodeValue(c, raw, schema.PolicyReject)
	if err != nil {
		return err
	}
	after, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var setErr error
	err = r.do(ctx, func() {
		before := r.encoded(c, name)
		r.markDirty()
		if setErr = r.mem.Set(c, name, v); setErr != nil {
			return
		}
		r.audit(AuditEntry{Actor: actor, Action: "put", Category: string(c), Name: name, Before: before, After: after})
	})
	if err != nil {
		return err
	}
	return setErr
}

// Delete removes the record stored under name, or returns ErrNotFound.
func (r *Runner) Delete(ctx context.Context, actor string, c registry.Category, name string) error {
	if _, err := registry.ParseCategory(string(c)); err != nil {
		return err
	}
	removed := false
	err := r.do(ctx, func() {
		before := r.encoded(c, name)
		if before == nil {
			return
		}
		r.markDirty()
		removed = r.mem.Remove(c, name)
		r.audit(AuditEntry{Actor: actor, Action: "delete", Category: string(c), Name: name, Before: before})
	})
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// RequestSnapshot asks the runner goroutine to emit a snapshot of the last
// committed tick.
func (r *Runner) RequestSnapshot(ctx context.Context) (uint64, error) {
	var (
		tick    uint64
		snapErr error
	)
	err := r.do(ctx, func() {
		cur := r.tick.Load()
		if cur > 0 {
			tick = cur - 1
		}
		snapErr = r.emitSnapshot(tick)
	})
	if err != nil {
		return 0, err
	}
	return tick, snapErr
}

func (r *Runner) markDirty() {
	if r.base == nil {
		r.base = r.mem.Clone()
	}
}

func (r *Runner) encoded(c registry.Category, name string) json.RawMessage {
	v, ok := r.mem.Get(c, name)
	if !ok {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (r *Runner) audit(e AuditEntry) {
	e.Tick = r.tick.Load()
	if r.auditLogger == nil {
		return
	}
	if err := r.auditLogger.WriteAudit(e); err != nil {
		r.logger.Printf("audit log: %v", err)
	}
}
