package script

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/protocol"
	"colonymem.dev/internal/sim/cycle"
)

// installGlobals sets what every tick shares: result-code constants, role
// names, defaultMemory(), console.log and the sandbox blocklist.
func (h *Host) installGlobals(rt *goja.Runtime) {
	for _, nc := range protocol.Constants() {
		_ = rt.Set(nc.Name, int(nc.Code))
	}
	roles := rt.NewObject()
	for _, r := range schema.Roles() {
		_ = roles.Set(strings.ToUpper(string(r)), string(r))
	}
	_ = rt.Set("ROLES", roles)

	_ = rt.Set("defaultMemory", func(call goja.FunctionCall) goja.Value {
		role := schema.Role(call.Argument(0).String())
		m, err := schema.DefaultFor(role)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		b, err := schema.Encode(m)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		v, err := parse(rt, string(b))
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return v
	})

	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		h.logger.Printf("tick %d: %s", h.tick, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := rt.NewObject()
	_ = console.Set("log", logFn)
	_ = rt.Set("console", console)

	for _, name := range []string{"require", "fetch", "XMLHttpRequest", "eval", "Function"} {
		_ = rt.Set(name, goja.Undefined())
	}
}

// injectTick replaces Memory, Game and RawMemory for the tick in ctx.
func (h *Host) injectTick(rt *goja.Runtime, ctx *cycle.Context, start time.Time) error {
	raw, err := ctx.Memory.Encode()
	if err != nil {
		return fmt.Errorf("tick %d: encode memory: %w", ctx.Tick, err)
	}
	mem, err := parse(rt, string(raw))
	if err != nil {
		return fmt.Errorf("tick %d: Memory: %w", ctx.Tick, err)
	}
	_ = rt.Set("Memory", mem)
	_ = rt.Set("Game", h.gameObject(rt, ctx, start))
	_ = rt.Set("RawMemory", rawMemoryObject(rt, ctx))
	return nil
}

var gameKeys = map[registry.Category]string{
	registry.Creeps:      "creeps",
	registry.Flags:       "flags",
	registry.Rooms:       "rooms",
	registry.Spawns:      "spawns",
	registry.PowerCreeps: "powerCreeps",
}

func (h *Host) gameObject(rt *goja.Runtime, ctx *cycle.Context, start time.Time) *goja.Object {
	game := rt.NewObject()
	_ = game.Set("time", ctx.Tick)

	shard := rt.NewObject()
	_ = shard.Set("name", ctx.Shard)
	_ = game.Set("shard", shard)

	cpu := rt.NewObject()
	_ = cpu.Set("limit", h.cpuLimit.Milliseconds())
	_ = cpu.Set("getUsed", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(float64(time.Since(start).Microseconds()) / 1000)
	})
	_ = game.Set("cpu", cpu)

	for _, c := range registry.Categories() {
		objs := rt.NewObject()
		for _, n := range ctx.LiveNames(c) {
			o := rt.NewObject()
			_ = o.Set("name", n)
			_ = o.Set("my", true)
			_ = objs.Set(n, o)
		}
		_ = game.Set(gameKeys[c], objs)
	}
	return game
}

func rawMemoryObject(rt *goja.Runtime, ctx *cycle.Context) *goja.Object {
	segs := rt.NewObject()
	for _, id := range ctx.Segments.Active() {
		v, err := ctx.Segments.Get(id)
		if err != nil {
			continue
		}
		_ = segs.Set(strconv.Itoa(id), v)
	}

	rm := rt.NewObject()
	_ = rm.Set("segments", segs)
	_ = rm.Set("setActiveSegments", func(call goja.FunctionCall) goja.Value {
		ids, err := intList(rt, call.Argument(0))
		if err == nil {
			err = ctx.Segments.SetActive(ids)
		}
		if err != nil {
			panic(rt.NewGoError(fmt.Errorf("setActiveSegments: %w", err)))
		}
		return goja.Undefined()
	})
	_ = rm.Set("setPublicSegments", func(call goja.FunctionCall) goja.Value {
		ids, err := intList(rt, call.Argument(0))
		if err == nil {
			err = ctx.Segments.SetPublic(ids)
		}
		if err != nil {
			panic(rt.NewGoError(fmt.Errorf("setPublicSegments: %w", err)))
		}
		return goja.Undefined()
	})
	_ = rm.Set("setDefaultPublicSegment", func(call goja.FunctionCall) goja.Value {
		id := -1
		if a := call.Argument(0); !goja.IsNull(a) && !goja.IsUndefined(a) {
			id = int(a.ToInteger())
		}
		if err := ctx.Segments.SetDefaultPublic(id); err != nil {
			panic(rt.NewGoError(fmt.Errorf("setDefaultPublicSegment: %w", err)))
		}
		return goja.Undefined()
	})
	return rm
}

// collectSegments writes back every string the script left under
// RawMemory.segments. Writes to inactive segments fail the tick.
func (h *Host) collectSegments(rt *goja.Runtime, ctx *cycle.Context) error {
	rm, ok := rt.Get("RawMemory").(*goja.Object)
	if !ok {
		return nil
	}
	segs, ok := rm.Get("segments").(*goja.Object)
	if !ok {
		return nil
	}
	keys := segs.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		id, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("tick %d: RawMemory.segments[%q]: not a segment id", ctx.Tick, k)
		}
		v := segs.Get(k)
		if goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		s, ok := v.Export().(string)
		if !ok {
			return fmt.Errorf("tick %d: RawMemory.segments[%d] must be a string", ctx.Tick, id)
		}
		if cur, err := ctx.Segments.Get(id); err == nil && cur == s {
			continue
		}
		if err := ctx.Segments.Set(id, s); err != nil {
			return fmt.Errorf("tick %d: RawMemory.segments[%d]: %w", ctx.Tick, id, err)
		}
	}
	return nil
}

func intList(rt *goja.Runtime, v goja.Value) ([]int, error) {
	var ids []int
	if err := rt.ExportTo(v, &ids); err != nil {
		return nil, protocol.ErrInvalidArgs.Err()
	}
	return ids, nil
}

func parse(rt *goja.Runtime, s string) (goja.Value, error) {
	fn, ok := goja.AssertFunction(rt.Get("JSON").ToObject(rt).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return fn(goja.Undefined(), rt.ToValue(s))
}

func stringify(rt *goja.Runtime, v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "null", nil
	}
	fn, ok := goja.AssertFunction(rt.Get("JSON").ToObject(rt).Get("stringify"))
	if !ok {
		return "", fmt.Errorf("JSON.stringify unavailable")
	}
	out, err := fn(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if goja.IsUndefined(out) {
		return "null", nil
	}
	s := out.String()
	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("Memory is not serializable")
	}
	return s, nil
}
