package cycle

import (
	"encoding/json"

	"colonymem.dev/internal/memory/registry"
)

// CommitEntry is the record of one committed tick. Changed carries full
// values for sets so the memory root can be rebuilt from a snapshot plus the
// entries that follow it.
type CommitEntry struct {
	Tick     uint64        `json:"tick"`
	CommitID string        `json:"commit_id"`
	Digest   string        `json:"digest"`
	Changed  []ChangeEntry `json:"changed,omitempty"`
	Coerced  []string      `json:"coerced,omitempty"`
	Pruned   []string      `json:"pruned,omitempty"`

	LoopError string  `json:"loop_error,omitempty"`
	CPUMs     float64 `json:"cpu_ms"`
	// Profiled reports that CPUMs was recorded under the "loop" profiler symbol.
	Profiled bool `json:"profiled,omitempty"`
}

type ChangeEntry struct {
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Op       string          `json:"op"`
	Role     string          `json:"role,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

func (c ChangeEntry) Change() registry.Change {
	return registry.Change{Category: registry.Category(c.Category), Name: c.Name, Op: c.Op, Role: c.Role}
}

// AuditEntry records an out-of-band write made through the admin surface.
type AuditEntry struct {
	Tick     uint64          `json:"tick"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type CommitLogger interface {
	WriteCommit(entry CommitEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// Consumer is the per-tick program that reads and writes memory.
type Consumer interface {
	Loop(ctx *Context) error
}

type ConsumerFunc func(ctx *Context) error

func (f ConsumerFunc) Loop(ctx *Context) error { return f(ctx) }

// LiveSource reports which entity names exist in the environment at a tick.
// A category missing from the result is never pruned.
type LiveSource interface {
	Live(tick uint64) map[registry.Category][]string
}
