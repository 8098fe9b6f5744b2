package cycle

import (
	"log"
	"sort"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/segments"
)

// Context is the handle a consumer receives for one tick. Memory is a working
// copy: it is committed only if Loop returns nil.
type Context struct {
	Tick     uint64
	Shard    string
	Memory   *registry.Registry
	Segments *segments.Store
	Live     map[registry.Category][]string
	Policy   schema.UnknownRolePolicy
	Logger   *log.Logger

	coerced []string
}

// LiveNames returns the live entity names of c, sorted.
func (c *Context) LiveNames(cat registry.Category) []string {
	names := append([]string(nil), c.Live[cat]...)
	sort.Strings(names)
	return names
}

// EnsureCreep returns the memory of name, registering DefaultFor(role) first
// when the creep has no record.
func (c *Context) EnsureCreep(name string, role schema.Role) (schema.CreepMemory, error) {
	if m, ok := c.Memory.Creep(name); ok {
		return m, nil
	}
	m, err := schema.DefaultFor(role)
	if err != nil {
		return nil, err
	}
	if err := c.Memory.SetCreep(name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkCoerced notes that the record stored under name was rewritten by the
// unknown-role policy while the consumer's writes were decoded.
func (c *Context) MarkCoerced(name string) {
	c.coerced = append(c.coerced, name)
}

func (c *Context) Coerced() []string {
	out := append([]string(nil), c.coerced...)
	sort.Strings(out)
	return out
}
