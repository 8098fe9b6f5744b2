package cycle

import (
	"bytes"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/validate"
)

// LoadMemory validates the shape of a persisted root and decodes it.
func LoadMemory(raw []byte, policy schema.UnknownRolePolicy) (*registry.Registry, registry.LoadReport, error) {
	if t := bytes.TrimSpace(raw); len(t) > 0 && string(t) != "null" {
		if err := validate.Memory(raw); err != nil {
			return nil, registry.LoadReport{}, err
		}
	}
	return registry.Decode(raw, policy)
}
