// Package validate checks persisted memory against embedded JSON Schemas
// before it reaches the typed decoders.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var files embed.FS

const (
	MemorySchema = "memory.schema.json"
	CreepSchema  = "creep.schema.json"

	baseURL = "https://colonymem.dev/schemas/"
)

var (
	once     sync.Once
	compiled map[string]*jsonschema.Schema
	loadErr  error
)

func load() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range []string{MemorySchema, CreepSchema} {
		b, err := files.ReadFile("schemas/" + name)
		if err != nil {
			loadErr = err
			return
		}
		if err := c.AddResource(baseURL+name, bytes.NewReader(b)); err != nil {
			loadErr = fmt.Errorf("add %s: %w", name, err)
			return
		}
	}
	compiled = map[string]*jsonschema.Schema{}
	for _, name := range []string{MemorySchema, CreepSchema} {
		s, err := c.Compile(baseURL + name)
		if err != nil {
			loadErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

// Source returns the raw text of an embedded schema.
func Source(name string) ([]byte, error) {
	return files.ReadFile("schemas/" + name)
}

// Error lists every schema violation found in a document.
type Error struct {
	Schema     string
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Violations, "; "))
}

// Memory validates the shape of a memory root. Records under creeps are only
// required to be objects here; their variants are checked by the decoder.
func Memory(raw []byte) error { return check(MemorySchema, raw) }

// Creep validates a single creep record strictly: exactly one variant must
// match and unknown keys are rejected.
func Creep(raw []byte) error { return check(CreepSchema, raw) }

func check(name string, raw []byte) error {
	once.Do(load)
	if loadErr != nil {
		return loadErr
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return &Error{Schema: name, Violations: []string{"invalid json: " + err.Error()}}
	}
	err := compiled[name].Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := &Error{Schema: name}
	collect(ve, &out.Violations)
	if len(out.Violations) == 0 {
		out.Violations = []string{ve.Error()}
	}
	return out
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}
