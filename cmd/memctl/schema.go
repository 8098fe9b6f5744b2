package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Documents reflected into the generated schema; one per creep variant.
type feederDocument struct {
	Role   string  `json:"role" jsonschema:"enum=startup_feeder"`
	State  string  `json:"state" jsonschema:"enum=harvest,enum=feed"`
	Source *string `json:"source"`
	Spawn  *string `json:"spawn"`
}

type upgraderDocument struct {
	Role   string  `json:"role" jsonschema:"enum=startup_upgrader"`
	State  string  `json:"state" jsonschema:"enum=harvest,enum=upgrade"`
	Source *string `json:"source"`
}

type noneDocument struct {
	Role string `json:"role" jsonschema:"enum=none"`
}

func schemaCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	outPath := fs.String("out", "", "path to write the JSON schema (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := json.MarshalIndent(buildSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	data = append(data, '\n')
	if *outPath == "" {
		_, err := stdout.Write(data)
		return err
	}
	return writeSchema(*outPath, data)
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}

	variant := func(v any, title string, refs ...string) *jsonschema.Schema {
		s := reflector.ReflectFromType(reflect.TypeOf(v))
		s.Version = ""
		s.Title = title
		for _, r := range refs {
			s.Properties.Set(r, &jsonschema.Schema{
				OneOf: []*jsonschema.Schema{{Type: "string"}, {Type: "null"}},
			})
		}
		return s
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Creep memory",
		Description: "Persisted per-creep state, discriminated by role.",
		OneOf: []*jsonschema.Schema{
			variant(feederDocument{}, "startup_feeder", "source", "spawn"),
			variant(upgraderDocument{}, "startup_upgrader", "source"),
			variant(noneDocument{}, "none"),
		},
	}
}

func writeSchema(outPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
