package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestMemory(t *testing.T) {
	ok := []string{
		`{}`,
		`{"creeps":{"a":{"role":"whatever"}},"rooms":null,"custom":1}`,
		`{"profiller":{"loop":{"sum":1.5,"count":3}}}`,
	}
	for _, in := range ok {
		if err := Memory([]byte(in)); err != nil {
			t.Fatalf("Memory(%s): %v", in, err)
		}
	}
	bad := []string{
		`[]`,
		`{"creeps":[]}`,
		`{"flags":{"f":"str"}}`,
		`{"profiler":{"loop":{"sum":1}}}`,
		`{"creeps":`,
	}
	for _, in := range bad {
		err := Memory([]byte(in))
		var ve *Error
		if !errors.As(err, &ve) {
			t.Fatalf("Memory(%s): expected *Error, got %v", in, err)
		}
		if ve.Schema != MemorySchema || len(ve.Violations) == 0 {
			t.Fatalf("Memory(%s): error=%+v", in, ve)
		}
	}
}

func TestCreep(t *testing.T) {
	ok := []string{
		`{"role":"startup_feeder","state":"harvest","source":null,"spawn":null}`,
		`{"role":"startup_feeder","state":"feed"}`,
		`{"role":"startup_upgrader","state":"upgrade","source":"s1"}`,
		`{"role":"none"}`,
	}
	for _, in := range ok {
		if err := Creep([]byte(in)); err != nil {
			t.Fatalf("Creep(%s): %v", in, err)
		}
	}
	bad := []string{
		`{"role":"zombie"}`,
		`{"state":"harvest"}`,
		`{"role":"startup_feeder","state":"upgrade"}`,
		`{"role":"startup_upgrader","state":"harvest","spawn":null}`,
		`{"role":"none","extraField":1}`,
		`{"role":"startup_feeder","state":"feed","source":7}`,
	}
	for _, in := range bad {
		if err := Creep([]byte(in)); err == nil {
			t.Fatalf("Creep(%s): expected error", in)
		}
	}
}

func TestSource(t *testing.T) {
	b, err := Source(CreepSchema)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if !strings.Contains(string(b), `"startup_feeder"`) {
		t.Fatalf("creep schema missing feeder variant")
	}
	if _, err := Source("nope.json"); err == nil {
		t.Fatalf("expected error for unknown schema")
	}
}
