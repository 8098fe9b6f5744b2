package main

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/gookit/color"

	"colonymem.dev/internal/memory/schema"
)

func TestMain(m *testing.M) {
	color.Disable()
	os.Exit(m.Run())
}

func decode(t *testing.T, b []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return v
}

func asUnknownRole(err error, target **schema.UnknownRoleError) bool {
	return errors.As(err, target)
}
