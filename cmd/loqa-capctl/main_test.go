package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	t.Setenv("LOQA_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("node:\n  role: capture\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("node:\n  role: display\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := run("validate", []string{"-config", good}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "config valid") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := run("validate", []string{"-config", bad}, &out); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	var usageErr usageError
	if err := run("explode", nil, &bytes.Buffer{}); !errors.As(err, &usageErr) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run("version", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version %q", out.String())
	}
}
