package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/streamdesk/internal/doctor"
)

func TestDoctorCommandJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STREAMDESK_HOME", home)
	cfg := "bind_addr: \"127.0.0.1:0\"\nllm:\n  provider: echo\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stdout: %s stderr: %s", code, stdout.String(), stderr.String())
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(stdout.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 || diag.System.Version != Version {
		t.Fatalf("diag = %+v", diag)
	}
}

func TestDoctorCommandBadConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STREAMDESK_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("llm:\n  provider: nonsense\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "nonsense") || !strings.Contains(stdout.String(), "FAIL") {
		t.Fatalf("stdout: %s\nstderr: %s", stdout.String(), stderr.String())
	}
}
