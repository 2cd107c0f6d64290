package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildKajovoBinary(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	// wd is .../cmd/kajovo
	root := filepath.Dir(filepath.Dir(wd))
	bin := filepath.Join(t.TempDir(), "kajovo")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/kajovo")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v\n%s", err, string(out))
	}
	return bin
}

func runKajovo(t *testing.T, bin string, args ...string) (exitCode int, stdoutStderr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("kajovo timed out\n%s", string(out))
	}
	if err == nil {
		return 0, string(out)
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("kajovo failed: %v\n%s", err, string(out))
	}
	return ee.ExitCode(), string(out)
}

func TestVersion_PrintsAndExitsZero(t *testing.T) {
	bin := buildKajovoBinary(t)
	code, out := runKajovo(t, bin, "--version")
	if code != 0 {
		t.Fatalf("exit code: got %d want 0\n%s", code, out)
	}
	if !strings.Contains(out, "kajovo ") {
		t.Fatalf("expected version output, got %q", out)
	}
}

func TestNoArgs_PrintsUsageAndExitsOne(t *testing.T) {
	bin := buildKajovoBinary(t)
	code, out := runKajovo(t, bin)
	if code != 1 {
		t.Fatalf("exit code: got %d want 1\n%s", code, out)
	}
	if !strings.Contains(out, "usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestConfigInitThenShow_RoundTrips(t *testing.T) {
	bin := buildKajovoBinary(t)
	path := filepath.Join(t.TempDir(), "settings.json")

	code, out := runKajovo(t, bin, "config", "init", path)
	if code != 0 {
		t.Fatalf("config init exit code: got %d want 0\n%s", code, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected settings file to exist: %v", err)
	}

	code, out = runKajovo(t, bin, "config", "show", path)
	if code != 0 {
		t.Fatalf("config show exit code: got %d want 0\n%s", code, out)
	}
	if !strings.Contains(out, "\"default_model\"") && !strings.Contains(out, "\"DefaultModel\"") {
		t.Fatalf("expected settings JSON in output, got %q", out)
	}
}

func TestConfigInit_RefusesToOverwriteExistingFile(t *testing.T) {
	bin := buildKajovoBinary(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	if code, out := runKajovo(t, bin, "config", "init", path); code != 0 {
		t.Fatalf("first init exit code: got %d want 0\n%s", code, out)
	}
	code, out := runKajovo(t, bin, "config", "init", path)
	if code != 1 {
		t.Fatalf("second init exit code: got %d want 1\n%s", code, out)
	}
	if !strings.Contains(out, "already exists") {
		t.Fatalf("expected already-exists message, got %q", out)
	}
}

func TestSecretSetThenGet_RoundTrips(t *testing.T) {
	bin := buildKajovoBinary(t)
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	code, out := runKajovo(t, bin, "secret", "set", "api_key", "sk-test-123")
	if code != 0 {
		t.Fatalf("secret set exit code: got %d want 0\n%s", code, out)
	}
	code, out = runKajovo(t, bin, "secret", "get", "api_key")
	if code != 0 {
		t.Fatalf("secret get exit code: got %d want 0\n%s", code, out)
	}
	if strings.TrimSpace(out) != "sk-test-123" {
		t.Fatalf("expected stored secret value, got %q", out)
	}
}

func TestPipelineRun_RequiresProjectModeAndOut(t *testing.T) {
	bin := buildKajovoBinary(t)
	code, out := runKajovo(t, bin, "pipeline", "run", "--project", "demo")
	if code != 1 {
		t.Fatalf("exit code: got %d want 1\n%s", code, out)
	}
	if !strings.Contains(out, "requires --project, --mode, and --out") {
		t.Fatalf("expected missing-flag message, got %q", out)
	}
}
