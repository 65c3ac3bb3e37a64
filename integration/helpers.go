//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// agentScript answers the two capitals it knows and nothing else
const agentScript = `#!/bin/sh
input=$(cat)
case "$input" in
*"Capital of France"*) echo "ANSWER: Paris" ;;
*"Capital of Peru"*) echo "ANSWER: Lima" ;;
*) echo "ANSWER: no idea" ;;
esac
`

// capitalsYAML is a question file with one question the agent gets wrong
const capitalsYAML = `- question: Capital of France?
  answer: Paris
- question: Capital of Peru?
  answer: Lima
- question: Capital of Bhutan?
  answer: Thimphu
`

// repoRoot returns the module root
func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// requireShell skips the test when the fake agent cannot run
func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeFile writes content to name inside dir and returns the path
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// createTestConfig writes a config that drives the fake agent and returns its path
func createTestConfig(t *testing.T, dir string) string {
	t.Helper()
	script := writeFile(t, dir, "agent.sh", agentScript)
	results := filepath.Join(dir, "results.json")

	config := `[general]
results_path = "` + results + `"
step_timeout_seconds = 10
max_parallel = 2

[runner]
command = ["sh", "` + script + `"]
max_turns = 2

[notifications]
desktop = false
`
	return writeFile(t, dir, "config.toml", config)
}

// fields normalizes whitespace so table rows compare independent of padding
func fields(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// hasRow reports whether any output line matches row ignoring padding
func hasRow(out, row string) bool {
	want := fields(row)
	for _, line := range strings.Split(out, "\n") {
		if fields(line) == want {
			return true
		}
	}
	return false
}
