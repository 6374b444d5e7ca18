package config_test

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/louisbranch/convene/internal/platform/config"
)

// Exitf calls os.Exit, so the assertion runs against a re-executed test
// binary instead of the current process.
func TestExitfWritesStderrAndExits(t *testing.T) {
	if os.Getenv("CONVENE_TEST_EXITF") == "1" {
		config.Exitf("fatal: %s", "store offline")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitfWritesStderrAndExits$")
	cmd.Env = append(os.Environ(), "CONVENE_TEST_EXITF=1")
	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if code := exitErr.ExitCode(); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(string(out), "fatal: store offline") {
		t.Fatalf("expected message on stderr, got %q", string(out))
	}
}
