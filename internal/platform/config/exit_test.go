package config

import (
	"bytes"
	"testing"
)

func TestExitfWritesLineAndExitsWithOne(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	oldStderr, oldExit := stderr, exit
	stderr, exit = &buf, func(c int) { code = c }
	t.Cleanup(func() { stderr, exit = oldStderr, oldExit })

	Exitf("seg3dctl: %s", "connection refused")

	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if got := buf.String(); got != "seg3dctl: connection refused\n" {
		t.Fatalf("unexpected stderr %q", got)
	}
}
