package internal

import (
	"bytes"
	"strings"
	"testing"
)

func TestExecute(t *testing.T) {
	cmd := NewRootCmd()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(b.String(), "kiln") {
		t.Errorf("expected help output, got %q", b.String())
	}
}

func TestRootSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	for _, name := range []string{"run", "serve", "watch", "classify", "validate", "prune", "version"} {
		found, _, err := cmd.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}
