package main_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/smoynes/styx/internal/cli"
	"github.com/smoynes/styx/internal/cli/cmd"
)

// TestSelftestCommandPasses runs the selftest command end-to-end through the
// CLI dispatch path (not just the Run method directly), the way a user
// invoking `styx selftest` would exercise it.
func TestSelftestCommandPasses(t *testing.T) {
	commands := []cli.Command{cmd.Selftest(), cmd.Layout(), cmd.VgicDump()}

	c := cli.New(context.Background()).
		WithLogger(os.Stderr).
		WithCommands(commands).
		WithHelp(cmd.Help(commands))

	if got := c.Execute([]string{"selftest"}); got != 0 {
		t.Errorf("selftest: exit code %d, want 0", got)
	}
}

func TestLayoutCommandPrintsDefault(t *testing.T) {
	commands := []cli.Command{cmd.Selftest(), cmd.Layout(), cmd.VgicDump()}

	c := cli.New(context.Background()).
		WithLogger(os.Stderr).
		WithCommands(commands).
		WithHelp(cmd.Help(commands))

	if got := c.Execute([]string{"layout"}); got != 0 {
		t.Errorf("layout: exit code %d, want 0", got)
	}
}

func TestHelpCommandListsAllSubcommands(t *testing.T) {
	commands := []cli.Command{cmd.Selftest(), cmd.Layout(), cmd.VgicDump()}
	h := cmd.Help(commands)

	var buf bytes.Buffer
	if err := h.Usage(&buf); err != nil {
		t.Fatalf("usage: %v", err)
	}

	out := buf.String()

	for _, name := range []string{"selftest", "layout", "vgic-dump"} {
		if !bytes.Contains([]byte(out), []byte(name)) {
			t.Errorf("help output missing command %q:\n%s", name, out)
		}
	}
}
