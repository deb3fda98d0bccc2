package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/styx/internal/cli"
	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/log"
)

// Layout returns the "layout" command: it prints the reserved VA/PA ranges
// and table counts a Config carves the page-table pool from, without
// allocating anything. Useful for sanity-checking a TOML file before it is
// handed to a real instance.
func Layout() cli.Command {
	return &layout{}
}

type layout struct {
	configPath string
}

var _ cli.Command = (*layout)(nil)

func (layout) Description() string {
	return "print the page-table pool and guest layout of a configuration"
}

func (layout) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `layout [-config path]

Prints the initial and main pool ranges, the vgic distributor base, and the
configured guests of a TOML configuration (or the built-in default).`)

	return err
}

func (l *layout) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	fs.StringVar(&l.configPath, "config", "", "path to a TOML configuration (default: built-in)")

	return fs
}

func (l *layout) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	cfg := config.Default()

	if l.configPath != "" {
		loaded, err := config.Load(l.configPath)
		if err != nil {
			logger.Error("layout: load config", "err", err)
			return 1
		}

		cfg = loaded
	}

	printPool(out, "initial", cfg.Initial)
	printPool(out, "main", cfg.Main)

	fmt.Fprintf(out, "vgic: base=%#x list_regs=%d irqs=%d\n",
		cfg.Vgic.DistributorBase, cfg.Vgic.NumListRegs, cfg.Vgic.NumIRQs)

	for _, g := range cfg.Guests {
		fmt.Fprintf(out, "guest %q: arch=%s vcpus=%d vmid=%d stage2=%v\n",
			g.Name, g.Arch, g.NumVCPUs, g.VMID, g.Arch.HasStage2())
	}

	return 0
}

func printPool(out io.Writer, name string, p config.Pool) {
	end := p.BaseVA + uint64(p.TableCount)*config.TableSize
	fmt.Fprintf(out, "%s pool: tables=%-4d va=[%#x, %#x) pa_base=%#x\n",
		name, p.TableCount, p.BaseVA, end, p.BasePA)
}
