package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/styx/internal/cli"
	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/log"
	"github.com/smoynes/styx/internal/mem"
	"github.com/smoynes/styx/internal/sched"
	"github.com/smoynes/styx/internal/vcpu"
	"github.com/smoynes/styx/internal/vectors"
	"github.com/smoynes/styx/internal/vgic"
)

// Selftest returns the "selftest" command: it exercises the end-to-end
// scenarios of spec.md section 8 against a Default configuration and
// reports pass/fail for each, without needing a real guest or host.
func Selftest() cli.Command {
	return &selftest{log: log.DefaultLogger()}
}

type selftest struct {
	configPath string
	log        *log.Logger
}

var _ cli.Command = (*selftest)(nil)

func (selftest) Description() string {
	return "run the core's built-in self-test scenarios"
}

func (selftest) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `selftest [-config path]

Runs the scenarios from the testable-properties section against an
in-process pool and address space, printing a pass/fail line for each.`)

	return err
}

func (s *selftest) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	fs.StringVar(&s.configPath, "config", "", "path to a TOML configuration (default: built-in)")

	return fs
}

func (s *selftest) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	cfg := config.Default()

	if s.configPath != "" {
		loaded, err := config.Load(s.configPath)
		if err != nil {
			logger.Error("selftest: load config", "err", err)
			return 1
		}

		cfg = loaded
	}

	scenarios := []struct {
		name string
		run  func(*config.Config) error
	}{
		{"identity-map-first-1mib", scenarioIdentityMap},
		{"remap-on-split", scenarioRemapOnSplit},
		{"overlapping-map-rejection", scenarioOverlapRejection},
		{"sgi-fan-out", scenarioSGIFanOut},
		{"vcpu-migration-tlb-flush", scenarioVCPUMigration},
		{"register-banking", scenarioRegisterBanking},
	}

	failed := 0

	for _, sc := range scenarios {
		err := sc.run(cfg)

		status := "PASS"
		if err != nil {
			status = "FAIL"
			failed++
		}

		fmt.Fprintf(out, "%-30s %s\n", sc.name, status)

		if err != nil {
			fmt.Fprintf(out, "  %s\n", err)
		}
	}

	if failed > 0 {
		return 1
	}

	return 0
}

func scenarioIdentityMap(cfg *config.Config) error {
	pool := mem.NewPool(cfg)

	initial, err := vectors.BuildInitialSpace(pool, cfg.Initial, mem.FormatLPAE)
	if err != nil {
		return fmt.Errorf("initial pool tree: %w", err)
	}

	if _, err := initial.GetPage(cfg.Initial.BaseVA); err != nil {
		return fmt.Errorf("initial pool tree: first page unreachable: %w", err)
	}

	stage1, err := mem.NewAddressSpace(pool, mem.Stage1, mem.FormatLPAE, 0, 0, false)
	if err != nil {
		return err
	}

	stage2, err := mem.NewAddressSpace(pool, mem.Stage2, mem.FormatLPAE, 1, 0, false)
	if err != nil {
		return err
	}

	for _, as := range []*mem.AddressSpace{stage1, stage2} {
		// LPAE has no 1 MiB block, so the first 1 MiB is mapped as 4 KiB pages.
		for off := uint64(0); off < uint64(mem.Size1MiB); off += uint64(mem.Size4KiB) {
			pg := mem.PageDescriptor{InputAddr: off, OutputAddr: off, Size: mem.Size4KiB}
			if err := as.MapPage(pg); err != nil {
				return err
			}
		}

		got, err := as.GetPage(0)
		if err != nil {
			return err
		}

		if got.OutputAddr != 0 {
			return fmt.Errorf("expected oa=0, got %#x", got.OutputAddr)
		}
	}

	return nil
}

func scenarioRemapOnSplit(cfg *config.Config) error {
	pool := mem.NewPool(cfg)

	as, err := mem.NewAddressSpace(pool, mem.Stage2, mem.FormatShort, 1, 0, false)
	if err != nil {
		return err
	}

	const ia = 0x4000_0000

	pg := mem.PageDescriptor{InputAddr: ia, OutputAddr: ia, Size: mem.Size1MiB}

	if err := as.MapPage(pg); err != nil {
		return err
	}

	if err := as.SplitPage(pg, mem.Size4KiB); err != nil {
		return err
	}

	count := uint64(mem.Size1MiB) / uint64(mem.Size4KiB)
	for i := uint64(0); i < count; i++ {
		got, err := as.GetPage(ia + i*uint64(mem.Size4KiB))
		if err != nil {
			return fmt.Errorf("sub-page %d: %w", i, err)
		}

		if got.Size != mem.Size4KiB || got.OutputAddr != ia+i*uint64(mem.Size4KiB) {
			return fmt.Errorf("sub-page %d: unexpected descriptor %+v", i, got)
		}
	}

	return nil
}

func scenarioOverlapRejection(cfg *config.Config) error {
	pool := mem.NewPool(cfg)

	as, err := mem.NewAddressSpace(pool, mem.Stage2, mem.FormatShort, 1, 0, false)
	if err != nil {
		return err
	}

	if err := as.MapPage(mem.PageDescriptor{InputAddr: 0x1000, OutputAddr: 0x9000_1000, Size: mem.Size4KiB}); err != nil {
		return err
	}

	err = as.MapPage(mem.PageDescriptor{InputAddr: 0, OutputAddr: 0x9000_0000, Size: mem.Size64KiB})
	if !errors.Is(err, herr.Conflict) {
		return fmt.Errorf("expected Conflict, got %v", err)
	}

	if _, err := as.GetPage(0x1000); err != nil {
		return fmt.Errorf("first mapping no longer resolvable: %w", err)
	}

	return nil
}

// scenarioSGIFanOut exercises scenario 4: source CPU 0 sends SGI 3 to CPUs 1
// and 2; both observe pending with source bit 0 set; acknowledging on CPU 1
// does not clear pending on CPU 2.
func scenarioSGIFanOut(cfg *config.Config) error {
	d := vgic.NewDistributor(cfg.Vgic, 4)

	const sgi = 3

	if err := d.SendSGI(sgi, 0, 0b0110); err != nil {
		return err
	}

	if !d.Pending(sgi, 1) || !d.Pending(sgi, 2) {
		return fmt.Errorf("expected sgi %d pending on cpus 1 and 2", sgi)
	}

	d.AckSGI(sgi, 1, 0)

	if d.Pending(sgi, 1) {
		return fmt.Errorf("cpu 1 should have cleared pending after ack")
	}

	if !d.Pending(sgi, 2) {
		return fmt.Errorf("cpu 2's pending bit must survive cpu 1's ack")
	}

	return nil
}

// scenarioVCPUMigration exercises scenario 5: a VCPU running on host CPU H1
// is resumed on H2, which must flush stage-2 TLB entries tagged with its
// VMID before guest entry, but not on a same-CPU resume.
func scenarioVCPUMigration(cfg *config.Config) error {
	mem.EnableTLBTrace()

	vc := vcpu.NewVcpuContext(cfg.Guests[0].Arch)
	guest := sched.Guest{VMID: cfg.Guests[0].VMID}

	h1 := sched.NewHostCPU(1)
	h2 := sched.NewHostCPU(2)

	sched.Switch(nil, vc, guest, h1)

	if n := len(mem.TLBTrace()); n != 0 {
		return fmt.Errorf("expected no flush on first run, got %d", n)
	}

	sched.Switch(nil, vc, guest, h2)

	trace := mem.TLBTrace()
	if len(trace) != 1 {
		return fmt.Errorf("expected exactly one flush on migration, got %d", len(trace))
	}

	if trace[0].VMID != guest.VMID {
		return fmt.Errorf("flush vmid: want %d, got %d", guest.VMID, trace[0].VMID)
	}

	mem.EnableTLBTrace()
	sched.Switch(nil, vc, guest, h2)

	if n := len(mem.TLBTrace()); n != 0 {
		return fmt.Errorf("expected no flush resuming on the same host cpu, got %d", n)
	}

	return nil
}

// scenarioRegisterBanking exercises scenario 6 on an AArch32 VCPU: SP (R13)
// written in SVC mode and in IRQ mode keeps a separate value per mode, while
// the unbanked R0 is shared across the mode switch.
func scenarioRegisterBanking(_ *config.Config) error {
	vc := vcpu.NewVcpuContext(config.ArchARMv7)

	vc.SetMode(vcpu.ModeSVC)
	vc.SetReg(13, 0x1111_1111) // SP, banked.
	vc.SetReg(0, 0xdead_beef)  // R0, unbanked.

	vc.SetMode(vcpu.ModeIRQ)
	vc.SetReg(13, 0x2222_2222)

	if got := vc.GetReg(0); got != 0xdead_beef {
		return fmt.Errorf("unbanked r0 leaked across mode switch: got %#x", got)
	}

	vc.SetMode(vcpu.ModeSVC)

	if got := vc.GetReg(13); got != 0x1111_1111 {
		return fmt.Errorf("svc sp corrupted by irq mode's write: got %#x", got)
	}

	vc.SetMode(vcpu.ModeIRQ)

	if got := vc.GetReg(13); got != 0x2222_2222 {
		return fmt.Errorf("irq sp not isolated from svc mode: got %#x", got)
	}

	return nil
}
