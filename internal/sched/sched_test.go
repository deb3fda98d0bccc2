package sched

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/mem"
	"github.com/smoynes/styx/internal/vcpu"
	"github.com/smoynes/styx/internal/vgic"
)

// Scenario 5 (spec.md section 8): VCPU V runs on host CPU H1, exits, is
// resumed on H2. At resume time, stage-2 TLB entries tagged with V's VMID
// are invalidated on H2 before guest entry.
func TestSwitchFlushesTLBOnMigration(t *testing.T) {
	mem.EnableTLBTrace()

	vc := vcpu.NewVcpuContext(config.ArchARMv8)
	guest := Guest{VMID: 42}

	h1 := NewHostCPU(1)
	h2 := NewHostCPU(2)

	Switch(nil, vc, guest, h1) // First run, on H1.

	if got := len(mem.TLBTrace()); got != 0 {
		t.Fatalf("expected no flush on a VCPU's first-ever run, got %d invalidations", got)
	}

	Switch(nil, vc, guest, h2) // Resume on H2: migrated.

	trace := mem.TLBTrace()
	if len(trace) != 1 {
		t.Fatalf("expected exactly one TLB invalidation on migration, got %d", len(trace))
	}

	if trace[0].VMID != guest.VMID {
		t.Errorf("invalidation VMID: want %d, got %d", guest.VMID, trace[0].VMID)
	}

	if got := vc.LastHostCPU(); got != 2 {
		t.Errorf("LastHostCPU after switch: want 2, got %d", got)
	}
}

func TestSwitchNoFlushWhenHostCPUUnchanged(t *testing.T) {
	mem.EnableTLBTrace()

	vc := vcpu.NewVcpuContext(config.ArchARMv8)
	guest := Guest{VMID: 7}
	h1 := NewHostCPU(1)

	Switch(nil, vc, guest, h1)
	mem.EnableTLBTrace() // Reset the trace after the first run (which does not flush).

	Switch(nil, vc, guest, h1)

	if got := len(mem.TLBTrace()); got != 0 {
		t.Errorf("expected no flush when resuming on the same host CPU, got %d", got)
	}
}

// TestSwitchRebindsListRegsToIncomingGuest checks that a host CPU's
// list-register bank follows whichever guest is currently scheduled on it,
// and that switching guests discards the previous occupant's allocations.
func TestSwitchRebindsListRegsToIncomingGuest(t *testing.T) {
	h := NewHostCPU(1)

	distA := vgic.NewDistributor(config.Vgic{NumIRQs: 32, NumListRegs: 4}, 1)
	distB := vgic.NewDistributor(config.Vgic{NumIRQs: 32, NumListRegs: 4}, 1)

	vcA := vcpu.NewVcpuContext(config.ArchARMv8)
	guestA := Guest{VGIC: distA, VMID: 1, NumListRegs: 4}

	Switch(nil, vcA, guestA, h)

	if err := h.ListRegs().Flush(5, 0, true, 0x80); err != nil {
		t.Fatalf("Flush on guest A's bank: %v", err)
	}

	if h.ListRegs().LRFor(5) == vgic.UnknownLR {
		t.Fatalf("expected irq 5 allocated a list register")
	}

	vcB := vcpu.NewVcpuContext(config.ArchARMv8)
	guestB := Guest{VGIC: distB, VMID: 2, NumListRegs: 4}

	Switch(vcA, vcB, guestB, h)

	if h.ListRegs().LRFor(5) != vgic.UnknownLR {
		t.Errorf("expected guest A's list-register allocation cleared after rebind to guest B")
	}
}

// TestConcurrentMigrationsStampLastHostCPU drives many VCPUs through
// concurrent migrations across simulated host CPUs with an errgroup, and
// asserts every migrated VCPU's last-host-CPU stamp names its destination --
// the concurrent counterpart to the two sequential-case tests above.
func TestConcurrentMigrationsStampLastHostCPU(t *testing.T) {
	const numVCPUs = 8

	vcpus := make([]*vcpu.VcpuContext, numVCPUs)
	guests := make([]Guest, numVCPUs)
	origin := NewHostCPU(0)

	for i := range vcpus {
		vcpus[i] = vcpu.NewVcpuContext(config.ArchARMv8)
		guests[i] = Guest{VMID: uint16(i + 1), VGIC: vgic.NewDistributor(config.Vgic{NumIRQs: 32}, 1)}
		Switch(nil, vcpus[i], guests[i], origin) // Seed: all start on host CPU 0.
	}

	g, _ := errgroup.WithContext(context.Background())

	for i := range vcpus {
		i := i
		dest := NewHostCPU(i + 1)

		g.Go(func() error {
			mem.EnableTLBTrace()
			Switch(nil, vcpus[i], guests[i], dest) // Each migrates to a distinct host CPU.

			if got := vcpus[i].LastHostCPU(); got != i+1 {
				t.Errorf("vcpu %d: LastHostCPU: want %d, got %d", i, i+1, got)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
}
