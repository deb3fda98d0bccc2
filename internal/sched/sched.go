// Package sched implements the world-switch glue between the scheduler
// (external to this core, per spec.md section 5) and the VCPU/VGIC/memory
// layers: vcpu_switch, and the TLB-flush-on-migration rule it must enforce.
package sched

import (
	"sync"

	"github.com/smoynes/styx/internal/mem"
	"github.com/smoynes/styx/internal/vcpu"
	"github.com/smoynes/styx/internal/vgic"
)

// Guest groups the guest-level state a world switch touches: its stage-2
// address space (shared across the guest's VCPUs, tagged by VMID) and its
// virtual interrupt controller. The VCPU's register context is passed to
// Switch separately.
type Guest struct {
	Stage2      *mem.AddressSpace
	VGIC        *vgic.Distributor
	VMID        uint16
	NumListRegs int // Hardware list registers this guest's VGIC needs; sized from config.Vgic.NumListRegs.
}

// SavedState is the volatile state vcpu_switch saves for an outgoing VCPU
// and restores for the incoming one (spec.md section 6).
type SavedState struct {
	FP   [32]vcpu.FPReg
	HCR  uint64
	CPSR uint32
}

// HostCPU is one physical CPU running guests: the currently-running VCPU,
// its own bank of hardware list registers (list registers belong to the
// physical CPU, not the VCPU -- they're rebound to whichever guest's VGIC
// is currently scheduled here), and the VMID it last entered.
type HostCPU struct {
	ID int

	mu       sync.Mutex
	running  *vcpu.VcpuContext
	listRegs *vgic.ListRegs
	lastVMID uint16
	hasVMID  bool
}

// NewHostCPU describes the physical CPU numbered id. Its list-register bank
// is allocated lazily, sized to the first guest switched onto it.
func NewHostCPU(id int) *HostCPU {
	return &HostCPU{ID: id}
}

// Running returns the VCPU currently executing on this host CPU, or nil.
func (h *HostCPU) Running() *vcpu.VcpuContext {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.running
}

// ListRegs returns this host CPU's hardware list-register bank, or nil if
// no guest has ever been switched onto it.
func (h *HostCPU) ListRegs() *vgic.ListRegs {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.listRegs
}

// bindVGIC rebinds h's list-register bank to dist, allocating it on first
// use. Rebinding onto a different guest's distributor always clears any
// list-register state the previous guest left behind, matching the real
// GICH_LRn bank being one shared per-host-CPU resource.
func (h *HostCPU) bindVGIC(dist *vgic.Distributor, numListRegs int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if dist == nil {
		return
	}

	if h.listRegs == nil {
		h.listRegs = vgic.NewListRegs(numListRegs, dist)
		return
	}

	h.listRegs.Rebind(dist)
}

// Switch implements the external interface of spec.md section 6:
// vcpu_switch(outgoing, incoming, saved_regs). It atomically saves the
// outgoing VCPU's volatile state, installs the incoming VCPU's stage-2 root
// (mem.AddressSpace.ActivateOn) and rebinds the host CPU's list-register
// bank to the incoming guest's VGIC, and flushes the guest TLB if the
// incoming VCPU's last host CPU differs from the one it's about to run on.
//
// outgoing may be nil (there is no VCPU currently running on hcpu, e.g. the
// very first switch after boot).
func Switch(outgoing, incoming *vcpu.VcpuContext, incomingGuest Guest, hcpu *HostCPU) SavedState {
	var saved SavedState

	if outgoing != nil {
		saved = SavedState{
			FP:   outgoing.FP(),
			HCR:  outgoing.HCR(),
			CPSR: outgoing.CPSR(),
		}

		vcpu.SetRunning(nil)
	}

	lastHostCPU := incoming.LastHostCPU()
	migrated := lastHostCPU != -1 && lastHostCPU != hcpu.ID

	if migrated {
		mem.InvalidateTLB(mem.Stage2, mem.TLBRange{VMID: incomingGuest.VMID})
	}

	if incomingGuest.Stage2 != nil {
		incomingGuest.Stage2.ActivateOn(hcpu.ID)
	}

	hcpu.bindVGIC(incomingGuest.VGIC, incomingGuest.NumListRegs)

	incoming.SetLastHostCPU(hcpu.ID)
	vcpu.SetRunning(incoming)

	hcpu.mu.Lock()
	hcpu.running = incoming
	hcpu.lastVMID = incomingGuest.VMID
	hcpu.hasVMID = true
	hcpu.mu.Unlock()

	return saved
}

// Restore installs previously-saved volatile state into incoming. Called
// after Switch, once the world-switch glue has re-pointed incoming at its
// own register file (i.e. once incoming.FP()/SetFP et al. operate on the
// right VcpuContext).
func Restore(incoming *vcpu.VcpuContext, saved SavedState) {
	incoming.SetFP(saved.FP)
	incoming.SetHCR(saved.HCR)
	incoming.SetCPSR(saved.CPSR)
}
