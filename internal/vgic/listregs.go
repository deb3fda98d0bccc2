package vgic

import (
	"sync"

	"github.com/smoynes/styx/internal/herr"
)

// List-register bit layout, from the GICv2 virtualisation extensions
// (GICH_LR*): state at [28:29], pending/active flags, priority at [23:27],
// EOI-on-level-exit at [19], source-CPU-ID at [10:12] and virtual IRQ number
// at [0:9].
const (
	lrPendingBit  = 1 << 28
	lrActiveBit   = 1 << 29
	lrPrioShift   = 23
	lrPrioMask    = 0x1f << lrPrioShift
	lrEOI         = 1 << 19
	lrCPUIDShift  = 10
	lrCPUIDMask   = 7 << lrCPUIDShift
	lrVirtualMask = 0x3ff
)

// maintenance interrupt status bits (GICH_MISR).
const (
	misrEOI = 1 << 0
	misrU   = 1 << 1
)

// lrState is the state-machine position of one list register, mirroring
// spec.md section 4.7's UNALLOCATED/PENDING/ACTIVE/EOI-REPORTED states. The
// hardware only distinguishes PENDING and ACTIVE via the LR's state bits;
// EOI-REPORTED is observed through the EISR (end-of-interrupt status)
// register, and UNALLOCATED is this model's bookkeeping once a slot is
// released.
type lrState uint8

const (
	lrUnallocated lrState = iota
	lrPending
	lrActive
	lrEOIReported
)

// ListRegs is the VgicListRegs of spec.md section 4.7: the bridge from the
// in-memory Distributor to the hardware GIC virtualisation extensions' list
// registers.
type ListRegs struct {
	mu sync.Mutex

	lr      []uint32 // Mirrors GICH_LRn.
	states  []lrState
	irqOf   []int // Virtual IRQ currently occupying lr[i], or -1.
	irqToLR []int // Inverse map: virtual IRQ -> LR index, or -1 if unallocated.

	dist *Distributor
}

// UnknownLR marks "no list register allocated" (spec.md's irq_to_lr[irq] ==
// UNKNOWN).
const UnknownLR = -1

// NewListRegs allocates a ListRegs with n hardware list registers, bridging
// to dist.
func NewListRegs(n int, dist *Distributor) *ListRegs {
	lrs := &ListRegs{
		lr:      make([]uint32, n),
		states:  make([]lrState, n),
		irqOf:   make([]int, n),
		irqToLR: make([]int, dist.numIRQs),
		dist:    dist,
	}

	for i := range lrs.irqOf {
		lrs.irqOf[i] = UnknownLR
	}

	for i := range lrs.irqToLR {
		lrs.irqToLR[i] = UnknownLR
	}

	return lrs
}

// freeSlot returns the index of an unallocated list register, or
// UnknownLR, -1 if none are free. Caller must hold lrs.mu.
func (lrs *ListRegs) freeSlot() int {
	for i, st := range lrs.states {
		if st == lrUnallocated {
			return i
		}
	}

	return UnknownLR
}

// Flush installs irq into a free list register for delivery to the running
// VCPU, encoding (source-CPU, virtual-IRQ, pending-bit, EOI-bit for
// level-triggered IRQs), per spec.md section 4.7. Returns Conflict if irq is
// already allocated, OutOfMemory if no LR is free (the caller should set the
// underflow-interrupt-enable bit and retry on the next EOI).
func (lrs *ListRegs) Flush(irq int, sourceCPU int, levelTriggered bool, priority uint8) error {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	if lrs.irqToLR[irq] != UnknownLR {
		return herr.New("vgic: list_regs.flush", herr.Conflict)
	}

	slot := lrs.freeSlot()
	if slot == UnknownLR {
		return herr.New("vgic: list_regs.flush", herr.OutOfMemory)
	}

	var w uint32

	w |= lrPendingBit
	w |= uint32(sourceCPU&0x7) << lrCPUIDShift
	w |= uint32(irq) & lrVirtualMask
	w |= uint32(priority>>3&0x1f) << lrPrioShift

	if levelTriggered {
		w |= lrEOI
	}

	lrs.lr[slot] = w
	lrs.states[slot] = lrPending
	lrs.irqOf[slot] = irq
	lrs.irqToLR[irq] = slot

	return nil
}

// Sync implements spec.md section 4.7's "syncing at VCPU exit" algorithm: it
// reads the maintenance-interrupt status (misr) and, for every EOIed list
// register, clears the distributor's active bit, reasserts pending for
// still-asserted level-triggered IRQs, and releases the LR slot.
//
// eisr is a bitmap, one bit per list register, of LRs the hardware reports
// as EOI-REPORTED (GICH_EISR0/1); cpuMask identifies the VCPU being synced.
func (lrs *ListRegs) Sync(misr uint32, eisr uint64, cpuMask uint8) {
	if misr&misrEOI == 0 {
		return
	}

	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	for slot := range lrs.lr {
		if eisr&(1<<uint(slot)) == 0 {
			continue
		}

		irq := lrs.irqOf[slot]
		if irq == UnknownLR {
			continue
		}

		lrs.states[slot] = lrEOIReported

		lrs.dist.ClearActive(irq, cpuMask)

		lrs.states[slot] = lrUnallocated
		lrs.irqOf[slot] = UnknownLR
		lrs.irqToLR[irq] = UnknownLR
		lrs.lr[slot] = 0
	}
}

// ObservePendingAck transitions an LR from PENDING to ACTIVE once the
// hardware's ELRSR (empty-list-register status) bit for its slot is clear,
// i.e. reports it no longer empty -- the hardware-driven guest-ack
// transition of spec.md section 4.7's state diagram. MISR and EISR are not
// consulted, and nothing in this module calls it.
func (lrs *ListRegs) ObservePendingAck(elrsr uint64) {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	for slot, st := range lrs.states {
		if st != lrPending {
			continue
		}

		if elrsr&(1<<uint(slot)) != 0 {
			continue // Still empty; hardware hasn't consumed it yet.
		}

		lrs.states[slot] = lrActive

		irq := lrs.irqOf[slot]
		if irq != UnknownLR {
			lrs.dist.SetActive(irq, 0xff)
		}
	}
}

// Rebind re-targets lrs at a different guest's distributor, clearing any
// list-register state the previous guest left allocated. Hardware list
// registers are one bank shared per host CPU, reused by whichever guest is
// currently scheduled there -- stale entries from the last occupant must
// not leak into the next guest's view.
func (lrs *ListRegs) Rebind(dist *Distributor) {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	lrs.dist = dist

	for i := range lrs.lr {
		lrs.lr[i] = 0
		lrs.states[i] = lrUnallocated
		lrs.irqOf[i] = UnknownLR
	}

	lrs.irqToLR = make([]int, dist.numIRQs)
	for i := range lrs.irqToLR {
		lrs.irqToLR[i] = UnknownLR
	}
}

// Reaffinitize migrates a pending IRQ's LR allocation when its target-CPU
// mask changes while it occupies a list register: it releases the old slot
// without losing or re-delivering the interrupt, satisfying the testable
// property in spec.md section 8 ("no IRQ is delivered twice and no pending
// IRQ is lost").
func (lrs *ListRegs) Reaffinitize(irq int) {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	slot := lrs.irqToLR[irq]
	if slot == UnknownLR {
		return
	}

	lrs.states[slot] = lrUnallocated
	lrs.irqOf[slot] = UnknownLR
	lrs.irqToLR[irq] = UnknownLR
	lrs.lr[slot] = 0
}

// LRFor returns the list register index currently allocated to irq, or
// UnknownLR.
func (lrs *ListRegs) LRFor(irq int) int {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	return lrs.irqToLR[irq]
}

// Raw returns a copy of the hardware list-register words, for a maintenance
// handler to program into the real GICH_LRn registers.
func (lrs *ListRegs) Raw() []uint32 {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	out := make([]uint32, len(lrs.lr))
	copy(out, lrs.lr)

	return out
}
