package mem

import "github.com/smoynes/styx/internal/config"

// clearTable zeroes one table-sized page in a sub-pool's backing storage.
func clearTable(pages []byte, idx int) {
	start := idx * config.TableSize
	end := start + config.TableSize

	for i := start; i < end; i++ {
		pages[i] = 0
	}
}

// cleanCacheLine performs a cache-line clean on a descriptor word after it
// has been written, and issues a data-synchronisation barrier, per spec.md
// section 5's cross-CPU ordering rule: "all PTE writes are followed by a
// data-synchronisation barrier before the corresponding TLB-invalidate".
//
// There is no cache hierarchy to model in a Go process, so this is a
// placement marker: it documents precisely where a bare-metal port would
// emit `dc cvac` (AArch64) or `mcr p15, 0, rX, c7, c10, 1` (ARMv7) followed
// by `dsb ish`, and gives tests a single hook to assert write-ordering
// against.
func cleanCacheLine(pages []byte, offset int) {
	dsb()
}

// dsb and isb are no-ops on the host but mark the exact points the
// architecture requires a data-synchronisation barrier (after a descriptor
// write, before the TLB invalidate that follows it) and an
// instruction-synchronisation barrier (after a TLB invalidate, before the
// next guest entry), per spec.md section 5.
func dsb() {}
func isb() {}

// TLBRange scopes a TLB invalidate: by VMID+IPA for stage-2, by VA (and
// optionally ASID) for stage-1.
type TLBRange struct {
	IA   uint64
	VMID uint16
	ASID uint16
}

// InvalidateTLB issues the architecturally-correct TLB invalidate for the
// given stage and range, followed by an instruction-synchronisation
// barrier, per spec.md section 4.2's map/unmap algorithms and section 5's
// ordering rule. Like cleanCacheLine, there is no real TLB to invalidate on
// the host; this function is the seam a real port hangs `tlbi ipas2e1is`
// / `tlbi vae1is` off of, and the seam tests assert invalidation occurred
// through (see TLBTrace in tlb_trace.go).
func InvalidateTLB(stage Stage, r TLBRange) {
	recordInvalidation(stage, r)
	isb()
}
