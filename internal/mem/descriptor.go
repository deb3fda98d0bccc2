package mem

import "github.com/smoynes/styx/internal/herr"

// Size is an architectural block size. The set of sizes a level may use
// depends on the architecture and stage; ValidSize checks membership in the
// universal set from spec.md section 3.
type Size uint64

const (
	Size4KiB  Size = 4 * 1024
	Size64KiB Size = 64 * 1024
	Size1MiB  Size = 1 * 1024 * 1024
	Size2MiB  Size = 2 * 1024 * 1024
	Size16MiB Size = 16 * 1024 * 1024
	Size1GiB  Size = 1 * 1024 * 1024 * 1024
)

// ValidSize reports whether sz is one of the architectural block sizes.
func ValidSize(sz Size) bool {
	switch sz {
	case Size4KiB, Size64KiB, Size1MiB, Size2MiB, Size16MiB, Size1GiB:
		return true
	default:
		return false
	}
}

// Perm carries the architecture-specific permission bits of a PageDescriptor:
// access permission, execute-never variants, sharability, the memory
// attribute index (or TEX+C+B on legacy short descriptors), and the
// non-secure/global bits. It is intentionally a flat bitfield rather than a
// tagged union across architectures, matching how the wire formats
// themselves overlap in spec.md section 6.
type Perm struct {
	AP      uint8 // Access permission encoding.
	XN      bool  // Execute-never (stage-1/2 data-abort-on-fetch).
	PXN     bool  // Privileged execute-never (stage-1 only).
	SH      uint8 // Sharability domain.
	AttrIdx uint8 // MAIR index (LPAE) or TEX+C+B encoding (legacy).
	NS      bool  // Non-secure.
	Global  bool  // Not tagged by ASID/VMID.
}

// PageDescriptor is the cpu_page entity of spec.md section 3: one mapped
// leaf, valid for exactly one stage.
//
// Invariant: InputAddr and OutputAddr are both multiples of Size; Size is
// one of the architectural block sizes.
type PageDescriptor struct {
	InputAddr  uint64
	OutputAddr uint64
	Size       Size
	Stage      Stage
	Perm       Perm
	ASID       uint16 // Stage-1 only.
	VMID       uint16 // Stage-2 only.
}

// Validate checks the PageDescriptor invariant from spec.md section 3.
func (pg PageDescriptor) Validate() error {
	if !ValidSize(pg.Size) {
		return herr.New("mem: descriptor.validate", herr.Invalid)
	}

	sz := uint64(pg.Size)
	if pg.InputAddr%sz != 0 || pg.OutputAddr%sz != 0 {
		return herr.New("mem: descriptor.validate", herr.Invalid)
	}

	return nil
}

// encode packs the descriptor into its LPAE wire representation (spec.md
// section 6): valid bit at [0] with the table bit at [1] left clear, output
// address at [12:47], AttrIdx at [2:4], SH at [8:9], AP at [6:7], nG at [11]
// for non-global entries, access-flag at [10], PXN at [53], XN at [54],
// contiguous hint left clear.
func (pg PageDescriptor) encode() uint64 {
	var w uint64

	w |= descValid // valid

	// Block and final-level page descriptors are encoded identically, with
	// the table bit clear: callers needing page-vs-block distinction at a
	// given level already know it from the level they're installing at.
	w |= pg.OutputAddr &^ 0xfff
	w |= uint64(pg.Perm.AttrIdx&0x7) << 2
	w |= uint64(pg.Perm.SH&0x3) << 8
	w |= uint64(pg.Perm.AP&0x3) << 6
	w |= 1 << 10 // access-flag: always set; this model does not emulate AF faults.

	if pg.Perm.PXN {
		w |= 1 << 53
	}

	if pg.Perm.XN {
		w |= 1 << 54
	}

	if !pg.Perm.Global {
		w |= 1 << 11 // nG: entry is not global.
	}

	return w
}
