package mem

import (
	"sync"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/log"
)

// Format selects the on-disk descriptor layout an AddressSpace uses: the
// VMSAv8-64 LPAE format (stage-2 always, and AArch64 stage-1) or the legacy
// ARMv5/v7 short-descriptor format (spec.md section 6).
type Format uint8

const (
	FormatLPAE Format = iota
	FormatShort
)

// FormatFor returns the descriptor format used by a given guest architecture.
func FormatFor(arch config.Arch) Format {
	if arch == config.ArchARMv5 || arch == config.ArchARMv7 {
		return FormatShort
	}

	return FormatLPAE
}

// levelSpec describes one level of an AddressSpace's table hierarchy: the
// bit field of an input address that indexes into a table at this level.
type levelSpec struct {
	shift uint
	bits  uint
}

func (l levelSpec) index(ia uint64) uint64 {
	mask := uint64(1)<<l.bits - 1
	return (ia >> l.shift) & mask
}

// lpaeLevels models a 3-level, 4 KiB-granule LPAE hierarchy: the root level
// is indexed by input-address bits [47:30] (18 bits), and each of the two
// levels below it by 9 bits (spec.md section 6).
var lpaeLevels = []levelSpec{
	{shift: 30, bits: 18}, // 1 GiB blocks
	{shift: 21, bits: 9},  // 2 MiB blocks
	{shift: 12, bits: 9},  // 4 KiB pages
}

// shortLevels models the legacy ARMv5/v7 short-descriptor hierarchy: a
// 4096-entry, 1 MiB-per-entry first-level table, and an (on split) 256-entry
// coarse second-level table of 4 KiB pages -- spec.md section 6's "Coarse
// page-table entry: ... L2 table physical address in [10:31]" format, where
// one L2 table's 256 entries exactly cover the 1 MiB spanned by its L1
// entry. 64 KiB large pages share the second level, replicated across 16
// consecutive 4 KiB-granularity slots, matching the real hardware's large
// page encoding.
var shortLevels = []levelSpec{
	{shift: 20, bits: 12}, // 1 MiB sections
	{shift: 12, bits: 8},  // 4 KiB pages (and 64 KiB large pages, replicated x16)
}

func levelsFor(format Format) []levelSpec {
	if format == FormatShort {
		return shortLevels
	}

	return lpaeLevels
}

// sizeSlot locates where a Size lives in a format's level hierarchy: which
// level table holds it, and how many consecutive finest-granularity slots
// one instance occupies (>1 only for legacy ARM "large pages").
type sizeSlot struct {
	level  int
	repeat int
}

var lpaeSizes = map[Size]sizeSlot{
	Size1GiB: {level: 0, repeat: 1},
	Size2MiB: {level: 1, repeat: 1},
	Size4KiB: {level: 2, repeat: 1},
}

var shortSizes = map[Size]sizeSlot{
	Size1MiB:  {level: 0, repeat: 1},
	Size16MiB: {level: 0, repeat: 16}, // Supersection: 16 consecutive 1 MiB L1 slots.
	Size4KiB:  {level: 1, repeat: 1},
	Size64KiB: {level: 1, repeat: 16},
}

func sizesFor(format Format) map[Size]sizeSlot {
	if format == FormatShort {
		return shortSizes
	}

	return lpaeSizes
}

// AddressSpace is the per-translation-regime root table and its operations
// (spec.md section 4.2). Stage-1 (hypervisor's own mapping, or a guest's on
// architectures without stage-2) and stage-2 (guest intermediate-physical
// mapping) both share the same Pool and implementation; only Stage and
// Format differ.
type AddressSpace struct {
	root   *Table
	pool   *Pool
	stage  Stage
	format Format
	vmid   uint16
	asid   uint16

	fromInitial bool

	mu sync.Mutex // Serializes multi-step MapPage attempts so rollback sees a consistent tree.

	log *log.Logger
}

// NewAddressSpace allocates a persistent root table from pool and returns a
// new, empty AddressSpace. fromInitial selects the bootstrap sub-pool, for
// building the hypervisor's own address space before dynamic allocation is
// available (spec.md section 4.1).
func NewAddressSpace(pool *Pool, stage Stage, format Format, vmid, asid uint16, fromInitial bool) (*AddressSpace, error) {
	root, err := pool.newRoot(stage, vmid, fromInitial)
	if err != nil {
		return nil, herr.Wrap("mem: new_address_space", herr.OutOfMemory, err)
	}

	return &AddressSpace{
		root:        root,
		pool:        pool,
		stage:       stage,
		format:      format,
		vmid:        vmid,
		asid:        asid,
		fromInitial: fromInitial,
		log:         log.DefaultLogger(),
	}, nil
}

// Root returns the physical address of the root table and the VMID/ASID
// tags an architectural VTTBR_EL2 (stage 2) or TTBR0_EL1 (stage 1) write
// would carry.
func (as *AddressSpace) Root() (pa uint64, vmid, asid uint16) {
	return as.root.pa, as.vmid, as.asid
}

// ActivateOn installs this address space as the active translation root on
// hostCPU: the in-memory stand-in for writing VTTBR_EL2 (stage 2 -- spec.md
// section 6's "install incoming's stage-2 root") or TTBR0_EL1 (stage 1).
// There being no physical register in a software-only core, activation is
// recorded only as a log event; the scheduler glue is the sole authority on
// which VCPU is current, via vcpu.SetRunning.
func (as *AddressSpace) ActivateOn(hostCPU int) {
	as.log.Debug("activate translation root",
		"host_cpu", hostCPU, "stage", as.stage, "root_pa", as.root.pa, "vmid", as.vmid)
}

func (as *AddressSpace) levels() []levelSpec { return levelsFor(as.format) }

func (as *AddressSpace) slotForSize(sz Size) (sizeSlot, bool) {
	slot, ok := sizesFor(as.format)[sz]
	return slot, ok
}

// sizeUnsupported classifies a size that has no slot in this format's
// hierarchy: Unimplemented if it's an architectural size this format simply
// doesn't offer a block for (e.g. Size16MiB under LPAE), Invalid if it isn't
// an architectural size at all.
func sizeUnsupported(op string, sz Size) error {
	if ValidSize(sz) {
		return herr.New(op, herr.Unimplemented)
	}

	return herr.New(op, herr.Invalid)
}

// finestSize returns the smallest leaf granularity this format's hierarchy
// ever indexes at, used to stride range checks one leaf-slot at a time.
func (as *AddressSpace) finestSize() Size {
	if as.format == FormatShort {
		return Size4KiB
	}

	return Size4KiB
}

// GetPage returns the leaf descriptor mapped at ia, or a NotFound error if ia
// is not mapped at any level.
func (as *AddressSpace) GetPage(ia uint64) (PageDescriptor, error) {
	cur := as.root

	for _, lvl := range as.levels() {
		idx := lvl.index(ia)

		cur.mu.Lock()
		leaf, isLeaf := cur.leaves[idx]
		child, isChild := cur.children[idx]
		cur.mu.Unlock()

		if isLeaf {
			return leaf, nil
		}

		if !isChild {
			return PageDescriptor{}, herr.New("mem: get_page", herr.NotFound)
		}

		cur = child
	}

	return PageDescriptor{}, herr.New("mem: get_page", herr.NotFound)
}

// rangeFree reports whether every leaf-granule stride in [ia, ia+size) is
// currently unmapped, per spec.md section 4.2's failure semantics: "the
// implementation first walks the target range using get_page to verify
// absence, then modifies descriptors."
func (as *AddressSpace) rangeFree(ia uint64, size Size) bool {
	smallest := uint64(as.finestSize())

	for off := uint64(0); off < uint64(size); off += smallest {
		if _, err := as.GetPage(ia + off); err == nil {
			return false
		}
	}

	return true
}

// Leaves returns every currently-mapped descriptor reachable from the root,
// collected by a full recursive walk. It is intended for bulk teardown
// (e.g. the shadow-copy engine's TLB-maintenance invalidation hypercall),
// not the hot path.
func (as *AddressSpace) Leaves() []PageDescriptor {
	var out []PageDescriptor

	var walk func(t *Table)
	walk = func(t *Table) {
		t.mu.Lock()
		for _, pg := range t.leaves {
			out = append(out, pg)
		}

		children := make([]*Table, 0, len(t.children))
		for _, c := range t.children {
			children = append(children, c)
		}
		t.mu.Unlock()

		for _, c := range children {
			walk(c)
		}
	}

	walk(as.root)

	return out
}

// descend walks from the root to the table at the given level, allocating
// intermediate tables from the pool as needed (alloc=true) or failing with
// NotFound if one is missing (alloc=false). It returns the tables it
// allocated, for the caller to roll back on a later failure.
func (as *AddressSpace) descend(ia uint64, level int, alloc bool) (*Table, []*Table, error) {
	levels := as.levels()
	cur := as.root

	var allocated []*Table

	for i := 0; i < level; i++ {
		idx := levels[i].index(ia)

		cur.mu.Lock()
		child, ok := cur.children[idx]
		cur.mu.Unlock()

		if !ok {
			if !alloc {
				return nil, allocated, herr.New("mem: descend", herr.NotFound)
			}

			newTable, err := as.pool.Alloc(as.stage, i+1, as.fromInitial)
			if err != nil {
				return nil, allocated, herr.Wrap("mem: descend", herr.OutOfMemory, err)
			}

			newTable.children = make(map[uint64]*Table)
			newTable.leaves = make(map[uint64]PageDescriptor)
			newTable.vmid = as.vmid
			newTable.ia = ia &^ (uint64(1)<<levels[i].shift - 1)

			if err := as.pool.Attach(cur, idx, newTable); err != nil {
				as.pool.Free(newTable)
				return nil, allocated, err
			}

			allocated = append(allocated, newTable)
			child = newTable
		}

		cur = child
	}

	return cur, allocated, nil
}

// MapPage installs pg at its InputAddr, descending from the root and
// allocating intermediate tables from the pool as needed. It pre-validates
// that the whole target range is free before mutating anything, and rolls
// back any table it allocated for this call if a later step fails (pool
// exhaustion, or the leaf slots are already occupied).
func (as *AddressSpace) MapPage(pg PageDescriptor) error {
	if err := pg.Validate(); err != nil {
		return err
	}

	slot, ok := as.slotForSize(pg.Size)
	if !ok {
		return sizeUnsupported("mem: map_page", pg.Size)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.rangeFree(pg.InputAddr, pg.Size) {
		return herr.New("mem: map_page", herr.Conflict)
	}

	cur, allocated, err := as.descend(pg.InputAddr, slot.level, true)
	if err != nil {
		for i := len(allocated) - 1; i >= 0; i-- {
			as.pool.Detach(allocated[i])
			as.pool.Free(allocated[i])
		}

		return err
	}

	rollback := func() {
		for i := len(allocated) - 1; i >= 0; i-- {
			as.pool.Detach(allocated[i])
			as.pool.Free(allocated[i])
		}
	}

	baseIdx := as.levels()[slot.level].index(pg.InputAddr)

	cur.mu.Lock()
	for i := 0; i < slot.repeat; i++ {
		if cur.entryValid(baseIdx + uint64(i)) {
			cur.mu.Unlock()
			rollback()
			return herr.New("mem: map_page", herr.Conflict)
		}
	}

	for i := 0; i < slot.repeat; i++ {
		cur.setLeafEntry(baseIdx+uint64(i), pg)
	}
	cur.mu.Unlock()

	InvalidateTLB(as.stage, TLBRange{IA: pg.InputAddr, VMID: as.vmid, ASID: as.asid})

	return nil
}

// UnmapPage clears the leaf entry (or entries, for a replicated large page)
// for pg, invalidates the TLB, and opportunistically frees any intermediate
// table whose live-entry count reaches zero, provided its level is deeper
// than the root (spec.md section 4.2).
func (as *AddressSpace) UnmapPage(pg PageDescriptor) error {
	slot, ok := as.slotForSize(pg.Size)
	if !ok {
		return sizeUnsupported("mem: unmap_page", pg.Size)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	cur, _, err := as.descend(pg.InputAddr, slot.level, false)
	if err != nil {
		return err
	}

	baseIdx := as.levels()[slot.level].index(pg.InputAddr)

	cur.mu.Lock()
	existing, ok := cur.leaves[baseIdx]
	if !ok {
		cur.mu.Unlock()
		return herr.New("mem: unmap_page", herr.NotFound)
	}

	if existing.Size != pg.Size {
		cur.mu.Unlock()
		return herr.New("mem: unmap_page", herr.Invalid)
	}

	for i := 0; i < slot.repeat; i++ {
		cur.clearLeafEntry(baseIdx + uint64(i))
	}

	empty := cur.liveEntries == 0
	cur.mu.Unlock()

	InvalidateTLB(as.stage, TLBRange{IA: pg.InputAddr, VMID: as.vmid, ASID: as.asid})

	as.freeEmptyChain(cur, slot.level, empty)

	return nil
}

// freeEmptyChain climbs from a table whose live-entry count just reached
// zero up through its ancestors, freeing each one back to the pool, but
// never touches the root (spec.md section 4.2: "roots persist for the
// lifetime of the address space").
func (as *AddressSpace) freeEmptyChain(leaf *Table, leafLevel int, startEmpty bool) {
	if leafLevel == 0 || !startEmpty {
		return
	}

	child := leaf
	empty := startEmpty

	for empty && child != as.root {
		parent := child.parent
		if parent == nil {
			return
		}

		as.pool.Detach(child)
		as.pool.Free(child)

		parent.mu.Lock()
		empty = parent.liveEntries == 0 && parent != as.root
		parent.mu.Unlock()

		child = parent
	}
}

// BestPageSize is the pure function of spec.md section 4.2: the largest
// architectural block size such that both ia and oa are aligned to it and at
// least avail bytes remain.
func BestPageSize(ia, oa uint64, avail uint64) (Size, bool) {
	candidates := []Size{Size1GiB, Size16MiB, Size2MiB, Size1MiB, Size64KiB, Size4KiB}

	for _, sz := range candidates {
		s := uint64(sz)
		if ia%s == 0 && oa%s == 0 && avail >= s {
			return sz, true
		}
	}

	return 0, false
}

// SplitPage implements the one supported split direction -- section to
// small pages -- by allocating a child table, populating it with newSize
// leaves stepped across the old block's output range with the old leaf's
// permissions preserved, and atomically replacing the block entry with a
// table entry (spec.md section 4.2). Any other direction, a newSize that
// isn't exactly the next-finer level for this AddressSpace's format, or a
// replicated large-page size on either side, is reported as Unimplemented
// rather than guessed.
func (as *AddressSpace) SplitPage(pg PageDescriptor, newSize Size) error {
	oldSlot, ok := as.slotForSize(pg.Size)
	if !ok {
		return sizeUnsupported("mem: split_page", pg.Size)
	}

	newSlot, ok := as.slotForSize(newSize)
	if !ok || oldSlot.repeat != 1 || newSlot.repeat != 1 || newSlot.level != oldSlot.level+1 {
		return herr.New("mem: split_page", herr.Unimplemented)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	cur, _, err := as.descend(pg.InputAddr, oldSlot.level, false)
	if err != nil {
		return err
	}

	idx := as.levels()[oldSlot.level].index(pg.InputAddr)

	cur.mu.Lock()
	existing, ok := cur.leaves[idx]
	cur.mu.Unlock()

	if !ok || existing.Size != pg.Size {
		return herr.New("mem: split_page", herr.NotFound)
	}

	child, err := as.pool.Alloc(as.stage, oldSlot.level+1, as.fromInitial)
	if err != nil {
		return herr.Wrap("mem: split_page", herr.OutOfMemory, err)
	}

	child.children = make(map[uint64]*Table)
	child.leaves = make(map[uint64]PageDescriptor)
	child.vmid = as.vmid
	child.ia = pg.InputAddr

	count := uint64(pg.Size) / uint64(newSize)
	for i := uint64(0); i < count; i++ {
		sub := PageDescriptor{
			InputAddr:  existing.InputAddr + i*uint64(newSize),
			OutputAddr: existing.OutputAddr + i*uint64(newSize),
			Size:       newSize,
			Stage:      existing.Stage,
			Perm:       existing.Perm,
			ASID:       existing.ASID,
			VMID:       existing.VMID,
		}
		child.setLeafEntry(i, sub)
	}

	// Atomic replace: both the clear of the old block leaf and the
	// install of the new table entry happen while holding cur's lock, so
	// no reader observes a state with neither (the "force=true override"
	// of spec.md section 4.2).
	cur.mu.Lock()
	delete(cur.leaves, idx)
	cur.liveEntries--
	cur.setTableEntry(idx, child.pa)
	cur.children[idx] = child
	cur.liveEntries++
	cur.childCount++
	cur.mu.Unlock()

	child.parent = cur
	child.parentIndex = idx

	InvalidateTLB(as.stage, TLBRange{IA: pg.InputAddr, VMID: as.vmid, ASID: as.asid})

	return nil
}
