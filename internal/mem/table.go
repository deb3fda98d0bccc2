package mem

import (
	"encoding/binary"
	"sync"

	"github.com/smoynes/styx/internal/config"
)

// entriesPerTable is the number of descriptor-sized slots in one table page.
// LPAE (stage-2, AArch64 stage-1) descriptors are 8 bytes; short descriptors
// (legacy ARMv5/v7 stage-1) are 4 bytes and only use the first half of the
// page, which keeps FindByPA's arithmetic (one constant table size for every
// stage) simple at the cost of a little wasted space on short-descriptor
// tables.
const (
	entriesPerTableLPAE  = config.TableSize / 8
	entriesPerTableShort = config.TableSize / 4
)

// Table is the PageTable entity of spec.md section 3: a single page-table
// page, owned exclusively by the Pool it was allocated from.
//
// Invariant: childCount <= liveEntries. A table with parent == nil is either
// the root for its stage or sits on the free list.
type Table struct {
	pa    uint64 // Physical address of the table page.
	va    uint64 // Virtual address (reserved mapping) of the table page.
	level int    // Level in the hierarchy; 0 is the root level.
	stage Stage
	vmid  uint16 // VMID tag, for stage-2 TLB invalidation.
	ia    uint64 // Base input address this table's entries cover, for TLB scoping on detach/free.

	pool *Pool
	sub  *subpool
	idx  int // Index of this table's page within its sub-pool.

	mu          sync.Mutex // Per-table lock; guards entry mutation and counters.
	liveEntries int
	childCount  int
	children    map[uint64]*Table // Keyed by parent-relative entry index.

	parent      *Table // Non-owning: the pool is the sole owner.
	parentIndex uint64
	isRoot      bool

	// leaves records, for entries that are leaf (block/page) descriptors
	// rather than table descriptors, the descriptor installed there. This
	// is the in-memory mirror of the architectural descriptor word and is
	// what GetPage reads back.
	leaves map[uint64]PageDescriptor
}

func (t *Table) idxKey() uint64 { return t.parentIndex }

// newRoot allocates and marks a table as the persistent root of an
// AddressSpace. Roots are never freed by Pool.Free; they live for the
// lifetime of the AddressSpace, per spec.md section 4.2's unmap algorithm.
func (p *Pool) newRoot(stage Stage, vmid uint16, fromInitial bool) (*Table, error) {
	t, err := p.Alloc(stage, 0, fromInitial)
	if err != nil {
		return nil, err
	}

	t.isRoot = true
	t.vmid = vmid
	t.children = make(map[uint64]*Table)
	t.leaves = make(map[uint64]PageDescriptor)

	return t, nil
}

func (t *Table) entryValid(idx uint64) bool {
	if t.children != nil {
		if _, ok := t.children[idx]; ok {
			return true
		}
	}

	if t.leaves != nil {
		if _, ok := t.leaves[idx]; ok {
			return true
		}
	}

	return false
}

func (t *Table) setTableEntry(idx uint64, childPA uint64) {
	off := int(idx) * 8
	binary.LittleEndian.PutUint64(t.sub.pages[t.pageOffset()+off:], childPA|descValid|descTable)
	cleanCacheLine(t.sub.pages, t.pageOffset()+off)
}

func (t *Table) setLeafEntry(idx uint64, pg PageDescriptor) {
	if t.leaves == nil {
		t.leaves = make(map[uint64]PageDescriptor)
	}

	t.leaves[idx] = pg
	off := int(idx) * 8
	binary.LittleEndian.PutUint64(t.sub.pages[t.pageOffset()+off:], pg.encode())
	cleanCacheLine(t.sub.pages, t.pageOffset()+off)
	t.liveEntries++
}

func (t *Table) clearLeafEntry(idx uint64) {
	delete(t.leaves, idx)
	off := int(idx) * 8
	binary.LittleEndian.PutUint64(t.sub.pages[t.pageOffset()+off:], 0)
	cleanCacheLine(t.sub.pages, t.pageOffset()+off)
	t.liveEntries--
}

func (t *Table) clearEntry(idx uint64) {
	off := int(idx) * 8
	binary.LittleEndian.PutUint64(t.sub.pages[t.pageOffset()+off:], 0)
	cleanCacheLine(t.sub.pages, t.pageOffset()+off)
}

func (t *Table) pageOffset() int { return t.idx * config.TableSize }

// Descriptor bits shared by the LPAE table format (spec.md section 6).
const (
	descValid = 1 << 0
	descTable = 1 << 1
)
