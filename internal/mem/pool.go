// Package mem implements the guest memory translation layer: a
// pool-allocated, reference-counted, multi-level page-table manager that
// maintains the per-guest intermediate-physical-to-physical mapping (and,
// on architectures with hardware stage-2, the hypervisor's own stage-1
// mapping) from the same backing pool.
package mem

import (
	"sync"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/log"
)

// Stage tags the translation regime a PageTable or AddressSpace belongs to.
// Stage-1 is guest- (or, for the hypervisor's own mapping, host-) controlled;
// stage-2 is hypervisor-controlled and exists only on architectures with
// hardware two-stage translation.
type Stage uint8

const (
	Stage1 Stage = iota
	Stage2
)

func (s Stage) String() string {
	if s == Stage2 {
		return "stage-2"
	}

	return "stage-1"
}

// subpool is one of the pool's two backing regions: a small bootstrap region
// whose parent/child tree is fixed at link time, and the main region used
// for all subsequent dynamic allocation.
type subpool struct {
	name   string
	baseVA uint64
	basePA uint64
	pages  []byte   // Backing storage, subpool.count*config.TableSize bytes.
	tables []*Table // One descriptor per table-sized page, indexed by page number.

	mu   sync.Mutex // Pool-wide free-list lock; always acquired last (lock order: VGIC > VCPU > page-table > pool-free-list).
	free []int      // Indices, into tables, of unused pages.
}

// Pool is the PageTablePool of spec.md section 4.1: a fixed-capacity arena of
// page-table pages carved from a reserved VA/PA range, shared by every
// AddressSpace (stage-1 and stage-2 alike) that the hypervisor manages.
//
// The pool is the single owner of every *Table. AddressSpace and ShadowCopy
// callers hold non-owning references to tables they reach via Alloc/Attach;
// freeing and reattaching always goes through the pool so its free list and
// FindByPA index stay authoritative.
type Pool struct {
	initial subpool
	main    subpool

	log *log.Logger
}

// NewPool carves the initial and main sub-pools out of the reserved ranges
// named in cfg. Each call builds a new, independent pool; nothing tracks or
// limits how many pools a process creates (the selftest command and the
// tests build a fresh one per scenario).
func NewPool(cfg *config.Config) *Pool {
	p := &Pool{
		log: log.DefaultLogger(),
	}

	p.initial = newSubpool("initial", cfg.Initial)
	p.main = newSubpool("main", cfg.Main)

	return p
}

func newSubpool(name string, pc config.Pool) subpool {
	sp := subpool{
		name:   name,
		baseVA: pc.BaseVA,
		basePA: pc.BasePA,
		pages:  allocPages(pc.TableCount * config.TableSize),
		tables: make([]*Table, pc.TableCount),
		free:   make([]int, 0, pc.TableCount),
	}

	for i := 0; i < pc.TableCount; i++ {
		sp.free = append(sp.free, i)
	}

	return sp
}

// Alloc returns a zero-initialised table of the appropriate level for stage,
// or an OutOfMemory error when the free list is empty. Bootstrap callers
// (building the hypervisor's own initial address space before dynamic
// allocation is available) should pass fromInitial=true; every other caller
// allocates from the main pool.
func (p *Pool) Alloc(stage Stage, level int, fromInitial bool) (*Table, error) {
	sp := &p.main
	if fromInitial {
		sp = &p.initial
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.free) == 0 {
		return nil, herr.New("mem: pool.alloc", herr.OutOfMemory)
	}

	idx := sp.free[len(sp.free)-1]
	sp.free = sp.free[:len(sp.free)-1]

	pa := sp.basePA + uint64(idx)*config.TableSize
	va := sp.baseVA + uint64(idx)*config.TableSize

	t := &Table{
		pa:    pa,
		va:    va,
		level: level,
		stage: stage,
		pool:  p,
		sub:   sp,
		idx:   idx,
	}
	clearTable(sp.pages, idx)

	sp.tables[idx] = t

	return t, nil
}

// Free detaches table from its parent (if attached), recursively frees its
// child subtrees, zeroes its backing page, and returns it to its sub-pool's
// free list.
//
// Freeing the root table of a live AddressSpace is a host-level programmer
// error (spec.md section 7) and halts the offending goroutine rather than
// corrupt the pool.
func (p *Pool) Free(t *Table) {
	if t == nil {
		return
	}

	if t.isRoot {
		herr.Fatal("mem: pool.free", "cannot free a root table while its address space is live")
	}

	t.mu.Lock()
	children := make([]*Table, 0, len(t.children))
	for _, c := range t.children {
		children = append(children, c)
	}
	t.mu.Unlock()

	for _, c := range children {
		p.Detach(c)
		p.Free(c)
	}

	if parent := t.parent; parent != nil {
		p.Detach(t)
	}

	sp := t.sub

	sp.mu.Lock()
	clearTable(sp.pages, t.idx)
	sp.tables[t.idx] = nil
	sp.free = append(sp.free, t.idx)
	sp.mu.Unlock()
}

// FindByPA is an O(1) reverse lookup from a table's physical address to its
// descriptor: it determines which sub-pool the address falls in and shifts
// by the table-size log2, exactly as spec.md section 4.1 describes.
func (p *Pool) FindByPA(pa uint64) (*Table, bool) {
	if t, ok := p.initial.findByPA(pa); ok {
		return t, true
	}

	return p.main.findByPA(pa)
}

func (sp *subpool) findByPA(pa uint64) (*Table, bool) {
	if pa < sp.basePA {
		return nil, false
	}

	idx := int((pa - sp.basePA) / config.TableSize)
	if idx >= len(sp.tables) {
		return nil, false
	}

	sp.mu.Lock()
	t := sp.tables[idx]
	sp.mu.Unlock()

	return t, t != nil
}

// Attach installs child's physical address at the idx-indexed entry of
// parent, setting the table-descriptor encoding for parent's stage. It fails
// if the entry is already valid or child is already attached elsewhere. idx
// is computed by the caller (AddressSpace) from its own, format-specific
// level table, since legacy short-descriptor and LPAE tables index
// differently.
func (p *Pool) Attach(parent *Table, idx uint64, child *Table) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.entryValid(idx) {
		return herr.New("mem: pool.attach", herr.Conflict)
	}

	if child.parent != nil {
		return herr.New("mem: pool.attach", herr.Conflict)
	}

	parent.setTableEntry(idx, child.pa)
	child.parent = parent
	child.parentIndex = idx
	parent.children[child.idxKey()] = child
	parent.liveEntries++
	parent.childCount++

	return nil
}

// Detach clears child's entry in its parent, invalidates the corresponding
// TLB range for the stage, and decrements the parent's live-entry and
// child-table counters.
func (p *Pool) Detach(child *Table) {
	parent := child.parent
	if parent == nil {
		return
	}

	parent.mu.Lock()
	idx := child.parentIndex
	parent.clearEntry(idx)
	delete(parent.children, child.idxKey())
	parent.liveEntries--
	parent.childCount--
	parent.mu.Unlock()

	InvalidateTLB(parent.stage, TLBRange{IA: child.ia, VMID: parent.vmid})

	child.parent = nil
}
