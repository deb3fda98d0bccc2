// Package shadow implements the lazy stage-1 shadow-copy engine used on
// architectures without hardware two-stage translation (spec.md section
// 4.3): each VCPU gets a private table cloned on demand from a shared
// default table, entry by entry, as data/prefetch aborts touch newly
// reserved pages.
package shadow

import (
	"sync"

	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/mem"
)

// CopyEngine is the ShadowCopyEngine of spec.md section 4.3. It owns one
// default AddressSpace (the hypervisor's own reserved mapping) and hands
// out a private, lazily-populated AddressSpace per VCPU.
type CopyEngine struct {
	pool    *mem.Pool
	format  mem.Format
	def     *mem.AddressSpace
	private map[int]*mem.AddressSpace // Keyed by VCPU id.

	mu sync.Mutex
}

// NewCopyEngine builds a CopyEngine around the given default AddressSpace.
// def must already contain the hypervisor's own reserved mapping; it is
// never mutated by the engine, only read from.
func NewCopyEngine(pool *mem.Pool, format mem.Format, def *mem.AddressSpace) *CopyEngine {
	return &CopyEngine{
		pool:    pool,
		format:  format,
		def:     def,
		private: make(map[int]*mem.AddressSpace),
	}
}

// PrivateTable returns vcpuID's shadow table, allocating an empty one on
// first use. The table starts with no entries; pages are populated lazily
// by HandleAbort as the VCPU faults on them.
func (e *CopyEngine) PrivateTable(vcpuID int, asid uint16) (*mem.AddressSpace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if as, ok := e.private[vcpuID]; ok {
		return as, nil
	}

	as, err := mem.NewAddressSpace(e.pool, mem.Stage1, e.format, 0, asid, false)
	if err != nil {
		return nil, herr.Wrap("shadow: private_table", herr.OutOfMemory, err)
	}

	e.private[vcpuID] = as

	return as, nil
}

// HandleAbort implements spec.md section 4.3's abort-handler contract: if
// the default table maps faultVA, the mapping is copied into vcpuID's
// private table and the fault is resolved (ok=true); otherwise the fault
// must be forwarded to the guest (ok=false).
func (e *CopyEngine) HandleAbort(vcpuID int, asid uint16, faultVA uint64) (ok bool, err error) {
	pg, err := e.def.GetPage(faultVA)
	if err != nil {
		return false, nil // Not mapped in the default table either; forward to guest.
	}

	priv, err := e.PrivateTable(vcpuID, asid)
	if err != nil {
		return false, err
	}

	if existing, getErr := priv.GetPage(pg.InputAddr); getErr == nil && existing.OutputAddr == pg.OutputAddr {
		return true, nil // Already propagated by a racing fault on the same page.
	}

	if err := priv.MapPage(pg); err != nil {
		if errIsConflict(err) {
			// Another goroutine propagated it first; treat as resolved.
			return true, nil
		}

		return false, err
	}

	return true, nil
}

func errIsConflict(err error) bool {
	return herr.Conflict.Is(err)
}

// Invalidate drops vcpuID's private table entirely, for TLB-maintenance
// hypercalls that require a coherent re-clone rather than incremental
// invalidation (spec.md section 4.3).
func (e *CopyEngine) Invalidate(vcpuID int) {
	e.mu.Lock()
	as, ok := e.private[vcpuID]
	delete(e.private, vcpuID)
	e.mu.Unlock()

	if !ok {
		return
	}

	for _, pg := range as.Leaves() {
		_ = as.UnmapPage(pg)
	}
}
