package vectors

import (
	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/mem"
)

// BuildInitialSpace constructs the hypervisor's own bootstrap stage-1
// address space from pool's initial sub-pool: spec.md section 4.1's
// "initial pool ... recorded as a parent-child tree baked in at link time."
// It runs once per hypervisor instance, before the main pool is available
// for the dynamic allocation every guest address space otherwise relies on,
// and maps the initial sub-pool's own backing pages one 4 KiB page at a
// time, each from cfg.BaseVA+off to cfg.BasePA+off, so the hypervisor can
// address its own bootstrap tables as soon as this call returns.
//
// This plays the same role for the page-table pool that internal/monitor's
// SystemImage played for the teacher's LC-3 memory image: a fixed structure
// built once, ahead of time, that everything else is loaded relative to.
func BuildInitialSpace(pool *mem.Pool, cfg config.Pool, format mem.Format) (*mem.AddressSpace, error) {
	as, err := mem.NewAddressSpace(pool, mem.Stage1, format, 0, 0, true)
	if err != nil {
		return nil, err
	}

	perm := mem.Perm{AP: 0x1, SH: 0x3, AttrIdx: 0x0, Global: true}

	for i := 0; i < cfg.TableCount; i++ {
		off := uint64(i) * config.TableSize

		pg := mem.PageDescriptor{
			InputAddr:  cfg.BaseVA + off,
			OutputAddr: cfg.BasePA + off,
			Size:       mem.Size4KiB,
			Stage:      mem.Stage1,
			Perm:       perm,
		}

		if err := as.MapPage(pg); err != nil {
			return nil, err
		}
	}

	return as, nil
}
