// Package vectors builds the per-architecture exception-vector table layout,
// with the same vector offsets vcpu.ExceptionInjector applies (the injector
// keeps its own offset constants and does not read this table). The table is static,
// constructed once per guest architecture and baked in before any VCPU
// starts running -- the same role internal/monitor's SystemImage plays for
// the teacher's boot-time trap/ISR/exception routine tables, adapted here
// from "generate LC-3 object code per routine" to "record an offset and
// fault class per vector".
package vectors

import (
	"fmt"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/vcpu"
)

// Entry names one vector-table slot: the fault class it's reserved for and
// its offset from the table's base (VBAR for AArch32/64).
type Entry struct {
	Name   string
	Class  vcpu.FaultClass
	Offset uint32
}

// Table is the VectorTable baked in per guest architecture: an ordered,
// immutable set of Entry slots built once at guest-creation time.
type Table struct {
	Arch    config.Arch
	Base    uint64
	Entries []Entry
}

// Lookup returns the Entry for class, or false if this table reserves no
// slot for it.
func (t *Table) Lookup(class vcpu.FaultClass) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Class == class {
			return e, true
		}
	}

	return Entry{}, false
}

// String renders the table for diagnostics, in the teacher's
// name:offset log-friendly style.
func (t *Table) String() string {
	s := fmt.Sprintf("vectors(%s @ %#x):\n", t.Arch, t.Base)

	for _, e := range t.Entries {
		s += fmt.Sprintf("\t%-20s %#x\n", e.Name, e.Offset)
	}

	return s
}

// legacy ARM (ARMv5/ARMv7) exception-vector offsets, relative to VBAR.
var legacyARMEntries = []Entry{
	{Name: "undefined_instruction", Class: vcpu.FaultUndefinedInstruction, Offset: 0x04},
	{Name: "prefetch_abort", Class: vcpu.FaultPrefetchAbort, Offset: 0x0c},
	{Name: "data_abort", Class: vcpu.FaultDataAbort, Offset: 0x10},
}

// AArch64 synchronous-same-EL exception offsets. Undefined instruction and
// both abort classes share the synchronous vector; the exception syndrome
// register (not modelled in this core) is what guest software uses to
// distinguish them.
var aarch64Entries = []Entry{
	{Name: "sync_el1h", Class: vcpu.FaultUndefinedInstruction, Offset: 0x200},
	{Name: "sync_el1h", Class: vcpu.FaultPrefetchAbort, Offset: 0x200},
	{Name: "sync_el1h", Class: vcpu.FaultDataAbort, Offset: 0x200},
}

// Build constructs the vector table for arch, rooted at base (the guest's
// configured VBAR/vector-base-address value).
func Build(arch config.Arch, base uint64) *Table {
	t := &Table{Arch: arch, Base: base}

	switch arch {
	case config.ArchARMv5, config.ArchARMv7:
		t.Entries = append([]Entry(nil), legacyARMEntries...)
	default:
		t.Entries = append([]Entry(nil), aarch64Entries...)
	}

	return t
}
