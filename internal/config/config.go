// Package config loads the static configuration that shapes a hypervisor
// instance before any dynamic allocation happens: pool sizes, the reserved
// virtual/physical address ranges the page-table pool is carved from, the
// GIC distributor's guest-visible MMIO base, and the per-guest VCPU count.
//
// None of this is guest-visible persisted state -- the hypervisor itself is
// stateless across resets (spec.md section 6) -- it is host-side static
// configuration read once at start-up, the same role TOML plays for the
// rest of this corpus's Go services.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Arch identifies the guest CPU architecture revision a Guest is configured
// for. It selects the page-table format, the shadow-copy engine (ARMv5/v7
// only), and the exception-vector layout.
type Arch string

const (
	ArchARMv5  Arch = "armv5"
	ArchARMv7  Arch = "armv7"
	ArchARMv8  Arch = "armv8"
	ArchRISCV  Arch = "riscv"
	ArchMIPS   Arch = "mips"
	ArchX86_64 Arch = "x86_64"
)

// HasStage2 reports whether the architecture has hardware two-stage
// translation, or needs the shadow stage-1 engine of internal/shadow.
func (a Arch) HasStage2() bool {
	switch a {
	case ArchARMv5, ArchARMv7:
		return false
	default:
		return true
	}
}

// Pool configures one PageTablePool sub-pool: how many table-sized pages it
// carves out of the reserved region, and where that region begins in both
// virtual and physical address space.
type Pool struct {
	TableCount int    `toml:"table_count"`
	BaseVA     uint64 `toml:"base_va"`
	BasePA     uint64 `toml:"base_pa"`
}

// Guest configures one virtual machine: its architecture revision and VCPU
// count.
type Guest struct {
	Name     string `toml:"name"`
	Arch     Arch   `toml:"arch"`
	NumVCPUs int    `toml:"num_vcpus"`
	VMID     uint16 `toml:"vmid"`
}

// Vgic configures the guest-visible MMIO base of the virtual GICv2
// distributor and the number of hardware list registers available for
// scheduling pending IRQs into.
type Vgic struct {
	DistributorBase uint64 `toml:"distributor_base"`
	NumListRegs     int    `toml:"num_list_regs"`
	NumIRQs         int    `toml:"num_irqs"`
}

// Config is the root of the static configuration tree, normally loaded from
// a single TOML file at start-up.
type Config struct {
	Initial Pool    `toml:"initial_pool"`
	Main    Pool    `toml:"main_pool"`
	Vgic    Vgic    `toml:"vgic"`
	Guests  []Guest `toml:"guest"`
}

// TableSize is the fixed size, in bytes, of every page-table page the pool
// manages. It is architecture-independent in this implementation: 512
// 64-bit LPAE descriptors fill a 4 KiB page exactly, and sizing the pool on
// one constant keeps FindByPA a single shift (spec.md section 4.1).
const TableSize = 4096

// Load reads and validates a Config from a TOML file.
func Load(path string) (*Config, error) {
	var cfg Config

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a minimal, internally-consistent configuration suitable
// for tests and the selftest command: one ARMv8 guest with two VCPUs, a
// small initial pool, and a larger main pool.
func Default() *Config {
	return &Config{
		Initial: Pool{TableCount: 4, BaseVA: 0xffff_0000_0000_0000, BasePA: 0x0000_4000_0000},
		Main:    Pool{TableCount: 64, BaseVA: 0xffff_0000_0100_0000, BasePA: 0x0000_4001_0000},
		Vgic:    Vgic{DistributorBase: 0x0800_0000, NumListRegs: 4, NumIRQs: 64},
		Guests: []Guest{
			{Name: "default", Arch: ArchARMv8, NumVCPUs: 2, VMID: 1},
		},
	}
}

func (c *Config) validate() error {
	if c.Initial.TableCount <= 0 {
		return fmt.Errorf("config: initial_pool.table_count must be positive")
	}

	if c.Main.TableCount <= 0 {
		return fmt.Errorf("config: main_pool.table_count must be positive")
	}

	if c.Vgic.NumListRegs <= 0 {
		return fmt.Errorf("config: vgic.num_list_regs must be positive")
	}

	if c.Vgic.NumIRQs <= 0 || c.Vgic.NumIRQs%32 != 0 {
		return fmt.Errorf("config: vgic.num_irqs must be a positive multiple of 32")
	}

	for i, g := range c.Guests {
		if g.NumVCPUs <= 0 {
			return fmt.Errorf("config: guest[%d] %q: num_vcpus must be positive", i, g.Name)
		}

		switch g.Arch {
		case ArchARMv5, ArchARMv7, ArchARMv8, ArchRISCV, ArchMIPS, ArchX86_64:
		default:
			return fmt.Errorf("config: guest[%d] %q: unknown arch %q", i, g.Name, g.Arch)
		}
	}

	return nil
}
