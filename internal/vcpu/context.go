// Package vcpu implements the VCPU trap/dispatch layer: banked register
// files that present each guest a private CPU of its configured
// architecture revision, and the exception-injection state machine that
// delivers synchronous and asynchronous faults into it.
package vcpu

import (
	"sync"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
)

// Mode is a legacy ARM CPSR execution mode. Every banked register read or
// write is indexed by the guest's current mode (spec.md section 4.4).
type Mode uint8

const (
	ModeUSR Mode = iota
	ModeFIQ
	ModeIRQ
	ModeSVC
	ModeABT
	ModeUND
	ModeHYP
	ModeSYS
)

func (m Mode) String() string {
	switch m {
	case ModeUSR:
		return "USR"
	case ModeFIQ:
		return "FIQ"
	case ModeIRQ:
		return "IRQ"
	case ModeSVC:
		return "SVC"
	case ModeABT:
		return "ABT"
	case ModeUND:
		return "UND"
	case ModeHYP:
		return "HYP"
	case ModeSYS:
		return "SYS"
	default:
		return "???"
	}
}

// gprBank is the AArch32 banked general-purpose register file: a flat,
// mode-indexed array rather than one struct field per mode, matching the
// "tagged union ... pattern matching plus a compile-time exhaustiveness
// check" design note of spec.md section 9 -- here the exhaustiveness check
// is regSlot's switch over every Mode.
//
// Slot assignment (spec.md section 4.4's table): 0-7 are unbanked; 8-12 are
// banked only for FIQ (slots 16-20); 13 (SP) and 14 (LR) are banked for
// every privileged mode. FIQ's LR is not part of the gpr array at all --
// the architecture itself treats it as the one genuinely private copy, so
// it gets its own field.
type gprBank struct {
	gpr   [30]uint32
	fiqLR uint32
}

// spSlot returns the gpr index SP (R13) is banked to for mode.
func spSlot(mode Mode) int {
	switch mode {
	case ModeUSR, ModeSYS:
		return 13
	case ModeFIQ:
		return 29
	case ModeIRQ:
		return 17
	case ModeSVC:
		return 19
	case ModeABT:
		return 21
	case ModeUND:
		return 23
	case ModeHYP:
		return 15
	default:
		herr.Fatal("vcpu: sp_slot", "unknown mode")
		return 0
	}
}

// lrSlot returns the gpr index LR (R14) is banked to for mode, or -1 if the
// mode banks LR outside the gpr array (FIQ).
func lrSlot(mode Mode) int {
	switch mode {
	case ModeUSR, ModeSYS:
		return 14
	case ModeFIQ:
		return -1
	case ModeIRQ:
		return 16
	case ModeSVC:
		return 18
	case ModeABT:
		return 20
	case ModeUND:
		return 22
	case ModeHYP:
		return 14
	default:
		herr.Fatal("vcpu: lr_slot", "unknown mode")
		return 0
	}
}

// midSlot returns the gpr index register n (8..12) is banked to for mode.
func midSlot(mode Mode, n int) int {
	if mode == ModeFIQ {
		return 16 + (n - 8)
	}

	return n
}

// Reg returns a pointer to the gpr slot backing logical register n (0..14)
// for the given mode, so callers can read or write through it. Register 15
// (PC) is not banked and lives on VcpuContext directly; callers must not
// pass n==15 here.
func (b *gprBank) Reg(mode Mode, n int) *uint32 {
	switch {
	case n < 8:
		return &b.gpr[n]
	case n >= 8 && n <= 12:
		return &b.gpr[midSlot(mode, n)]
	case n == 13:
		return &b.gpr[spSlot(mode)]
	case n == 14:
		if mode == ModeFIQ {
			return &b.fiqLR
		}

		return &b.gpr[lrSlot(mode)]
	default:
		herr.Fatal("vcpu: gpr_bank.reg", "register number out of range")
		return nil
	}
}

// aarch64Bank is the 64-bit general-purpose register file: X0..X30, plus the
// per-exception-level stack pointers. Register 30 is the link register;
// register 31 is reserved (spec.md section 4.4).
type aarch64Bank struct {
	x      [31]uint64
	spEL0  uint64
	spEL1  uint64
	pstate uint64
}

// WordSize distinguishes a 32-bit guest CPU from a 64-bit one, selecting
// which of gprBank or aarch64Bank VcpuContext.Reg/SetReg consults.
type WordSize uint8

const (
	WordSize32 WordSize = iota
	WordSize64
)

// FeatureMask is a bitmask of optional architectural features a VcpuContext
// exposes to its guest (VFP, NEON, LPAE, virtualisation extensions, ...).
type FeatureMask uint64

// FPReg is one entry of the floating-point/SIMD register file: wide enough
// for a 128-bit NEON/ASIMD vector register.
type FPReg [2]uint64

// VcpuContext is the per-VCPU register state of spec.md section 4.4: banked
// general-purpose and system registers, reset values, and the bookkeeping
// the world-switch path needs (last-host-CPU stamp, HCR shadow).
type VcpuContext struct {
	mu sync.Mutex // Per-VCPU HCR lock (spec.md section 5); also guards mode/reg mutation during injection.

	word WordSize
	mode Mode // AArch32 CPSR mode; meaningless when word == WordSize64 and PSTATE is not in AArch32 compat.

	bank32 gprBank
	bank64 aarch64Bank

	pc   uint64
	cpsr uint32

	// Saved program-status registers, one per legacy mode that can take
	// an exception (spec.md section 4.5 step 1); AArch64 keeps its single
	// SPSR_EL1 in the ModeSVC slot (see InjectAArch64).
	spsr [8]uint32

	fp [32]FPReg

	features FeatureMask
	midr     uint64
	mpidr    uint64

	lastHostCPU int // -1 until the first world-switch in.

	hcr uint64 // Hypervisor-configuration-register shadow.
}

// NewVcpuContext allocates a reset VcpuContext for the given guest
// architecture.
func NewVcpuContext(arch config.Arch) *VcpuContext {
	vc := &VcpuContext{
		lastHostCPU: -1,
	}

	if arch == config.ArchARMv8 || arch == config.ArchRISCV || arch == config.ArchMIPS || arch == config.ArchX86_64 {
		vc.word = WordSize64
	} else {
		vc.word = WordSize32
	}

	vc.Reset(arch)

	return vc
}

// Reset restores reset values: PC at the architectural reset vector, mode
// SVC (AArch32) or EL1h (AArch64, modelled here as ModeSVC for uniformity),
// condition flags clear, identifier registers set from arch.
func (vc *VcpuContext) Reset(arch config.Arch) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.bank32 = gprBank{}
	vc.bank64 = aarch64Bank{}
	vc.pc = 0
	vc.cpsr = 0
	vc.spsr = [8]uint32{}
	vc.fp = [32]FPReg{}
	vc.mode = ModeSVC
	vc.hcr = 0
	vc.midr = identifierFor(arch)
	vc.mpidr = 0
}

func identifierFor(arch config.Arch) uint64 {
	switch arch {
	case config.ArchARMv8:
		return 0x410fd034 // Cortex-A53 r0p4, a plausible AArch64 MIDR.
	case config.ArchARMv7:
		return 0x410fc075 // Cortex-A7 r0p5.
	case config.ArchARMv5:
		return 0x41069265 // ARM926EJ-S.
	default:
		return 0
	}
}

// Mode returns the VCPU's current AArch32 execution mode.
func (vc *VcpuContext) Mode() Mode {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.mode
}

// SetMode changes the VCPU's current AArch32 execution mode. It never
// falls through between cases -- the "exclusive branch" resolution of
// spec.md section 9's first open question: each mode change is a single,
// total assignment, never an accumulation of several bank switches.
func (vc *VcpuContext) SetMode(mode Mode) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.mode = mode
}

// IsAArch32 reports whether the VCPU is currently executing (or, for a
// 64-bit guest, emulating) in AArch32 state.
func (vc *VcpuContext) IsAArch32() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.word == WordSize32
}

// GetReg reads logical general-purpose register n, mode-indexed per
// spec.md section 4.4. For a 64-bit guest currently in AArch32 state, the
// result is truncated to 32 bits.
func (vc *VcpuContext) GetReg(n int) uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vc.word == WordSize64 {
		return vc.getReg64(n)
	}

	return uint64(vc.getReg32(n))
}

// SetReg writes logical general-purpose register n, mode-indexed per
// spec.md section 4.4.
func (vc *VcpuContext) SetReg(n int, val uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vc.word == WordSize64 {
		vc.setReg64(n, val)
		return
	}

	vc.setReg32(n, uint32(val))
}

func (vc *VcpuContext) getReg32(n int) uint32 {
	if n == 15 {
		return uint32(vc.pc)
	}

	return *vc.bank32.Reg(vc.mode, n)
}

func (vc *VcpuContext) setReg32(n int, val uint32) {
	if n == 15 {
		vc.pc = uint64(val)
		return
	}

	*vc.bank32.Reg(vc.mode, n) = val
}

func (vc *VcpuContext) getReg64(n int) uint64 {
	switch {
	case n >= 0 && n <= 30:
		v := vc.bank64.x[n]
		if vc.word == WordSize32 {
			return uint64(uint32(v))
		}

		return v
	case n == 31:
		herr.Fatal("vcpu.get_reg", "register 31 is reserved")
		return 0
	default:
		herr.Fatal("vcpu.get_reg", "register number out of range")
		return 0
	}
}

func (vc *VcpuContext) setReg64(n int, val uint64) {
	if n < 0 || n > 30 {
		herr.Fatal("vcpu.set_reg", "register number out of range")
		return
	}

	if vc.word == WordSize32 {
		val = uint64(uint32(val))
	}

	vc.bank64.x[n] = val
}

// PC returns the program counter.
func (vc *VcpuContext) PC() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.pc
}

// SetPC sets the program counter.
func (vc *VcpuContext) SetPC(pc uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.pc = pc
}

// CPSR returns the current processor status register (AArch32) or PSTATE
// (AArch64, packed the same way).
func (vc *VcpuContext) CPSR() uint32 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.cpsr
}

// SetCPSR sets the current processor status register.
func (vc *VcpuContext) SetCPSR(v uint32) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.cpsr = v
}

// SPSR returns the saved program status register banked for mode.
func (vc *VcpuContext) SPSR(mode Mode) uint32 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.spsr[mode]
}

// SetSPSR sets the saved program status register banked for mode.
func (vc *VcpuContext) SetSPSR(mode Mode, v uint32) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.spsr[mode] = v
}

// HCR returns the hypervisor-configuration-register shadow.
func (vc *VcpuContext) HCR() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.hcr
}

// SetHCR sets the hypervisor-configuration-register shadow.
func (vc *VcpuContext) SetHCR(v uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.hcr = v
}

// LastHostCPU returns the host CPU this VCPU last ran on, or -1 if it has
// never run.
func (vc *VcpuContext) LastHostCPU() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.lastHostCPU
}

// SetLastHostCPU stamps the host CPU this VCPU is about to run on.
func (vc *VcpuContext) SetLastHostCPU(cpu int) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.lastHostCPU = cpu
}

// FP returns a copy of the floating-point/SIMD register file.
func (vc *VcpuContext) FP() [32]FPReg {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.fp
}

// SetFP overwrites the floating-point/SIMD register file.
func (vc *VcpuContext) SetFP(fp [32]FPReg) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.fp = fp
}

// Features returns the VCPU's feature mask.
func (vc *VcpuContext) Features() FeatureMask {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.features
}

// SetFeatures sets the VCPU's feature mask.
func (vc *VcpuContext) SetFeatures(f FeatureMask) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.features = f
}

// MIDR and MPIDR return the VCPU's identifier registers.
func (vc *VcpuContext) MIDR() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.midr
}

func (vc *VcpuContext) MPIDR() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.mpidr
}

// SetMPIDR sets the VCPU's MPIDR, typically at guest-creation time to
// encode its affinity within the guest's topology.
func (vc *VcpuContext) SetMPIDR(v uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.mpidr = v
}
