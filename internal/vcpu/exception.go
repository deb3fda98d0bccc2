package vcpu

import (
	"github.com/smoynes/styx/internal/herr"
)

// FaultClass is a synchronous fault an ExceptionInjector can deliver.
type FaultClass uint8

const (
	FaultUndefinedInstruction FaultClass = iota
	FaultPrefetchAbort
	FaultDataAbort
)

// InstrState is the guest instruction-set state at the time of the fault,
// needed to compute the correct return-address offset (spec.md section
// 4.5 step 2).
type InstrState uint8

const (
	StateARM InstrState = iota
	StateThumb
)

// Vector-base offsets for AArch64 synchronous exceptions taken to the same
// exception level via SP_ELx (spec.md section 4.5 step 4).
const (
	vectorOffsetAArch64Sync = 0x200
)

// Legacy ARM exception-vector offsets, relative to VBAR.
const (
	vectorOffsetUND = 0x04
	vectorOffsetPfA = 0x0c
	vectorOffsetDA  = 0x10
)

// faultStatus is a plausible fault-status encoding (short-descriptor
// translation-section-fault, or the LPAE/AArch64 synchronous-external-abort
// class) populated in step 5. It does not attempt to reproduce every
// architectural encoding -- only enough for a guest's abort handler to
// classify the fault as a translation fault and read a fault address.
const (
	fsrTranslationSection = 0x5 // Legacy short-descriptor FSR[3:0] "section" translation fault.
	fsrSyncExternalAbort  = 0x10
)

// runningVCPU tracks, per-scheduler, the VcpuContext currently executing.
// ExceptionInjector methods compare against it and refuse (spec.md section
// 4.5's "programming error" rule) to inject into any other VCPU.
var runningVCPU *VcpuContext

// SetRunning records vc as the VCPU currently executing on this host CPU.
// The scheduler calls this as part of every world switch.
func SetRunning(vc *VcpuContext) { runningVCPU = vc }

// Running returns the VCPU currently marked as executing, or nil.
func Running() *VcpuContext { return runningVCPU }

// ExceptionInjector implements spec.md section 4.5's five-step injection
// sequence for each fault class and guest word size.
type ExceptionInjector struct {
	vc *VcpuContext

	lastFSR uint32
	lastFAR uint32
}

// NewExceptionInjector binds an injector to a specific VcpuContext.
// Injection is refused unless vc is the currently-running VCPU at call
// time (spec.md section 4.5: "invocation from any other context is a
// programming error").
func NewExceptionInjector(vc *VcpuContext) *ExceptionInjector {
	return &ExceptionInjector{vc: vc}
}

func (inj *ExceptionInjector) requireRunning() {
	if runningVCPU != inj.vc {
		herr.Fatal("vcpu: exception_injector", "injection target is not the running VCPU")
	}
}

// modeFor maps a fault class to the AArch32 mode it's delivered in.
func modeFor(class FaultClass) Mode {
	switch class {
	case FaultUndefinedInstruction:
		return ModeUND
	default: // FaultPrefetchAbort, FaultDataAbort
		return ModeABT
	}
}

// returnOffset computes PC-relative return-address adjustment for AArch32
// (spec.md section 4.5 step 2).
func returnOffset(class FaultClass, state InstrState) int64 {
	switch class {
	case FaultUndefinedInstruction:
		if state == StateThumb {
			return -2
		}

		return -4
	case FaultPrefetchAbort:
		return -4
	case FaultDataAbort:
		return 4
	default:
		return 0
	}
}

func vectorOffset32(class FaultClass) uint32 {
	switch class {
	case FaultUndefinedInstruction:
		return vectorOffsetUND
	case FaultPrefetchAbort:
		return vectorOffsetPfA
	default:
		return vectorOffsetDA
	}
}

// InjectAArch32 delivers class into a 32-bit guest currently executing in
// state (ARM or Thumb), following spec.md section 4.5's five steps.
func (inj *ExceptionInjector) InjectAArch32(class FaultClass, state InstrState, vbar uint32, faultAddr uint32) {
	inj.requireRunning()

	vc := inj.vc
	vc.mu.Lock()
	defer vc.mu.Unlock()

	mode := modeFor(class)

	// 1. Capture current CPSR into the target mode's saved-PSR slot.
	vc.spsr[mode] = vc.cpsr

	// 2. Compute the return address and store it in the target mode's
	// link register.
	retAddr := uint32(int64(vc.pc) + returnOffset(class, state))
	*vc.bank32.Reg(mode, 14) = retAddr

	// 3. Transition CPSR: exclusive mode switch (spec.md section 9's
	// resolved open question -- never accumulate bank switches), mask
	// IRQ (the F bit is left as it was), clear the Thumb bit (exceptions
	// are always taken in ARM state pre-v8) and IT bits.
	newCPSR := vc.cpsr
	newCPSR &^= 0x1f // Clear mode field.
	newCPSR |= uint32(modeCPSRField(mode))
	newCPSR |= 1 << 7 // IRQ masked.
	newCPSR &^= 1 << 5 // Clear Thumb (T) bit.
	newCPSR &^= 0x3f<<10 | 0x3<<25 // Clear IT[7:2] (bits 15:10) and IT[1:0] (bits 26:25).
	vc.cpsr = newCPSR
	vc.mode = mode

	// 4. Set new PC from the vector base plus the class-specific offset.
	vc.pc = uint64(vbar + vectorOffset32(class))

	// 5. Populate fault-status/address registers with a plausible
	// encoding. This implementation does not model a full CP15 register
	// file; the values are exposed via FSR/FAR below for a caller to
	// install into whatever representation it uses.
	inj.lastFSR = fsrTranslationSection
	inj.lastFAR = faultAddr
}

// modeCPSRField returns the 5-bit CPSR mode-field encoding for mode.
func modeCPSRField(mode Mode) uint8 {
	switch mode {
	case ModeUSR:
		return 0x10
	case ModeFIQ:
		return 0x11
	case ModeIRQ:
		return 0x12
	case ModeSVC:
		return 0x13
	case ModeABT:
		return 0x17
	case ModeUND:
		return 0x1b
	case ModeSYS:
		return 0x1f
	case ModeHYP:
		return 0x1a
	default:
		return 0x10
	}
}

// InjectAArch64 delivers class into a 64-bit guest taking a synchronous
// exception to the same exception level via SP_ELx (spec.md section 4.5).
func (inj *ExceptionInjector) InjectAArch64(class FaultClass, vbar uint64, faultAddr uint64) {
	inj.requireRunning()

	vc := inj.vc
	vc.mu.Lock()
	defer vc.mu.Unlock()

	// 1. Capture PSTATE into SPSR_EL1.
	vc.spsr[ModeSVC] = uint32(vc.cpsr)

	// 2. Compute return address; stored in ELR_EL1, modelled as x30 of
	// the target context for simplicity since this core keeps a single
	// EL1 register file per VCPU.
	vc.bank64.x[30] = vc.pc

	// 3. Transition PSTATE: EL1h, mask D/A/I/F.
	vc.cpsr = uint32(0x3c5) // EL1h with DAIF all set.

	// 4. New PC from VBAR + synchronous-same-EL offset.
	vc.pc = vbar + vectorOffsetAArch64Sync

	// 5. Fault status/address.
	inj.lastFSR = fsrSyncExternalAbort
	inj.lastFAR = uint32(faultAddr)
}

// LastFault returns the fault-status and fault-address values populated by
// the most recent injection, for a caller to install into the guest's
// CP15/system-register model.
func (inj *ExceptionInjector) LastFault() (fsr uint32, far uint32) {
	return inj.lastFSR, inj.lastFAR
}
