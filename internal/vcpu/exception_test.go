package vcpu

import (
	"testing"

	"github.com/smoynes/styx/internal/config"
)

// Injecting an undefined-instruction trap into a VCPU in USR mode with
// SCTLR.V=0 sets PC to VBAR + 4, PSTATE.mode to UND, and saves the old CPSR
// into SPSR_UND (spec.md section 8).
func TestInjectAArch32UndefinedInstruction(t *testing.T) {
	vc := NewVcpuContext(config.ArchARMv7)
	vc.SetMode(ModeUSR)
	vc.SetCPSR(uint32(modeCPSRField(ModeUSR)))
	vc.SetPC(0x8000)

	SetRunning(vc)
	defer SetRunning(nil)

	oldCPSR := vc.CPSR()

	inj := NewExceptionInjector(vc)
	inj.InjectAArch32(FaultUndefinedInstruction, StateARM, 0, 0x8000)

	if vc.Mode() != ModeUND {
		t.Errorf("mode after injection: want UND, got %s", vc.Mode())
	}

	if got := vc.PC(); got != vectorOffsetUND {
		t.Errorf("PC after injection: want %#x, got %#x", uint32(vectorOffsetUND), got)
	}

	if got := vc.SPSR(ModeUND); got != oldCPSR {
		t.Errorf("SPSR_UND: want %#x, got %#x", oldCPSR, got)
	}
}

func TestInjectRefusesNonRunningVCPU(t *testing.T) {
	vc := NewVcpuContext(config.ArchARMv7)
	other := NewVcpuContext(config.ArchARMv7)

	SetRunning(other)
	defer SetRunning(nil)

	inj := NewExceptionInjector(vc)

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected injection into a non-running VCPU to panic")
		}
	}()

	inj.InjectAArch32(FaultDataAbort, StateARM, 0, 0)
}

// Two consecutive injections without an intervening eret leave the nested
// SPSR chain well-formed: the second injection (taken while still in the
// first exception's mode) captures that mode's CPSR as the outer SPSR,
// rather than clobbering it (spec.md section 8).
func TestNestedInjectionsPreserveOuterSPSR(t *testing.T) {
	vc := NewVcpuContext(config.ArchARMv7)
	vc.SetMode(ModeUSR)
	vc.SetPC(0x1000)

	SetRunning(vc)
	defer SetRunning(nil)

	inj := NewExceptionInjector(vc)

	inj.InjectAArch32(FaultUndefinedInstruction, StateARM, 0, 0)
	if vc.Mode() != ModeUND {
		t.Fatalf("expected UND mode after first injection, got %s", vc.Mode())
	}

	outerCPSR := vc.CPSR()

	inj.InjectAArch32(FaultDataAbort, StateARM, 0x1000, 0)

	if vc.Mode() != ModeABT {
		t.Fatalf("expected ABT mode after second injection, got %s", vc.Mode())
	}

	if got := vc.SPSR(ModeABT); got != outerCPSR {
		t.Errorf("SPSR_ABT should capture the outer (UND) CPSR: want %#x, got %#x", outerCPSR, got)
	}
}
