package vgic

import (
	"testing"

	"github.com/smoynes/styx/internal/config"
)

func newTestDistributor(t *testing.T) *Distributor {
	t.Helper()

	cfg := config.Vgic{NumIRQs: 64, NumListRegs: 4}

	return NewDistributor(cfg, 4)
}

func TestAssertLevelSetsPendingForEnabledTargets(t *testing.T) {
	d := newTestDistributor(t)

	const irq = 40

	if err := d.SetEnabled(irq, 0b0110, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	if err := d.SetTarget(irq, 0b0110); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}

	if err := d.SetConfig(irq, ModelNofN, TriggerLevel); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	if err := d.AssertLevel(irq, true); err != nil {
		t.Fatalf("AssertLevel: %v", err)
	}

	if !d.Pending(irq, 1) || !d.Pending(irq, 2) {
		t.Errorf("expected irq %d pending on CPUs 1 and 2", irq)
	}

	if d.Pending(irq, 0) || d.Pending(irq, 3) {
		t.Errorf("irq %d should not be pending on untargeted CPUs", irq)
	}
}

func TestAssertLevelNoopWhenUnchanged(t *testing.T) {
	d := newTestDistributor(t)

	const irq = 10

	_ = d.SetEnabled(irq, 0x1, true)
	_ = d.SetTarget(irq, 0x1)
	_ = d.SetConfig(irq, ModelNofN, TriggerLevel)

	if err := d.AssertLevel(irq, true); err != nil {
		t.Fatalf("first AssertLevel: %v", err)
	}

	d.ClearPending(irq, 0x1)

	if err := d.AssertLevel(irq, true); err != nil {
		t.Fatalf("second AssertLevel: %v", err)
	}

	if d.Pending(irq, 0) {
		t.Errorf("level unchanged at 1 should not re-assert pending")
	}
}

func TestClearActiveReassertsPendingForLevelIRQs(t *testing.T) {
	d := newTestDistributor(t)

	const irq = 20

	_ = d.SetEnabled(irq, 0x1, true)
	_ = d.SetTarget(irq, 0x1)
	_ = d.SetConfig(irq, ModelNofN, TriggerLevel)
	_ = d.AssertLevel(irq, true)

	d.SetActive(irq, 0x1)
	d.ClearPending(irq, 0x1)

	d.ClearActive(irq, 0x1)

	if !d.Pending(irq, 0) {
		t.Errorf("expected level irq still asserted to reassert pending after EOI")
	}

	if err := d.AssertLevel(irq, false); err != nil {
		t.Fatalf("AssertLevel(false): %v", err)
	}

	d.SetActive(irq, 0x1)
	d.ClearPending(irq, 0x1)
	d.ClearActive(irq, 0x1)

	if d.Pending(irq, 0) {
		t.Errorf("level irq deasserted should not reassert pending after EOI")
	}
}

// Scenario 4 (spec.md section 8): SGI fan-out. Source CPU 0 sends SGI 3 to
// CPUs 1 and 2; both observe pending with source bit 0 set; acknowledging
// on CPU 1 does not clear pending on CPU 2.
func TestSendSGIFanOutAndIndependentAck(t *testing.T) {
	d := newTestDistributor(t)

	const sgi = 3

	if err := d.SendSGI(sgi, 0, 0b0110); err != nil {
		t.Fatalf("SendSGI: %v", err)
	}

	if !d.Pending(sgi, 1) || !d.Pending(sgi, 2) {
		t.Fatalf("expected SGI %d pending on CPUs 1 and 2", sgi)
	}

	if d.SGISource(sgi, 1)&1 == 0 || d.SGISource(sgi, 2)&1 == 0 {
		t.Errorf("expected source bit 0 set for both destinations")
	}

	d.AckSGI(sgi, 1, 0)

	if d.Pending(sgi, 1) {
		t.Errorf("CPU 1 should have cleared pending after ack")
	}

	if !d.Pending(sgi, 2) {
		t.Errorf("CPU 2's pending bit must survive CPU 1's ack")
	}
}

func TestSendSGIAccumulatesMultipleSources(t *testing.T) {
	d := newTestDistributor(t)

	const sgi = 5

	_ = d.SendSGI(sgi, 0, 0b0010)
	_ = d.SendSGI(sgi, 1, 0b0010)

	if src := d.SGISource(sgi, 1); src != 0b11 {
		t.Errorf("expected source mask 0b11, got %#b", src)
	}

	d.AckSGI(sgi, 1, 0)

	if !d.Pending(sgi, 1) {
		t.Errorf("pending must remain set until every source is acknowledged")
	}

	d.AckSGI(sgi, 1, 1)

	if d.Pending(sgi, 1) {
		t.Errorf("pending should clear once every source is acknowledged")
	}
}

func TestReadRegisterBitmapPacking(t *testing.T) {
	d := newTestDistributor(t)

	_ = d.SetEnabled(3, 0x1, true)
	_ = d.SetEnabled(35, 0x1, true)

	w0, err := d.ReadRegister(OffsetISENABLER)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}

	if w0 != 1<<3 {
		t.Errorf("ISENABLER[0]: want %#x, got %#x", uint32(1<<3), w0)
	}

	w1, err := d.ReadRegister(OffsetISENABLER + 4)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}

	if w1 != 1<<3 {
		t.Errorf("ISENABLER[1]: want %#x, got %#x", uint32(1<<3), w1)
	}
}
