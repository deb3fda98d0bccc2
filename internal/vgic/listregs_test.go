package vgic

import (
	"errors"
	"testing"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
)

func newTestListRegs(t *testing.T, n int) (*Distributor, *ListRegs) {
	t.Helper()

	d := NewDistributor(config.Vgic{NumIRQs: 64, NumListRegs: n}, 4)
	lrs := NewListRegs(n, d)

	return d, lrs
}

func TestFlushAllocatesFreeSlot(t *testing.T) {
	_, lrs := newTestListRegs(t, 2)

	if err := lrs.Flush(10, 0, true, 0x80); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	slot := lrs.LRFor(10)
	if slot == UnknownLR {
		t.Fatalf("expected irq 10 allocated to a list register")
	}

	word := lrs.Raw()[slot]
	if word&lrPendingBit == 0 {
		t.Errorf("expected pending bit set in LR word")
	}

	if word&lrVirtualMask != 10 {
		t.Errorf("expected virtual IRQ field 10, got %#x", word&lrVirtualMask)
	}

	if word&lrEOI == 0 {
		t.Errorf("expected EOI bit set for level-triggered IRQ")
	}
}

func TestFlushConflictOnAlreadyAllocated(t *testing.T) {
	_, lrs := newTestListRegs(t, 2)

	if err := lrs.Flush(10, 0, true, 0x80); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	err := lrs.Flush(10, 0, true, 0x80)
	if !errors.Is(err, herr.Conflict) {
		t.Errorf("expected Conflict re-flushing an allocated irq, got %v", err)
	}
}

func TestFlushOutOfMemoryWhenNoSlotsFree(t *testing.T) {
	_, lrs := newTestListRegs(t, 1)

	if err := lrs.Flush(1, 0, true, 0x80); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	err := lrs.Flush(2, 0, true, 0x80)
	if !errors.Is(err, herr.OutOfMemory) {
		t.Errorf("expected OutOfMemory, got %v", err)
	}
}

func TestSyncReleasesSlotAndReassertsLevelPending(t *testing.T) {
	d, lrs := newTestListRegs(t, 2)

	const irq = 7

	_ = d.SetEnabled(irq, 0x1, true)
	_ = d.SetTarget(irq, 0x1)
	_ = d.SetConfig(irq, ModelNofN, TriggerLevel)
	_ = d.AssertLevel(irq, true)

	if err := lrs.Flush(irq, 0, true, 0x80); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	slot := lrs.LRFor(irq)
	d.SetActive(irq, 0x1)
	d.ClearPending(irq, 0x1)

	lrs.Sync(misrEOI, 1<<uint(slot), 0x1)

	if lrs.LRFor(irq) != UnknownLR {
		t.Errorf("expected LR slot released after sync")
	}

	if d.Active(irq, 0) {
		t.Errorf("expected active bit cleared after sync")
	}

	if !d.Pending(irq, 0) {
		t.Errorf("expected level irq still asserted to reassert pending after sync")
	}
}

func TestReaffinitizeReleasesWithoutLosingState(t *testing.T) {
	_, lrs := newTestListRegs(t, 2)

	const irq = 3

	if err := lrs.Flush(irq, 0, false, 0x80); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lrs.Reaffinitize(irq)

	if lrs.LRFor(irq) != UnknownLR {
		t.Errorf("expected irq %d released after reaffinitize", irq)
	}

	if err := lrs.Flush(irq, 1, false, 0x80); err != nil {
		t.Fatalf("re-Flush after reaffinitize: %v", err)
	}
}
