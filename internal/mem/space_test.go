package mem

import (
	"errors"
	"testing"

	"github.com/smoynes/styx/internal/herr"
)

func newTestSpace(t *testing.T, format Format) *AddressSpace {
	t.Helper()

	p := NewPool(testConfig())

	as, err := NewAddressSpace(p, Stage2, format, 7, 0, false)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	return as
}

func TestMapGetUnmapRoundTrip(t *testing.T) {
	as := newTestSpace(t, FormatLPAE)

	pg := PageDescriptor{
		InputAddr:  0x2000_0000,
		OutputAddr: 0x1000_0000,
		Size:       Size4KiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(pg); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := as.GetPage(pg.InputAddr)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	if got.OutputAddr != pg.OutputAddr {
		t.Errorf("GetPage: output addr: want %#x, got %#x", pg.OutputAddr, got.OutputAddr)
	}

	if err := as.UnmapPage(pg); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}

	if _, err := as.GetPage(pg.InputAddr); !errors.Is(err, herr.NotFound) {
		t.Errorf("GetPage after unmap: want NotFound, got %v", err)
	}
}

// Scenario 1 (spec.md section 8): map a 1 GiB block, then get_page at an
// address inside it but not at its base returns the same descriptor.
func TestMapBlockCoversWholeRange(t *testing.T) {
	as := newTestSpace(t, FormatLPAE)

	pg := PageDescriptor{
		InputAddr:  0,
		OutputAddr: 0x8000_0000,
		Size:       Size1GiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(pg); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := as.GetPage(0x1234_5678)
	if err != nil {
		t.Fatalf("GetPage inside block: %v", err)
	}

	if got.InputAddr != pg.InputAddr || got.Size != pg.Size {
		t.Errorf("GetPage inside block: want %+v, got %+v", pg, got)
	}
}

// Scenario 2 (spec.md section 8): split a 1 GiB block into 2 MiB blocks and
// confirm every sub-block resolves with the expected output address.
func TestSplitPageProducesConsistentSubBlocks(t *testing.T) {
	as := newTestSpace(t, FormatLPAE)

	pg := PageDescriptor{
		InputAddr:  0,
		OutputAddr: 0x4000_0000,
		Size:       Size1GiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(pg); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	if err := as.SplitPage(pg, Size2MiB); err != nil {
		t.Fatalf("SplitPage: %v", err)
	}

	count := uint64(Size1GiB) / uint64(Size2MiB)
	for i := uint64(0); i < count; i++ {
		ia := i * uint64(Size2MiB)

		got, err := as.GetPage(ia)
		if err != nil {
			t.Fatalf("GetPage(%#x) after split: %v", ia, err)
		}

		wantOA := pg.OutputAddr + ia
		if got.OutputAddr != wantOA || got.Size != Size2MiB {
			t.Errorf("GetPage(%#x): want oa=%#x size=%v, got oa=%#x size=%v",
				ia, wantOA, Size2MiB, got.OutputAddr, got.Size)
		}
	}
}

// Scenario 3 (spec.md section 8): map 4 KiB at ia=0x1000 on a short-format
// AddressSpace, then attempt to map a 64 KiB large page at ia=0 -- which
// shares the L2 table slot range containing ia=0x1000 -- and expect Conflict.
// The first mapping must still resolve afterwards.
func TestMapConflictDetectsOverlappingLargePage(t *testing.T) {
	as := newTestSpace(t, FormatShort)

	small := PageDescriptor{
		InputAddr:  0x1000,
		OutputAddr: 0x9000_1000,
		Size:       Size4KiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(small); err != nil {
		t.Fatalf("MapPage(small): %v", err)
	}

	large := PageDescriptor{
		InputAddr:  0,
		OutputAddr: 0x9000_0000,
		Size:       Size64KiB,
		Stage:      Stage2,
		VMID:       7,
	}

	err := as.MapPage(large)
	if !errors.Is(err, herr.Conflict) {
		t.Fatalf("MapPage(large): want Conflict, got %v", err)
	}

	got, err := as.GetPage(small.InputAddr)
	if err != nil {
		t.Fatalf("GetPage(small) after failed overlap: %v", err)
	}

	if got.OutputAddr != small.OutputAddr {
		t.Errorf("first mapping corrupted by failed overlap: want oa=%#x, got %#x",
			small.OutputAddr, got.OutputAddr)
	}
}

func TestMapLargePageReplicatesAcrossSixteenSlots(t *testing.T) {
	as := newTestSpace(t, FormatShort)

	pg := PageDescriptor{
		InputAddr:  0x10_0000,
		OutputAddr: 0x9000_0000,
		Size:       Size64KiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(pg); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	for off := uint64(0); off < uint64(Size64KiB); off += uint64(Size4KiB) {
		got, err := as.GetPage(pg.InputAddr + off)
		if err != nil {
			t.Fatalf("GetPage(%#x): %v", pg.InputAddr+off, err)
		}

		if got.Size != Size64KiB {
			t.Errorf("GetPage(%#x): want size %v, got %v", pg.InputAddr+off, Size64KiB, got.Size)
		}
	}

	if err := as.UnmapPage(pg); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}

	for off := uint64(0); off < uint64(Size64KiB); off += uint64(Size4KiB) {
		if _, err := as.GetPage(pg.InputAddr + off); !errors.Is(err, herr.NotFound) {
			t.Errorf("GetPage(%#x) after unmap: want NotFound, got %v", pg.InputAddr+off, err)
		}
	}
}

func TestNonRootEmptyTableIsFreed(t *testing.T) {
	as := newTestSpace(t, FormatLPAE)

	pg := PageDescriptor{
		InputAddr:  0x1000,
		OutputAddr: 0x7000_0000,
		Size:       Size4KiB,
		Stage:      Stage2,
		VMID:       7,
	}

	if err := as.MapPage(pg); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	idx0 := as.levels()[0].index(pg.InputAddr)

	as.root.mu.Lock()
	_, hasChild := as.root.children[idx0]
	as.root.mu.Unlock()

	if !hasChild {
		t.Fatalf("expected intermediate table attached at level 0")
	}

	if err := as.UnmapPage(pg); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}

	as.root.mu.Lock()
	_, stillThere := as.root.children[idx0]
	as.root.mu.Unlock()

	if stillThere {
		t.Errorf("expected emptied intermediate table to be freed and detached from root")
	}
}

func TestMapInvalidSizeRejected(t *testing.T) {
	as := newTestSpace(t, FormatLPAE)

	pg := PageDescriptor{InputAddr: 0, OutputAddr: 0, Size: Size(3), Stage: Stage2}

	if err := as.MapPage(pg); !errors.Is(err, herr.Invalid) {
		t.Errorf("want Invalid, got %v", err)
	}
}

func TestBestPageSize(t *testing.T) {
	tests := []struct {
		ia, oa, avail uint64
		want          Size
		ok            bool
	}{
		{ia: 0, oa: 0, avail: uint64(Size1GiB), want: Size1GiB, ok: true},
		{ia: uint64(Size4KiB), oa: uint64(Size4KiB), avail: uint64(Size1MiB), want: Size4KiB, ok: true},
		{ia: 3, oa: 0, avail: uint64(Size1GiB), want: 0, ok: false},
	}

	for _, tt := range tests {
		got, ok := BestPageSize(tt.ia, tt.oa, tt.avail)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("BestPageSize(%#x, %#x, %#x): want (%v, %v), got (%v, %v)",
				tt.ia, tt.oa, tt.avail, tt.want, tt.ok, got, ok)
		}
	}
}
