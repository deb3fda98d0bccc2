package shadow

import (
	"errors"
	"testing"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/mem"
)

func newTestEngine(t *testing.T) (*mem.Pool, *mem.AddressSpace, *CopyEngine) {
	t.Helper()

	cfg := &config.Config{
		Initial: config.Pool{TableCount: 4, BaseVA: 0xffff_0000_0000_0000, BasePA: 0x4000_0000},
		Main:    config.Pool{TableCount: 32, BaseVA: 0xffff_0000_0100_0000, BasePA: 0x4100_0000},
	}

	pool := mem.NewPool(cfg)

	def, err := mem.NewAddressSpace(pool, mem.Stage1, mem.FormatShort, 0, 0, false)
	if err != nil {
		t.Fatalf("NewAddressSpace(default): %v", err)
	}

	return pool, def, NewCopyEngine(pool, mem.FormatShort, def)
}

func TestHandleAbortPropagatesFromDefault(t *testing.T) {
	_, def, engine := newTestEngine(t)

	pg := mem.PageDescriptor{
		InputAddr:  0x1000,
		OutputAddr: 0x5000_1000,
		Size:       mem.Size4KiB,
		Stage:      mem.Stage1,
	}

	if err := def.MapPage(pg); err != nil {
		t.Fatalf("MapPage(default): %v", err)
	}

	ok, err := engine.HandleAbort(1, 7, pg.InputAddr)
	if err != nil {
		t.Fatalf("HandleAbort: %v", err)
	}

	if !ok {
		t.Fatalf("expected abort resolved from default table")
	}

	priv, err := engine.PrivateTable(1, 7)
	if err != nil {
		t.Fatalf("PrivateTable: %v", err)
	}

	got, err := priv.GetPage(pg.InputAddr)
	if err != nil {
		t.Fatalf("GetPage(private): %v", err)
	}

	if got.OutputAddr != pg.OutputAddr {
		t.Errorf("propagated mapping: want oa=%#x, got %#x", pg.OutputAddr, got.OutputAddr)
	}
}

func TestHandleAbortForwardsWhenDefaultUnmapped(t *testing.T) {
	_, _, engine := newTestEngine(t)

	ok, err := engine.HandleAbort(1, 7, 0x9999_0000)
	if err != nil {
		t.Fatalf("HandleAbort: %v", err)
	}

	if ok {
		t.Errorf("expected abort forwarded to guest when default table has no mapping")
	}
}

func TestInvalidateClearsPrivateTable(t *testing.T) {
	_, def, engine := newTestEngine(t)

	pg := mem.PageDescriptor{
		InputAddr:  0x2000,
		OutputAddr: 0x5000_2000,
		Size:       mem.Size4KiB,
		Stage:      mem.Stage1,
	}

	if err := def.MapPage(pg); err != nil {
		t.Fatalf("MapPage(default): %v", err)
	}

	if _, err := engine.HandleAbort(2, 9, pg.InputAddr); err != nil {
		t.Fatalf("HandleAbort: %v", err)
	}

	engine.Invalidate(2)

	priv, err := engine.PrivateTable(2, 9)
	if err != nil {
		t.Fatalf("PrivateTable after invalidate: %v", err)
	}

	if _, err := priv.GetPage(pg.InputAddr); !errors.Is(err, herr.NotFound) {
		t.Errorf("expected private table cleared after invalidate, got %v", err)
	}
}
