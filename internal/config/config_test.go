package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	if err := cfg.validate(); err != nil {
		t.Fatalf("Default(): %v", err)
	}
}

func TestLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "styx.toml")

	const doc = `
[initial_pool]
table_count = 4
base_va = 0xffff000000000000
base_pa = 0x40000000

[main_pool]
table_count = 64
base_va = 0xffff000001000000
base_pa = 0x40010000

[vgic]
distributor_base = 0x08000000
num_list_regs = 4
num_irqs = 64

[[guest]]
name = "default"
arch = "armv8"
num_vcpus = 2
vmid = 1
`

	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Main.TableCount != 64 {
		t.Errorf("main_pool.table_count: want 64, got %d", cfg.Main.TableCount)
	}

	if len(cfg.Guests) != 1 || cfg.Guests[0].Arch != ArchARMv8 {
		t.Errorf("guests: want one armv8 guest, got %+v", cfg.Guests)
	}
}

func TestValidateRejectsBadIRQCount(t *testing.T) {
	cfg := Default()
	cfg.Vgic.NumIRQs = 33

	if err := cfg.validate(); err == nil {
		t.Errorf("expected validation error for non-multiple-of-32 num_irqs")
	}
}

func TestValidateRejectsUnknownArch(t *testing.T) {
	cfg := Default()
	cfg.Guests[0].Arch = "vax"

	if err := cfg.validate(); err == nil {
		t.Errorf("expected validation error for unknown guest arch")
	}
}

func TestHasStage2(t *testing.T) {
	cases := []struct {
		arch Arch
		want bool
	}{
		{ArchARMv5, false},
		{ArchARMv7, false},
		{ArchARMv8, true},
		{ArchX86_64, true},
	}

	for _, tt := range cases {
		if got := tt.arch.HasStage2(); got != tt.want {
			t.Errorf("%s.HasStage2(): want %v, got %v", tt.arch, tt.want, got)
		}
	}
}
