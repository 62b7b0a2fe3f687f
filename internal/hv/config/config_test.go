package config

import "testing"

func TestAffinityTuples_DefaultsPhysicalIDToVcpuID(t *testing.T) {
	cfg := Config{VcpuCount: 3}
	tuples := cfg.AffinityTuples()
	if len(tuples) != 3 {
		t.Fatalf("want 3 tuples, got %d", len(tuples))
	}
	for i, tup := range tuples {
		if tup.VcpuID != uint64(i) {
			t.Fatalf("tuple %d: want VcpuID %d, got %d", i, i, tup.VcpuID)
		}
		if tup.PhysicalID != uint64(i) {
			t.Fatalf("tuple %d: want default PhysicalID %d, got %d", i, i, tup.PhysicalID)
		}
		if tup.PhysCpuSet != nil {
			t.Fatalf("tuple %d: want nil PhysCpuSet by default, got %v", i, *tup.PhysCpuSet)
		}
	}
}

func TestAffinityTuples_UsesConfiguredPhysCpuIDs(t *testing.T) {
	cfg := Config{VcpuCount: 2, PhysCpuIDs: []uint64{10, 20}}
	tuples := cfg.AffinityTuples()
	if tuples[0].PhysicalID != 10 || tuples[1].PhysicalID != 20 {
		t.Fatalf("want configured physical ids, got %+v", tuples)
	}
}

func TestAffinityTuples_UsesConfiguredPhysCpuSets(t *testing.T) {
	cfg := Config{VcpuCount: 2, PhysCpuSets: []uint64{0b01, 0b10}}
	tuples := cfg.AffinityTuples()
	if tuples[0].PhysCpuSet == nil || *tuples[0].PhysCpuSet != 0b01 {
		t.Fatalf("want configured affinity mask for vcpu 0, got %+v", tuples[0])
	}
	if tuples[1].PhysCpuSet == nil || *tuples[1].PhysCpuSet != 0b10 {
		t.Fatalf("want configured affinity mask for vcpu 1, got %+v", tuples[1])
	}
}

func TestParse_DecodesMinimalDocument(t *testing.T) {
	data := []byte(`
id: 1
name: test
vm_type: normal
vcpu_count: 2
bsp_entry: 0x1000
ap_entry: 0x1000
image_load:
  kernel: 0x1000
memory_regions:
  - guest_phys_base: 0x0
    size: 0x100000
    flags: ["R", "W", "X"]
    kind: Identity
interrupt_mode: Virtualised
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.VcpuCount != 2 {
		t.Fatalf("want vcpu_count 2, got %d", cfg.VcpuCount)
	}
	if len(cfg.MemoryRegions) != 1 {
		t.Fatalf("want 1 memory region, got %d", len(cfg.MemoryRegions))
	}
	r := cfg.MemoryRegions[0]
	if !r.Flags.Has(FlagRead) || !r.Flags.Has(FlagWrite) || !r.Flags.Has(FlagExec) {
		t.Fatalf("want R|W|X flags decoded, got %v", r.Flags)
	}
	if r.Kind != KindIdentity {
		t.Fatalf("want KindIdentity, got %v", r.Kind)
	}
	if cfg.InterruptMode != InterruptVirtualised {
		t.Fatalf("want InterruptVirtualised, got %v", cfg.InterruptMode)
	}
}

func TestParse_RejectsUnknownFlag(t *testing.T) {
	data := []byte(`
vcpu_count: 1
memory_regions:
  - guest_phys_base: 0
    size: 0x1000
    flags: ["Z"]
    kind: Identity
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("want error for unknown flag")
	}
}

func TestParse_RejectsZeroVcpuCount(t *testing.T) {
	if _, err := Parse([]byte(`vcpu_count: 0`)); err == nil {
		t.Fatalf("want error for vcpu_count 0")
	}
}
