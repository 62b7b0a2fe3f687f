package hv_test

import (
	"testing"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/config"
	"github.com/tinyrange/vmcore/internal/hv/fakevcpu"
	"github.com/tinyrange/vmcore/internal/hv/hostsim"
)

type fakeDistributor struct {
	assigned map[uint32]int
}

func (d *fakeDistributor) AssignSPI(spi uint32, vcpuID int) error {
	if d.assigned == nil {
		d.assigned = make(map[uint32]int)
	}
	d.assigned[spi] = vcpuID
	return nil
}

func TestWireDevices_PassthroughAssignsSPIToMatchingPhysicalID(t *testing.T) {
	host := hostsim.New()
	vcpus := map[int]*fakevcpu.Vcpu{}
	bus := newFakeBus()
	dist := &fakeDistributor{}
	bus.dist = dist

	cfg := basicConfig(2)
	cfg.InterruptMode = config.InterruptPassthrough
	cfg.PassthroughSPIs = []uint32{0, 1}

	if _, err := hv.Create(host, cfg, newCollaborators(vcpus, bus)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if dist.assigned[0] != 0 {
		t.Fatalf("want spi 0 assigned to vcpu 0 (default physical id == vcpu id), got %+v", dist.assigned)
	}
	if dist.assigned[1] != 1 {
		t.Fatalf("want spi 1 assigned to vcpu 1, got %+v", dist.assigned)
	}
}

func TestWireDevices_PassthroughWithoutDistributorDoesNotFail(t *testing.T) {
	host := hostsim.New()
	vcpus := map[int]*fakevcpu.Vcpu{}
	bus := newFakeBus() // no distributor registered

	cfg := basicConfig(1)
	cfg.InterruptMode = config.InterruptPassthrough
	cfg.PassthroughSPIs = []uint32{0}

	if _, err := hv.Create(host, cfg, newCollaborators(vcpus, bus)); err != nil {
		t.Fatalf("create should not fail when no distributor is present: %v", err)
	}
}
