package hv_test

import (
	"testing"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/fakevcpu"
	"github.com/tinyrange/vmcore/internal/hv/hostsim"
)

func TestVM_AllocAndReleaseIVCChannel(t *testing.T) {
	host := hostsim.New()
	vcpus := map[int]*fakevcpu.Vcpu{}
	vm, err := hv.Create(host, basicConfig(1), newCollaborators(vcpus, newFakeBus()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	gpa, granted, err := vm.AllocIVCChannel(64)
	if err != nil {
		t.Fatalf("alloc_ivc_channel: %v", err)
	}
	if granted < 64 {
		t.Fatalf("granted %d smaller than requested 64", granted)
	}
	if err := vm.ReleaseIVCChannel(gpa, granted); err != nil {
		t.Fatalf("release_ivc_channel: %v", err)
	}
}
