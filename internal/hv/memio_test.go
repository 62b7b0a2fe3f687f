package hv

import "testing"

// stubHost is a minimal Host satisfying the interface for memio tests
// that only exercise AddressSpace, never Host's own behaviour.
type stubHost struct{}

func (stubHost) AllocAt(hpa, size uint64) bool                       { return true }
func (stubHost) DeallocAt(hpa, size uint64)                          {}
func (stubHost) MapHostPhys(hpa, size uint64) ([]byte, error)        { return make([]byte, size), nil }
func (stubHost) VirtToPhys(hva uintptr) (uint64, error)              { return 0, nil }
func (stubHost) NowNanos() uint64                                    { return 0 }
func (stubHost) CurrentVMID() uint64                                 { return 0 }
func (stubHost) CurrentVcpuID() int                                  { return 0 }
func (stubHost) CurrentPcpuID() int                                  { return 0 }
func (stubHost) VcpuResidesOn(vmID uint64, vcpuID int) (int, error)  { return 0, nil }
func (stubHost) InjectIRQ(vmID uint64, vcpuID int, irq uint32) error { return nil }
func (stubHost) NewStage2Root() (uint64, error)                      { return 1, nil }

func TestReadWriteOf_RoundTripsAllWidths(t *testing.T) {
	as := NewAddressSpace(stubHost{}, 1)
	backing := make([]byte, pageSize)
	if err := as.MapLinear(0, backing, pageSize, FlagRead|FlagWrite); err != nil {
		t.Fatalf("map linear: %v", err)
	}

	if err := WriteOf(as, 0, uint8(0x42)); err != nil {
		t.Fatalf("write u8: %v", err)
	}
	if got, err := ReadOf[uint8](as, 0); err != nil || got != 0x42 {
		t.Fatalf("read u8: got %v, err %v", got, err)
	}

	if err := WriteOf(as, 8, uint16(0xBEEF)); err != nil {
		t.Fatalf("write u16: %v", err)
	}
	if got, err := ReadOf[uint16](as, 8); err != nil || got != 0xBEEF {
		t.Fatalf("read u16: got %v, err %v", got, err)
	}

	if err := WriteOf(as, 16, uint32(0xCAFEBABE)); err != nil {
		t.Fatalf("write u32: %v", err)
	}
	if got, err := ReadOf[uint32](as, 16); err != nil || got != 0xCAFEBABE {
		t.Fatalf("read u32: got %v, err %v", got, err)
	}

	if err := WriteOf(as, 24, uint64(0x0123456789ABCDEF)); err != nil {
		t.Fatalf("write u64: %v", err)
	}
	if got, err := ReadOf[uint64](as, 24); err != nil || got != 0x0123456789ABCDEF {
		t.Fatalf("read u64: got %v, err %v", got, err)
	}
}

func TestReadOf_RejectsMisalignedAccess(t *testing.T) {
	as := NewAddressSpace(stubHost{}, 1)
	backing := make([]byte, pageSize)
	if err := as.MapLinear(0, backing, pageSize, FlagRead); err != nil {
		t.Fatalf("map linear: %v", err)
	}

	if _, err := ReadOf[uint32](as, 2); err == nil {
		t.Fatalf("want alignment error for unaligned gpa")
	}
}

func TestImageLoadRegion_ReturnsFragments(t *testing.T) {
	as := NewAddressSpace(stubHost{}, 1)
	backing := make([]byte, pageSize)
	if err := as.MapLinear(0, backing, pageSize, FlagRead|FlagWrite); err != nil {
		t.Fatalf("map linear: %v", err)
	}
	vm := &VM{addressSpace: as}

	frags, err := vm.ImageLoadRegion(0, 16)
	if err != nil {
		t.Fatalf("image load region: %v", err)
	}
	if len(frags) != 1 || len(frags[0].Bytes) != 16 {
		t.Fatalf("unexpected fragments: %+v", frags)
	}
}
