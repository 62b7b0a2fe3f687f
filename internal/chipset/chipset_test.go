package chipset

import (
	"context"
	"testing"

	"github.com/tinyrange/vmcore/internal/hv"
)

type fakeDevice struct {
	started, stopped, reset int
	portIO                  *PortIOIntercept
	mmio                    *MmioIntercept
	sysreg                  *SysRegIntercept
	poll                    *PollDevice
}

func (d *fakeDevice) Start() error { d.started++; return nil }
func (d *fakeDevice) Stop() error  { d.stopped++; return nil }
func (d *fakeDevice) Reset() error { d.reset++; return nil }

func (d *fakeDevice) SupportsPortIO() *PortIOIntercept   { return d.portIO }
func (d *fakeDevice) SupportsMmio() *MmioIntercept       { return d.mmio }
func (d *fakeDevice) SupportsSysReg() *SysRegIntercept   { return d.sysreg }
func (d *fakeDevice) SupportsPollDevice() *PollDevice    { return d.poll }

var _ ChipsetDevice = (*fakeDevice)(nil)

type fakePortHandler struct {
	values map[uint16]uint64
}

func (h *fakePortHandler) ReadIOPort(port uint16, width hv.Width) (uint64, error) {
	return h.values[port], nil
}
func (h *fakePortHandler) WriteIOPort(port uint16, width hv.Width, value uint64) error {
	h.values[port] = value
	return nil
}

type fakeMmioHandler struct {
	values map[uint64]uint64
}

func (h *fakeMmioHandler) ReadMMIO(addr uint64, width hv.Width) (uint64, error) {
	return h.values[addr], nil
}
func (h *fakeMmioHandler) WriteMMIO(addr uint64, width hv.Width, value uint64) error {
	h.values[addr] = value
	return nil
}

type fakeSysRegDevice struct {
	addrs  []uint64
	values map[uint64]uint64
}

func (d *fakeSysRegDevice) SysRegAddrs() []uint64 { return d.addrs }
func (d *fakeSysRegDevice) ReadSysReg(addr uint64, width hv.Width) (uint64, error) {
	return d.values[addr], nil
}
func (d *fakeSysRegDevice) WriteSysReg(addr uint64, width hv.Width, value uint64) error {
	d.values[addr] = value
	return nil
}

func TestChipset_PortIODispatch(t *testing.T) {
	b := NewBuilder()
	handler := &fakePortHandler{values: make(map[uint16]uint64)}
	dev := &fakeDevice{portIO: &PortIOIntercept{Ports: []uint16{0x3F8}, Handler: handler}}
	if err := b.RegisterDevice("uart", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := cs.WritePort(0x3F8, hv.WidthByte, 'A'); err != nil {
		t.Fatalf("write port: %v", err)
	}
	got, err := cs.ReadPort(0x3F8, hv.WidthByte)
	if err != nil {
		t.Fatalf("read port: %v", err)
	}
	if got != 'A' {
		t.Fatalf("want 'A', got %v", got)
	}
}

func TestChipset_MmioDispatchRejectsUnmappedAddress(t *testing.T) {
	cs, err := NewBuilder().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := cs.ReadMMIO(0x1000, hv.WidthDword); err == nil {
		t.Fatalf("want error for unmapped mmio address")
	}
}

func TestChipset_MmioRegionOverlapRejected(t *testing.T) {
	b := NewBuilder()
	handler := &fakeMmioHandler{values: make(map[uint64]uint64)}
	if err := b.WithMmioRegion(0x1000, 0x1000, handler); err != nil {
		t.Fatalf("first region: %v", err)
	}
	if err := b.WithMmioRegion(0x1800, 0x1000, handler); err == nil {
		t.Fatalf("want overlap rejected")
	}
}

func TestChipset_SysRegDispatchAndDynamicRegistration(t *testing.T) {
	cs, err := NewBuilder().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dev := &fakeSysRegDevice{addrs: []uint64{0x4000}, values: make(map[uint64]uint64)}
	if err := cs.RegisterSysRegDevice(dev); err != nil {
		t.Fatalf("register sysreg device: %v", err)
	}
	if err := cs.WriteSysReg(0x4000, hv.WidthQword, 99); err != nil {
		t.Fatalf("write sysreg: %v", err)
	}
	got, err := cs.ReadSysReg(0x4000, hv.WidthQword)
	if err != nil {
		t.Fatalf("read sysreg: %v", err)
	}
	if got != 99 {
		t.Fatalf("want 99, got %v", got)
	}
}

func TestChipset_InterruptDistributorAutoDiscovery(t *testing.T) {
	b := NewBuilder()
	dev := &distributingDevice{}
	if err := b.RegisterDevice("gic", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dist, ok := cs.InterruptDistributor()
	if !ok {
		t.Fatalf("want a distributor to be discovered")
	}
	if err := dist.AssignSPI(5, 1); err != nil {
		t.Fatalf("assign spi: %v", err)
	}
	if dev.assigned[5] != 1 {
		t.Fatalf("want spi 5 routed to vcpu 1, got %+v", dev.assigned)
	}
}

type distributingDevice struct {
	fakeDevice
	assigned map[uint32]int
}

func (d *distributingDevice) AssignSPI(spi uint32, vcpuID int) error {
	if d.assigned == nil {
		d.assigned = make(map[uint32]int)
	}
	d.assigned[spi] = vcpuID
	return nil
}

func TestChipset_LifecycleDelegatesToEveryDevice(t *testing.T) {
	b := NewBuilder()
	a := &fakeDevice{}
	c := &fakeDevice{}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := b.RegisterDevice("c", c); err != nil {
		t.Fatalf("register c: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := cs.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.started != 1 || c.started != 1 {
		t.Fatalf("want every device started once, got a=%d c=%d", a.started, c.started)
	}
	if a.reset != 1 || c.reset != 1 {
		t.Fatalf("want every device reset once, got a=%d c=%d", a.reset, c.reset)
	}
	if a.stopped != 1 || c.stopped != 1 {
		t.Fatalf("want every device stopped once, got a=%d c=%d", a.stopped, c.stopped)
	}
}

func TestChipset_PollRunsRegisteredHandlers(t *testing.T) {
	b := NewBuilder()
	calls := 0
	dev := &fakeDevice{poll: &PollDevice{Handler: pollFunc(func(ctx context.Context) error {
		calls++
		return nil
	})}}
	if err := b.RegisterDevice("poller", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if calls != 1 {
		t.Fatalf("want poll handler invoked once, got %d", calls)
	}
}

type pollFunc func(ctx context.Context) error

func (f pollFunc) Poll(ctx context.Context) error { return f(ctx) }

func TestBuilder_RejectsDuplicateDeviceName(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("x", &fakeDevice{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := b.RegisterDevice("x", &fakeDevice{}); err == nil {
		t.Fatalf("want error for duplicate device name")
	}
}

func TestBuilder_RejectsTwoDistributors(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("gic1", &distributingDevice{}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := b.RegisterDevice("gic2", &distributingDevice{}); err == nil {
		t.Fatalf("want error registering a second distributor")
	}
}
