package hv

// MMIORegion describes one memory-mapped I/O window a device serves.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// DeviceBus is the polymorphic aggregate the dispatcher routes
// MMIO/PIO/SysReg exits to. Three operation families: MMIO (by GPA),
// PIO (by port number), and system register (by address). The core
// makes no thread-safety promise on the bus's behalf; that is the
// bus implementation's responsibility.
type DeviceBus interface {
	ReadMMIO(gpa uint64, width Width) (uint64, error)
	WriteMMIO(gpa uint64, width Width, value uint64) error

	ReadPort(port uint16, width Width) (uint64, error)
	WritePort(port uint16, width Width, value uint64) error

	ReadSysReg(addr uint64, width Width) (uint64, error)
	WriteSysReg(addr uint64, width Width, value uint64) error

	// InterruptDistributor returns the virtual interrupt distributor
	// model registered on the bus, if any, for DeviceWiring's SPI
	// assignment in Passthrough interrupt mode.
	InterruptDistributor() (InterruptDistributor, bool)

	// RegisterSysRegDevice registers a device reachable by
	// system-register address, used by DeviceWiring to wire per-vCPU
	// timer models in Virtualised interrupt mode.
	RegisterSysRegDevice(dev SysRegDevice) error

	// AllocIVCChannel reserves requested bytes of shared
	// guest-physical address space (rounded up to a 4 KiB multiple)
	// for an inter-VM communication channel, returning the granted
	// base and size. alloc_ivc_channel delegates to the device bus
	// for this reservation rather than carving GPA space itself.
	AllocIVCChannel(requested uint64) (gpa, granted uint64, err error)

	// ReleaseIVCChannel releases a channel previously returned by
	// AllocIVCChannel. gpa and size must match exactly.
	ReleaseIVCChannel(gpa, size uint64) error
}

// InterruptDistributor is the minimal surface DeviceWiring needs from
// a virtual interrupt distributor model to assign passthrough SPIs to
// specific vCPUs.
type InterruptDistributor interface {
	AssignSPI(spi uint32, vcpuID int) error
}
