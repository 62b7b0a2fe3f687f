package chipset

import (
	"context"

	"github.com/tinyrange/vmcore/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports, at
// the width the guest's IoRead/IoWrite exit requested.
type PortIOHandler interface {
	ReadIOPort(port uint16, width hv.Width) (uint64, error)
	WriteIOPort(port uint16, width hv.Width, value uint64) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, width hv.Width) (uint64, error)
	WriteMMIO(addr uint64, width hv.Width, value uint64) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must
// implement to be registered on a Chipset.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsSysReg() *SysRegIntercept
	SupportsPollDevice() *PollDevice
}

// SysRegIntercept describes the system-register addresses a device
// serves and the hv.SysRegDevice handler for them. Unlike MMIO/PIO,
// most devices never serve sysreg addresses directly — it exists
// mainly for architectures with virtualised per-vCPU timer models,
// wired via DeviceWiring rather than RegisterDevice.
type SysRegIntercept struct {
	Device hv.SysRegDevice
}
