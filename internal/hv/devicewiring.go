package hv

import (
	"log/slog"

	"github.com/tinyrange/vmcore/internal/hv/config"
)

// wireDevices performs the architecture-specific finalisation step
// executed once during Create, after the device bus is constructed:
// Passthrough mode assigns configured SPIs to the vCPU whose physical
// id matches; Virtualised mode registers each vCPU's per-architecture
// timer model as a system-register device. Architectures lacking
// timer virtualisation or SPIs skip these steps without error.
func wireDevices(vm *VM, cfg config.Config) error {
	switch cfg.InterruptMode {
	case config.InterruptPassthrough:
		return wirePassthroughSPIs(vm, cfg)
	case config.InterruptVirtualised:
		return wireVirtualTimers(vm)
	default:
		return nil
	}
}

func wirePassthroughSPIs(vm *VM, cfg config.Config) error {
	if len(cfg.PassthroughSPIs) == 0 {
		return nil
	}
	dist, ok := vm.bus.InterruptDistributor()
	if !ok {
		slog.Warn("passthrough interrupt mode configured but no interrupt distributor present on bus", "vm_id", vm.id)
		return nil
	}

	tuples := cfg.AffinityTuples()
	physicalToVcpu := make(map[uint64]int, len(tuples))
	for _, t := range tuples {
		physicalToVcpu[t.PhysicalID] = int(t.VcpuID)
	}

	for _, spi := range cfg.PassthroughSPIs {
		vcpuID, ok := physicalToVcpu[uint64(spi)]
		if !ok {
			vcpuID = 0
			slog.Warn("passthrough spi has no matching physical id; assigning to vcpu 0", "vm_id", vm.id, "spi", spi)
		}
		if err := dist.AssignSPI(spi, vcpuID); err != nil {
			return err
		}
	}
	return nil
}

func wireVirtualTimers(vm *VM) error {
	for _, vcpu := range vm.vcpus {
		state := vcpu.PerCpuState()
		if state == nil {
			continue
		}
		for _, dev := range state.SysRegDevices() {
			if err := vm.bus.RegisterSysRegDevice(dev); err != nil {
				return err
			}
		}
	}
	return nil
}
