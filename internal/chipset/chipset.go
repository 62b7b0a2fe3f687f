package chipset

import (
	"context"
	"fmt"
	"sort"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// ReadPort dispatches an I/O port read to the registered device, at
// the width the guest's IoRead exit requested.
func (c *Chipset) ReadPort(port uint16, width hv.Width) (uint64, error) {
	handler, ok := c.pio[port]
	if !ok {
		return 0, fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	return handler.ReadIOPort(port, width)
}

// WritePort dispatches an I/O port write to the registered device.
func (c *Chipset) WritePort(port uint16, width hv.Width, value uint64) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	return handler.WriteIOPort(port, width, value)
}

// ReadMMIO dispatches an MMIO read to the registered device covering gpa.
func (c *Chipset) ReadMMIO(gpa uint64, width hv.Width) (uint64, error) {
	binding, err := c.mmioBindingFor(gpa, width)
	if err != nil {
		return 0, err
	}
	return binding.handler.ReadMMIO(gpa, width)
}

// WriteMMIO dispatches an MMIO write to the registered device covering gpa.
func (c *Chipset) WriteMMIO(gpa uint64, width hv.Width, value uint64) error {
	binding, err := c.mmioBindingFor(gpa, width)
	if err != nil {
		return err
	}
	return binding.handler.WriteMMIO(gpa, width, value)
}

func (c *Chipset) mmioBindingFor(gpa uint64, width hv.Width) (*mmioBinding, error) {
	accessEnd := gpa + uint64(width.Bytes())
	if accessEnd < gpa {
		return nil, fmt.Errorf("chipset: MMIO access overflow at 0x%016x", gpa)
	}

	for i := range c.mmio {
		binding := &c.mmio[i]
		start := binding.region.Address
		end := start + binding.region.Size
		if gpa >= start && accessEnd <= end {
			return binding, nil
		}
	}

	return nil, fmt.Errorf("chipset: no handler for MMIO address 0x%016x", gpa)
}

// ReadSysReg dispatches a system-register read to the registered device.
func (c *Chipset) ReadSysReg(addr uint64, width hv.Width) (uint64, error) {
	dev, ok := c.sysreg[addr]
	if !ok {
		return 0, fmt.Errorf("chipset: no sysreg device for address 0x%x", addr)
	}
	return dev.ReadSysReg(addr, width)
}

// WriteSysReg dispatches a system-register write to the registered device.
func (c *Chipset) WriteSysReg(addr uint64, width hv.Width, value uint64) error {
	dev, ok := c.sysreg[addr]
	if !ok {
		return fmt.Errorf("chipset: no sysreg device for address 0x%x", addr)
	}
	return dev.WriteSysReg(addr, width, value)
}

// InterruptDistributor returns the interrupt distributor model
// registered on the chipset, if any.
func (c *Chipset) InterruptDistributor() (hv.InterruptDistributor, bool) {
	if c.dist == nil {
		return nil, false
	}
	return c.dist, true
}

// RegisterSysRegDevice registers a device reachable by system-register
// address after the chipset has already been built. Used by
// DeviceWiring to wire per-vCPU timer models discovered only after
// vCPU construction.
func (c *Chipset) RegisterSysRegDevice(dev hv.SysRegDevice) error {
	if dev == nil {
		return fmt.Errorf("sysreg device is nil")
	}
	for _, addr := range dev.SysRegAddrs() {
		if _, exists := c.sysreg[addr]; exists {
			return fmt.Errorf("sysreg address 0x%x already registered", addr)
		}
		c.sysreg[addr] = dev
	}
	return nil
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
