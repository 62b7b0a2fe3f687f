package hv

import (
	"fmt"
	"math/bits"
)

// InjectInterrupt validates that every targeted vCPU belongs to this
// VM (cross-VM injection is forbidden: fail fast), then for each set
// bit in targetMask, locates the physical CPU currently hosting that
// vCPU via the host abstraction and requests IPI-style delivery of
// irq. Partial failure is reported; already-delivered injections are
// not rolled back.
func (vm *VM) InjectInterrupt(targetMask uint64, irq uint32) error {
	validate := targetMask
	for validate != 0 {
		vcpuID := bits.TrailingZeros64(validate)
		validate &^= 1 << vcpuID
		if vcpuID >= len(vm.vcpus) {
			return fmt.Errorf("inject_interrupt: vcpu %d not in vm %d: %w", vcpuID, vm.id, ErrInvalidInput)
		}
	}

	deliver := targetMask
	var firstErr error
	for deliver != 0 {
		vcpuID := bits.TrailingZeros64(deliver)
		deliver &^= 1 << vcpuID

		if _, err := vm.host.VcpuResidesOn(vm.id, vcpuID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("inject_interrupt: vcpu %d resides_on: %w", vcpuID, ErrHostError)
			}
			continue
		}
		if err := vm.host.InjectIRQ(vm.id, vcpuID, irq); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("inject_interrupt: vcpu %d: %w", vcpuID, ErrHostError)
			}
			continue
		}
	}
	return firstErr
}
