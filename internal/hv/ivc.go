package hv

// AllocIVCChannel reserves requested bytes of shared guest-physical
// address space (rounded up to a 4 KiB multiple) for an inter-VM
// communication channel. Per spec.md's alloc_ivc_channel, this
// delegates to the device bus, which reserves the GPA space and
// returns the granted base — the VM itself holds no IVC state.
func (vm *VM) AllocIVCChannel(requested uint64) (gpa, granted uint64, err error) {
	return vm.bus.AllocIVCChannel(requested)
}

// ReleaseIVCChannel releases a channel previously returned by
// AllocIVCChannel. gpa and size must match exactly.
func (vm *VM) ReleaseIVCChannel(gpa, size uint64) error {
	return vm.bus.ReleaseIVCChannel(gpa, size)
}
