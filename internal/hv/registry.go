package hv

import "sync"

// registry tracks every live VM by id so that a Host implementation can
// resolve a bare vmID (as carried in InjectIRQ/VcpuResidesOn calls that
// cross process or goroutine boundaries) back to the VM instance without
// threading a *VM through every host call.
var registry sync.Map // vmID uint64 -> *VM

func registerVM(vm *VM) {
	registry.Store(vm.id, vm)
}

func unregisterVM(vmID uint64) {
	registry.Delete(vmID)
}

// LookupVM returns the live VM registered under vmID, or nil if no VM
// with that id is currently registered (never created, or already shut
// down and dropped). A Host implementation can use this to validate a
// vcpuID or resolve interrupt-delivery targets; hostsim and hostkvm do
// not call it.
func LookupVM(vmID uint64) (*VM, bool) {
	v, ok := registry.Load(vmID)
	if !ok {
		return nil, false
	}
	return v.(*VM), true
}
