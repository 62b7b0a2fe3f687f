package hv

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/hv/config"
)

// MaxVcpus sizes interrupt-target bitmasks. A configuration
// requesting more vCPUs than this is rejected.
const MaxVcpus = 64

// VcpuFactory instantiates one vCPU. The concrete Vcpu implementation
// is selected per architecture by the embedding environment at build
// time; the core is generic over this factory.
type VcpuFactory func(vcpuID int, physicalID uint64, createConfig VcpuCreateConfig) (Vcpu, error)

// DeviceBusFactory constructs the device bus from the emulated-device
// configuration, which is opaque to the core.
type DeviceBusFactory func(devices []config.EmuDeviceConfig) (DeviceBus, error)

// SetupConfigFactory builds the architecture-specific per-vCPU setup
// config applied once during Create. vcpuID 0 is the BSP.
type SetupConfigFactory func(vcpuID int) VcpuSetupConfig

// CreateConfigFactory builds the architecture-specific per-vCPU
// create config (e.g. carrying the physical id for MPIDR/hart-id
// derivation).
type CreateConfigFactory func(physicalID uint64) VcpuCreateConfig

// Collaborators bundles the external factories Create needs to build
// a VM's vCPUs and device bus. These are supplied by the embedding
// environment, not by this package, since the vCPU execution
// primitive and device models are explicit external collaborators.
type Collaborators struct {
	NewVcpu         VcpuFactory
	NewDeviceBus    DeviceBusFactory
	NewSetupConfig  SetupConfigFactory
	NewCreateConfig CreateConfigFactory
}

// VM is the top-level aggregate: a stable id, a snapshot of its
// creation-time configuration, an ordered set of Vcpu handles indexed
// by contiguous vcpu_id in [0, N), a device bus, a guest-physical
// address space (the only mutable field, separately synchronised),
// and two lock-free lifecycle booleans.
type VM struct {
	id     uint64
	config config.Config
	host   Host

	vcpus []Vcpu
	bus   DeviceBus

	addressSpace *AddressSpace

	running      atomic.Bool
	shuttingDown atomic.Bool

	mu sync.Mutex // not taken by any current VM method
}

// Create builds a VM from cfg: rejects if the host lacks
// virtualisation support, instantiates a Vcpu per affinity tuple,
// creates an empty two-stage AddressSpace, installs configured RAM
// regions and canonicalised passthrough ranges, constructs the device
// bus, runs architecture-specific DeviceWiring, and sets up each
// vCPu's entry point. Returns with running=false, shutting_down=false.
func Create(host Host, cfg config.Config, collab Collaborators) (*VM, error) {
	if !HasHardwareSupport() {
		return nil, fmt.Errorf("create vm %d: %w", cfg.ID, ErrUnsupported)
	}
	if cfg.VcpuCount == 0 || cfg.VcpuCount > MaxVcpus {
		return nil, fmt.Errorf("create vm %d: vcpu_count %d out of range [1,%d]: %w", cfg.ID, cfg.VcpuCount, MaxVcpus, ErrInvalidInput)
	}

	root, err := host.NewStage2Root()
	if err != nil {
		return nil, fmt.Errorf("create vm %d: stage2 root: %w", cfg.ID, ErrHostError)
	}

	vm := &VM{
		id:           cfg.ID,
		config:       cfg,
		host:         host,
		addressSpace: NewAddressSpace(host, root),
	}

	tuples := cfg.AffinityTuples()
	vm.vcpus = make([]Vcpu, len(tuples))
	for _, t := range tuples {
		createCfg := collab.NewCreateConfig(t.PhysicalID)
		vcpu, err := collab.NewVcpu(int(t.VcpuID), t.PhysicalID, createCfg)
		if err != nil {
			return nil, fmt.Errorf("create vm %d: vcpu %d: %w", cfg.ID, t.VcpuID, err)
		}
		vm.vcpus[t.VcpuID] = vcpu
	}

	if err := installMemoryRegions(vm.addressSpace, host, cfg.MemoryRegions); err != nil {
		return nil, fmt.Errorf("create vm %d: %w", cfg.ID, err)
	}
	if err := installPassthroughRanges(vm.addressSpace, host, cfg.PassthroughDevices); err != nil {
		return nil, fmt.Errorf("create vm %d: %w", cfg.ID, err)
	}

	bus, err := collab.NewDeviceBus(cfg.EmuDevices)
	if err != nil {
		return nil, fmt.Errorf("create vm %d: device bus: %w", cfg.ID, ErrHostError)
	}
	vm.bus = bus

	if err := wireDevices(vm, cfg); err != nil {
		return nil, fmt.Errorf("create vm %d: %w", cfg.ID, err)
	}

	for _, vcpu := range vm.vcpus {
		entry := cfg.ApEntry
		if vcpu.ID() == 0 {
			entry = cfg.BspEntry
		}
		setupCfg := collab.NewSetupConfig(vcpu.ID())
		if err := vcpu.Setup(entry, vm.addressSpace.Root(), setupCfg); err != nil {
			return nil, fmt.Errorf("create vm %d: vcpu %d setup: %w", cfg.ID, vcpu.ID(), err)
		}
	}

	registerVM(vm)

	slog.Info("vm created", "vm_id", vm.id, "vcpu_count", cfg.VcpuCount)
	return vm, nil
}

// ID returns the VM's stable numeric id.
func (vm *VM) ID() uint64 { return vm.id }

// Config returns the creation-time configuration snapshot.
func (vm *VM) Config() config.Config { return vm.config }

// Vcpu returns the handle for vcpuID, or nil if out of range.
func (vm *VM) Vcpu(vcpuID int) Vcpu {
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return nil
	}
	return vm.vcpus[vcpuID]
}

// VcpuCount returns the number of vCPUs this VM owns.
func (vm *VM) VcpuCount() int { return len(vm.vcpus) }

// Boot transitions the VM from created to running. It refuses
// ErrUnsupported if virtualisation support has disappeared, and
// ErrBadState if already running. No execution begins here; it
// begins on the first RunVcpu call.
func (vm *VM) Boot() error {
	if !HasHardwareSupport() {
		return fmt.Errorf("boot vm %d: %w", vm.id, ErrUnsupported)
	}
	if !vm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("boot vm %d: already running: %w", vm.id, ErrBadState)
	}
	slog.Info("vm booted", "vm_id", vm.id)
	return nil
}

// IsRunning reports whether Boot has succeeded.
func (vm *VM) IsRunning() bool { return vm.running.Load() }

// IsShuttingDown reports whether Shutdown has been called. The VM is
// terminal once this returns true; it is never cleared.
func (vm *VM) IsShuttingDown() bool { return vm.shuttingDown.Load() }

// Shutdown marks the VM as terminal. It refuses ErrBadState if
// already shutting down. Once set, the flag cannot be cleared.
// Concurrent RunVcpu calls observe it at their next loop turn.
func (vm *VM) Shutdown() error {
	if !vm.shuttingDown.CompareAndSwap(false, true) {
		return fmt.Errorf("shutdown vm %d: already shutting down: %w", vm.id, ErrBadState)
	}
	unregisterVM(vm.id)
	slog.Info("vm shutting down", "vm_id", vm.id)
	return nil
}
