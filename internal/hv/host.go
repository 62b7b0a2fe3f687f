package hv

// Host is the single polymorphism boundary onto the embedding
// environment's kernel facilities: physical memory reservation,
// virtual-to-physical translation, wall-clock time, the caller's
// current execution identity, and interrupt delivery. Every method
// must be implemented by the embedding environment; the core never
// reaches around this interface.
type Host interface {
	// AllocAt attempts to reserve host physical memory at the given
	// base. Returns success/failure with no further error detail, per
	// spec: the address space itself surfaces HostError on failure.
	AllocAt(hpa, size uint64) bool

	// DeallocAt releases previously reserved memory.
	DeallocAt(hpa, size uint64)

	// MapHostPhys maps size bytes of a passthrough device's real
	// host-physical range at hpa and returns host-virtual bytes
	// aliasing it, unlike AllocAt's anonymous RAM reservation used for
	// guest identity/allocated regions. Guest reads and writes through
	// address_space.map_linear(gpa, hpa, ...) must reach the same
	// memory a real device driver sees at hpa.
	MapHostPhys(hpa, size uint64) ([]byte, error)

	// VirtToPhys translates a host-virtual address held by the
	// hypervisor itself.
	VirtToPhys(hva uintptr) (uint64, error)

	// NowNanos returns monotonic nanoseconds for logging and
	// VM-visible time.
	NowNanos() uint64

	// CurrentVMID / CurrentVcpuID / CurrentPcpuID identify the
	// caller's current execution context.
	CurrentVMID() uint64
	CurrentVcpuID() int
	CurrentPcpuID() int

	// VcpuResidesOn locates the host CPU currently running a specific
	// vCPU of the given VM; fails if the vCPU is not live.
	VcpuResidesOn(vmID uint64, vcpuID int) (int, error)

	// InjectIRQ delivers an interrupt by making the target physical
	// CPU run the vCPU's interrupt-injection sequence.
	InjectIRQ(vmID uint64, vcpuID int, irq uint32) error

	// NewStage2Root allocates the opaque host-physical root of a new
	// VM's two-stage page table. The page-table data structure itself
	// is an external collaborator; this is merely its allocation
	// primitive.
	NewStage2Root() (uint64, error)
}

// HasHardwareSupportFunc is overridden by a platform-specific package
// (hostkvm, hostsim) at init time to reflect actual architecture
// capability (e.g. VMX, H-extension, VHE). The default reports no
// support, matching the conservative stance expected before any
// backend registers itself.
var HasHardwareSupportFunc = func() bool { return false }

// HasHardwareSupport reflects whether this host's hardware advertises
// virtualisation extensions.
func HasHardwareSupport() bool { return HasHardwareSupportFunc() }
