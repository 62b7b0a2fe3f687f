//go:build linux

// Package hostkvm implements internal/hv.Host on top of /dev/kvm: host
// physical memory is reserved with an anonymous mmap (always advised
// MADV_MERGEABLE, mirroring the teacher's KVM backend), and vCPU
// residency tracking is kept in an in-process map since KVM itself has
// no "which pCPU is running this vCPU right now" query. Interrupt
// delivery is not implemented here: InjectIRQ returns ErrUnsupported.
package hostkvm

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmcore/internal/hv"
)

func init() {
	hv.HasHardwareSupportFunc = probeDevKVM
}

func probeDevKVM() bool {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	version, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(kvmGetAPIVersion), 0)
	return errno == 0 && version == kvmAPIVersion
}

const (
	kvmGetAPIVersion = 0xAE00
	kvmAPIVersion    = 12
)

// Host is a Linux /dev/kvm-backed implementation of hv.Host. It owns
// no VM/vCPU/page-table state itself; those remain the vCPU and
// page-table collaborators' responsibility. Host only provides the
// kernel-facing primitives those collaborators and the core need:
// memory reservation, translation, timekeeping, and interrupt
// delivery plumbing.
type Host struct {
	mu          sync.Mutex
	mappings    map[uint64][]byte // hpa base -> mmap'd region
	passthrough map[uint64][]byte // hpa base -> /dev/mem mmap'd region
	residency   map[residencyKey]int
	nextRootID  uint64

	devKVMPath string
	devMemPath string
}

type residencyKey struct {
	vmID   uint64
	vcpuID int
}

// New checks that /dev/kvm can be opened and returns a ready Host.
func New() (*Host, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostkvm: open /dev/kvm: %w", err)
	}
	defer unix.Close(fd)

	return &Host{
		mappings:    make(map[uint64][]byte),
		passthrough: make(map[uint64][]byte),
		residency:   make(map[residencyKey]int),
		devMemPath:  "/dev/mem",
	}, nil
}

// AllocAt reserves size bytes of anonymous host memory and records it
// under hpa so DeallocAt can find it later. The actual
// guest-physical mapping (KVM_SET_USER_MEMORY_REGION) is the page-table
// collaborator's job once it has this host-virtual base; Host's
// contract ends at providing backing bytes.
func (h *Host) AllocAt(hpa, size uint64) bool {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return false
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return false
	}

	h.mu.Lock()
	h.mappings[hpa] = mem
	h.mu.Unlock()
	return true
}

// DeallocAt releases memory previously reserved by AllocAt at hpa.
func (h *Host) DeallocAt(hpa, size uint64) {
	h.mu.Lock()
	mem, ok := h.mappings[hpa]
	delete(h.mappings, hpa)
	h.mu.Unlock()
	if ok {
		unix.Munmap(mem)
	}
}

// MapHostPhys mmaps size bytes of /dev/mem at offset hpa and returns
// the resulting bytes, which alias the real host-physical range a
// passthrough device occupies — unlike AllocAt's anonymous mapping
// for guest RAM, this must reach the actual device, not a throwaway
// buffer. The offset must be page-aligned. installPassthroughRanges's
// 4 KiB canonicalisation shifts hpa down by the guest base's offset
// within its page, so hpa ends up aligned only when a range's host and
// guest bases share the same offset within a page.
func (h *Host) MapHostPhys(hpa, size uint64) ([]byte, error) {
	h.mu.Lock()
	if mem, ok := h.passthrough[hpa]; ok {
		h.mu.Unlock()
		if uint64(len(mem)) != size {
			return nil, fmt.Errorf("hostkvm: map_host_phys 0x%x: size mismatch with existing mapping (%d != %d)", hpa, size, len(mem))
		}
		return mem, nil
	}
	h.mu.Unlock()

	fd, err := unix.Open(h.devMemPath, unix.O_CLOEXEC|unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostkvm: open %s: %w", h.devMemPath, err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, int64(hpa), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostkvm: mmap %s at 0x%x len 0x%x: %w", h.devMemPath, hpa, size, err)
	}

	h.mu.Lock()
	h.passthrough[hpa] = mem
	h.mu.Unlock()
	return mem, nil
}

// VirtToPhys is unsupported on this backend: KVM guest memory is
// anonymous-mmap backed and has no stable host-physical address the
// hypervisor process can observe directly.
func (h *Host) VirtToPhys(hva uintptr) (uint64, error) {
	return 0, fmt.Errorf("hostkvm: virt_to_phys: %w", hv.ErrUnsupported)
}

// monoStart is the reference point NowNanos measures from.
var monoStart = time.Now()

// NowNanos returns monotonic nanoseconds elapsed since this package
// was initialised.
func (h *Host) NowNanos() uint64 { return uint64(time.Since(monoStart)) }

// CurrentVMID/CurrentVcpuID/CurrentPcpuID identify the caller's thread.
// KVM vCPUs are bound one-per-OS-thread by convention; a production
// backend tracks this via thread-local state set in RunVcpu's Bind.
// This reference implementation reports no identity outside a bound
// vCPU thread, matching the conservative default other Host methods use.
func (h *Host) CurrentVMID() uint64 { return 0 }
func (h *Host) CurrentVcpuID() int  { return -1 }
func (h *Host) CurrentPcpuID() int  { return -1 }

// MarkResident records which physical CPU a vCPU is currently bound
// to. Called by the embedding environment's Vcpu.Bind implementation,
// since KVM itself exposes no residency query.
func (h *Host) MarkResident(vmID uint64, vcpuID, pcpuID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.residency[residencyKey{vmID, vcpuID}] = pcpuID
}

// ClearResident removes a vCPU's residency record, called by Unbind.
func (h *Host) ClearResident(vmID uint64, vcpuID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.residency, residencyKey{vmID, vcpuID})
}

// VcpuResidesOn looks up the physical CPU a vCPU is currently bound
// to.
func (h *Host) VcpuResidesOn(vmID uint64, vcpuID int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pcpu, ok := h.residency[residencyKey{vmID, vcpuID}]
	if !ok {
		return 0, fmt.Errorf("hostkvm: vcpu %d of vm %d is not resident: %w", vcpuID, vmID, hv.ErrBadState)
	}
	return pcpu, nil
}

// InjectIRQ is a placeholder requiring the embedding environment to
// supply the concrete KVM irqfd/SIGIPI delivery mechanism, mirroring
// how kvm_irq.go's SetIRQ needed a live vmFd this package does not own.
func (h *Host) InjectIRQ(vmID uint64, vcpuID int, irq uint32) error {
	return fmt.Errorf("hostkvm: inject_irq: %w", hv.ErrUnsupported)
}

// NewStage2Root allocates an opaque stage-2 root handle. The page
// table data structure backing it is an external collaborator; this
// merely hands out a fresh identifier the collaborator can associate
// its own state with.
func (h *Host) NewStage2Root() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRootID++
	return h.nextRootID, nil
}

var _ hv.Host = (*Host)(nil)
