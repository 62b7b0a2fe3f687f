// Package hostsim implements internal/hv.Host entirely in software,
// with no dependency on any platform virtualisation extension. It
// mirrors the teacher's pure-Go riscv backend (internal/hv/riscv):
// plain byte slices stand in for host physical memory, and
// VcpuResidesOn/InjectIRQ are backed by in-process bookkeeping rather
// than kernel facilities, since there is no hardware underneath to
// query. CurrentVMID/CurrentVcpuID/CurrentPcpuID return fixed
// "no identity" values. Intended for tests
// and any deployment that accepts an emulated-everything vCPU
// collaborator.
package hostsim

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/vmcore/internal/hv"
)

func init() {
	hv.HasHardwareSupportFunc = func() bool { return true }
}

type residencyKey struct {
	vmID   uint64
	vcpuID int
}

// Host is a single software-simulated host shared by every VM created
// against it; residency and memory bookkeeping are keyed by (vmID,
// vcpuID) so one Host instance can back multiple concurrently running
// VMs, matching how a real kernel-backed Host would.
type Host struct {
	mu          sync.Mutex
	arenas      map[uint64][]byte
	passthrough map[uint64][]byte
	residency   map[residencyKey]int
	nextRootID  uint64

	irqLog []InjectedIRQ
}

// InjectedIRQ records one InjectIRQ call for test assertions.
type InjectedIRQ struct {
	VMID   uint64
	VcpuID int
	IRQ    uint32
}

// New returns a fresh simulated Host.
func New() *Host {
	return &Host{
		arenas:      make(map[uint64][]byte),
		passthrough: make(map[uint64][]byte),
		residency:   make(map[residencyKey]int),
	}
}

// AllocAt reserves a zero-initialised byte arena of size bytes keyed
// by hpa. Always succeeds unless an arena is already registered at
// that base, matching the spec's "host physical memory is available"
// precondition for a software-only backend.
func (h *Host) AllocAt(hpa, size uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.arenas[hpa]; exists {
		return false
	}
	h.arenas[hpa] = make([]byte, size)
	return true
}

// DeallocAt releases the arena registered at hpa, if any.
func (h *Host) DeallocAt(hpa, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.arenas, hpa)
}

// MapHostPhys returns a zero-initialised arena keyed by hpa, distinct
// from AllocAt's arena map so a passthrough range and an identity RAM
// region can never alias each other's bytes. Repeated calls for the
// same hpa return the same backing slice, the way a real mmap of a
// device's physical range would, so two installations of the same
// passthrough range observe each other's writes.
func (h *Host) MapHostPhys(hpa, size uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mem, ok := h.passthrough[hpa]
	if !ok {
		mem = make([]byte, size)
		h.passthrough[hpa] = mem
	}
	if uint64(len(mem)) != size {
		return nil, fmt.Errorf("hostsim: map_host_phys 0x%x: size mismatch with existing mapping (%d != %d)", hpa, size, len(mem))
	}
	return mem, nil
}

// VirtToPhys is unsupported: simulated arenas have no host-physical
// identity distinct from their Go-heap address.
func (h *Host) VirtToPhys(hva uintptr) (uint64, error) {
	return 0, fmt.Errorf("hostsim: virt_to_phys: %w", hv.ErrUnsupported)
}

// monoStart is the reference point NowNanos measures from.
var monoStart = time.Now()

// NowNanos returns monotonic nanoseconds elapsed since this package
// was initialised.
func (h *Host) NowNanos() uint64 { return uint64(time.Since(monoStart)) }

// CurrentVMID/CurrentVcpuID/CurrentPcpuID report no identity outside
// of a bound vCPU context; hostsim has no real thread affinity to
// observe. Tests drive residency directly via MarkResident.
func (h *Host) CurrentVMID() uint64 { return 0 }
func (h *Host) CurrentVcpuID() int  { return -1 }
func (h *Host) CurrentPcpuID() int  { return -1 }

// MarkResident records that vcpuID of vmID is currently bound to
// pcpuID, called by a test's simulated Bind.
func (h *Host) MarkResident(vmID uint64, vcpuID, pcpuID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.residency[residencyKey{vmID, vcpuID}] = pcpuID
}

// ClearResident removes a vCPU's residency record.
func (h *Host) ClearResident(vmID uint64, vcpuID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.residency, residencyKey{vmID, vcpuID})
}

// VcpuResidesOn looks up the physical CPU a vCPU is currently bound to.
func (h *Host) VcpuResidesOn(vmID uint64, vcpuID int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pcpu, ok := h.residency[residencyKey{vmID, vcpuID}]
	if !ok {
		return 0, fmt.Errorf("hostsim: vcpu %d of vm %d is not resident: %w", vcpuID, vmID, hv.ErrBadState)
	}
	return pcpu, nil
}

// InjectIRQ records the delivery for later assertion via InjectedIRQs
// and always succeeds, since there is no real interrupt controller to
// fail against.
func (h *Host) InjectIRQ(vmID uint64, vcpuID int, irq uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqLog = append(h.irqLog, InjectedIRQ{VMID: vmID, VcpuID: vcpuID, IRQ: irq})
	return nil
}

// InjectedIRQs returns every InjectIRQ call recorded so far, in order.
func (h *Host) InjectedIRQs() []InjectedIRQ {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]InjectedIRQ, len(h.irqLog))
	copy(out, h.irqLog)
	return out
}

// NewStage2Root hands out a fresh opaque root identifier; hostsim
// keeps no page-table state of its own since that remains an external
// collaborator's responsibility even in simulation.
func (h *Host) NewStage2Root() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRootID++
	return h.nextRootID, nil
}

var _ hv.Host = (*Host)(nil)
