package chipset

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vmcore/internal/hv"
)

// ivcAllocator carves GPA ranges for inter-VM shared-memory channels
// out of a region above whatever the VM's own RAM/passthrough layout
// otherwise uses. spec.md's alloc_ivc_channel delegates to the device
// bus, which is this package's Chipset; the allocation/alignment
// algorithm itself is the same one the teacher used to carve MMIO
// holes above RAM: track installed allocations in ascending GPA
// order, bump a high-water mark, and reject overlaps on an exact
// release.
type ivcAllocator struct {
	mu         sync.Mutex
	nextGPA    uint64
	allocation *btree.BTreeG[ivcRange]
}

type ivcRange struct {
	gpa, size uint64
}

func ivcRangeLess(a, b ivcRange) bool { return a.gpa < b.gpa }

// ivcBase is an arbitrary high region of the guest-physical space,
// chosen well above typical RAM/passthrough layouts so IVC channels
// never collide with configured regions. A production deployment may
// instead derive this from the AddressSpace's installed high-water
// mark; the chipset does not need that coupling since IVC channels
// are never dereferenced as RAM by the guest's own page tables.
const ivcBase uint64 = 0x4000_0000_0000

func newIVCAllocator() *ivcAllocator {
	return &ivcAllocator{
		nextGPA:    ivcBase,
		allocation: btree.NewG(32, ivcRangeLess),
	}
}

func alignUp4k(v uint64) uint64 {
	const pageSize = 0x1000
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// AllocIVCChannel rounds requested up to a 4 KiB multiple and
// reserves that much fresh GPA space on the bus, returning
// (gpa, granted). This is the device bus's reservation half of
// spec.md's alloc_ivc_channel; VM.AllocIVCChannel calls through to it
// rather than carving GPA space itself.
func (c *Chipset) AllocIVCChannel(requested uint64) (gpa, granted uint64, err error) {
	granted = alignUp4k(requested)
	if granted == 0 {
		return 0, 0, fmt.Errorf("alloc_ivc_channel: requested size must be > 0: %w", hv.ErrInvalidInput)
	}

	c.ivc.mu.Lock()
	defer c.ivc.mu.Unlock()

	gpa = c.ivc.nextGPA
	c.ivc.allocation.ReplaceOrInsert(ivcRange{gpa: gpa, size: granted})
	c.ivc.nextGPA += granted
	return gpa, granted, nil
}

// ReleaseIVCChannel requires an exact match against a previously
// granted (gpa, size) pair.
func (c *Chipset) ReleaseIVCChannel(gpa, size uint64) error {
	c.ivc.mu.Lock()
	defer c.ivc.mu.Unlock()

	existing, ok := c.ivc.allocation.Get(ivcRange{gpa: gpa})
	if !ok || existing.size != size {
		return fmt.Errorf("release_ivc_channel 0x%x size 0x%x: no exact-match allocation: %w", gpa, size, hv.ErrInvalidInput)
	}
	c.ivc.allocation.Delete(existing)
	return nil
}
