package hv

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// Guest-physical address space layout constants, constant across
// architectures.
const (
	AspaceBase uint64 = 0x0
	AspaceSize uint64 = 0x7fff_ffff_f000
)

const pageSize = 0x1000

// RegionFlags are the permission/kind bits a mapped stage-2 region
// carries.
type RegionFlags uint32

const (
	FlagRead RegionFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagDevice
)

// regionKind distinguishes how a mapping's backing pages were
// obtained; it determines ResolveFault's behaviour, not an access
// permission.
type regionKind int

const (
	kindLinear regionKind = iota // installed via MapLinear: GPA -> fixed HPA/HVA
	kindAlloc                    // installed via MapAlloc: host supplies pages on demand
)

// mappedRegion is one entry of the stage-2 AddressSpace's installed
// range index, keyed by GPA.
type mappedRegion struct {
	gpa, size uint64
	flags     RegionFlags
	kind      regionKind

	// backing is the host-virtual bytes for this range. For a
	// kindAlloc region not yet touched, backing is nil until the host
	// supplies pages on first fault.
	backing []byte
	zeroed  bool
}

func (r *mappedRegion) end() uint64 { return r.gpa + r.size }

func regionLess(a, b *mappedRegion) bool { return a.gpa < b.gpa }

// AddressSpace owns the two-stage (GPA->HPA) translation for one VM,
// rooted at a fixed host-physical address. It covers
// [AspaceBase, AspaceBase+AspaceSize). The root is immutable after VM
// creation; region installation/removal and fault resolution are
// serialised by a single mutex.
type AddressSpace struct {
	host Host

	mu      sync.Mutex
	regions *btree.BTreeG[*mappedRegion]
	root    uint64 // opaque stage-2 root handle, supplied at construction
}

// NewAddressSpace creates an empty two-stage address space. root is
// the opaque host-physical root handed to vCPUs during Setup; its
// allocation is the page-table collaborator's responsibility, not
// this package's.
func NewAddressSpace(host Host, root uint64) *AddressSpace {
	return &AddressSpace{
		host:    host,
		regions: btree.NewG(32, regionLess),
		root:    root,
	}
}

// Root returns the stage-2 page-table root handed to vCpu.Setup. It
// requires no lock: the root is immutable after construction.
func (a *AddressSpace) Root() uint64 { return a.root }

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp4k(v uint64) uint64        { return (v + pageSize - 1) &^ (pageSize - 1) }

// overlapsLocked reports whether [gpa, gpa+size) intersects any
// installed region. Caller must hold a.mu.
func (a *AddressSpace) overlapsLocked(gpa, size uint64) bool {
	found := false
	end := gpa + size
	a.regions.AscendRange(&mappedRegion{gpa: 0}, &mappedRegion{gpa: end}, func(r *mappedRegion) bool {
		if r.end() > gpa {
			found = true
			return false
		}
		return true
	})
	return found
}

// MapLinear installs a direct GPA->HPA mapping of length bytes,
// backed by the given host-virtual bytes. Used for identity RAM
// regions and passthrough device ranges.
func (a *AddressSpace) MapLinear(gpa uint64, backing []byte, length uint64, flags RegionFlags) error {
	if gpa%pageSize != 0 || length%pageSize != 0 {
		return fmt.Errorf("map linear at 0x%x len 0x%x: %w", gpa, length, ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsLocked(gpa, length) {
		return fmt.Errorf("map linear at 0x%x len 0x%x overlaps existing region: %w", gpa, length, ErrInvalidInput)
	}
	a.regions.ReplaceOrInsert(&mappedRegion{
		gpa: gpa, size: length, flags: flags, kind: kindLinear, backing: backing,
	})
	return nil
}

// MapAlloc installs an on-demand allocated region: the host supplies
// backing pages lazily via ResolveFault. If zeroed, pages are
// zero-initialised on first touch (the only mode the core supports).
func (a *AddressSpace) MapAlloc(gpa, size uint64, flags RegionFlags, zeroed bool) error {
	if gpa%pageSize != 0 || size%pageSize != 0 {
		return fmt.Errorf("map alloc at 0x%x size 0x%x: %w", gpa, size, ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsLocked(gpa, size) {
		return fmt.Errorf("map alloc at 0x%x size 0x%x overlaps existing region: %w", gpa, size, ErrInvalidInput)
	}
	a.regions.ReplaceOrInsert(&mappedRegion{
		gpa: gpa, size: size, flags: flags, kind: kindAlloc, zeroed: zeroed,
	})
	return nil
}

// UnmapRegion removes a previously installed range. It must exactly
// match a single installed region's [gpa, gpa+size).
func (a *AddressSpace) UnmapRegion(gpa, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.regions.Get(&mappedRegion{gpa: gpa})
	if !ok || existing.size != size {
		return fmt.Errorf("unmap 0x%x size 0x%x: no exact-match region: %w", gpa, size, ErrInvalidInput)
	}
	a.regions.Delete(existing)
	return nil
}

func (a *AddressSpace) regionContainingLocked(gpa uint64) *mappedRegion {
	var found *mappedRegion
	a.regions.DescendLessOrEqual(&mappedRegion{gpa: gpa}, func(r *mappedRegion) bool {
		if gpa < r.end() {
			found = r
		}
		return false
	})
	if found != nil && gpa < found.gpa {
		return nil
	}
	return found
}

// ResolveFault is invoked by the exit dispatcher for NestedPageFault.
// For allocated regions touched for the first time, it installs
// on-demand backing pages (via Host.AllocAt) and is idempotent: a
// second resolution of the same fault is a no-op success. For any
// other region kind, or for a GPA outside any installed region, it
// fails with ErrTranslationFailed; the core does not distinguish a
// legitimate lazy fill from a guest memory violation, since that
// distinction is determined entirely by the region's kind at install
// time.
func (a *AddressSpace) ResolveFault(gpa uint64, access AccessFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	found := a.regionContainingLocked(gpa)
	if found == nil {
		return fmt.Errorf("resolve fault at 0x%x: %w", gpa, ErrTranslationFailed)
	}
	if found.kind != kindAlloc {
		return fmt.Errorf("resolve fault at 0x%x: region is not lazily backed: %w", gpa, ErrTranslationFailed)
	}
	return a.ensureBackedLocked(found, gpa)
}

// ensureBackedLocked allocates and installs found's backing pages if it
// has none yet, the same lazy-fill Host.AllocAt path ResolveFault uses
// for a real NestedPageFault exit. Fragments calls this too, so an
// Allocated region can be populated by ImageLoadRegion before the VM has
// ever run a vCPU, matching how guest RAM is loaded before first boot.
// Caller must hold a.mu. No-op if already backed.
func (a *AddressSpace) ensureBackedLocked(found *mappedRegion, faultGPA uint64) error {
	if found.backing != nil {
		return nil
	}
	if found.kind != kindAlloc {
		return fmt.Errorf("resolve fault at 0x%x: region is not lazily backed: %w", faultGPA, ErrTranslationFailed)
	}
	if !a.host.AllocAt(found.gpa, found.size) {
		return fmt.Errorf("resolve fault at 0x%x: host allocation failed: %w", faultGPA, ErrHostError)
	}
	// make() zero-initialises; this is the only backing mode the core
	// supports (spec requires zeroed=true allocated regions).
	found.backing = make([]byte, found.size)
	return nil
}

// Fragments returns the host-virtual byte spans covering
// [gpa, gpa+size), in ascending GPA order, for typed memory I/O and for
// ImageLoadRegion. An Allocated region encountered here is backed on
// demand, the same as a real NestedPageFault would, so a kernel/DTB/
// ramdisk image can be copied into guest RAM before the VM has ever
// executed a vCPU. It fails if any byte in the range is unmapped.
func (a *AddressSpace) Fragments(gpa, size uint64) ([]Fragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var frags []Fragment
	cur := gpa
	remaining := size
	for remaining > 0 {
		found := a.regionContainingLocked(cur)
		if found == nil {
			return nil, fmt.Errorf("fragments at 0x%x: %w", cur, ErrTranslationFailed)
		}
		if err := a.ensureBackedLocked(found, cur); err != nil {
			return nil, err
		}
		offset := cur - found.gpa
		avail := found.size - offset
		take := remaining
		if take > avail {
			take = avail
		}
		frags = append(frags, Fragment{Bytes: found.backing[offset : offset+take]})
		cur += take
		remaining -= take
	}
	return frags, nil
}
