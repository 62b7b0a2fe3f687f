package hv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmcore/internal/hv/config"
)

func toRegionFlags(f config.RegionFlags) RegionFlags {
	var out RegionFlags
	if f.Has(config.FlagRead) {
		out |= FlagRead
	}
	if f.Has(config.FlagWrite) {
		out |= FlagWrite
	}
	if f.Has(config.FlagExec) {
		out |= FlagExec
	}
	if f.Has(config.FlagUser) {
		out |= FlagUser
	}
	if f.Has(config.FlagDevice) {
		out |= FlagDevice
	}
	return out
}

// installMemoryRegions validates and installs each configured RAM
// region in configuration order. Unknown flag bits are rejected;
// the Device flag is stripped with a warning since it belongs to
// passthrough ranges, not RAM.
func installMemoryRegions(as *AddressSpace, host Host, regions []config.MemoryRegion) error {
	for i, r := range regions {
		const known = config.FlagRead | config.FlagWrite | config.FlagExec | config.FlagUser | config.FlagDevice
		if r.Flags&^known != 0 {
			return fmt.Errorf("memory_regions[%d]: unknown flag bits 0x%x: %w", i, r.Flags&^known, ErrInvalidInput)
		}
		flags := r.Flags
		if flags.Has(config.FlagDevice) {
			slog.Warn("memory region carries invalid Device flag; stripping", "index", i, "gpa", r.GuestPhysBase)
			flags = (flags &^ config.FlagDevice) | config.FlagRead | config.FlagWrite | config.FlagUser
		}
		regionFlags := toRegionFlags(flags)

		switch r.Kind {
		case config.KindIdentity:
			if host.AllocAt(r.GuestPhysBase, r.Size) {
				backing := make([]byte, r.Size)
				if err := as.MapLinear(r.GuestPhysBase, backing, r.Size, regionFlags); err != nil {
					return fmt.Errorf("memory_regions[%d]: %w", i, err)
				}
			} else {
				slog.Warn("identity region host reservation failed; installing linear mapping anyway", "index", i, "gpa", r.GuestPhysBase)
				backing := make([]byte, r.Size)
				if err := as.MapLinear(r.GuestPhysBase, backing, r.Size, regionFlags); err != nil {
					return fmt.Errorf("memory_regions[%d]: %w", i, err)
				}
			}
		case config.KindAllocated:
			if err := as.MapAlloc(r.GuestPhysBase, r.Size, regionFlags, true); err != nil {
				return fmt.Errorf("memory_regions[%d]: %w", i, err)
			}
		default:
			return fmt.Errorf("memory_regions[%d]: unknown kind: %w", i, ErrInvalidInput)
		}
	}
	return nil
}

// installPassthroughRanges canonicalises the configured passthrough
// ranges and installs each as a linear device mapping. Overlap with
// previously installed RAM regions is undefined behaviour at the
// config layer; the core does not cross-check it (spec open
// question, resolved in DESIGN.md).
func installPassthroughRanges(as *AddressSpace, host Host, ranges []config.PassthroughRange) error {
	converted := make([]PassthroughRange, len(ranges))
	for i, r := range ranges {
		converted[i] = PassthroughRange{
			GuestPhysBase: r.GuestPhysBase,
			HostPhysBase:  r.HostPhysBase,
			Length:        r.Length,
			Name:          r.Name,
		}
	}
	canonical := CanonicalizePassthroughRanges(converted)
	for _, r := range canonical {
		hva, err := hostVirtFor(host, r.HostPhysBase, r.Length)
		if err != nil {
			return fmt.Errorf("passthrough range %q at 0x%x: %w", r.Name, r.GuestPhysBase, ErrHostError)
		}
		if err := as.MapLinear(r.GuestPhysBase, hva, r.Length, FlagDevice|FlagRead|FlagWrite|FlagUser); err != nil {
			return fmt.Errorf("passthrough range %q at 0x%x: %w", r.Name, r.GuestPhysBase, err)
		}
	}
	return nil
}

// hostVirtFor maps hpa's real host-physical range through the host
// and returns the bytes aliasing it, so MapLinear's fragments reach
// actual device memory instead of a disconnected placeholder buffer.
func hostVirtFor(host Host, hpa, length uint64) ([]byte, error) {
	hva, err := host.MapHostPhys(hpa, length)
	if err != nil {
		return nil, fmt.Errorf("map_host_phys 0x%x len 0x%x: %w", hpa, length, err)
	}
	return hva, nil
}
