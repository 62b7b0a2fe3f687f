package hv

import "sort"

// PassthroughRange is a configured guest-physical window mapped
// linearly to host-physical device memory with device-memory flags.
type PassthroughRange struct {
	GuestPhysBase uint64
	HostPhysBase  uint64
	Length        uint64
	Name          string
}

// CanonicalizePassthroughRanges aligns each range's base down and
// length up to 4 KiB, sorts by GPA, and merges overlapping or
// adjacent ranges. The result satisfies: every range is 4 KiB
// aligned, no two ranges overlap, and ranges are in ascending GPA
// order.
//
// Host-physical bases are aligned by the same delta their guest base
// was aligned down by, so the GPA->HPA offset within a merged range
// stays consistent with the original unaligned mapping intent.
func CanonicalizePassthroughRanges(ranges []PassthroughRange) []PassthroughRange {
	if len(ranges) == 0 {
		return nil
	}

	aligned := make([]PassthroughRange, len(ranges))
	for i, r := range ranges {
		base := alignDown(r.GuestPhysBase, pageSize)
		delta := r.GuestPhysBase - base
		length := alignUp4k(r.Length + delta)
		aligned[i] = PassthroughRange{
			GuestPhysBase: base,
			HostPhysBase:  r.HostPhysBase - delta,
			Length:        length,
			Name:          r.Name,
		}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].GuestPhysBase < aligned[j].GuestPhysBase
	})

	merged := make([]PassthroughRange, 0, len(aligned))
	cur := aligned[0]
	for _, next := range aligned[1:] {
		curEnd := cur.GuestPhysBase + cur.Length
		if next.GuestPhysBase <= curEnd {
			// Overlapping or adjacent: merge, keeping cur's name and
			// HPA mapping (the range with the lower GPA wins; the later
			// range's HPA is dropped).
			nextEnd := next.GuestPhysBase + next.Length
			if nextEnd > curEnd {
				cur.Length = nextEnd - cur.GuestPhysBase
			}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)

	return merged
}
