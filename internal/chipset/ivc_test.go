package chipset

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmcore/internal/hv"
)

func builtChipset(t *testing.T) *Chipset {
	t.Helper()
	c, err := NewBuilder().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return c
}

func TestChipset_AllocIVCChannelRoundsUpTo4K(t *testing.T) {
	c := builtChipset(t)

	gpa, granted, err := c.AllocIVCChannel(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if granted != 0x1000 {
		t.Fatalf("want granted rounded up to page size, got %d", granted)
	}
	if gpa != ivcBase {
		t.Fatalf("want first allocation at ivcBase, got 0x%x", gpa)
	}
}

func TestChipset_SuccessiveIVCAllocsDoNotOverlap(t *testing.T) {
	c := builtChipset(t)

	first, firstSize, err := c.AllocIVCChannel(4096)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	second, _, err := c.AllocIVCChannel(4096)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if second != first+firstSize {
		t.Fatalf("want contiguous non-overlapping allocations, got first=0x%x second=0x%x", first, second)
	}
}

func TestChipset_ReleaseIVCChannelRequiresExactMatch(t *testing.T) {
	c := builtChipset(t)

	gpa, granted, err := c.AllocIVCChannel(4096)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if err := c.ReleaseIVCChannel(gpa, granted+0x1000); !errors.Is(err, hv.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for mismatched size, got %v", err)
	}
	if err := c.ReleaseIVCChannel(gpa, granted); err != nil {
		t.Fatalf("release exact match: %v", err)
	}
	if err := c.ReleaseIVCChannel(gpa, granted); !errors.Is(err, hv.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput releasing an already-released channel, got %v", err)
	}
}

func TestChipset_AllocIVCChannelRejectsZeroSize(t *testing.T) {
	c := builtChipset(t)
	if _, _, err := c.AllocIVCChannel(0); !errors.Is(err, hv.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for zero-size request, got %v", err)
	}
}

var _ hv.DeviceBus = (*Chipset)(nil)
