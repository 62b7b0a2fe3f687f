package hv

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Fragment is one contiguous host-virtual byte span backing part of a
// guest-physical range. Typed guest memory accessors walk a slice of
// these; none assume the whole range is one contiguous slice.
type Fragment struct {
	Bytes []byte
}

func totalLen(frags []Fragment) int {
	n := 0
	for _, f := range frags {
		n += len(f.Bytes)
	}
	return n
}

func gatherFragments(frags []Fragment, n int) []byte {
	buf := make([]byte, 0, n)
	for _, f := range frags {
		buf = append(buf, f.Bytes...)
	}
	return buf
}

func scatterFragments(frags []Fragment, data []byte) {
	off := 0
	for _, f := range frags {
		n := copy(f.Bytes, data[off:])
		off += n
	}
}

// alignRequirement returns the guest-visible alignment this module
// enforces for a size-byte scalar access: natural alignment capped at
// 4 bytes, matching align_of::<T>() on the 32-bit-register
// architectures this core also targets (a u64 there is 4-byte, not
// 8-byte, aligned). Byte/word/dword accesses are unaffected; only
// qword accesses get a looser check than their size would suggest.
func alignRequirement(size uint64) uint64 {
	if size > 4 {
		return 4
	}
	return size
}

// ReadOf reads a value of type T from guest-physical address gpa. gpa
// must satisfy alignRequirement(size_of(T)); misalignment fails
// ErrInvalidInput without touching the address space. The byte range
// is gathered across however many fragments the address space reports
// and reconstructed using unaligned little-endian semantics.
func ReadOf[T any](as *AddressSpace, gpa uint64) (T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if align := alignRequirement(size); gpa%align != 0 {
		return zero, fmt.Errorf("read_of: gpa 0x%x not aligned to %d: %w", gpa, align, ErrInvalidInput)
	}
	frags, err := as.Fragments(gpa, size)
	if err != nil {
		return zero, fmt.Errorf("read_of at 0x%x: %w", gpa, err)
	}
	if uint64(totalLen(frags)) < size {
		return zero, fmt.Errorf("read_of at 0x%x: insufficient backing: %w", gpa, ErrInvalidInput)
	}
	buf := gatherFragments(frags, int(size))
	return decodeUnaligned[T](buf), nil
}

// WriteOf writes v to guest-physical address gpa, splitting the bytes
// across whatever fragments the address space returns, in order.
func WriteOf[T any](as *AddressSpace, gpa uint64, v T) error {
	size := uint64(unsafe.Sizeof(v))
	if align := alignRequirement(size); gpa%align != 0 {
		return fmt.Errorf("write_of: gpa 0x%x not aligned to %d: %w", gpa, align, ErrInvalidInput)
	}
	frags, err := as.Fragments(gpa, size)
	if err != nil {
		return fmt.Errorf("write_of at 0x%x: %w", gpa, err)
	}
	if uint64(totalLen(frags)) < size {
		return fmt.Errorf("write_of at 0x%x: insufficient backing: %w", gpa, ErrInvalidInput)
	}
	scatterFragments(frags, encodeUnaligned(v))
	return nil
}

// ImageLoadRegion returns the raw fragmented buffer covering
// [gpa, gpa+size) for bulk image loading (kernel, DTB, initramfs).
// An Allocated region is backed on demand here, the same as a real
// guest-triggered fault would, so this can be called before the VM's
// first RunVcpu. It fails if any byte in the range is unmapped.
func (vm *VM) ImageLoadRegion(gpa, size uint64) ([]Fragment, error) {
	return vm.addressSpace.Fragments(gpa, size)
}

// decodeUnaligned reconstructs T from its little-endian byte
// representation. Only fixed-size scalar and array-of-scalar types
// are supported, matching the closed set of widths this module's
// guest-memory accessors are exercised against.
func decodeUnaligned[T any](buf []byte) T {
	var v T
	switch size := unsafe.Sizeof(v); size {
	case 1:
		*(*uint8)(unsafe.Pointer(&v)) = buf[0]
	case 2:
		*(*uint16)(unsafe.Pointer(&v)) = binary.LittleEndian.Uint16(buf)
	case 4:
		*(*uint32)(unsafe.Pointer(&v)) = binary.LittleEndian.Uint32(buf)
	case 8:
		*(*uint64)(unsafe.Pointer(&v)) = binary.LittleEndian.Uint64(buf)
	default:
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), buf)
	}
	return v
}

func encodeUnaligned[T any](v T) []byte {
	size := unsafe.Sizeof(v)
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = *(*uint8)(unsafe.Pointer(&v))
	case 2:
		binary.LittleEndian.PutUint16(buf, *(*uint16)(unsafe.Pointer(&v)))
	case 4:
		binary.LittleEndian.PutUint32(buf, *(*uint32)(unsafe.Pointer(&v)))
	case 8:
		binary.LittleEndian.PutUint64(buf, *(*uint64)(unsafe.Pointer(&v)))
	default:
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&v)), size))
	}
	return buf
}
