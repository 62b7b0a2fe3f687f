package hv

import "errors"

// Error taxonomy. Every failure path wraps one of these with
// fmt.Errorf("...: %w", ErrX) so callers can use errors.Is without
// depending on message text.
var (
	// ErrUnsupported is returned when the host lacks virtualisation
	// extensions, or they have disappeared since VM creation.
	ErrUnsupported = errors.New("vmcore: host virtualisation unsupported")

	// ErrBadState is returned on a lifecycle violation: double boot or
	// double shutdown. The Host implementations in this module also
	// return it from VcpuResidesOn for a vCPU that is not resident.
	ErrBadState = errors.New("vmcore: lifecycle violation")

	// ErrInvalidInput covers unknown memory flags, out-of-range vCPU
	// ids, misaligned guest pointers in typed I/O, mismatched IVC
	// release, and cross-VM interrupt injection targets.
	ErrInvalidInput = errors.New("vmcore: invalid input")

	// ErrTranslationFailed is returned when a guest pointer does not
	// resolve in the address space.
	ErrTranslationFailed = errors.New("vmcore: guest address translation failed")

	// ErrHostError wraps any failure propagated up from the host
	// abstraction or the device bus.
	ErrHostError = errors.New("vmcore: host abstraction failure")
)
