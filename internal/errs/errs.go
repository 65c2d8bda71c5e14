// Package errs holds the closed error-code enumeration (spec.md §6.3)
// shared by every backend. The public github.com/gpu-ninja/vdisk package
// re-exports these as vdisk.Err*; backends depend on this package instead
// of the root package to avoid an import cycle.
package errs

import "fmt"

// Error is one of the closed set of error codes a backend can report.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrNotRecognized     Error = "vdisk: image format not recognized"
	ErrOutOfMemory       Error = "vdisk: out of memory"
	ErrBadSignature      Error = "vdisk: bad signature"
	ErrBadDevice         Error = "vdisk: bad device"
	ErrBadArgument       Error = "vdisk: bad argument"
	ErrOutOfRange        Error = "vdisk: out of range"
	ErrBadCompressedData Error = "vdisk: bad compressed data"
	ErrNotImplementedYet Error = "vdisk: not implemented yet"
)

// BadSignature wraps ErrBadSignature with context, preserving
// errors.Is(err, ErrBadSignature).
func BadSignature(msg string) error { return fmt.Errorf("%s: %w", msg, ErrBadSignature) }

// BadDevice wraps ErrBadDevice with context.
func BadDevice(msg string) error { return fmt.Errorf("%s: %w", msg, ErrBadDevice) }

// BadArgument wraps ErrBadArgument with context.
func BadArgument(msg string) error { return fmt.Errorf("%s: %w", msg, ErrBadArgument) }

// OutOfRange wraps ErrOutOfRange with context.
func OutOfRange(msg string) error { return fmt.Errorf("%s: %w", msg, ErrOutOfRange) }

// BadCompressedData wraps ErrBadCompressedData with context.
func BadCompressedData(msg string) error { return fmt.Errorf("%s: %w", msg, ErrBadCompressedData) }

// NotImplementedYet wraps ErrNotImplementedYet with context.
func NotImplementedYet(msg string) error { return fmt.Errorf("%s: %w", msg, ErrNotImplementedYet) }

// OutOfMemory wraps ErrOutOfMemory with context.
func OutOfMemory(msg string) error { return fmt.Errorf("%s: %w", msg, ErrOutOfMemory) }
