package store

import "errors"

var (
	// ErrDimensionMismatch means a vector's length disagrees with the
	// dimension the store was configured with. Fatal for the operation.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrCorruptIndex means a persisted snapshot is internally
	// inconsistent (vector count disagrees with metadata count). The
	// store attempts a rebuild from metadata before surfacing it.
	ErrCorruptIndex = errors.New("corrupt index snapshot")

	// ErrIncompatibleFormat means a snapshot was written by an unknown
	// format version and cannot be migrated.
	ErrIncompatibleFormat = errors.New("incompatible snapshot format")

	// ErrUnknownIdentity is returned by removals for keys never stored.
	ErrUnknownIdentity = errors.New("unknown identity key")
)
