package engine

import "errors"

// Sentinel errors making up the error taxonomy: IoError and CodecError
// are not separate sentinels since the stdlib and the record package
// already produce distinguishable, wrapped errors for those; engine
// callers check ErrKeyNotFound and ErrInvariantViolation with
// errors.Is.
var (
	// ErrKeyNotFound is returned by Remove when the key has no live
	// index entry.
	ErrKeyNotFound = errors.New("engine: key not found")

	// ErrInvariantViolation is returned when an index entry's byte span
	// fails to decode as the Set record it is supposed to name, or a
	// generation referenced by the index has no open reader. It is
	// fatal to the engine instance.
	ErrInvariantViolation = errors.New("engine: invariant violation")
)
