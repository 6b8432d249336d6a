package kernel

import "errors"

// Error kinds surfaced by the kernel. Callers match with errors.Is.
var (
	// ErrValidation marks a structural or semantic tx/block failure.
	ErrValidation = errors.New("validation failed")

	// ErrConsensus marks a linkage, proof-of-work, or merkle mismatch.
	ErrConsensus = errors.New("consensus rejection")

	// ErrUTXOConflict marks a double-spend or missing input.
	ErrUTXOConflict = errors.New("utxo conflict")

	// ErrPersistence marks a storage failure; the mutation was aborted and
	// in-memory state is unchanged.
	ErrPersistence = errors.New("persistence failure")

	// ErrConfiguration marks an incompatible genesis or out-of-range
	// parameter; initialization aborts.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotReady is returned when an operation arrives outside the Ready
	// lifecycle state.
	ErrNotReady = errors.New("kernel not ready")
)
