package sandbox

import "errors"

// Error kinds surfaced to the request layer. Timeout, OOM and nonzero
// exits are not errors; they come back as classified results.
var (
	// ErrRuntimeNotFound means no registered runtime matches the
	// requested language/version pair. Raised before any engine call
	// and before an admission permit is consumed.
	ErrRuntimeNotFound = errors.New("runtime not found")

	// ErrInvalidRequest means the request is structurally invalid:
	// no files, undecodable content, unsafe filenames, or resource
	// values that cannot be clamped.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEngineUnavailable means the container engine rejected or never
	// received a control call. Distinct from the user program failing.
	ErrEngineUnavailable = errors.New("container engine unavailable")
)
