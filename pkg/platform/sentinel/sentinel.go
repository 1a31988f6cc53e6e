package sentinel

import "errors"

// Sentinel errors for infrastructure facts. The control-plane components
// refuse with boolean or zero returns; boundary layers (HTTP transport,
// config loading) translate those refusals into these errors where a typed
// error is needed.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: domain, user, or agent does not exist
// - ErrConflict: operation refused because it would violate an invariant
// - ErrInvalidState: resource in wrong state for the requested operation
// - ErrUnavailable: collaborator temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
