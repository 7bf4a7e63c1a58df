package gateway

import "errors"

// Outward-facing error taxonomy. Security-sensitive distinctions
// (unknown user vs wrong password, which login step failed) are
// collapsed into ErrInvalidCredentials before they leave the gateway;
// the detail survives only in audit events and metrics.
var (
	ErrInvalidCredentials = errors.New("gateway: invalid credentials")
	ErrAccountLocked      = errors.New("gateway: account locked")
	ErrUnauthenticated    = errors.New("gateway: unauthenticated")
	ErrPermissionDenied   = errors.New("gateway: permission denied")
	ErrUpstream           = errors.New("gateway: upstream provider unavailable")
)
