package ratelimit

import "errors"

var (
	// ErrInvalidPolicy is returned by NewLimiter for a policy that cannot be enforced.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

	// ErrStoreUnavailable wraps transport, connection and timeout failures talking to the store.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

	// ErrScriptExecution wraps errors replied by the store itself, e.g. a script the
	// server refuses to run.
	ErrScriptExecution = errors.New("ratelimit: script execution failed")
)
