//go:build !windows

package server

import "errors"

// ErrUnlockUnsupported reports that the host platform has no audit-log
// facility for transparent unlock.
var ErrUnlockUnsupported = errors.New("transparent unlock not supported on this platform")

// NewEventSource always fails on non-Windows platforms: the resolver is
// never started, the current identity stays permanently empty, and every
// authorization takes the provider flow.
func NewEventSource(logName string) (EventSource, error) {
	return nil, ErrUnlockUnsupported
}

func platformSIDResolver() SIDResolver { return nil }
