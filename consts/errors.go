package consts

import "errors"

var (
	// Account directory errors.
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrDirectoryUnavailable = errors.New("account directory unavailable")

	// Quarantine store errors.
	ErrStoreNotFound = errors.New("record not found")
	ErrStoreConflict = errors.New("record is not pending")

	// Session errors.
	ErrUpstreamConnect  = errors.New("upstream connection failed")
	ErrUpstreamProtocol = errors.New("upstream protocol violation")
	ErrLineTooLong      = errors.New("line too long")
	ErrLiteralTooLarge  = errors.New("literal too large")
)
