package protocol

import "errors"

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrMalformed          = errors.New("protocol: malformed unit")
	ErrUnknownKind        = errors.New("protocol: unknown unit kind")
	ErrEmptyUnit          = errors.New("protocol: unit body missing")
)
