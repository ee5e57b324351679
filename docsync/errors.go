package docsync

import (
	"errors"

	"github.com/bringyour/docsync/docsync/pointer"
)

// errors.go lists the error types of the docsync package.
// Check with errors.Is(err, ErrX).
//
// All of these indicate a broken invariant. None are recovered locally.

// used for addressing
var (
	ErrMalformedPointer = pointer.ErrMalformedPointer
	ErrPathNotFound     = pointer.ErrPathNotFound
	ErrNotContainer     = errors.New("value is not an object or array")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidValue     = errors.New("value is not representable as json")
)

// used for the sync protocol
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrClosed            = errors.New("sync context closed")
)

// used for adapters
var (
	ErrDuplicateAdapter = errors.New("adapter tag already registered")
	ErrUnknownAdapter   = errors.New("no adapter registered for tag")
)
