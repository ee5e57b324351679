package pointer

import "errors"

var (
	ErrMalformedPointer = errors.New("malformed pointer")
	ErrPathNotFound     = errors.New("path not found")
)
