package engine

import "errors"

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrUnknownTensor  = errors.New("unknown tensor")
	ErrShapeMismatch  = errors.New("tensor shape mismatch")
)
