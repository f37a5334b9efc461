package registry

import "errors"

var (
	ErrUnknownStep = errors.New("unknown step")
	ErrInvalidSpec = errors.New("invalid step spec")
)
