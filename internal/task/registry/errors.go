package registry

import "errors"

var (
	ErrDuplicateIdentifier = errors.New("task identifier already registered")
	ErrUnknownTask         = errors.New("unknown task identifier")
	ErrInvalidDefinition   = errors.New("invalid task definition")
)
