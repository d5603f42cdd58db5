package scheduler

import (
	"errors"

	"bgtask/internal/task/registry"
)

var (
	ErrUnknownTask    = registry.ErrUnknownTask
	ErrAlreadyRunning = errors.New("task already running")
	ErrInvalidStatus  = errors.New("status is not terminal")
)
