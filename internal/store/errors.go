package store

import (
	"github.com/orbiteos/joule/internal/errors"
)

var (
	ErrNotFound               = errors.ErrNotFound
	ErrAlreadyExists          = errors.ErrAlreadyExists
	ErrConcurrentModification = errors.ErrConcurrentModification
	ErrInvalidTransition      = errors.ErrInvalidTransition

	// Chunk-specific aliases
	ErrChunkNotFound = errors.ErrChunkNotFound
)
