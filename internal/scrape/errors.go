package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any I/O.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference that does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrUnitNotFound is returned when a unit key has no registry entry.
	ErrUnitNotFound = fmt.Errorf("unit %w", ErrNotFound)
	// ErrArchiveUnsupported is returned when a unit lacks the archive capability.
	ErrArchiveUnsupported = errors.New("unit does not support archived articles")
)
