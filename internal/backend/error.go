package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrNotFound           = errors.New("backend not found in registry")
	ErrAlreadyRegistered  = errors.New("backend is already registered in the registry")
	ErrUnsupportedWeights = errors.New("no backend can load the weights file")
	ErrMalformedOutput    = errors.New("backend returned misaligned detections")
	ErrInvalidInput       = errors.New("invalid backend input")
)
