package predictor

import "errors"

// Error definitions for the predictor package.
var (
	ErrInvalidConfig = errors.New("invalid detection config")
	ErrBaseCycle     = errors.New("_BASE_ inheritance cycle")
	ErrPoolClosed    = errors.New("session pool is closed")
	ErrAcquire       = errors.New("timeout waiting for available session")
	ErrClosed        = errors.New("predictor is closed")
)
