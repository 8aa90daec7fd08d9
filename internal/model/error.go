package model

import "errors"

// Error definitions for the model package.
var (
	ErrNotFound      = errors.New("model not found in registry")
	ErrNotLoaded     = errors.New("model is not loaded")
	ErrNotConfigured = errors.New("no model configuration to reload")
)
