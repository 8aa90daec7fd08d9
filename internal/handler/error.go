package handler

import "errors"

// Error definitions for the handler package.
var (
	ErrConfigNotFound  = errors.New("no model config (.yaml, .yml) in model directory")
	ErrWeightsNotFound = errors.New("no model weights in model directory")
	ErrModelLoad       = errors.New("model deserialization failed")
	ErrNoInput         = errors.New("no input to predict on")
	ErrNoModel         = errors.New("no model to predict with")
	ErrPrediction      = errors.New("prediction failed")
)
