package service

import "errors"

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrThreadExists      = errors.New("thread ID already exists")
	ErrClusterMissing    = errors.New("cluster not found")
	ErrWorkletNotFound   = errors.New("worklet not found")
	ErrIterationNotFound = errors.New("worklet iteration not found")
	ErrInvalidIndex      = errors.New("index out of range")
	ErrNoIterations      = errors.New("worklet has no iterations")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrWaitTimeout       = errors.New("generation did not finish in time")
	ErrUnknownField      = errors.New("unknown worklet field")
	ErrAIUnavailable     = errors.New("AI service unavailable")
)
