package capture

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported         = errors.New("screen capture not supported on this platform")
	ErrNoHostContext       = errors.New("no foreground context available to drive the consent flow")
	ErrAlreadyRequesting   = errors.New("a screen capture permission request is already in flight")
	ErrAlreadyCapturing    = errors.New("screen capture already in progress")
	ErrNoAuthorization     = errors.New("screen capture permission not granted")
	ErrResourceAcquisition = errors.New("failed to acquire screen capture resources")
	ErrRuntimeCapture      = errors.New("screen capture failed while active")
	ErrNotCapturing        = errors.New("no active screen capture session")
	ErrTokenConsumed       = errors.New("capture permission token already consumed")
)

// AcquisitionError reports which step of session setup failed. It matches
// ErrResourceAcquisition as well as the underlying cause.
type AcquisitionError struct {
	Stage string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire %s: %v", e.Stage, e.Err)
}

func (e *AcquisitionError) Unwrap() []error {
	return []error{ErrResourceAcquisition, e.Err}
}

// RuntimeError is raised when an Active session fails on its own, for
// example because the desktop revoked the capture grant.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("screen capture failed while active: %v", e.Err)
}

func (e *RuntimeError) Unwrap() []error {
	return []error{ErrRuntimeCapture, e.Err}
}

// Permission failure stages.
const (
	StageRequest = "request"
	StageResult  = "result"
)

// PermissionError is a platform failure while launching the consent flow or
// while processing its result.
type PermissionError struct {
	Stage string
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission %s failed: %v", e.Stage, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}
