package miner

import (
	"errors"
	"fmt"

	"xleth/internal/driver/device"
)

// Error codes for the miner package
const (
	ErrCodeDeviceNotFound    = 1
	ErrCodeKernelBuildFailed = 2
	ErrCodeKernelNotLoaded   = 3
	ErrCodeAllocationFailed  = 4
	ErrCodeTransferFailed    = 5
	ErrCodeLaunchFailed      = 6
	ErrCodeInvalidTarget     = 7
	ErrCodeDatasetNotReady   = 8
	ErrCodeAborted           = 9
	ErrCodeInvalidArgument   = 10
)

// MinerError is a structured error carrying the failing operation and,
// when the runtime reported one, its OpenCL status code.
type MinerError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	DeviceCode int    `json:"device_code,omitempty"`
	Err        error  `json:"-"`
}

func (e *MinerError) Error() string {
	msg := fmt.Sprintf("xleth: [%d] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MinerError) Unwrap() error { return e.Err }

// Is matches any MinerError with the same code, so callers can test
// against the predefined errors below.
func (e *MinerError) Is(target error) bool {
	t, ok := target.(*MinerError)
	return ok && t.Code == e.Code
}

func NewError(code int, message string, details ...string) error {
	err := &MinerError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// wrap attaches a runtime failure to an error code.
func wrap(code int, message string, err error) error {
	me := &MinerError{Code: code, Message: message, Err: err}
	var de *device.Error
	if errors.As(err, &de) {
		me.DeviceCode = de.Code
	}
	return me
}

// Predefined errors
var (
	ErrDeviceNotFound    = NewError(ErrCodeDeviceNotFound, "device not found")
	ErrKernelBuildFailed = NewError(ErrCodeKernelBuildFailed, "kernel build failed")
	ErrKernelNotLoaded   = NewError(ErrCodeKernelNotLoaded, "kernel is not loaded")
	ErrAllocationFailed  = NewError(ErrCodeAllocationFailed, "device allocation failed")
	ErrTransferFailed    = NewError(ErrCodeTransferFailed, "device transfer failed")
	ErrLaunchFailed      = NewError(ErrCodeLaunchFailed, "kernel launch failed")
	ErrInvalidTarget     = NewError(ErrCodeInvalidTarget, "boundary yields a zero target")
	ErrDatasetNotReady   = NewError(ErrCodeDatasetNotReady, "dataset not generated")
	ErrAborted           = NewError(ErrCodeAborted, "search aborted")
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "invalid argument")
)

// CodeOf returns the miner error code of err, or 0.
func CodeOf(err error) int {
	var me *MinerError
	if errors.As(err, &me) {
		return me.Code
	}
	return 0
}
