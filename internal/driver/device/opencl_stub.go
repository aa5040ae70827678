//go:build !opencl || !cgo

package device

import "errors"

// ErrOpenCLUnavailable is returned when the binary was built without the
// opencl tag.
var ErrOpenCLUnavailable = errors.New("opencl: support not compiled in (rebuild with -tags opencl and cgo enabled)")

// NewOpenCLRuntime reports that no OpenCL runtime is linked.
func NewOpenCLRuntime() (Runtime, error) {
	return nil, ErrOpenCLUnavailable
}
