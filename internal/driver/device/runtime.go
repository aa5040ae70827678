// internal/driver/device/runtime.go
// Compute runtime contract shared by the OpenCL backend and the simulator.

package device

import (
	"fmt"
	"strings"
)

// Type is the OpenCL device class requested from a platform.
type Type int

const (
	TypeGPU Type = iota + 1
	TypeAccelerator
)

func (t Type) String() string {
	switch t {
	case TypeGPU:
		return "GPU"
	case TypeAccelerator:
		return "ACCELERATOR"
	default:
		return "UNKNOWN"
	}
}

// MemFlag is the kernel-side access mode of a buffer.
type MemFlag int

const (
	MemReadOnly MemFlag = iota
	MemWriteOnly
	MemReadWrite
)

// Info describes a device as reported by the runtime.
type Info struct {
	Name             string   `json:"name"`
	Vendor           string   `json:"vendor"`
	Version          string   `json:"version"`
	Platform         string   `json:"platform"`
	Type             string   `json:"type"`
	GlobalMemSize    uint64   `json:"global_mem_size"`
	MaxMemAllocSize  uint64   `json:"max_mem_alloc_size"`
	MaxWorkGroupSize uint64   `json:"max_work_group_size"`
	MaxWorkItemSizes []uint64 `json:"max_work_item_sizes"`
	MaxComputeUnits  uint32   `json:"max_compute_units"`
}

// Runtime enumerates platforms.
type Runtime interface {
	Name() string
	Platforms() ([]Platform, error)
}

// Platform is one vendor runtime exposing devices.
type Platform interface {
	Name() string
	Devices(t Type) ([]Device, error)
}

// Device can be opened into an execution context.
type Device interface {
	Info() Info
	Open() (Context, error)
}

// ProgramSource carries either kernel source text or a prebuilt binary.
type ProgramSource struct {
	Source  string
	Binary  []byte
	Options string
}

// Context owns a command queue and everything created on it. Commands
// execute in submission order.
type Context interface {
	CreateBuffer(flags MemFlag, size uint64) (Buffer, error)
	BuildProgram(src ProgramSource) (Program, error)
	Write(buf Buffer, blocking bool, offset uint64, data []byte) error
	// Read always completes before returning.
	Read(buf Buffer, offset uint64, out []byte) error
	Launch(k Kernel, globalSize, localSize uint64) error
	Finish() error
	Release()
}

// Program is a built program.
type Program interface {
	Kernel(name string) (Kernel, error)
	Release()
}

// Kernel is an entry point with bound arguments. Accepted argument values
// are Buffer, uint32 and uint64.
type Kernel interface {
	Name() string
	SetArg(index int, value any) error
	Release()
}

// Buffer is device memory.
type Buffer interface {
	Size() uint64
	Release()
}

// OpenCL status codes surfaced by both backends.
const (
	CodeDeviceNotFound        = -1
	CodeMemAllocationFailure  = -4
	CodeOutOfResources        = -5
	CodeBuildProgramFailure   = -11
	CodeInvalidValue          = -30
	CodeInvalidPlatform       = -32
	CodeInvalidBinary         = -42
	CodeInvalidProgramExec    = -45
	CodeInvalidKernelName     = -46
	CodeInvalidArgIndex       = -49
	CodeInvalidArgValue       = -50
	CodeInvalidKernelArgs     = -52
	CodeInvalidWorkGroupSize  = -54
	CodeInvalidBufferSize     = -61
	CodeInvalidGlobalWorkSize = -63
)

// Error is a failed runtime call with its OpenCL status code.
type Error struct {
	Op   string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s failed (%d)", e.Op, e.Code)
}

// TypeFor maps a requested platform name to the device class to open.
// Only the exact name "Xilinx" selects accelerators.
func TypeFor(platformName string) Type {
	if platformName == "Xilinx" {
		return TypeAccelerator
	}
	return TypeGPU
}

// SelectDevice picks the first platform whose name contains platformName
// and returns its first device of the matching class.
func SelectDevice(rt Runtime, platformName string) (Device, Platform, error) {
	platforms, err := rt.Platforms()
	if err != nil {
		return nil, nil, err
	}

	var match Platform
	for _, p := range platforms {
		if strings.Contains(p.Name(), platformName) {
			match = p
			break
		}
	}
	if match == nil {
		return nil, nil, &Error{Op: "select platform", Code: CodeInvalidPlatform, Msg: fmt.Sprintf("no platform matching %q", platformName)}
	}

	t := TypeFor(platformName)
	devices, err := match.Devices(t)
	if err != nil {
		return nil, match, err
	}
	if len(devices) == 0 {
		return nil, match, &Error{Op: "select device", Code: CodeDeviceNotFound, Msg: fmt.Sprintf("no %s device on %q", t, match.Name())}
	}
	return devices[0], match, nil
}
