//go:build opencl && cgo

// internal/driver/device/opencl.go
// OpenCL 1.2 backend over the system ICD loader.

package device

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/cl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_program xl_program_from_source(cl_context ctx, const char* src, size_t len, cl_int* err) {
	return clCreateProgramWithSource(ctx, 1, &src, &len, err);
}

static cl_program xl_program_from_binary(cl_context ctx, cl_device_id dev, const unsigned char* bin, size_t len, cl_int* err) {
	cl_int status = CL_SUCCESS;
	cl_program p = clCreateProgramWithBinary(ctx, 1, &dev, &len, &bin, &status, err);
	if (*err == CL_SUCCESS && status != CL_SUCCESS) {
		*err = status;
	}
	return p;
}

static cl_context xl_create_context(cl_device_id dev, cl_int* err) {
	return clCreateContext(NULL, 1, &dev, NULL, NULL, err);
}

static cl_int xl_build(cl_program p, cl_device_id dev, const char* opts) {
	return clBuildProgram(p, 1, &dev, opts, NULL, NULL);
}
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"
)

type openclRuntime struct{}

// NewOpenCLRuntime binds the system OpenCL runtime.
func NewOpenCLRuntime() (Runtime, error) {
	return &openclRuntime{}, nil
}

func (r *openclRuntime) Name() string { return "opencl" }

func clError(op string, st C.cl_int) error {
	return &Error{Op: op, Code: int(st)}
}

func (r *openclRuntime) Platforms() ([]Platform, error) {
	var n C.cl_uint
	if st := C.clGetPlatformIDs(0, nil, &n); st != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", st)
	}
	if n == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, n)
	if st := C.clGetPlatformIDs(n, &ids[0], nil); st != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", st)
	}

	out := make([]Platform, 0, len(ids))
	for _, id := range ids {
		out = append(out, &clPlatform{id: id, name: platformString(id, C.CL_PLATFORM_NAME)})
	}
	return out, nil
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

type clPlatform struct {
	id   C.cl_platform_id
	name string
}

func (p *clPlatform) Name() string { return p.name }

func (p *clPlatform) Devices(t Type) ([]Device, error) {
	dt := C.cl_device_type(C.CL_DEVICE_TYPE_GPU)
	if t == TypeAccelerator {
		dt = C.CL_DEVICE_TYPE_ACCELERATOR
	}

	var n C.cl_uint
	st := C.clGetDeviceIDs(p.id, dt, 0, nil, &n)
	if st == C.CL_DEVICE_NOT_FOUND || n == 0 {
		return nil, nil
	}
	if st != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", st)
	}

	ids := make([]C.cl_device_id, n)
	if st := C.clGetDeviceIDs(p.id, dt, n, &ids[0], nil); st != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", st)
	}

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, &clDevice{id: id, info: deviceInfo(id, p.name, t)})
	}
	return out, nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func deviceUlong(id C.cl_device_id, param C.cl_device_info) uint64 {
	var v C.cl_ulong
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint64(v)
}

func deviceSize(id C.cl_device_id, param C.cl_device_info) uint64 {
	var v C.size_t
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint64(v)
}

func deviceUint(id C.cl_device_id, param C.cl_device_info) uint32 {
	var v C.cl_uint
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint32(v)
}

func deviceInfo(id C.cl_device_id, platform string, t Type) Info {
	info := Info{
		Name:             deviceString(id, C.CL_DEVICE_NAME),
		Vendor:           deviceString(id, C.CL_DEVICE_VENDOR),
		Version:          deviceString(id, C.CL_DEVICE_VERSION),
		Platform:         platform,
		Type:             t.String(),
		GlobalMemSize:    deviceUlong(id, C.CL_DEVICE_GLOBAL_MEM_SIZE),
		MaxMemAllocSize:  deviceUlong(id, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE),
		MaxWorkGroupSize: deviceSize(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE),
		MaxComputeUnits:  deviceUint(id, C.CL_DEVICE_MAX_COMPUTE_UNITS),
	}

	dims := deviceUint(id, C.CL_DEVICE_MAX_WORK_ITEM_DIMENSIONS)
	if dims > 0 {
		sizes := make([]C.size_t, dims)
		if C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_ITEM_SIZES, C.size_t(uintptr(dims)*unsafe.Sizeof(sizes[0])), unsafe.Pointer(&sizes[0]), nil) == C.CL_SUCCESS {
			for _, s := range sizes {
				info.MaxWorkItemSizes = append(info.MaxWorkItemSizes, uint64(s))
			}
		}
	}
	return info
}

type clDevice struct {
	id   C.cl_device_id
	info Info
}

func (d *clDevice) Info() Info { return d.info }

func (d *clDevice) Open() (Context, error) {
	var st C.cl_int
	ctx := C.xl_create_context(d.id, &st)
	if st != C.CL_SUCCESS {
		return nil, clError("clCreateContext", st)
	}
	queue := C.clCreateCommandQueue(ctx, d.id, 0, &st)
	if st != C.CL_SUCCESS {
		C.clReleaseContext(ctx)
		return nil, clError("clCreateCommandQueue", st)
	}
	return &clContext{dev: d.id, ctx: ctx, queue: queue}, nil
}

type clContext struct {
	dev   C.cl_device_id
	ctx   C.cl_context
	queue C.cl_command_queue
	// host copies of non-blocking writes, freed once the queue drains
	pending []unsafe.Pointer
}

func (c *clContext) CreateBuffer(flags MemFlag, size uint64) (Buffer, error) {
	var f C.cl_mem_flags
	switch flags {
	case MemReadOnly:
		f = C.CL_MEM_READ_ONLY
	case MemWriteOnly:
		f = C.CL_MEM_WRITE_ONLY
	default:
		f = C.CL_MEM_READ_WRITE
	}
	var st C.cl_int
	mem := C.clCreateBuffer(c.ctx, f, C.size_t(size), nil, &st)
	if st != C.CL_SUCCESS {
		return nil, clError("clCreateBuffer", st)
	}
	return &clBuffer{mem: mem, size: size}, nil
}

func (c *clContext) BuildProgram(src ProgramSource) (Program, error) {
	var st C.cl_int
	var prog C.cl_program
	if src.Binary != nil {
		if len(src.Binary) == 0 {
			return nil, &Error{Op: "clCreateProgramWithBinary", Code: CodeInvalidBinary, Msg: "empty binary"}
		}
		bin := C.CBytes(src.Binary)
		defer C.free(bin)
		prog = C.xl_program_from_binary(c.ctx, c.dev, (*C.uchar)(bin), C.size_t(len(src.Binary)), &st)
		if st != C.CL_SUCCESS {
			return nil, clError("clCreateProgramWithBinary", st)
		}
	} else {
		cs := C.CString(src.Source)
		defer C.free(unsafe.Pointer(cs))
		prog = C.xl_program_from_source(c.ctx, cs, C.size_t(len(src.Source)), &st)
		if st != C.CL_SUCCESS {
			return nil, clError("clCreateProgramWithSource", st)
		}
	}

	opts := C.CString(src.Options)
	defer C.free(unsafe.Pointer(opts))
	if st := C.xl_build(prog, c.dev, opts); st != C.CL_SUCCESS {
		log := c.buildLog(prog)
		C.clReleaseProgram(prog)
		return nil, &Error{Op: "clBuildProgram", Code: int(st), Msg: log}
	}
	return &clProgram{prog: prog}, nil
}

func (c *clContext) buildLog(prog C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, c.dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(prog, c.dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

func (c *clContext) Write(buf Buffer, blocking bool, offset uint64, data []byte) error {
	b, ok := buf.(*clBuffer)
	if !ok {
		return &Error{Op: "clEnqueueWriteBuffer", Code: CodeInvalidMemObject}
	}
	if len(data) == 0 {
		return nil
	}

	var st C.cl_int
	if blocking {
		st = C.clEnqueueWriteBuffer(c.queue, b.mem, C.CL_TRUE, C.size_t(offset), C.size_t(len(data)), unsafe.Pointer(&data[0]), 0, nil, nil)
	} else {
		// the driver reads the source after we return, so it must live in C memory
		host := C.CBytes(data)
		c.pending = append(c.pending, host)
		st = C.clEnqueueWriteBuffer(c.queue, b.mem, C.CL_FALSE, C.size_t(offset), C.size_t(len(data)), host, 0, nil, nil)
	}
	if st != C.CL_SUCCESS {
		return clError("clEnqueueWriteBuffer", st)
	}
	return nil
}

func (c *clContext) Read(buf Buffer, offset uint64, out []byte) error {
	b, ok := buf.(*clBuffer)
	if !ok {
		return &Error{Op: "clEnqueueReadBuffer", Code: CodeInvalidMemObject}
	}
	if len(out) == 0 {
		return nil
	}
	st := C.clEnqueueReadBuffer(c.queue, b.mem, C.CL_TRUE, C.size_t(offset), C.size_t(len(out)), unsafe.Pointer(&out[0]), 0, nil, nil)
	if st != C.CL_SUCCESS {
		return clError("clEnqueueReadBuffer", st)
	}
	c.freePending()
	return nil
}

func (c *clContext) Launch(k Kernel, globalSize, localSize uint64) error {
	ck, ok := k.(*clKernel)
	if !ok {
		return &Error{Op: "clEnqueueNDRangeKernel", Code: CodeInvalidKernelArgs}
	}
	global := C.size_t(globalSize)
	local := C.size_t(localSize)
	if st := C.clEnqueueNDRangeKernel(c.queue, ck.k, 1, nil, &global, &local, 0, nil, nil); st != C.CL_SUCCESS {
		return clError("clEnqueueNDRangeKernel", st)
	}
	return nil
}

func (c *clContext) Finish() error {
	if st := C.clFinish(c.queue); st != C.CL_SUCCESS {
		return clError("clFinish", st)
	}
	c.freePending()
	return nil
}

func (c *clContext) freePending() {
	for _, p := range c.pending {
		C.free(p)
	}
	c.pending = c.pending[:0]
}

func (c *clContext) Release() {
	C.clFinish(c.queue)
	c.freePending()
	C.clReleaseCommandQueue(c.queue)
	C.clReleaseContext(c.ctx)
}

type clBuffer struct {
	mem  C.cl_mem
	size uint64
}

func (b *clBuffer) Size() uint64 { return b.size }

func (b *clBuffer) Release() {
	if b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
}

type clProgram struct {
	prog C.cl_program
}

func (p *clProgram) Kernel(name string) (Kernel, error) {
	cn := C.CString(name)
	defer C.free(unsafe.Pointer(cn))
	var st C.cl_int
	k := C.clCreateKernel(p.prog, cn, &st)
	if st != C.CL_SUCCESS {
		return nil, &Error{Op: "clCreateKernel", Code: int(st), Msg: name}
	}
	return &clKernel{k: k, name: name}, nil
}

func (p *clProgram) Release() {
	if p.prog != nil {
		C.clReleaseProgram(p.prog)
		p.prog = nil
	}
}

type clKernel struct {
	k    C.cl_kernel
	name string
}

func (k *clKernel) Name() string { return k.name }

func (k *clKernel) SetArg(index int, value any) error {
	var st C.cl_int
	switch v := value.(type) {
	case *clBuffer:
		mem := v.mem
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case uint32:
		x := C.cl_uint(v)
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case uint64:
		x := C.cl_ulong(v)
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	default:
		return &Error{Op: "clSetKernelArg", Code: CodeInvalidArgValue, Msg: fmt.Sprintf("%s[%d]: %T", k.name, index, value)}
	}
	if st != C.CL_SUCCESS {
		return &Error{Op: "clSetKernelArg", Code: int(st), Msg: fmt.Sprintf("%s[%d]", k.name, index)}
	}
	return nil
}

func (k *clKernel) Release() {
	if k.k != nil {
		C.clReleaseKernel(k.k)
		k.k = nil
	}
}
