// internal/driver/device/sim.go
// Host-memory simulator of an OpenCL runtime. It executes the two miner
// kernels in Go so the controller can run without a GPU or FPGA.

package device

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

const CodeInvalidMemObject = -38

// SimPlatform describes one simulated platform with a single device.
type SimPlatform struct {
	Name       string
	DeviceType Type
	DeviceName string
}

// SimConfig sizes the simulated devices. Zero values are filled from the
// host.
type SimConfig struct {
	Platforms        []SimPlatform
	GlobalMemSize    uint64
	MaxMemAllocSize  uint64
	MaxWorkGroupSize uint64
	ComputeUnits     uint32
	// Workers bounds the goroutines used by the dataset kernel.
	Workers int
}

// DefaultSimPlatforms mirrors the two platforms the miner is usually run on.
func DefaultSimPlatforms() []SimPlatform {
	return []SimPlatform{
		{Name: "Xilinx", DeviceType: TypeAccelerator, DeviceName: "xilinx_u250_xdma_sim"},
		{Name: "AMD Accelerated Parallel Processing", DeviceType: TypeGPU, DeviceName: "gfx906_sim"},
	}
}

// SimRuntime implements Runtime in host memory.
type SimRuntime struct {
	cfg       SimConfig
	platforms []Platform
}

// NewSimRuntime creates a simulator, sizing memory from the host when the
// config leaves it unset.
func NewSimRuntime(cfg SimConfig) *SimRuntime {
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = DefaultSimPlatforms()
	}
	if cfg.GlobalMemSize == 0 {
		cfg.GlobalMemSize = 4 << 30
		if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
			cfg.GlobalMemSize = vm.Total
		}
	}
	if cfg.MaxMemAllocSize == 0 {
		cfg.MaxMemAllocSize = cfg.GlobalMemSize / 2
	}
	if cfg.MaxWorkGroupSize == 0 {
		cfg.MaxWorkGroupSize = 256
	}
	if cfg.ComputeUnits == 0 {
		cfg.ComputeUnits = uint32(runtime.NumCPU())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	rt := &SimRuntime{cfg: cfg}
	for _, p := range cfg.Platforms {
		plat := &simPlatform{name: p.Name, deviceType: p.DeviceType}
		plat.device = &simDevice{cfg: &rt.cfg, info: Info{
			Name:             p.DeviceName,
			Vendor:           "xleth",
			Version:          "OpenCL 1.2 sim",
			Platform:         p.Name,
			Type:             p.DeviceType.String(),
			GlobalMemSize:    cfg.GlobalMemSize,
			MaxMemAllocSize:  cfg.MaxMemAllocSize,
			MaxWorkGroupSize: cfg.MaxWorkGroupSize,
			MaxWorkItemSizes: []uint64{cfg.MaxWorkGroupSize, 1, 1},
			MaxComputeUnits:  cfg.ComputeUnits,
		}}
		rt.platforms = append(rt.platforms, plat)
	}
	return rt
}

func (r *SimRuntime) Name() string { return "sim" }

func (r *SimRuntime) Platforms() ([]Platform, error) {
	return r.platforms, nil
}

type simPlatform struct {
	name       string
	deviceType Type
	device     *simDevice
}

func (p *simPlatform) Name() string { return p.name }

func (p *simPlatform) Devices(t Type) ([]Device, error) {
	if t != p.deviceType {
		return nil, nil
	}
	return []Device{p.device}, nil
}

type simDevice struct {
	cfg  *SimConfig
	info Info
}

func (d *simDevice) Info() Info { return d.info }

func (d *simDevice) Open() (Context, error) {
	return &simContext{dev: d, buffers: make(map[*simBuffer]struct{})}, nil
}

type simBuffer struct {
	data     []byte
	flags    MemFlag
	gen      uint64
	released bool
	ctx      *simContext
}

func (b *simBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *simBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.ctx.allocated -= uint64(len(b.data))
	delete(b.ctx.buffers, b)
	b.data = nil
}

type lightMemo struct {
	buf   *simBuffer
	gen   uint64
	items uint32
	words []uint32
}

type simContext struct {
	dev       *simDevice
	buffers   map[*simBuffer]struct{}
	allocated uint64
	light     lightMemo
}

func (c *simContext) CreateBuffer(flags MemFlag, size uint64) (Buffer, error) {
	if size == 0 {
		return nil, &Error{Op: "clCreateBuffer", Code: CodeInvalidBufferSize}
	}
	if size > c.dev.info.MaxMemAllocSize {
		return nil, &Error{Op: "clCreateBuffer", Code: CodeInvalidBufferSize,
			Msg: fmt.Sprintf("%d bytes exceeds max allocation %d", size, c.dev.info.MaxMemAllocSize)}
	}
	if c.allocated+size > c.dev.info.GlobalMemSize {
		return nil, &Error{Op: "clCreateBuffer", Code: CodeMemAllocationFailure,
			Msg: fmt.Sprintf("%d bytes requested with %d of %d in use", size, c.allocated, c.dev.info.GlobalMemSize)}
	}
	b := &simBuffer{data: make([]byte, size), flags: flags, ctx: c}
	c.buffers[b] = struct{}{}
	c.allocated += size
	return b, nil
}

func (c *simContext) buffer(op string, buf Buffer) (*simBuffer, error) {
	b, ok := buf.(*simBuffer)
	if !ok || b.released || b.ctx != c {
		return nil, &Error{Op: op, Code: CodeInvalidMemObject}
	}
	return b, nil
}

func (c *simContext) Write(buf Buffer, blocking bool, offset uint64, data []byte) error {
	b, err := c.buffer("clEnqueueWriteBuffer", buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.Size() {
		return &Error{Op: "clEnqueueWriteBuffer", Code: CodeInvalidValue,
			Msg: fmt.Sprintf("write of %d bytes at %d overruns %d byte buffer", len(data), offset, b.Size())}
	}
	copy(b.data[offset:], data)
	b.gen++
	return nil
}

func (c *simContext) Read(buf Buffer, offset uint64, out []byte) error {
	b, err := c.buffer("clEnqueueReadBuffer", buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(out)) > b.Size() {
		return &Error{Op: "clEnqueueReadBuffer", Code: CodeInvalidValue,
			Msg: fmt.Sprintf("read of %d bytes at %d overruns %d byte buffer", len(out), offset, b.Size())}
	}
	copy(out, b.data[offset:])
	return nil
}

var (
	kernelDecl = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(`)
	defineLine = regexp.MustCompile(`(?m)^[ \t]*#define[ \t]+(\w+)(?:[ \t]+(\S+))?`)
	errorLine  = regexp.MustCompile(`(?m)^[ \t]*#error[ \t]*(.*)$`)
)

func (c *simContext) BuildProgram(src ProgramSource) (Program, error) {
	text := src.Source
	op := "clBuildProgram"
	if src.Binary != nil {
		text = string(src.Binary)
		op = "clCreateProgramWithBinary"
	}

	if m := errorLine.FindStringSubmatch(text); m != nil {
		return nil, &Error{Op: op, Code: CodeBuildProgramFailure, Msg: strings.TrimSpace(m[1])}
	}

	p := &simProgram{ctx: c, defines: make(map[string]string), kernels: make(map[string]bool)}
	for _, m := range defineLine.FindAllStringSubmatch(text, -1) {
		p.defines[m[1]] = m[2]
	}
	for _, m := range kernelDecl.FindAllStringSubmatch(text, -1) {
		p.kernels[m[1]] = true
	}
	if len(p.kernels) == 0 {
		code := CodeBuildProgramFailure
		if src.Binary != nil {
			code = CodeInvalidBinary
		}
		return nil, &Error{Op: op, Code: code, Msg: "no __kernel entry points"}
	}
	return p, nil
}

func (c *simContext) Launch(k Kernel, globalSize, localSize uint64) error {
	const op = "clEnqueueNDRangeKernel"
	sk, ok := k.(*simKernel)
	if !ok || sk.released || sk.prog.ctx != c {
		return &Error{Op: op, Code: CodeInvalidKernelArgs, Msg: "foreign kernel"}
	}
	if globalSize == 0 {
		return &Error{Op: op, Code: CodeInvalidGlobalWorkSize}
	}
	if localSize == 0 || localSize > c.dev.info.MaxWorkGroupSize || globalSize%localSize != 0 {
		return &Error{Op: op, Code: CodeInvalidWorkGroupSize,
			Msg: fmt.Sprintf("global %d local %d", globalSize, localSize)}
	}
	if ws, ok := sk.prog.define("WORKSIZE"); ok && ws != localSize {
		return &Error{Op: op, Code: CodeInvalidWorkGroupSize,
			Msg: fmt.Sprintf("local %d does not match WORKSIZE %d", localSize, ws)}
	}
	for i := 0; i < sk.arity(); i++ {
		if _, set := sk.args[i]; !set {
			return &Error{Op: op, Code: CodeInvalidKernelArgs, Msg: fmt.Sprintf("argument %d of %s not set", i, sk.name)}
		}
	}

	switch sk.name {
	case "GenerateDAG":
		return c.runGenerateDAG(sk, globalSize)
	case "search":
		return c.runSearch(sk, globalSize, localSize)
	default:
		return &Error{Op: op, Code: CodeInvalidKernelName, Msg: sk.name}
	}
}

func (c *simContext) Finish() error { return nil }

func (c *simContext) Release() {
	for b := range c.buffers {
		b.Release()
	}
}

type simProgram struct {
	ctx     *simContext
	defines map[string]string
	kernels map[string]bool
}

func (p *simProgram) define(name string) (uint64, bool) {
	v, ok := p.defines[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimRight(v, "uU"), 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *simProgram) Kernel(name string) (Kernel, error) {
	if !p.kernels[name] {
		return nil, &Error{Op: "clCreateKernel", Code: CodeInvalidKernelName, Msg: name}
	}
	return &simKernel{name: name, prog: p, args: make(map[int]any)}, nil
}

func (p *simProgram) Release() {}

type simKernel struct {
	name     string
	prog     *simProgram
	args     map[int]any
	released bool
}

func (k *simKernel) Name() string { return k.name }

func (k *simKernel) arity() int {
	switch k.name {
	case "GenerateDAG":
		return 5
	case "search":
		return 7
	default:
		return 0
	}
}

func (k *simKernel) SetArg(index int, value any) error {
	if index < 0 || (k.arity() > 0 && index >= k.arity()) {
		return &Error{Op: "clSetKernelArg", Code: CodeInvalidArgIndex, Msg: fmt.Sprintf("%s[%d]", k.name, index)}
	}
	switch v := value.(type) {
	case uint32, uint64:
		k.args[index] = v
	case Buffer:
		b, err := k.prog.ctx.buffer("clSetKernelArg", v)
		if err != nil {
			return err
		}
		k.args[index] = b
	default:
		return &Error{Op: "clSetKernelArg", Code: CodeInvalidArgValue, Msg: fmt.Sprintf("%s[%d]: %T", k.name, index, value)}
	}
	return nil
}

func (k *simKernel) Release() { k.released = true }

func (k *simKernel) argError(index int, want string) error {
	return &Error{Op: "clEnqueueNDRangeKernel", Code: CodeInvalidArgValue,
		Msg: fmt.Sprintf("%s[%d] is %T, want %s", k.name, index, k.args[index], want)}
}

func (k *simKernel) u32(index int) (uint32, error) {
	v, ok := k.args[index].(uint32)
	if !ok {
		return 0, k.argError(index, "uint32")
	}
	return v, nil
}

func (k *simKernel) u64(index int) (uint64, error) {
	v, ok := k.args[index].(uint64)
	if !ok {
		return 0, k.argError(index, "uint64")
	}
	return v, nil
}

func (k *simKernel) buf(index int) (*simBuffer, error) {
	b, ok := k.args[index].(*simBuffer)
	if !ok || b.released {
		return nil, k.argError(index, "buffer")
	}
	return b, nil
}
