package miner

import (
	"fmt"

	"xleth/internal/driver/device"
	"xleth/pkg/ethash"
)

// Recording fakes of the device runtime.

type fakeRuntime struct {
	platforms []device.Platform
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Platforms() ([]device.Platform, error) { return r.platforms, nil }

type fakePlatform struct {
	name    string
	devices map[device.Type][]device.Device
}

func (p *fakePlatform) Name() string { return p.name }

func (p *fakePlatform) Devices(t device.Type) ([]device.Device, error) {
	return p.devices[t], nil
}

type fakeDevice struct {
	info device.Info
	ctx  *fakeContext
}

func (d *fakeDevice) Info() device.Info { return d.info }

func (d *fakeDevice) Open() (device.Context, error) { return d.ctx, nil }

type writeCall struct {
	buf      *fakeBuffer
	blocking bool
	offset   uint64
	data     []byte
}

type readCall struct {
	buf    *fakeBuffer
	offset uint64
	size   int
}

type launchCall struct {
	kernel string
	global uint64
	local  uint64
	args   map[int]any
}

type fakeContext struct {
	buffers  []*fakeBuffer
	programs []device.ProgramSource
	writes   []writeCall
	reads    []readCall
	launches []launchCall
	finishes int
	released bool

	buildErr      error
	missingKernel string
	// onSearch plays the device: it sees each search launch's start nonce
	// and the live output record.
	onSearch func(pass int, startNonce uint64, rec []byte)
	passes   int
}

type fakeBuffer struct {
	id       int
	flags    device.MemFlag
	size     uint64
	data     []byte
	released bool
}

func (b *fakeBuffer) Size() uint64 { return b.size }
func (b *fakeBuffer) Release()     { b.released = true }

func (c *fakeContext) CreateBuffer(flags device.MemFlag, size uint64) (device.Buffer, error) {
	b := &fakeBuffer{id: len(c.buffers), flags: flags, size: size}
	if size <= 4096 {
		b.data = make([]byte, size)
	}
	c.buffers = append(c.buffers, b)
	return b, nil
}

func (c *fakeContext) BuildProgram(src device.ProgramSource) (device.Program, error) {
	c.programs = append(c.programs, src)
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	return &fakeProgram{ctx: c}, nil
}

func (c *fakeContext) Write(buf device.Buffer, blocking bool, offset uint64, data []byte) error {
	b := buf.(*fakeBuffer)
	c.writes = append(c.writes, writeCall{buf: b, blocking: blocking, offset: offset, data: append([]byte(nil), data...)})
	if b.data != nil {
		copy(b.data[offset:], data)
	}
	return nil
}

func (c *fakeContext) Read(buf device.Buffer, offset uint64, out []byte) error {
	b := buf.(*fakeBuffer)
	c.reads = append(c.reads, readCall{buf: b, offset: offset, size: len(out)})
	if b.data != nil {
		copy(out, b.data[offset:])
	}
	return nil
}

func (c *fakeContext) Launch(k device.Kernel, global, local uint64) error {
	fk := k.(*fakeKernel)
	args := make(map[int]any, len(fk.args))
	for i, v := range fk.args {
		args[i] = v
	}
	c.launches = append(c.launches, launchCall{kernel: fk.name, global: global, local: local, args: args})

	if fk.name == "search" && c.onSearch != nil {
		out := fk.args[0].(*fakeBuffer)
		c.onSearch(c.passes, fk.args[5].(uint64), out.data)
		c.passes++
	}
	return nil
}

func (c *fakeContext) Finish() error {
	c.finishes++
	return nil
}

func (c *fakeContext) Release() { c.released = true }

func (c *fakeContext) launchesOf(name string) []launchCall {
	var out []launchCall
	for _, l := range c.launches {
		if l.kernel == name {
			out = append(out, l)
		}
	}
	return out
}

type fakeProgram struct {
	ctx *fakeContext
}

func (p *fakeProgram) Kernel(name string) (device.Kernel, error) {
	if name == p.ctx.missingKernel {
		return nil, &device.Error{Op: "clCreateKernel", Code: device.CodeInvalidKernelName, Msg: name}
	}
	return &fakeKernel{name: name, args: make(map[int]any)}, nil
}

func (p *fakeProgram) Release() {}

type fakeKernel struct {
	name string
	args map[int]any
}

func (k *fakeKernel) Name() string { return k.name }

func (k *fakeKernel) SetArg(index int, value any) error {
	switch value.(type) {
	case *fakeBuffer, uint32, uint64:
		k.args[index] = value
		return nil
	}
	return fmt.Errorf("unexpected argument type %T", value)
}

func (k *fakeKernel) Release() {}

func newFakeRuntime(ctx *fakeContext, info device.Info) *fakeRuntime {
	return &fakeRuntime{platforms: []device.Platform{
		&fakePlatform{name: "Xilinx", devices: map[device.Type][]device.Device{
			device.TypeAccelerator: {&fakeDevice{info: info, ctx: ctx}},
		}},
		&fakePlatform{name: "AMD Accelerated Parallel Processing", devices: map[device.Type][]device.Device{
			device.TypeGPU: {&fakeDevice{info: info, ctx: ctx}},
		}},
	}}
}

type fakePow struct {
	ec      *ethash.EpochContext
	epochs  []uint64
	verdict bool
}

func (p *fakePow) EpochContext(epoch uint64) (*ethash.EpochContext, error) {
	p.epochs = append(p.epochs, epoch)
	return p.ec, nil
}

func (p *fakePow) Verify(ec *ethash.EpochContext, header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	return p.verdict
}
