// Package miner drives an OpenCL ethash device: it builds the kernels,
// generates the epoch dataset on the device and polls the search kernel
// until a nonce meets the boundary.
package miner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"xleth/internal/driver/device"
	"xleth/pkg/ethash"
)

// PoW supplies epoch parameters and host-side verification.
type PoW interface {
	EpochContext(epoch uint64) (*ethash.EpochContext, error)
	Verify(ec *ethash.EpochContext, header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool
}

// ProgressFunc observes dataset generation after each chunk.
type ProgressFunc func(done, total int, chunk Launch, took time.Duration)

// Options configures a Miner.
type Options struct {
	PlatformName string
	KernelPath   string
	// Binary loads KernelPath as a prebuilt device binary.
	Binary   bool
	Settings Settings
	Debug    bool
	Progress ProgressFunc
	Now      func() time.Time
}

func (o Options) binaryMode() bool {
	return o.Binary && !o.Settings.NoBinary
}

// Miner is the device controller. Its control methods (LoadKernel,
// GenerateDAG, Search, Close) must be called from one goroutine; Status,
// HashRate, Verify and Stop may be called from any.
type Miner struct {
	rt   device.Runtime
	pow  PoW
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time

	dev          device.Device
	ctx          device.Context
	prog         device.Program
	dagKernel    device.Kernel
	searchKernel device.Kernel
	loaded       bool

	epoch   *ethash.EpochContext
	light   device.Buffer
	dag     [2]device.Buffer
	header  device.Buffer
	results device.Buffer

	rate   *HashRate
	status statusTracker

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates an unloaded controller.
func New(rt device.Runtime, pow PoW, opts Options, log logrus.FieldLogger) (*Miner, error) {
	if rt == nil || pow == nil {
		return nil, NewError(ErrCodeInvalidArgument, "invalid argument", "runtime and pow are required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Miner{
		rt:   rt,
		pow:  pow,
		opts: opts,
		log:  log.WithField("component", "miner"),
		now:  now,
		rate: NewHashRate(now),
	}
	m.status.st = Status{
		Phase:          PhaseIdle,
		Backend:        rt.Name(),
		Platform:       opts.PlatformName,
		Binary:         opts.binaryMode(),
		Settings:       opts.Settings,
		GlobalWorkSize: opts.Settings.GlobalWorkSize(),
	}
	return m, nil
}

func (m *Miner) fail(err error) error {
	m.status.update(func(s *Status) {
		s.Phase = PhaseFailed
		s.LastError = err.Error()
	})
	return err
}

// LoadKernel selects the device, builds the program and creates the
// GenerateDAG and search kernels.
func (m *Miner) LoadKernel() error {
	if m.loaded {
		return nil
	}

	dev, plat, err := device.SelectDevice(m.rt, m.opts.PlatformName)
	if err != nil {
		return m.fail(wrap(ErrCodeDeviceNotFound, "select device", err))
	}
	info := dev.Info()
	m.log.WithFields(logrus.Fields{
		"platform": plat.Name(),
		"device":   info.Name,
		"type":     info.Type,
	}).Info("Selected device")

	ctx, err := dev.Open()
	if err != nil {
		return m.fail(wrap(ErrCodeDeviceNotFound, "open device", err))
	}

	src, err := m.programSource()
	if err != nil {
		ctx.Release()
		return m.fail(wrap(ErrCodeKernelBuildFailed, "read kernel", err))
	}

	prog, err := ctx.BuildProgram(src)
	if err != nil {
		ctx.Release()
		return m.fail(wrap(ErrCodeKernelBuildFailed, "build program", err))
	}

	dagKernel, err := prog.Kernel("GenerateDAG")
	if err != nil {
		prog.Release()
		ctx.Release()
		return m.fail(wrap(ErrCodeKernelBuildFailed, "create kernel GenerateDAG", err))
	}
	searchKernel, err := prog.Kernel("search")
	if err != nil {
		dagKernel.Release()
		prog.Release()
		ctx.Release()
		return m.fail(wrap(ErrCodeKernelBuildFailed, "create kernel search", err))
	}

	m.dev, m.ctx, m.prog = dev, ctx, prog
	m.dagKernel, m.searchKernel = dagKernel, searchKernel
	m.loaded = true

	m.status.update(func(s *Status) {
		s.Phase = PhaseLoaded
		s.Device = &info
		s.LastError = ""
	})
	m.log.WithFields(logrus.Fields{
		"kernel": m.opts.KernelPath,
		"binary": m.opts.binaryMode(),
	}).Info("Kernel loaded")
	return nil
}

func (m *Miner) programSource() (device.ProgramSource, error) {
	raw, err := os.ReadFile(m.opts.KernelPath)
	if err != nil {
		return device.ProgramSource{}, err
	}
	if len(raw) == 0 {
		return device.ProgramSource{}, fmt.Errorf("kernel file %s is empty", m.opts.KernelPath)
	}
	if m.opts.binaryMode() {
		return device.ProgramSource{Binary: raw}, nil
	}
	return device.ProgramSource{Source: InjectDefinitions(string(raw), m.opts.Settings.Definitions())}, nil
}

// Loaded reports whether LoadKernel succeeded.
func (m *Miner) Loaded() bool { return m.loaded }

// DeviceInfo returns the selected device's properties and logs them.
func (m *Miner) DeviceInfo() (device.Info, error) {
	if !m.loaded {
		return device.Info{}, ErrKernelNotLoaded
	}
	info := m.dev.Info()
	m.log.WithFields(logrus.Fields{
		"name":                info.Name,
		"vendor":              info.Vendor,
		"version":             info.Version,
		"global_mem_size":     info.GlobalMemSize,
		"max_mem_alloc_size":  info.MaxMemAllocSize,
		"max_work_group_size": info.MaxWorkGroupSize,
		"max_work_item_sizes": info.MaxWorkItemSizes,
		"max_compute_units":   info.MaxComputeUnits,
	}).Info("Device properties")
	return info, nil
}

func (m *Miner) releaseEpochBuffers() {
	for _, b := range []device.Buffer{m.light, m.dag[0], m.dag[1], m.header, m.results} {
		if b != nil {
			b.Release()
		}
	}
	m.light, m.dag, m.header, m.results = nil, [2]device.Buffer{}, nil, nil
}

func (m *Miner) preflight(sizes [2]uint64, lightSize uint64) error {
	info := m.dev.Info()
	if info.MaxMemAllocSize > 0 {
		for i, size := range sizes {
			if size > info.MaxMemAllocSize {
				return NewError(ErrCodeAllocationFailed, "device allocation failed",
					fmt.Sprintf("dag%d needs %d bytes, device allows %d per buffer", i, size, info.MaxMemAllocSize))
			}
		}
	}
	total := sizes[0] + sizes[1] + lightSize + ResultsSize + 32
	if info.GlobalMemSize > 0 && total > info.GlobalMemSize {
		return NewError(ErrCodeAllocationFailed, "device allocation failed",
			fmt.Sprintf("epoch needs %d bytes, device has %d", total, info.GlobalMemSize))
	}
	return nil
}

// GenerateDAG builds the dataset for epoch on the device, replacing any
// previous epoch's buffers.
func (m *Miner) GenerateDAG(ctx context.Context, epoch uint64) error {
	if !m.loaded {
		return ErrKernelNotLoaded
	}

	m.log.WithField("epoch", epoch).Info("DAG: generating")
	ec, err := m.pow.EpochContext(epoch)
	if err != nil {
		return m.fail(wrap(ErrCodeInvalidArgument, "epoch context", err))
	}

	m.releaseEpochBuffers()
	m.epoch = nil

	local := uint64(m.opts.Settings.LocalWorkSize)
	plan := ChunkPlan(ec.DagNumItems*2, local)
	m.status.update(func(s *Status) {
		s.Phase = PhaseBuilding
		s.HaveEpoch = false
		s.Epoch = epoch
		s.LightSize = ec.LightSize
		s.DagSize = ec.DagSize
		s.DagNumItems = ec.DagNumItems
		s.DAGChunksDone = 0
		s.DAGChunksTotal = len(plan)
		s.DAGDuration = 0
	})

	sizes := SplitDAG(ec.DagSize, ec.DagNumItems)
	if err := m.preflight(sizes, ec.LightSize); err != nil {
		return m.fail(err)
	}
	for i, size := range sizes {
		buf, err := m.ctx.CreateBuffer(device.MemReadOnly, size)
		if err != nil {
			return m.fail(wrap(ErrCodeAllocationFailed, fmt.Sprintf("allocate dag%d", i), err))
		}
		m.dag[i] = buf
	}
	light, err := m.ctx.CreateBuffer(device.MemReadOnly, ec.LightSize)
	if err != nil {
		return m.fail(wrap(ErrCodeAllocationFailed, "allocate light cache", err))
	}
	m.light = light

	if err := m.ctx.Write(light, true, 0, ec.LightCache); err != nil {
		return m.fail(wrap(ErrCodeTransferFailed, "upload light cache", err))
	}

	args := []any{nil, light, m.dag[0], m.dag[1], uint32(ec.LightSize / ethash.HashBytes)}
	for i := 1; i < len(args); i++ {
		if err := m.dagKernel.SetArg(i, args[i]); err != nil {
			return m.fail(wrap(ErrCodeLaunchFailed, "set GenerateDAG argument", err))
		}
	}

	m.log.WithFields(logrus.Fields{
		"epoch":      epoch,
		"light_size": ec.LightSize,
		"dag_size":   ec.DagSize,
		"launches":   len(plan),
	}).Info("DAG: dispatching")

	started := m.now()
	for i, l := range plan {
		if err := ctx.Err(); err != nil {
			return m.fail(wrap(ErrCodeAborted, "generate dag", err))
		}
		t0 := m.now()
		if err := m.dagKernel.SetArg(0, uint32(l.Start)); err != nil {
			return m.fail(wrap(ErrCodeLaunchFailed, "set GenerateDAG start", err))
		}
		if err := m.ctx.Launch(m.dagKernel, l.Size, local); err != nil {
			return m.fail(wrap(ErrCodeLaunchFailed, "launch GenerateDAG", err))
		}
		if err := m.ctx.Finish(); err != nil {
			return m.fail(wrap(ErrCodeLaunchFailed, "finish GenerateDAG", err))
		}
		took := m.now().Sub(t0)

		if m.opts.Debug {
			m.log.Debugf("DAG: item %10d chunk %d, took %6.2fs", l.Start, l.Size, took.Seconds())
		}
		m.status.update(func(s *Status) { s.DAGChunksDone = i + 1 })
		if m.opts.Progress != nil {
			m.opts.Progress(i+1, len(plan), l, took)
		}
	}

	m.epoch = ec
	elapsed := m.now().Sub(started)
	m.status.update(func(s *Status) {
		s.Phase = PhaseReady
		s.HaveEpoch = true
		s.DAGDuration = elapsed
		s.LastError = ""
	})
	m.log.WithFields(logrus.Fields{"epoch": epoch, "took": elapsed}).Info("DAG: generated")
	return nil
}

// Verify checks a solution against the epoch of the last generated
// dataset. It returns false when no dataset was generated.
func (m *Miner) Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	m.status.mu.RLock()
	have, epoch := m.status.st.HaveEpoch, m.status.st.Epoch
	m.status.mu.RUnlock()
	if !have {
		return false
	}

	ec, err := m.pow.EpochContext(epoch)
	if err != nil {
		m.log.WithError(err).Warn("Verify: epoch context unavailable")
		return false
	}
	return m.pow.Verify(ec, header, mixHash, nonce, boundary)
}

// Status returns a snapshot of the controller state.
func (m *Miner) Status() Status { return m.status.snapshot() }

// HashRate returns the last measured rate in MH/s.
func (m *Miner) HashRate() float64 {
	m.status.mu.RLock()
	defer m.status.mu.RUnlock()
	return m.status.st.HashRate
}

// Stop cancels a running search. It reports whether one was running.
func (m *Miner) Stop() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

func (m *Miner) setCancel(cancel context.CancelFunc) {
	m.cancelMu.Lock()
	m.cancel = cancel
	m.cancelMu.Unlock()
}

// Close releases every device resource.
func (m *Miner) Close() {
	m.releaseEpochBuffers()
	m.epoch = nil
	for _, k := range []device.Kernel{m.dagKernel, m.searchKernel} {
		if k != nil {
			k.Release()
		}
	}
	if m.prog != nil {
		m.prog.Release()
	}
	if m.ctx != nil {
		m.ctx.Release()
	}
	m.dagKernel, m.searchKernel, m.prog, m.ctx = nil, nil, nil, nil
	m.loaded = false
	m.status.update(func(s *Status) {
		s.Phase = PhaseIdle
		s.HaveEpoch = false
	})
}
