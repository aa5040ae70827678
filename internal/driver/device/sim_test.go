package device

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/pkg/ethash"
)

const testKernels = `
__kernel void GenerateDAG(uint start, __global const uint16 *light, __global uint16 *dag0, __global uint16 *dag1, uint lightSize) {}
__kernel void search(__global volatile void *output, __constant uint2 const *header, __global ulong8 const *dag0, __global ulong8 const *dag1, uint dagSize, ulong startNonce, ulong target) {}
`

func newTestRuntime() *SimRuntime {
	return NewSimRuntime(SimConfig{
		GlobalMemSize:   1 << 20,
		MaxMemAllocSize: 1 << 18,
		Workers:         2,
	})
}

func openSim(t *testing.T, platform string) Context {
	t.Helper()
	dev, _, err := SelectDevice(newTestRuntime(), platform)
	require.NoError(t, err)
	ctx, err := dev.Open()
	require.NoError(t, err)
	t.Cleanup(ctx.Release)
	return ctx
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	var de *Error
	require.True(t, errors.As(err, &de), "expected *device.Error, got %v", err)
	return de.Code
}

func TestSelectDevice(t *testing.T) {
	rt := newTestRuntime()

	dev, plat, err := SelectDevice(rt, "Xilinx")
	require.NoError(t, err)
	assert.Equal(t, "Xilinx", plat.Name())
	assert.Equal(t, "ACCELERATOR", dev.Info().Type)

	dev, plat, err = SelectDevice(rt, "AMD")
	require.NoError(t, err)
	assert.Equal(t, "AMD Accelerated Parallel Processing", plat.Name())
	assert.Equal(t, "GPU", dev.Info().Type)

	_, _, err = SelectDevice(rt, "NVIDIA")
	assert.Equal(t, CodeInvalidPlatform, errCode(t, err))
}

func TestSelectDeviceClassIsExactName(t *testing.T) {
	rt := NewSimRuntime(SimConfig{Platforms: []SimPlatform{
		{Name: "Xilinx XRT", DeviceType: TypeAccelerator, DeviceName: "u250"},
	}})

	// "Xil" matches the platform but asks for a GPU, which it lacks.
	_, _, err := SelectDevice(rt, "Xil")
	assert.Equal(t, CodeDeviceNotFound, errCode(t, err))
	assert.Equal(t, TypeGPU, TypeFor("Xil"))
	assert.Equal(t, TypeAccelerator, TypeFor("Xilinx"))
}

func TestBuildProgram(t *testing.T) {
	ctx := openSim(t, "AMD")

	prog, err := ctx.BuildProgram(ProgramSource{Source: "#define WORKSIZE 64u\n" + testKernels})
	require.NoError(t, err)
	_, err = prog.Kernel("GenerateDAG")
	assert.NoError(t, err)
	_, err = prog.Kernel("missing")
	assert.Equal(t, CodeInvalidKernelName, errCode(t, err))

	_, err = ctx.BuildProgram(ProgramSource{Source: "#error unsupported platform\n" + testKernels})
	assert.Equal(t, CodeBuildProgramFailure, errCode(t, err))

	_, err = ctx.BuildProgram(ProgramSource{Binary: []byte{0x7f, 'E', 'L', 'F'}})
	assert.Equal(t, CodeInvalidBinary, errCode(t, err))
}

func TestBufferBounds(t *testing.T) {
	ctx := openSim(t, "AMD")

	_, err := ctx.CreateBuffer(MemReadOnly, 0)
	assert.Equal(t, CodeInvalidBufferSize, errCode(t, err))
	_, err = ctx.CreateBuffer(MemReadOnly, 1<<19)
	assert.Equal(t, CodeInvalidBufferSize, errCode(t, err))

	buf, err := ctx.CreateBuffer(MemReadWrite, 16)
	require.NoError(t, err)
	require.NoError(t, ctx.Write(buf, false, 8, []byte{1, 2, 3, 4}))

	out := make([]byte, 4)
	require.NoError(t, ctx.Read(buf, 8, out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	err = ctx.Write(buf, true, 14, []byte{1, 2, 3})
	assert.Equal(t, CodeInvalidValue, errCode(t, err))

	buf.Release()
	err = ctx.Read(buf, 0, out)
	assert.Equal(t, CodeInvalidMemObject, errCode(t, err))
}

func TestLaunchValidation(t *testing.T) {
	ctx := openSim(t, "AMD")
	prog, err := ctx.BuildProgram(ProgramSource{Source: "#define WORKSIZE 64u\n" + testKernels})
	require.NoError(t, err)
	k, err := prog.Kernel("GenerateDAG")
	require.NoError(t, err)

	assert.Equal(t, CodeInvalidArgIndex, errCode(t, k.SetArg(5, uint32(0))))
	assert.Equal(t, CodeInvalidArgValue, errCode(t, k.SetArg(0, 3)))

	assert.Equal(t, CodeInvalidKernelArgs, errCode(t, ctx.Launch(k, 64, 64)))
	assert.Equal(t, CodeInvalidWorkGroupSize, errCode(t, ctx.Launch(k, 100, 64)))
	assert.Equal(t, CodeInvalidWorkGroupSize, errCode(t, ctx.Launch(k, 128, 32)))
}

type epochFixture struct {
	ec   *ethash.EpochContext
	ctx  Context
	prog Program
	dag  [2]Buffer
}

func buildDAG(t *testing.T, defines string, local uint64) *epochFixture {
	t.Helper()
	ec, err := ethash.New(ethash.Config{Mode: ethash.ModeTest}).EpochContext(0)
	require.NoError(t, err)

	ctx := openSim(t, "AMD")
	prog, err := ctx.BuildProgram(ProgramSource{Source: defines + testKernels})
	require.NoError(t, err)
	k, err := prog.Kernel("GenerateDAG")
	require.NoError(t, err)

	light, err := ctx.CreateBuffer(MemReadOnly, ec.LightSize)
	require.NoError(t, err)
	require.NoError(t, ctx.Write(light, true, 0, ec.LightCache))

	f := &epochFixture{ec: ec, ctx: ctx, prog: prog}
	for i := range f.dag {
		f.dag[i], err = ctx.CreateBuffer(MemReadOnly, ec.DagSize/2)
		require.NoError(t, err)
	}

	require.NoError(t, k.SetArg(1, light))
	require.NoError(t, k.SetArg(2, f.dag[0]))
	require.NoError(t, k.SetArg(3, f.dag[1]))
	require.NoError(t, k.SetArg(4, uint32(ec.LightSize/64)))

	total := ec.DagNumItems * 2
	for start := uint64(0); start < total; start += 3 * local {
		require.NoError(t, k.SetArg(0, uint32(start)))
		// the final launch overshoots the dataset by up to two groups
		require.NoError(t, ctx.Launch(k, 3*local, local))
	}
	require.NoError(t, ctx.Finish())
	return f
}

func TestGenerateDAGMatchesLightEvaluation(t *testing.T) {
	f := buildDAG(t, "", 64)

	dataset := make([]byte, f.ec.DagSize)
	half := f.ec.DagSize / 2
	require.NoError(t, f.ctx.Read(f.dag[0], 0, dataset[:half]))
	require.NoError(t, f.ctx.Read(f.dag[1], 0, dataset[half:]))

	assert.Equal(t, ethash.GenerateDataset(f.ec.DagSize, f.ec.CacheWords()), dataset)
}

func launchSearch(t *testing.T, f *epochFixture, start, target uint64, global, local uint64) []byte {
	t.Helper()
	k, err := f.prog.Kernel("search")
	require.NoError(t, err)

	out, err := f.ctx.CreateBuffer(MemWriteOnly, simResultsSize)
	require.NoError(t, err)
	hdr, err := f.ctx.CreateBuffer(MemReadOnly, 32)
	require.NoError(t, err)
	header := ethash.SeedHash(5)
	require.NoError(t, f.ctx.Write(hdr, false, 0, header[:]))

	require.NoError(t, k.SetArg(0, out))
	require.NoError(t, k.SetArg(1, hdr))
	require.NoError(t, k.SetArg(2, f.dag[0]))
	require.NoError(t, k.SetArg(3, f.dag[1]))
	require.NoError(t, k.SetArg(4, uint32(f.ec.DagNumItems)))
	require.NoError(t, k.SetArg(5, start))
	require.NoError(t, k.SetArg(6, target))
	require.NoError(t, f.ctx.Launch(k, global, local))

	rec := make([]byte, simResultsSize)
	require.NoError(t, f.ctx.Read(out, 0, rec))
	return rec
}

func TestSearchRecordsSolutions(t *testing.T) {
	f := buildDAG(t, "#define MAX_OUTPUTS 4u\n", 16)
	rec := launchSearch(t, f, 1000, ^uint64(0), 64, 16)

	le := binary.LittleEndian
	assert.Equal(t, uint32(4), le.Uint32(rec[simCountOffset:]), "count is capped at the slot count")
	assert.Equal(t, uint32(0), le.Uint32(rec[simHashCountOffset:]), "hash count only moves with FAST_EXIT")

	header := ethash.SeedHash(5)
	for slot := 0; slot < 4; slot++ {
		gid := le.Uint32(rec[slot*simSlotSize:])
		assert.Equal(t, uint32(slot), gid)
		mix, _ := ethash.HashimotoLight(header, 1000+uint64(gid), f.ec.DagSize, f.ec.CacheWords())
		assert.Equal(t, mix[:], rec[slot*simSlotSize+4:slot*simSlotSize+36])
	}
}

func TestSearchFastExit(t *testing.T) {
	f := buildDAG(t, "#define FAST_EXIT 1u\n", 16)
	rec := launchSearch(t, f, 0, ^uint64(0), 64, 16)

	le := binary.LittleEndian
	assert.Equal(t, uint32(1), le.Uint32(rec[simHashCountOffset:]), "later groups exit before counting")
	assert.Equal(t, uint32(16), le.Uint32(rec[simAbortOffset:]))
	assert.Equal(t, uint32(4), le.Uint32(rec[simCountOffset:]))
}

func TestSearchNoSolution(t *testing.T) {
	f := buildDAG(t, "", 16)
	rec := launchSearch(t, f, 0, 0, 32, 16)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(rec[simCountOffset:]))
}
