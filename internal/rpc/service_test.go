package rpc

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"xleth/internal/driver/device"
	"xleth/internal/miner"
	"xleth/pkg/ethash"
)

type fakeControl struct {
	status  miner.Status
	valid   bool
	stopped bool
	nonces  []uint64
}

func (f *fakeControl) Status() miner.Status { return f.status }

func (f *fakeControl) Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	f.nonces = append(f.nonces, nonce)
	return f.valid
}

func (f *fakeControl) Stop() bool { return f.stopped }

func startServer(t *testing.T, ctl *fakeControl) *Client {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(NewServer(ctl, log), log)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetStatus(t *testing.T) {
	ctl := &fakeControl{status: miner.Status{
		Phase:        miner.PhaseFound,
		Backend:      "sim",
		Device:       &device.Info{Name: "sim0"},
		HaveEpoch:    true,
		Epoch:        3,
		Target:       0xff,
		CurrentNonce: 1<<63 + 1,
		Outcome:      &miner.Outcome{SolutionFound: true, Nonce: 9, MixHash: [32]byte{1}},
	}}
	c := startServer(t, ctl)

	st, err := c.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "found", st["phase"])
	assert.Equal(t, true, st["loaded"])
	assert.Equal(t, "sim0", st["device"])
	assert.Equal(t, float64(3), st["epoch"])
	assert.Equal(t, "0x00000000000000ff", st["target"])
	assert.Equal(t, "9223372036854775809", st["current_nonce"])

	sol, ok := st["solution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "9", sol["nonce"])
	assert.Equal(t, ethash.FormatHash([32]byte{1}), sol["mix_hash"])
}

func TestVerifyRoundTrip(t *testing.T) {
	ctl := &fakeControl{valid: true}
	c := startServer(t, ctl)

	zero := ethash.FormatHash([32]byte{})
	valid, err := c.Verify(testContext(t), zero, zero, 1<<60, ethash.Dif500M)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, []uint64{1 << 60}, ctl.nonces)
}

func TestVerifyInvalidArgument(t *testing.T) {
	ctl := &fakeControl{}
	c := startServer(t, ctl)

	_, err := c.Verify(testContext(t), "0xzz", ethash.Dif500M, 1, ethash.Dif500M)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, ctl.nonces)
}

func TestStopRPC(t *testing.T) {
	c := startServer(t, &fakeControl{stopped: true})
	stopped, err := c.Stop(testContext(t))
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestStatusFieldsOmitsEmpty(t *testing.T) {
	fields := StatusFields(miner.Status{Phase: miner.PhaseIdle}, 0)
	assert.Equal(t, false, fields["loaded"])
	assert.NotContains(t, fields, "solution")
	assert.NotContains(t, fields, "last_error")
	assert.NotContains(t, fields, "device")
}
