package discovery

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/internal/miner"
	"xleth/internal/rpc"
)

type staticControl struct{ st miner.Status }

func (s staticControl) Status() miner.Status { return s.st }
func (s staticControl) Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	return false
}
func (s staticControl) Stop() bool { return false }

func TestDiscoverLocalController(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctl := staticControl{st: miner.Status{Phase: miner.PhasePolling, Platform: "Xilinx", HashRate: 42}}
	s := rpc.NewGRPCServer(rpc.NewServer(ctl, log), log)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	cfg := NewDiscoveryConfig()
	cfg.Subnet = "127.0.0.1/32"
	cfg.Port = lis.Addr().(*net.TCPAddr).Port
	cfg.Timeout = 2 * time.Second

	found, err := DiscoverControllers(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "127.0.0.1", found[0].IPAddress)
	assert.Equal(t, "polling", found[0].Phase)
	assert.Equal(t, "Xilinx", found[0].Platform)
	assert.InDelta(t, 42, found[0].HashRate, 1e-9)
}

func TestDiscoverRejectsBadSubnet(t *testing.T) {
	cfg := NewDiscoveryConfig()
	cfg.Subnet = "not-a-cidr"
	_, err := DiscoverControllers(context.Background(), cfg)
	assert.Error(t, err)
}

func TestFindBest(t *testing.T) {
	assert.Nil(t, FindBest([]DiscoveryResult{{Address: "a"}}))

	best := FindBest([]DiscoveryResult{
		{Address: "a", Responding: true, HashRate: 10, LatencyMs: 5},
		{Address: "b", Responding: true, HashRate: 20, LatencyMs: 9},
		{Address: "c", Responding: true, HashRate: 20, LatencyMs: 3},
		{Address: "d", Responding: false, HashRate: 99},
	})
	require.NotNil(t, best)
	assert.Equal(t, "c", best.Address)
}

func TestIncrementIP(t *testing.T) {
	ip := net.ParseIP("10.0.0.255").To4()
	incrementIP(ip)
	assert.Equal(t, "10.0.1.0", ip.String())
}
