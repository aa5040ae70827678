package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/internal/driver/device"
	"xleth/internal/miner"
	"xleth/pkg/ethash"
)

type fakeControl struct {
	mu       sync.Mutex
	status   miner.Status
	valid    bool
	stopped  bool
	verified []uint64
}

func (f *fakeControl) Status() miner.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeControl) Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, nonce)
	return f.valid
}

func (f *fakeControl) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func newTestServer(ctl *fakeControl) *Server {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewServer(ctl, log)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ctl := &fakeControl{status: miner.Status{Phase: miner.PhasePolling, Backend: "sim", Device: &device.Info{Name: "sim0"}}}
	s := newTestServer(ctl)

	w := do(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "polling", resp.Phase)
	assert.Equal(t, "sim", resp.Backend)
	assert.True(t, resp.Loaded)

	ctl.status.Phase = miner.PhaseFailed
	w = do(t, s, http.MethodGet, "/api/v1/health", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestMetrics(t *testing.T) {
	ctl := &fakeControl{status: miner.Status{
		Phase:          miner.PhasePolling,
		HaveEpoch:      true,
		Epoch:          7,
		Target:         0x00000015798ee230,
		StartNonce:     100,
		CurrentNonce:   100 + 3*128*65535,
		GlobalWorkSize: 128 * 65535,
		Passes:         3,
		HashRate:       12.5,
		DAGDuration:    1500 * time.Millisecond,
		Settings:       miner.Settings{LocalWorkSize: 128, GlobalWorkSizeMultiplier: 65535},
	}}
	w := do(t, newTestServer(ctl), http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(7), resp.Epoch)
	assert.Equal(t, "0x00000015798ee230", resp.Target)
	assert.Equal(t, uint64(3), resp.Passes)
	assert.Equal(t, uint32(128), resp.LocalWorkSize)
	assert.InDelta(t, 1.5, resp.DAGSeconds, 1e-9)
	assert.InDelta(t, 12.5, resp.HashRateMHs, 1e-9)
}

func TestDeviceRequiresKernel(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)

	w := do(t, s, http.MethodGet, "/api/v1/device", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctl.status = miner.Status{Platform: "Xilinx", Binary: true, Device: &device.Info{Name: "u250", Type: "ACCELERATOR"}}
	w = do(t, s, http.MethodGet, "/api/v1/device", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp DeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Binary)
	assert.Equal(t, "u250", resp.Device.Name)
}

func TestSolution(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)

	w := do(t, s, http.MethodGet, "/api/v1/solution", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	mix := [32]byte{0xab, 0xcd}
	ctl.status = miner.Status{
		Outcome: &miner.Outcome{SolutionFound: true, Nonce: 0x1234, MixHash: mix},
		FoundAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	w = do(t, s, http.MethodGet, "/api/v1/solution", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SolutionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(0x1234), resp.Nonce)
	assert.Equal(t, "0x0000000000001234", resp.NonceHex)
	assert.Equal(t, ethash.FormatHash(mix), resp.MixHash)
	assert.Equal(t, "2024-05-01T12:00:00Z", resp.FoundAt)
}

func TestVerify(t *testing.T) {
	ctl := &fakeControl{valid: true}
	s := newTestServer(ctl)

	zero := ethash.FormatHash([32]byte{})
	w := do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{
		Header: zero, MixHash: zero, Nonce: 42, Boundary: ethash.Dif200M,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, []uint64{42}, ctl.verified)
}

func TestVerifyRejectsBadInput(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)

	w := do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{
		Header: "0x1234", MixHash: ethash.Dif100M, Boundary: ethash.Dif100M,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "expected 32 bytes")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, ctl.verified)
}

func TestStop(t *testing.T) {
	ctl := &fakeControl{stopped: true}
	w := do(t, newTestServer(ctl), http.MethodPost, "/api/v1/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StopResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Stopped)
}
