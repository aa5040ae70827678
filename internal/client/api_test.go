package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/internal/api"
	"xleth/internal/driver/device"
	"xleth/internal/miner"
	"xleth/pkg/ethash"
)

type stubControl struct {
	status  miner.Status
	stopped bool
}

func (s *stubControl) Status() miner.Status { return s.status }

func (s *stubControl) Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	return nonce == 7
}

func (s *stubControl) Stop() bool { return s.stopped }

func newClient(t *testing.T, ctl *stubControl) *APIClient {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	ts := httptest.NewServer(api.NewServer(ctl, log).Handler())
	t.Cleanup(ts.Close)
	return NewAPIClient(ts.URL)
}

func TestNewAPIClientAddr(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", NewAPIClient(":8080").BaseURL)
	assert.Equal(t, "http://10.0.0.2:9000", NewAPIClient("10.0.0.2:9000").BaseURL)
	assert.Equal(t, "https://miner.local", NewAPIClient("https://miner.local/").BaseURL)
}

func TestClientEndpoints(t *testing.T) {
	ctl := &stubControl{
		status: miner.Status{
			Phase:    miner.PhasePolling,
			Backend:  "sim",
			Platform: "AMD Accelerated Parallel Processing",
			Device:   &device.Info{Name: "sim0"},
			Passes:   5,
		},
		stopped: true,
	}
	c := newClient(t, ctl)

	health, err := c.GetHealth()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Loaded)

	metrics, err := c.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), metrics.Passes)

	dev, err := c.GetDevice()
	require.NoError(t, err)
	assert.Equal(t, "sim0", dev.Device.Name)

	sol, err := c.GetSolution()
	require.NoError(t, err)
	assert.Nil(t, sol)

	zero := ethash.FormatHash([32]byte{})
	valid, err := c.Verify(api.VerifyRequest{Header: zero, MixHash: zero, Nonce: 7, Boundary: zero})
	require.NoError(t, err)
	assert.True(t, valid)

	stopped, err := c.Stop()
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestClientErrors(t *testing.T) {
	c := newClient(t, &stubControl{})

	_, err := c.GetDevice()
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "kernel not loaded", se.Message)

	_, err = c.Verify(api.VerifyRequest{Header: "0x00", MixHash: "0x00", Boundary: "0x00"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestClientRejectsNonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>proxy</html>"))
	}))
	defer ts.Close()

	_, err := NewAPIClient(ts.URL).GetHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")
}

func TestClientDecodeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]int{1})
	}))
	defer ts.Close()

	_, err := NewAPIClient(ts.URL).GetMetrics()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode JSON response")
}
