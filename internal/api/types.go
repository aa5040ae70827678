package api

import "xleth/internal/driver/device"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Backend string `json:"backend"`
	Loaded  bool   `json:"loaded"`
	Uptime  string `json:"uptime"`
}

// MetricsResponse represents the search and dataset counters
type MetricsResponse struct {
	Phase          string  `json:"phase"`
	Platform       string  `json:"platform"`
	Epoch          uint64  `json:"epoch"`
	HaveEpoch      bool    `json:"have_epoch"`
	DagSize        uint64  `json:"dag_size"`
	DAGChunksDone  int     `json:"dag_chunks_done"`
	DAGChunksTotal int     `json:"dag_chunks_total"`
	DAGSeconds     float64 `json:"dag_seconds"`
	Target         string  `json:"target"`
	StartNonce     uint64  `json:"start_nonce"`
	CurrentNonce   uint64  `json:"current_nonce"`
	GlobalWorkSize uint64  `json:"global_work_size"`
	LocalWorkSize  uint32  `json:"local_work_size"`
	Passes         uint64  `json:"passes"`
	HashRateMHs    float64 `json:"hash_rate_mhs"`
	LastError      string  `json:"last_error,omitempty"`
}

// DeviceResponse describes the selected device
type DeviceResponse struct {
	Platform string      `json:"platform"`
	Binary   bool        `json:"binary"`
	Device   device.Info `json:"device"`
}

// SolutionResponse is the last solution found
type SolutionResponse struct {
	Nonce    uint64 `json:"nonce"`
	NonceHex string `json:"nonce_hex"`
	MixHash  string `json:"mix_hash"`
	FoundAt  string `json:"found_at"`
}

// VerifyRequest asks for host-side verification of a solution
type VerifyRequest struct {
	Header   string `json:"header" binding:"required"`
	MixHash  string `json:"mix_hash" binding:"required"`
	Nonce    uint64 `json:"nonce"`
	Boundary string `json:"boundary" binding:"required"`
}

// VerifyResponse is the verification verdict
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// StopResponse reports whether a running search was cancelled
type StopResponse struct {
	Stopped bool `json:"stopped"`
}
