package miner

import (
	"sync"
	"time"

	"xleth/internal/driver/device"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLoaded   Phase = "loaded"
	PhaseBuilding Phase = "building_dag"
	PhaseReady    Phase = "ready"
	PhaseArmed    Phase = "armed"
	PhasePolling  Phase = "polling"
	PhaseFound    Phase = "found"
	PhaseAborted  Phase = "aborted"
	PhaseFailed   Phase = "failed"
)

// Outcome is the result of a search.
type Outcome struct {
	SolutionFound bool     `json:"solution_found"`
	Nonce         uint64   `json:"nonce"`
	MixHash       [32]byte `json:"mix_hash"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Phase    Phase        `json:"phase"`
	Backend  string       `json:"backend"`
	Platform string       `json:"platform"`
	Binary   bool         `json:"binary"`
	Device   *device.Info `json:"device,omitempty"`
	Settings Settings     `json:"settings"`

	HaveEpoch      bool          `json:"have_epoch"`
	Epoch          uint64        `json:"epoch"`
	LightSize      uint64        `json:"light_size"`
	DagSize        uint64        `json:"dag_size"`
	DagNumItems    uint64        `json:"dag_num_items"`
	DAGChunksDone  int           `json:"dag_chunks_done"`
	DAGChunksTotal int           `json:"dag_chunks_total"`
	DAGDuration    time.Duration `json:"dag_duration"`

	Target         uint64    `json:"target"`
	StartNonce     uint64    `json:"start_nonce"`
	CurrentNonce   uint64    `json:"current_nonce"`
	GlobalWorkSize uint64    `json:"global_work_size"`
	Passes         uint64    `json:"passes"`
	HashRate       float64   `json:"hash_rate"`
	Outcome        *Outcome  `json:"outcome,omitempty"`
	FoundAt        time.Time `json:"found_at"`
	LastError      string    `json:"last_error,omitempty"`
}

type statusTracker struct {
	mu sync.RWMutex
	st Status
}

func (t *statusTracker) update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.st)
}

func (t *statusTracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.st
	if st.Device != nil {
		info := *st.Device
		st.Device = &info
	}
	if st.Outcome != nil {
		o := *st.Outcome
		st.Outcome = &o
	}
	return st
}
