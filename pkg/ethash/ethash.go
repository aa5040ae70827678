// Package ethash provides the ethash proof-of-work primitives needed by the
// device miner: epoch sizing, light cache generation, dataset items and
// hashimoto verification.
package ethash

import (
	"bytes"
	"fmt"
	"sync"
)

// Mode selects real-sized or tiny test-sized epochs.
type Mode int

const (
	ModeNormal Mode = iota
	ModeTest
)

func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "normal"
}

const (
	testCacheSize   = 1024
	testDatasetSize = 32 * 1024
)

// CacheStore persists light caches between runs.
type CacheStore interface {
	LoadCache(mode string, epoch uint64) ([]byte, bool, error)
	StoreCache(mode string, epoch uint64, data []byte) error
}

// Config tunes an Ethash instance.
type Config struct {
	Mode Mode
	// CachesInMem bounds how many epoch contexts are kept live.
	CachesInMem int
	Store       CacheStore
}

// EpochContext is the read-only per-epoch parameter set.
type EpochContext struct {
	EpochNumber   uint64
	LightNumItems uint64
	LightSize     uint64
	LightCache    []byte
	DagNumItems   uint64
	DagSize       uint64

	once  sync.Once
	words []uint32
}

// CacheWords returns the light cache as 32-bit words, computed once.
func (ec *EpochContext) CacheWords() []uint32 {
	ec.once.Do(func() { ec.words = CacheWords(ec.LightCache) })
	return ec.words
}

// Ethash hands out epoch contexts and verifies solutions.
type Ethash struct {
	cfg Config

	mu       sync.Mutex
	contexts map[uint64]*EpochContext
	order    []uint64
}

// New creates an Ethash with the given configuration.
func New(cfg Config) *Ethash {
	if cfg.CachesInMem <= 0 {
		cfg.CachesInMem = 2
	}
	return &Ethash{cfg: cfg, contexts: make(map[uint64]*EpochContext)}
}

// Mode reports the configured sizing mode.
func (e *Ethash) Mode() Mode { return e.cfg.Mode }

// EpochContext returns the parameters and light cache for an epoch,
// generating or loading the cache as needed.
func (e *Ethash) EpochContext(epoch uint64) (*EpochContext, error) {
	if epoch > MaxEpoch {
		return nil, fmt.Errorf("ethash: epoch %d exceeds maximum %d", epoch, MaxEpoch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ec, ok := e.contexts[epoch]; ok {
		return ec, nil
	}

	cacheSize, dagSize := e.sizes(epoch)
	cache, err := e.loadOrGenerate(epoch, cacheSize)
	if err != nil {
		return nil, err
	}

	ec := &EpochContext{
		EpochNumber:   epoch,
		LightNumItems: cacheSize / HashBytes,
		LightSize:     cacheSize,
		LightCache:    cache,
		DagNumItems:   dagSize / MixBytes,
		DagSize:       dagSize,
	}

	e.contexts[epoch] = ec
	e.order = append(e.order, epoch)
	for len(e.order) > e.cfg.CachesInMem {
		delete(e.contexts, e.order[0])
		e.order = e.order[1:]
	}
	return ec, nil
}

func (e *Ethash) sizes(epoch uint64) (cache, dataset uint64) {
	if e.cfg.Mode == ModeTest {
		return testCacheSize, testDatasetSize
	}
	return CacheSize(epoch), DatasetSize(epoch)
}

func (e *Ethash) loadOrGenerate(epoch, size uint64) ([]byte, error) {
	mode := e.cfg.Mode.String()
	if e.cfg.Store != nil {
		data, ok, err := e.cfg.Store.LoadCache(mode, epoch)
		if err != nil {
			return nil, fmt.Errorf("ethash: load cache for epoch %d: %w", epoch, err)
		}
		if ok && uint64(len(data)) == size {
			return data, nil
		}
	}

	cache := GenerateCache(size, SeedHash(epoch))

	if e.cfg.Store != nil {
		if err := e.cfg.Store.StoreCache(mode, epoch, cache); err != nil {
			return nil, fmt.Errorf("ethash: store cache for epoch %d: %w", epoch, err)
		}
	}
	return cache, nil
}

// Verify recomputes the hashimoto result for header and nonce over the
// epoch's dataset and checks it against boundary and the claimed mix.
func (e *Ethash) Verify(ec *EpochContext, header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool {
	if ec == nil || len(ec.LightCache) == 0 {
		return false
	}
	mix, result := HashimotoLight(header, nonce, ec.DagSize, ec.CacheWords())
	if bytes.Compare(result[:], boundary[:]) > 0 {
		return false
	}
	return mix == mixHash
}
