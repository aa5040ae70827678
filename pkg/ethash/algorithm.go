package ethash

import (
	"encoding/binary"
	"hash"
	"math/big"

	"golang.org/x/crypto/sha3"
)

const (
	DatasetBytesInit   = 1 << 30
	DatasetBytesGrowth = 1 << 23
	CacheBytesInit     = 1 << 24
	CacheBytesGrowth   = 1 << 17
	EpochLength        = 30000
	MixBytes           = 128
	HashBytes          = 64
	DatasetParents     = 256
	CacheRounds        = 3
	Accesses           = 64

	// MaxEpoch is the last epoch whose sizes fit the 32-bit item indexing
	// used by device kernels.
	MaxEpoch = 32639

	hashWords = HashBytes / 4
	mixWords  = MixBytes / 4
)

// keccak wraps a reusable legacy Keccak state so per-item hashing does not
// allocate a fresh sponge.
type keccak struct {
	h hash.Hash
}

func newKeccak512() *keccak { return &keccak{h: sha3.NewLegacyKeccak512()} }
func newKeccak256() *keccak { return &keccak{h: sha3.NewLegacyKeccak256()} }

// sum writes the digest of data into dst, which must have room for it.
func (k *keccak) sum(dst, data []byte) {
	k.h.Reset()
	k.h.Write(data)
	k.h.Sum(dst[:0])
}

// CacheSize returns the light cache size in bytes for an epoch.
func CacheSize(epoch uint64) uint64 {
	size := CacheBytesInit + CacheBytesGrowth*epoch - HashBytes
	for !new(big.Int).SetUint64(size / HashBytes).ProbablyPrime(1) {
		size -= 2 * HashBytes
	}
	return size
}

// DatasetSize returns the full dataset (DAG) size in bytes for an epoch.
func DatasetSize(epoch uint64) uint64 {
	size := DatasetBytesInit + DatasetBytesGrowth*epoch - MixBytes
	for !new(big.Int).SetUint64(size / MixBytes).ProbablyPrime(1) {
		size -= 2 * MixBytes
	}
	return size
}

// SeedHash returns the seed used to generate the light cache of an epoch.
func SeedHash(epoch uint64) [32]byte {
	var seed [32]byte
	k := newKeccak256()
	for i := uint64(0); i < epoch; i++ {
		k.sum(seed[:], seed[:])
	}
	return seed
}

// GenerateCache builds the light cache of the given size from a seed.
func GenerateCache(size uint64, seed [32]byte) []byte {
	rows := int(size / HashBytes)
	cache := make([]byte, rows*HashBytes)
	k := newKeccak512()

	k.sum(cache, seed[:])
	for i := 1; i < rows; i++ {
		k.sum(cache[i*HashBytes:], cache[(i-1)*HashBytes:i*HashBytes])
	}

	temp := make([]byte, HashBytes)
	for r := 0; r < CacheRounds; r++ {
		for i := 0; i < rows; i++ {
			src := ((i - 1 + rows) % rows) * HashBytes
			dst := i * HashBytes
			xor := int(binary.LittleEndian.Uint32(cache[dst:])%uint32(rows)) * HashBytes
			for j := 0; j < HashBytes; j++ {
				temp[j] = cache[src+j] ^ cache[xor+j]
			}
			k.sum(cache[dst:], temp)
		}
	}
	return cache
}

// CacheWords reinterprets a little-endian light cache as 32-bit words.
func CacheWords(cache []byte) []uint32 {
	words := make([]uint32, len(cache)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(cache[i*4:])
	}
	return words
}

func fnv(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

func fnvHash(mix []uint32, data []uint32) {
	for i := 0; i < len(mix); i++ {
		mix[i] = mix[i]*0x01000193 ^ data[i]
	}
}

// ItemHasher computes 64-byte dataset items from a light cache. It is not
// safe for concurrent use; give each goroutine its own.
type ItemHasher struct {
	cache []uint32
	rows  uint32
	k     *keccak
	mix   [HashBytes]byte
	words [hashWords]uint32
}

// NewItemHasher binds a hasher to a light cache in word form.
func NewItemHasher(cache []uint32) *ItemHasher {
	return &ItemHasher{
		cache: cache,
		rows:  uint32(len(cache) / hashWords),
		k:     newKeccak512(),
	}
}

// Item writes dataset item index into dst (64 bytes, little-endian words).
func (h *ItemHasher) Item(dst []byte, index uint32) {
	base := (index % h.rows) * hashWords
	binary.LittleEndian.PutUint32(h.mix[:], h.cache[base]^index)
	for i := 1; i < hashWords; i++ {
		binary.LittleEndian.PutUint32(h.mix[i*4:], h.cache[base+uint32(i)])
	}
	h.k.sum(h.mix[:], h.mix[:])

	for i := range h.words {
		h.words[i] = binary.LittleEndian.Uint32(h.mix[i*4:])
	}
	for i := uint32(0); i < DatasetParents; i++ {
		parent := fnv(index^i, h.words[i%hashWords]) % h.rows
		fnvHash(h.words[:], h.cache[parent*hashWords:])
	}
	for i, w := range h.words {
		binary.LittleEndian.PutUint32(h.mix[i*4:], w)
	}
	h.k.sum(dst, h.mix[:])
}

// DatasetItem is a convenience wrapper around ItemHasher for one-off lookups.
func DatasetItem(cache []uint32, index uint32) [HashBytes]byte {
	var out [HashBytes]byte
	NewItemHasher(cache).Item(out[:], index)
	return out
}

// GenerateDataset expands a light cache into a full dataset of the given size.
func GenerateDataset(size uint64, cache []uint32) []byte {
	dataset := make([]byte, size)
	h := NewItemHasher(cache)
	for i := uint64(0); i < size/HashBytes; i++ {
		h.Item(dataset[i*HashBytes:], uint32(i))
	}
	return dataset
}

// Lookup returns the 16 words of a 64-byte dataset item.
type Lookup func(index uint32) []uint32

// Hashimoto runs the ethash mixing loop for header and nonce over a dataset
// of fullSize bytes and returns the 32-byte mix digest and the final hash.
func Hashimoto(header [32]byte, nonce uint64, fullSize uint64, lookup Lookup) (mixDigest, result [32]byte) {
	rows := uint32(fullSize / MixBytes)

	seed := make([]byte, HashBytes, HashBytes+32)
	var in [40]byte
	copy(in[:], header[:])
	binary.LittleEndian.PutUint64(in[32:], nonce)
	newKeccak512().sum(seed, in[:])
	seedHead := binary.LittleEndian.Uint32(seed)

	var mix [mixWords]uint32
	for i := range mix {
		mix[i] = binary.LittleEndian.Uint32(seed[i%hashWords*4:])
	}

	var temp [mixWords]uint32
	for i := 0; i < Accesses; i++ {
		parent := fnv(uint32(i)^seedHead, mix[i%mixWords]) % rows
		for j := uint32(0); j < MixBytes/HashBytes; j++ {
			copy(temp[j*hashWords:], lookup(2*parent+j))
		}
		fnvHash(mix[:], temp[:])
	}

	for i := 0; i < mixWords; i += 4 {
		binary.LittleEndian.PutUint32(mixDigest[i:], fnv(fnv(fnv(mix[i], mix[i+1]), mix[i+2]), mix[i+3]))
	}

	newKeccak256().sum(result[:], append(seed, mixDigest[:]...))
	return mixDigest, result
}

// HashimotoLight computes dataset items on demand from the light cache.
func HashimotoLight(header [32]byte, nonce uint64, fullSize uint64, cache []uint32) (mixDigest, result [32]byte) {
	h := NewItemHasher(cache)
	var item [HashBytes]byte
	words := make([]uint32, hashWords)
	lookup := func(index uint32) []uint32 {
		h.Item(item[:], index)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(item[i*4:])
		}
		return words
	}
	return Hashimoto(header, nonce, fullSize, lookup)
}

// HashimotoFull reads dataset items from a fully generated dataset.
func HashimotoFull(header [32]byte, nonce uint64, dataset []byte) (mixDigest, result [32]byte) {
	words := make([]uint32, hashWords)
	lookup := func(index uint32) []uint32 {
		off := int(index) * HashBytes
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(dataset[off+i*4:])
		}
		return words
	}
	return Hashimoto(header, nonce, uint64(len(dataset)), lookup)
}
