package ethash

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Reference boundaries for common pool difficulties.
const (
	Dif100M = "0x0000002af31dc4611873bf3f70834acdae9f0f4f534f5d60585a5f1c1a3ced1b"
	Dif200M = "0x00000015798ee2308c39df9fb841a566d74f87a7a9a7aeb02c2d2f8e0d1e768d"
	Dif500M = "0x000000089705f4136b4a59731680a88f8953030fdd7645e011abac9f387295d2"
)

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ParseHash decodes a 32-byte big-endian hex value, with or without 0x.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ethash: invalid hex %q: %w", s, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("ethash: expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// MustParseHash is ParseHash for constants.
func MustParseHash(s string) [32]byte {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// FormatHash renders a hash as 0x-prefixed hex.
func FormatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

// BoundaryFromDifficulty returns 2^256 / difficulty as a big-endian hash.
// Difficulties below 2 map to the all-ones boundary.
func BoundaryFromDifficulty(difficulty *big.Int) [32]byte {
	var out [32]byte
	if difficulty == nil || difficulty.Cmp(big.NewInt(1)) <= 0 {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	b := new(big.Int).Div(two256, difficulty)
	b.FillBytes(out[:])
	return out
}
