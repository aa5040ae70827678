package miner

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Layout of the search kernel's output buffer.
const (
	MaxSearchResults = 4
	slotWords        = 16
	SlotSize         = slotWords * 4
	TrailerOffset    = MaxSearchResults * SlotSize
	TrailerSize      = 12
	ResultsSize      = TrailerOffset + TrailerSize
)

// SearchSlot is one reported solution.
type SearchSlot struct {
	GID uint32
	Mix [8]uint32
	Pad [7]uint32
}

// SearchResults mirrors the device output record.
type SearchResults struct {
	Slots     [MaxSearchResults]SearchSlot
	Count     uint32
	HashCount uint32
	Abort     uint32
}

// Trailer is the control block after the slots.
type Trailer struct {
	Count     uint32
	HashCount uint32
	Abort     uint32
}

func decodeTrailer(b []byte) Trailer {
	return Trailer{
		Count:     binary.NativeEndian.Uint32(b[0:]),
		HashCount: binary.NativeEndian.Uint32(b[4:]),
		Abort:     binary.NativeEndian.Uint32(b[8:]),
	}
}

func decodeSlot(b []byte) SearchSlot {
	var s SearchSlot
	s.GID = binary.NativeEndian.Uint32(b)
	for i := range s.Mix {
		s.Mix[i] = binary.NativeEndian.Uint32(b[4+i*4:])
	}
	for i := range s.Pad {
		s.Pad[i] = binary.NativeEndian.Uint32(b[36+i*4:])
	}
	return s
}

// MixHash returns the slot's mix words in device byte order.
func (s SearchSlot) MixHash() [32]byte {
	var out [32]byte
	for i, w := range s.Mix {
		binary.NativeEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// HexDump renders b as rows of 16 bytes with offsets, for debug logs.
func HexDump(b []byte) string {
	var sb strings.Builder
	for off := 0; off < len(b); off += 16 {
		end := min(off+16, len(b))
		fmt.Fprintf(&sb, "%04x  %s\n", off, hex.EncodeToString(b[off:end]))
	}
	return sb.String()
}
