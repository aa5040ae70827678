package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"xleth/pkg/ethash"
)

// Search output layout shared with the device kernel.
const (
	simMaxOutputs      = 4
	simSlotSize        = 64
	simCountOffset     = simMaxOutputs * simSlotSize
	simHashCountOffset = simCountOffset + 4
	simAbortOffset     = simCountOffset + 8
	simResultsSize     = simCountOffset + 12
)

func (c *simContext) lightWords(light *simBuffer, items uint32) []uint32 {
	m := &c.light
	if m.buf == light && m.gen == light.gen && m.items == items {
		return m.words
	}
	*m = lightMemo{
		buf:   light,
		gen:   light.gen,
		items: items,
		words: ethash.CacheWords(light.data[:uint64(items)*ethash.HashBytes]),
	}
	return m.words
}

// runGenerateDAG computes 64-byte dataset items start..start+global-1 into
// the two halves. Lanes past the end of the dataset do nothing.
func (c *simContext) runGenerateDAG(k *simKernel, global uint64) error {
	start, err := k.u32(0)
	if err != nil {
		return err
	}
	light, err := k.buf(1)
	if err != nil {
		return err
	}
	dag0, err := k.buf(2)
	if err != nil {
		return err
	}
	dag1, err := k.buf(3)
	if err != nil {
		return err
	}
	lightItems, err := k.u32(4)
	if err != nil {
		return err
	}
	if lightItems == 0 || uint64(lightItems)*ethash.HashBytes > light.Size() {
		return &Error{Op: "GenerateDAG", Code: CodeInvalidArgValue,
			Msg: fmt.Sprintf("%d light items do not fit a %d byte buffer", lightItems, light.Size())}
	}

	words := c.lightWords(light, lightItems)
	half := uint64(len(dag0.data))
	total := (half + uint64(len(dag1.data))) / ethash.HashBytes

	lo := uint64(start)
	hi := min(lo+global, total)
	if lo >= hi {
		return nil
	}

	workers := uint64(c.dev.cfg.Workers)
	span := (hi - lo + workers - 1) / workers
	var wg sync.WaitGroup
	for a := lo; a < hi; a += span {
		b := min(a+span, hi)
		wg.Add(1)
		go func(a, b uint64) {
			defer wg.Done()
			h := ethash.NewItemHasher(words)
			for i := a; i < b; i++ {
				off := i * ethash.HashBytes
				var dst []byte
				if off < half {
					dst = dag0.data[off : off+ethash.HashBytes]
				} else {
					dst = dag1.data[off-half : off-half+ethash.HashBytes]
				}
				h.Item(dst, uint32(i))
			}
		}(a, b)
	}
	wg.Wait()
	dag0.gen++
	dag1.gen++
	return nil
}

// runSearch hashes nonces start+gid for every lane and records hits whose
// leading 64 bits do not exceed target.
func (c *simContext) runSearch(k *simKernel, global, local uint64) error {
	out, err := k.buf(0)
	if err != nil {
		return err
	}
	hdr, err := k.buf(1)
	if err != nil {
		return err
	}
	dag0, err := k.buf(2)
	if err != nil {
		return err
	}
	dag1, err := k.buf(3)
	if err != nil {
		return err
	}
	dagItems, err := k.u32(4)
	if err != nil {
		return err
	}
	start, err := k.u64(5)
	if err != nil {
		return err
	}
	target, err := k.u64(6)
	if err != nil {
		return err
	}

	half := uint64(len(dag0.data))
	fullSize := uint64(dagItems) * ethash.MixBytes
	if out.Size() < simResultsSize || hdr.Size() < 32 || fullSize == 0 || fullSize > half+uint64(len(dag1.data)) {
		return &Error{Op: "search", Code: CodeInvalidArgValue, Msg: "buffer sizes do not match kernel arguments"}
	}

	maxOutputs := uint64(simMaxOutputs)
	if v, ok := k.prog.define("MAX_OUTPUTS"); ok && v < maxOutputs {
		maxOutputs = v
	}
	_, fastExit := k.prog.defines["FAST_EXIT"]

	var header [32]byte
	copy(header[:], hdr.data)

	words := make([]uint32, ethash.HashBytes/4)
	lookup := func(index uint32) []uint32 {
		off := uint64(index) * ethash.HashBytes
		src := dag0.data
		if off >= half {
			src, off = dag1.data, off-half
		}
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(src[off+uint64(i)*4:])
		}
		return words
	}

	rec := out.data
	le := binary.LittleEndian
	for g := uint64(0); g < global/local; g++ {
		if fastExit {
			if le.Uint32(rec[simAbortOffset:]) != 0 {
				continue
			}
			le.PutUint32(rec[simHashCountOffset:], le.Uint32(rec[simHashCountOffset:])+1)
		}
		for l := uint64(0); l < local; l++ {
			gid := g*local + l
			mix, result := ethash.Hashimoto(header, start+gid, fullSize, lookup)
			if binary.BigEndian.Uint64(result[:8]) > target {
				continue
			}
			if fastExit {
				le.PutUint32(rec[simAbortOffset:], le.Uint32(rec[simAbortOffset:])+1)
			}
			count := uint64(le.Uint32(rec[simCountOffset:]))
			if count >= maxOutputs {
				continue
			}
			slot := rec[count*simSlotSize:]
			le.PutUint32(slot, uint32(gid))
			copy(slot[4:4+32], mix[:])
			le.PutUint32(rec[simCountOffset:], uint32(count+1))
		}
	}
	out.gen++
	return nil
}
