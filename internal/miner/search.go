package miner

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"xleth/internal/driver/device"
	"xleth/pkg/ethash"
)

// DeriveTarget returns the 64-bit device target of a boundary: its leading
// eight bytes read big-endian.
func DeriveTarget(boundary [32]byte) uint64 {
	return binary.BigEndian.Uint64(boundary[:8])
}

// Search runs the search kernel over consecutive nonce windows starting at
// startNonce until a solution is reported or ctx is cancelled. Each window
// is one global work size wide.
func (m *Miner) Search(ctx context.Context, startNonce uint64, header, boundary [32]byte) (Outcome, error) {
	if !m.loaded {
		return Outcome{}, ErrKernelNotLoaded
	}
	if m.epoch == nil {
		return Outcome{}, ErrDatasetNotReady
	}

	target := DeriveTarget(boundary)
	if target == 0 {
		return Outcome{}, m.fail(NewError(ErrCodeInvalidTarget, "boundary yields a zero target", ethash.FormatHash(boundary)))
	}

	ctx, cancel := context.WithCancel(ctx)
	m.setCancel(cancel)
	defer func() {
		m.setCancel(nil)
		cancel()
	}()

	if err := m.armSearch(header, target); err != nil {
		return Outcome{}, m.fail(err)
	}

	settings := m.opts.Settings
	gws := settings.GlobalWorkSize()
	local := uint64(settings.LocalWorkSize)

	m.status.update(func(s *Status) {
		s.Phase = PhaseArmed
		s.Target = target
		s.StartNonce = startNonce
		s.CurrentNonce = startNonce
		s.GlobalWorkSize = gws
		s.Passes = 0
		s.Outcome = nil
		s.LastError = ""
	})
	m.log.WithFields(logrus.Fields{
		"target":      target,
		"start_nonce": startNonce,
		"global":      gws,
		"local":       local,
	}).Infof("Search: target 0x%x", target)

	m.rate.Reset()
	zero := make([]byte, TrailerSize)
	raw := make([]byte, TrailerSize)
	nonce := startNonce

	for {
		if err := ctx.Err(); err != nil {
			m.status.update(func(s *Status) {
				s.Phase = PhaseAborted
				s.LastError = err.Error()
			})
			m.log.WithField("nonce", nonce).Info("Search: aborted")
			return Outcome{}, wrap(ErrCodeAborted, "search aborted", err)
		}

		if err := m.ctx.Write(m.results, false, TrailerOffset, zero); err != nil {
			return Outcome{}, m.fail(wrap(ErrCodeTransferFailed, "reset search results", err))
		}
		if err := m.searchKernel.SetArg(5, nonce); err != nil {
			return Outcome{}, m.fail(wrap(ErrCodeLaunchFailed, "set search start nonce", err))
		}
		if err := m.ctx.Launch(m.searchKernel, gws, local); err != nil {
			return Outcome{}, m.fail(wrap(ErrCodeLaunchFailed, "launch search", err))
		}
		// in-order queue: the read completes after the launch
		if err := m.ctx.Read(m.results, TrailerOffset, raw); err != nil {
			return Outcome{}, m.fail(wrap(ErrCodeTransferFailed, "read search trailer", err))
		}
		tr := decodeTrailer(raw)

		if m.opts.Debug {
			m.log.Debugf("Search: start nonce %12d, hash count %d", nonce, tr.HashCount)
		}

		if tr.Count > 0 {
			return m.collect(nonce, tr)
		}
		if tr.Abort != 0 {
			m.status.update(func(s *Status) {
				s.Phase = PhaseAborted
				s.LastError = "device reported abort"
			})
			m.log.WithFields(logrus.Fields{"nonce": nonce, "abort": tr.Abort}).Warn("Search: device aborted without a result")
			return Outcome{}, NewError(ErrCodeAborted, "search aborted", "device reported abort")
		}

		nonce += gws
		var rate float64
		if settings.NoExit {
			rate = m.rate.Update(gws, 1)
		} else {
			rate = m.rate.Update(local, uint64(tr.HashCount))
		}
		m.status.update(func(s *Status) {
			s.Phase = PhasePolling
			s.CurrentNonce = nonce
			s.Passes++
			s.HashRate = rate
		})
	}
}

func (m *Miner) armSearch(header [32]byte, target uint64) error {
	for _, b := range []device.Buffer{m.header, m.results} {
		if b != nil {
			b.Release()
		}
	}
	m.header, m.results = nil, nil

	hdr, err := m.ctx.CreateBuffer(device.MemReadOnly, 32)
	if err != nil {
		return wrap(ErrCodeAllocationFailed, "allocate header", err)
	}
	m.header = hdr
	results, err := m.ctx.CreateBuffer(device.MemWriteOnly, ResultsSize)
	if err != nil {
		return wrap(ErrCodeAllocationFailed, "allocate search results", err)
	}
	m.results = results

	if err := m.searchKernel.SetArg(0, results); err != nil {
		return wrap(ErrCodeLaunchFailed, "set search output", err)
	}
	if err := m.searchKernel.SetArg(1, hdr); err != nil {
		return wrap(ErrCodeLaunchFailed, "set search header", err)
	}
	if err := m.ctx.Write(hdr, false, 0, header[:]); err != nil {
		return wrap(ErrCodeTransferFailed, "upload header", err)
	}

	args := map[int]any{
		2: m.dag[0],
		3: m.dag[1],
		4: uint32(m.epoch.DagNumItems),
		6: target,
	}
	for _, i := range []int{2, 3, 4, 6} {
		if err := m.searchKernel.SetArg(i, args[i]); err != nil {
			return wrap(ErrCodeLaunchFailed, "set search argument", err)
		}
	}
	return nil
}

// collect reads the reported slots and surfaces the first one.
func (m *Miner) collect(nonce uint64, tr Trailer) (Outcome, error) {
	n := min(tr.Count, MaxSearchResults)
	raw := make([]byte, n*SlotSize)
	if err := m.ctx.Read(m.results, 0, raw); err != nil {
		return Outcome{}, m.fail(wrap(ErrCodeTransferFailed, "read search results", err))
	}

	res := SearchResults{Count: tr.Count, HashCount: tr.HashCount, Abort: tr.Abort}
	for i := uint32(0); i < n; i++ {
		res.Slots[i] = decodeSlot(raw[i*SlotSize:])
	}

	out := Outcome{
		SolutionFound: true,
		Nonce:         nonce + uint64(res.Slots[0].GID),
		MixHash:       res.Slots[0].MixHash(),
	}

	m.log.WithFields(logrus.Fields{
		"start_nonce": nonce,
		"gid":         res.Slots[0].GID,
		"hash_count":  res.HashCount,
		"abort":       res.Abort,
		"count":       res.Count,
	}).Info("Search: found")
	if m.opts.Debug {
		m.log.Debugf("Search: results\n%s", HexDump(raw))
	}

	found := out
	m.status.update(func(s *Status) {
		s.Phase = PhaseFound
		s.CurrentNonce = nonce
		s.Outcome = &found
		s.FoundAt = m.now()
	})
	return out, nil
}
