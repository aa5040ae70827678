package miner

import "time"

// HashRate turns group counts into a rate. Every update measures only the
// interval since the previous one.
type HashRate struct {
	now   func() time.Time
	last  time.Time
	count uint64
	rate  float64
}

// NewHashRate creates an estimator; now defaults to time.Now.
func NewHashRate(now func() time.Time) *HashRate {
	if now == nil {
		now = time.Now
	}
	return &HashRate{now: now, last: now()}
}

// Reset restarts the interval without touching the last rate.
func (h *HashRate) Reset() {
	h.last = h.now()
	h.count = 0
}

// Update records increment groups of groupSize hashes and returns hashes
// per microsecond (MH/s) over the elapsed interval, or 0 if none elapsed.
func (h *HashRate) Update(groupSize uint64, increment uint64) float64 {
	h.count += increment
	t := h.now()
	us := t.Sub(h.last).Microseconds()
	h.last = t

	if us > 0 {
		h.rate = float64(h.count*groupSize) / float64(us)
	} else {
		h.rate = 0
	}
	h.count = 0
	return h.rate
}

// Rate is the last computed rate.
func (h *HashRate) Rate() float64 { return h.rate }
