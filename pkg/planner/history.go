package planner

import "sync"

// sizingObservation is one past (load_factor, batch_size, success_rate)
// outcome, used to blend historical performance into future sizing
// decisions under similar load.
type sizingObservation struct {
	loadFactor  float64
	batchSize   int
	successRate float64
}

// sizingHistory is a bounded ring of recent sizing observations, mirroring
// the original's in-process sizing_history list.
type sizingHistory struct {
	mu      sync.Mutex
	entries []sizingObservation
	max     int
}

func newSizingHistory(max int) *sizingHistory {
	return &sizingHistory{max: max}
}

func (h *sizingHistory) record(loadFactor float64, batchSize int, successRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, sizingObservation{loadFactor, batchSize, successRate})
	if len(h.entries) > h.max {
		h.entries = h.entries[1:]
	}
}

// bestSizeNear returns the batch size that achieved the highest success
// rate among observations within tolerance of loadFactor.
func (h *sizingHistory) bestSizeNear(loadFactor, tolerance float64) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bestSize := 0
	bestRate := -1.0
	found := false
	for _, e := range h.entries {
		diff := e.loadFactor - loadFactor
		if diff < 0 {
			diff = -diff
		}
		if diff >= tolerance {
			continue
		}
		if e.successRate > bestRate {
			bestRate = e.successRate
			bestSize = e.batchSize
			found = true
		}
	}
	return bestSize, found
}
