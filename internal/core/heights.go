package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/observability"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// HeightTracker orders block notifications and remembers recent block
// hashes for overdue massacres. Gaps are tolerated; stale or repeated
// heights are rejected. The tip only moves on Commit, so a notification that
// failed halfway is processed again when it is redelivered.
type HeightTracker struct {
	mu        sync.Mutex
	last      int64
	gaps      int64
	stale     int64
	conflicts int64
	hashes    *lru.Cache[int64, string]
	log       zerolog.Logger
}

func NewHeightTracker(capacity int) (*HeightTracker, error) {
	c, err := lru.New[int64, string](capacity)
	if err != nil {
		return nil, err
	}
	return &HeightTracker{hashes: c, log: observability.NewLogger("heights")}, nil
}

// Observe records the hash of every height not seen yet and reports whether
// the highest block is above the committed tip. A known height keeps its
// first hash: it may already seed a pending massacre.
func (ht *HeightTracker) Observe(blocks []event.Block) (event.Block, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for _, b := range blocks {
		if prev, ok := ht.hashes.Peek(b.Height); ok {
			if prev != b.ID {
				ht.conflicts++
				ht.log.Warn().Int64("height", b.Height).Str("kept", prev).
					Str("ignored", b.ID).Msg("conflicting block hash")
			}
			continue
		}
		ht.hashes.Add(b.Height, b.ID)
	}
	tip, ok := event.Highest(blocks)
	if !ok {
		return event.Block{}, false
	}
	if tip.Height <= ht.last {
		ht.stale++
		return tip, false
	}
	return tip, true
}

// Commit moves the tip to height after its block has been processed.
func (ht *HeightTracker) Commit(height int64) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	if height <= ht.last {
		return
	}
	if ht.last > 0 && height > ht.last+1 {
		ht.gaps++
	}
	ht.last = height
}

// Hash returns the hash of a recently seen block.
func (ht *HeightTracker) Hash(height int64) (string, bool) {
	return ht.hashes.Get(height)
}

// Last returns the highest processed height.
func (ht *HeightTracker) Last() int64 {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.last
}

// SetLast initializes the tip, used on startup and in replays.
func (ht *HeightTracker) SetLast(height int64) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.last = height
}

// Stats returns the number of gaps, stale notifications and conflicting
// hashes seen.
func (ht *HeightTracker) Stats() (gaps, stale, conflicts int64) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.gaps, ht.stale, ht.conflicts
}
