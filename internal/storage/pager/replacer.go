package pager

// ───────────────────────────────────────────────────────────────────────────
// LRU-K Replacer
// ───────────────────────────────────────────────────────────────────────────
//
// Tracks access history per frame and picks, among unpinned frames, the one
// with the largest backward K-distance (K=2): the distance from "now" back
// to the Kth-most-recent access. A frame with fewer than K recorded accesses
// has infinite backward distance and is always preferred as a victim over
// one with K or more accesses; ties among infinite-distance frames are
// broken by earliest most-recent access (classic LRU among the "new"
// frames), and ties among finite-distance frames by smallest Kth-most-recent
// timestamp (oldest K-th access evicted first).
//
// record_access(frame) appends the current logical tick, trimming history to
// the most recent K entries. Pin/Unpin only maintain the evicted-frame
// bookkeeping; Victim chooses among the candidate frames its caller passes
// in (the buffer pool passes the frames whose pin count is 0).

const lruKValue = 2

// lruKHistory holds the last K access ticks for one frame, most recent last.
type lruKHistory struct {
	ticks []int64
}

func (h *lruKHistory) record(tick int64) {
	h.ticks = append(h.ticks, tick)
	if len(h.ticks) > lruKValue {
		h.ticks = h.ticks[len(h.ticks)-lruKValue:]
	}
}

// backwardKDistance returns the distance from now back to the Kth-most-
// recent access, or (0, false) if fewer than K accesses are recorded
// (meaning infinite backward distance).
func (h *lruKHistory) backwardKDistance(now int64) (int64, bool) {
	if len(h.ticks) < lruKValue {
		return 0, false
	}
	return now - h.ticks[0], true
}

func (h *lruKHistory) mostRecent() int64 {
	if len(h.ticks) == 0 {
		return 0
	}
	return h.ticks[len(h.ticks)-1]
}

// LRUKReplacer implements the Replacer described in spec §4.2.
type LRUKReplacer struct {
	tick     int64
	history  map[PageID]*lruKHistory
	evicted  map[PageID]bool // frames currently eligible for eviction
}

// NewLRUKReplacer creates an empty replacer.
func NewLRUKReplacer() *LRUKReplacer {
	return &LRUKReplacer{
		history: make(map[PageID]*lruKHistory),
		evicted: make(map[PageID]bool),
	}
}

// RecordAccess appends a logical access to the frame's history.
func (r *LRUKReplacer) RecordAccess(id PageID) {
	r.tick++
	h, ok := r.history[id]
	if !ok {
		h = &lruKHistory{}
		r.history[id] = h
	}
	h.record(r.tick)
}

// Pin removes a frame from victim eligibility.
func (r *LRUKReplacer) Pin(id PageID) {
	delete(r.evicted, id)
}

// Unpin marks a frame as eligible for eviction.
func (r *LRUKReplacer) Unpin(id PageID) {
	r.evicted[id] = true
}

// Forget drops all history for a frame (called when a page is freed/removed).
func (r *LRUKReplacer) Forget(id PageID) {
	delete(r.history, id)
	delete(r.evicted, id)
}

// Victim selects an eviction candidate among the given unpinned candidate
// IDs (the caller — the buffer pool — is authoritative on pin counts; this
// replacer only orders candidates it has seen via RecordAccess). Returns
// (0, false) if candidates is empty.
func (r *LRUKReplacer) Victim(candidates []PageID) (PageID, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	var best PageID
	var bestIsInf bool
	var bestDist int64
	var bestMRU int64
	found := false

	for _, id := range candidates {
		h, ok := r.history[id]
		if !ok {
			h = &lruKHistory{}
		}
		dist, finite := h.backwardKDistance(r.tick)
		isInf := !finite
		mru := h.mostRecent()

		if !found {
			best, bestIsInf, bestDist, bestMRU = id, isInf, dist, mru
			found = true
			continue
		}
		switch {
		case isInf && !bestIsInf:
			best, bestIsInf, bestDist, bestMRU = id, isInf, dist, mru
		case isInf == bestIsInf && isInf:
			// Both infinite — earliest most-recent access wins (oldest "new" frame).
			if mru < bestMRU {
				best, bestMRU = id, mru
			}
		case isInf == bestIsInf && !isInf:
			// Both finite — largest backward distance wins.
			if dist > bestDist {
				best, bestDist = id, dist
			}
		}
	}
	return best, found
}
