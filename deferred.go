package fate

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// DeferredIndex is the in-memory deferred map plus overflow flag shared by
// the store implementations. It is guarded by a single mutex and never
// blocks on I/O: all of its operations are O(log n) btree manipulation.
//
// Entries are held both in a map ordered by deadline (as UnixNano,
// ascending) and in a map keyed by FateId. IsDeferred answers from the
// FateId map; the deadline-ordered map is kept in step with it but is not
// scanned for ids that have come due. The ordered map is a tidwall/btree.Map,
// the same ordered-map type the teacher repo used for its ancestor-output
// tree.
type DeferredIndex struct {
	mu sync.Mutex

	byDeadline *btree.Map[int64, []FateId]
	byID       map[FateId]int64

	maxDeferred int
	overflow    bool
	refilled    bool // a deferral was recorded since the last MarkPassComplete or overflow
}

func NewDeferredIndex(maxDeferred int) *DeferredIndex {
	return &DeferredIndex{
		byDeadline:  btree.NewMap[int64, []FateId](32),
		byID:        make(map[FateId]int64),
		maxDeferred: maxDeferred,
	}
}

// Defer records id as deferred until deadline. If doing so would exceed
// maxDeferred, the entire map is cleared and the overflow flag is set
// instead — see spec §4.4 for the overflow/backpressure rationale.
func (d *DeferredIndex) Defer(id FateId, deadline time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removeLocked(id)

	if len(d.byID) >= d.maxDeferred {
		d.clearLocked()
		d.overflow = true
		d.refilled = false
		return
	}

	d.refilled = true
	nanos := deadline.UnixNano()
	ids, _ := d.byDeadline.Get(nanos)
	d.byDeadline.Set(nanos, append(ids, id))
	d.byID[id] = nanos
}

// Remove drops id from the deferred map, e.g. because a worker is about to
// consider it runnable outside of the deadline scan (overflow path).
func (d *DeferredIndex) Remove(id FateId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
}

func (d *DeferredIndex) removeLocked(id FateId) {
	nanos, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	ids, _ := d.byDeadline.Get(nanos)
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		d.byDeadline.Delete(nanos)
	} else {
		d.byDeadline.Set(nanos, ids)
	}
}

func (d *DeferredIndex) clearLocked() {
	d.byDeadline = btree.NewMap[int64, []FateId](32)
	d.byID = make(map[FateId]int64)
}

// IsDeferred reports whether id currently has an unexpired deferral
// recorded, and is the check Runnable uses (unless overflow is set, in
// which case every deferred id is considered runnable).
func (d *DeferredIndex) IsDeferred(id FateId, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.overflow {
		return false
	}
	nanos, ok := d.byID[id]
	if !ok {
		return false
	}
	return nanos > now.UnixNano()
}

// Count returns the number of ids currently held in the deferred map.
func (d *DeferredIndex) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}

// Overflow reports whether the overflow flag is currently set.
func (d *DeferredIndex) Overflow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow
}

// MarkPassComplete is called once per full scheduler pass. Per spec §4.4,
// the overflow flag clears once the executor has completed a pass without
// refilling the map.
func (d *DeferredIndex) MarkPassComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.overflow && !d.refilled {
		d.overflow = false
	}
	d.refilled = false
}
