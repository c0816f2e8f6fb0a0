package valuecache

import (
	"github.com/xtxerr/vigil/internal/history"
)

// ring is a fixed-capacity circular buffer of one item's history records,
// kept in ascending timestamp order. When full the oldest record is
// overwritten. Callers hold the owning series lock.
type ring struct {
	data     []history.Record
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ring{
		data:     make([]history.Record, capacity),
		capacity: int64(capacity),
	}
}

// at returns the i-th record counting from the oldest.
func (r *ring) at(i int64) *history.Record {
	return &r.data[(r.tail+i)%r.capacity]
}

// push inserts rec keeping timestamp order. Returns true if an older record
// was dropped to make room.
func (r *ring) push(rec history.Record) bool {
	dropped := false
	if r.count >= r.capacity {
		if rec.Timestamp.Before(r.at(0).Timestamp) {
			// Older than everything we keep; nothing to gain.
			return true
		}
		r.data[r.tail%r.capacity] = history.Record{}
		r.tail++
		r.count--
		dropped = true
	}

	r.data[r.head%r.capacity] = rec
	r.head++
	r.count++

	// Bubble the new record back into place for late arrivals.
	for i := r.count - 1; i > 0; i-- {
		cur, prev := r.at(i), r.at(i-1)
		if !cur.Timestamp.Before(prev.Timestamp) {
			break
		}
		*cur, *prev = *prev, *cur
	}

	return dropped
}

// newestIndexAtOrBefore returns the index of the newest record whose second
// is <= sec, or -1.
func (r *ring) newestIndexAtOrBefore(sec int64) int64 {
	for i := r.count - 1; i >= 0; i-- {
		if r.at(i).Timestamp.Sec <= sec {
			return i
		}
	}
	return -1
}

// newestIndexAtOrBeforeTS is newestIndexAtOrBefore with nanosecond precision.
func (r *ring) newestIndexAtOrBeforeTS(ts history.Timespec) int64 {
	for i := r.count - 1; i >= 0; i-- {
		if r.at(i).Timestamp.Compare(ts) <= 0 {
			return i
		}
	}
	return -1
}

func (r *ring) len() int {
	return int(r.count)
}

func (r *ring) snapshot() []history.Record {
	out := make([]history.Record, r.count)
	for i := int64(0); i < r.count; i++ {
		out[i] = *r.at(i)
	}
	return out
}
