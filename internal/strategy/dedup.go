package strategy

import "sync"

// DedupSet remembers recently seen transaction hashes with a hard capacity.
// When full, the oldest entries are evicted in insertion order.
type DedupSet struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

// NewDedupSet creates a dedup set holding at most capacity entries.
func NewDedupSet(capacity int) *DedupSet {
	if capacity < 1 {
		capacity = 1
	}
	return &DedupSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Seen records the hash and reports whether it was already present.
func (d *DedupSet) Seen(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[hash]; ok {
		return true
	}

	if len(d.seen) >= d.capacity {
		oldest := d.order[d.head]
		delete(d.seen, oldest)
		d.order[d.head] = hash
		d.head = (d.head + 1) % d.capacity
	} else {
		d.order = append(d.order, hash)
	}
	d.seen[hash] = struct{}{}
	return false
}

// Len returns the number of remembered hashes.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
