package rollup

import (
	"sync"

	"github.com/orbiteos/joule/internal/storage/types"
)

// dirtySet tracks buckets whose raw contents changed since their last
// recomputation. Marks are cheap to add on the ingest path; the sweep drains
// the whole set at once so a mark added mid-recompute lands in the fresh set
// and is picked up next sweep.
type dirtySet struct {
	mu   sync.Mutex
	keys map[types.BucketKey]struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{
		keys: make(map[types.BucketKey]struct{}),
	}
}

// add marks one bucket dirty. Duplicate marks collapse.
func (d *dirtySet) add(key types.BucketKey) {
	d.mu.Lock()
	d.keys[key] = struct{}{}
	d.mu.Unlock()
}

// contains reports whether the bucket is currently marked.
func (d *dirtySet) contains(key types.BucketKey) bool {
	d.mu.Lock()
	_, ok := d.keys[key]
	d.mu.Unlock()
	return ok
}

// drain removes and returns all marked buckets. Marks added concurrently go
// to the replacement set.
func (d *dirtySet) drain() map[types.BucketKey]struct{} {
	d.mu.Lock()
	keys := d.keys
	d.keys = make(map[types.BucketKey]struct{})
	d.mu.Unlock()
	return keys
}

// len returns the number of marked buckets.
func (d *dirtySet) len() int {
	d.mu.Lock()
	n := len(d.keys)
	d.mu.Unlock()
	return n
}
