package intel

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Digest is a concurrency-safe bloom filter over verified IOC ids.
// Clients receive it with sync responses and use it for O(1) local
// membership checks before asking the coordinator. False positives are
// inherent and harmless; ids stay in the filter after manual expiry
// until the next rebuild.
type Digest struct {
	mu      sync.RWMutex
	filter  *bloom.BloomFilter
	count   uint64
	version uint64
}

const (
	digestCapacity = 100_000
	digestFPRate   = 0.01
)

func NewDigest() *Digest {
	return &Digest{filter: bloom.NewWithEstimates(digestCapacity, digestFPRate)}
}

// Add inserts a verified id and bumps the digest version.
func (d *Digest) Add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(id)
	d.count++
	d.version++
}

// Contains reports whether an id might be verified.
func (d *Digest) Contains(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter.TestString(id)
}

// Count returns the number of inserted ids.
func (d *Digest) Count() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

// Version returns the current digest version.
func (d *Digest) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Rebuild replaces the filter contents from a full id listing.
func (d *Digest) Rebuild(ids []string) {
	filter := bloom.NewWithEstimates(digestCapacity, digestFPRate)
	for _, id := range ids {
		filter.AddString(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = filter
	d.count = uint64(len(ids))
	d.version++
}

// Serialize returns the filter in its portable JSON form for shipping
// inside sync responses.
func (d *Digest) Serialize() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter.MarshalJSON()
}
