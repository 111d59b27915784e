package bufferpool

import (
	"pagecache/internal/tablespace"
	"pagecache/pkg/waitarray"
)

// pageKey identifies a page uniquely across every tablespace.
type pageKey struct {
	Space  tablespace.SpaceID
	PageNo tablespace.PageNo
}

// pageHash is the striped, chained hash table over resident descriptors.
// Buckets chain through Block.hashNext, an intrusive link
// rather than a map-of-slices, so removal never allocates. Stripe
// latches are *trackedRWMutex, same as every other latch in the lock
// hierarchy (instance, flush-list, per-block), so a contended page-hash
// stripe gets long-wait reporting and deadlock-detector edges too.
type pageHash struct {
	buckets []*Block
	stripes []*trackedRWMutex
	nBucket uint64
}

func newPageHash(nBuckets, nStripes int, arr *waitarray.Array) *pageHash {
	if nBuckets < 1 {
		nBuckets = 1
	}
	if nStripes < 1 {
		nStripes = 1
	}
	stripes := make([]*trackedRWMutex, nStripes)
	for i := range stripes {
		stripes[i] = newTrackedRWMutex(arr)
	}
	return &pageHash{
		buckets: make([]*Block, nBuckets),
		stripes: stripes,
		nBucket: uint64(nBuckets),
	}
}

func (h *pageHash) bucketIndex(k pageKey) uint64 {
	return fnv64(uint64(k.Space), uint64(k.PageNo)) % h.nBucket
}

func (h *pageHash) stripeFor(bucket uint64) *trackedRWMutex {
	return h.stripes[bucket%uint64(len(h.stripes))]
}

// lookup finds the block resident for k, taking the stripe's shared latch.
func (h *pageHash) lookup(k pageKey) *Block {
	idx := h.bucketIndex(k)
	s := h.stripeFor(idx)
	s.RLock()
	defer s.RUnlock()
	return h.lookupLocked(k)
}

// lookupLocked is the lock-free traversal lookup relies on. sync.RWMutex
// is not reentrant, so a caller that already holds the stripe's lock
// (shared or exclusive, via rlockStripeFor/lockStripeFor) must call this
// instead of lookup — calling lookup while already holding the same
// stripe lock deadlocks.
func (h *pageHash) lookupLocked(k pageKey) *Block {
	idx := h.bucketIndex(k)
	for b := h.buckets[idx]; b != nil; b = b.hashNext {
		if b.Space == k.Space && b.PageNo == k.PageNo {
			return b
		}
	}
	return nil
}

// insertLocked links b into its bucket under the stripe's exclusive latch. The
// caller must already hold that same stripe exclusively.
func (h *pageHash) insertLocked(b *Block) {
	idx := h.bucketIndex(pageKey{b.Space, b.PageNo})
	b.hashNext = h.buckets[idx]
	h.buckets[idx] = b
}

// removeLocked unlinks b from its bucket under the stripe's exclusive
// latch, held by the caller.
func (h *pageHash) removeLocked(b *Block) {
	idx := h.bucketIndex(pageKey{b.Space, b.PageNo})
	prev := (*Block)(nil)
	cur := h.buckets[idx]
	for cur != nil {
		if cur == b {
			if prev == nil {
				h.buckets[idx] = cur.hashNext
			} else {
				prev.hashNext = cur.hashNext
			}
			cur.hashNext = nil
			return
		}
		prev = cur
		cur = cur.hashNext
	}
}

// lockStripeFor takes the exclusive stripe latch for k's bucket and
// returns the bucket index together with the function that releases it,
// for a subsequent insertLocked/removeLocked.
func (h *pageHash) lockStripeFor(k pageKey) (idx uint64, unlock func()) {
	idx = h.bucketIndex(k)
	s := h.stripeFor(idx)
	s.Lock()
	return idx, s.Unlock
}

func (h *pageHash) rlockStripeFor(k pageKey) (idx uint64, unlock func()) {
	idx = h.bucketIndex(k)
	s := h.stripeFor(idx)
	s.RLock()
	return idx, s.RUnlock
}

// fnv64 is a tiny, dependency-free 64-bit mixing hash used only to pick a
// bucket/instance — not a security-sensitive hash, so FNV-1a's simplicity
// is the point.
func fnv64(a, b uint64) uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	for _, v := range [2]uint64{a, b} {
		for i := 0; i < 8; i++ {
			h ^= (v >> (8 * i)) & 0xFF
			h *= prime
		}
	}
	return h
}
