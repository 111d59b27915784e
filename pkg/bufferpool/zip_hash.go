package bufferpool

import (
	"pagecache/internal/tablespace"

	"github.com/dgraph-io/ristretto/v2"
)

// zipHash indexes compressed-only descriptors (state ZIP_PAGE/ZIP_DIRTY,
// no decompressed Frame resident) by page key, independently of the main
// striped pageHash. It exists because a compressed-only lookup is a pure
// "does this exist, hand me the descriptor" access pattern with no
// ordering or intrusive-list requirement attached, which is exactly what
// ristretto's sharded concurrent map already does well — there is no
// reason to hand-roll a second striped table for it.
// ristretto's own admission/eviction policy plays no role here: entries
// are inserted and removed explicitly by the block state machine, which
// alone governs residency.
type zipHash struct {
	cache *ristretto.Cache[uint64, *Block]
}

func newZipHash(capacity int64) (*zipHash, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *Block]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		// every entry costs exactly 1, so MaxCost is a count of entries
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &zipHash{cache: cache}, nil
}

func zipHashKey(space tablespace.SpaceID, pageNo tablespace.PageNo) uint64 {
	return fnv64(uint64(space), uint64(pageNo))
}

func (z *zipHash) get(space tablespace.SpaceID, pageNo tablespace.PageNo) (*Block, bool) {
	return z.cache.Get(zipHashKey(space, pageNo))
}

func (z *zipHash) set(b *Block) {
	z.cache.Set(zipHashKey(b.Space, b.PageNo), b, 1)
}

func (z *zipHash) remove(space tablespace.SpaceID, pageNo tablespace.PageNo) {
	z.cache.Del(zipHashKey(space, pageNo))
}

func (z *zipHash) close() {
	z.cache.Close()
}
