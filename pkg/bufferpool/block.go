package bufferpool

import (
	"sync"
	"sync/atomic"
	"time"

	"pagecache/internal/minitxn"
	"pagecache/internal/tablespace"
	"pagecache/pkg/waitarray"
)

// State is a block descriptor's lifecycle state.
type State uint8

const (
	StateNotUsed State = iota
	StateReadyForUse
	StateMemory
	StateFilePage
	StateZipPage
	StateZipDirty
	StatePoolWatch
	StateRemoveHash
)

// IOFix tracks an in-flight I/O operation against a block.
type IOFix uint8

const (
	IOFixNone IOFix = iota
	IOFixRead
	IOFixWrite
	IOFixPin
)

// word packs state, io_fix, flush_type and buf_fix_count into one atomic
// value so a transition that spans those sub-fields is a single CAS —
// the usual trick for bitfields in a language without them. Layout, low
// to high:
//
//	bits  0- 7: State
//	bits  8-11: IOFix
//	bits 12-15: FlushType (flushTypeCount fits in 4 bits)
//	bits 16-47: buf_fix_count (32 bits, never realistically saturated)
type word uint64

const (
	stateMask  = 0xFF
	ioFixShift = 8
	ioFixMask  = 0xF
	flushShift = 12
	flushMask  = 0xF
	fixShift   = 16
)

func packWord(s State, io IOFix, ft FlushType, fix uint32) word {
	return word(s)&stateMask |
		(word(io)&ioFixMask)<<ioFixShift |
		(word(ft)&flushMask)<<flushShift |
		word(fix)<<fixShift
}

func (w word) state() State       { return State(w & stateMask) }
func (w word) ioFix() IOFix       { return IOFix((w >> ioFixShift) & ioFixMask) }
func (w word) flushType() FlushType { return FlushType((w >> flushShift) & flushMask) }
func (w word) fixCount() uint32   { return uint32(w >> fixShift) }

// ZipDescriptor is the compressed-frame side of a block that holds both a
// compressed and decompressed image.
type ZipDescriptor struct {
	Data     []byte // compressed frame, buddy-allocated
	SSize    uint8  // buddy size class
	FixCount int32
}

// Block is a resident frame's descriptor. Lists it participates in
// (free, LRU, unzip-LRU, flush, page-hash chain) are intrusive: the
// prev/next pointers live directly on the Block rather than in separate
// node allocations.
type Block struct {
	Space  tablespace.SpaceID
	PageNo tablespace.PageNo

	sw atomic.Uint64 // packed word: state, io_fix, flush_type, buf_fix_count

	Mutex sync.Mutex        // per-block mutex guarding non-atomic fields below
	Latch *trackedRWMutex   // per-block content latch; routes contended acquisition through the wait array

	// FailedRead is set when an in-flight read into this block aborted
	// (I/O error or checksum failure) and cleared once the block is
	// recycled. A waiter that blocked on Latch while the read was in
	// flight must check this after acquiring it rather than assume the
	// block is valid just because the latch was granted.
	FailedRead error

	Frame []byte // page-sized in-memory image; nil for ZIP_PAGE with no unzip copy
	Zip   *ZipDescriptor

	OldestModification minitxn.LSN
	NewestModification minitxn.LSN

	AccessTime     int64 // unix nanos of most recent access
	Old            bool  // in the LRU old region
	FreedPageClock uint32
	ModifyClock    uint64

	BufPoolIndex int
	Poisoned     bool // checksum/decrypt failure: abortRead pulls the read placeholder back out of the page-hash

	// intrusive list links, guarded by the owning list's lock (instance
	// latch for free/LRU/unzip-LRU, flush-list latch for the flush list)
	freePrev, freeNext   *Block
	lruPrev, lruNext     *Block
	unzipPrev, unzipNext *Block
	flushPrev, flushNext *Block
	hashNext             *Block

	slot *tmpSlot // in-flight encryption/compression scratch slot, if any
}

func newBlock(pageSize int, arr *waitarray.Array) *Block {
	b := &Block{Frame: make([]byte, pageSize), Latch: newTrackedRWMutex(arr)}
	b.sw.Store(uint64(packWord(StateNotUsed, IOFixNone, FlushLRU, 0)))
	return b
}

func (b *Block) load() word { return word(b.sw.Load()) }

func (b *Block) State() State         { return b.load().state() }
func (b *Block) IOFixState() IOFix    { return b.load().ioFix() }
func (b *Block) FlushType() FlushType { return b.load().flushType() }
func (b *Block) BufFixCount() uint32  { return b.load().fixCount() }

// setState performs a bare state transition via CAS, preserving the other
// sub-fields, retrying on contention.
func (b *Block) setState(s State) {
	for {
		old := b.load()
		nw := packWord(s, old.ioFix(), old.flushType(), old.fixCount())
		if b.sw.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

func (b *Block) setIOFix(io IOFix) {
	for {
		old := b.load()
		nw := packWord(old.state(), io, old.flushType(), old.fixCount())
		if b.sw.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

func (b *Block) setFlushType(ft FlushType) {
	for {
		old := b.load()
		nw := packWord(old.state(), old.ioFix(), ft, old.fixCount())
		if b.sw.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

// fix increments buf_fix_count and returns the new count, adding exactly
// one buffer-fix.
func (b *Block) fix() uint32 {
	for {
		old := b.load()
		nw := packWord(old.state(), old.ioFix(), old.flushType(), old.fixCount()+1)
		if b.sw.CompareAndSwap(uint64(old), uint64(nw)) {
			return nw.fixCount()
		}
	}
}

// unfix decrements buf_fix_count; it is a bug to call this at zero, but we
// clamp defensively rather than underflow into a huge count.
func (b *Block) unfix() uint32 {
	for {
		old := b.load()
		c := old.fixCount()
		if c == 0 {
			return 0
		}
		nw := packWord(old.state(), old.ioFix(), old.flushType(), c-1)
		if b.sw.CompareAndSwap(uint64(old), uint64(nw)) {
			return nw.fixCount()
		}
	}
}

// isEvictable reports the precondition for leaving the LRU tail and the
// FILE_PAGE -> NOT_USED transition.
func (b *Block) isEvictable() bool {
	w := b.load()
	return w.fixCount() == 0 && w.ioFix() == IOFixNone && b.OldestModification == 0
}

func (b *Block) touch() {
	atomic.StoreInt64(&b.AccessTime, time.Now().UnixNano())
}

func (b *Block) lastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&b.AccessTime))
}
