package bufferpool

import (
	"fmt"
	"time"
)

// lruList is the all-resident-file-pages list with midpoint insertion.
// All mutation happens under the owning Instance's mu.
type lruList struct {
	head, tail *Block
	length     int
	old        *Block // LRU_old: the midpoint boundary block
	oldLen     int
}

func (l *lruList) pushFront(b *Block) {
	b.lruNext = l.head
	b.lruPrev = nil
	if l.head != nil {
		l.head.lruPrev = b
	}
	l.head = b
	if l.tail == nil {
		l.tail = b
	}
	l.length++
}

// insertAt inserts b immediately before at (or at the tail if at is nil),
// the midpoint-insertion primitive.
func (l *lruList) insertAt(b *Block, at *Block) {
	if at == nil {
		// insert at tail
		b.lruPrev = l.tail
		b.lruNext = nil
		if l.tail != nil {
			l.tail.lruNext = b
		}
		l.tail = b
		if l.head == nil {
			l.head = b
		}
	} else {
		b.lruNext = at
		b.lruPrev = at.lruPrev
		if at.lruPrev != nil {
			at.lruPrev.lruNext = b
		} else {
			l.head = b
		}
		at.lruPrev = b
	}
	l.length++
}

func (l *lruList) remove(b *Block) {
	if b.lruPrev != nil {
		b.lruPrev.lruNext = b.lruNext
	} else {
		l.head = b.lruNext
	}
	if b.lruNext != nil {
		b.lruNext.lruPrev = b.lruPrev
	} else {
		l.tail = b.lruPrev
	}
	b.lruPrev, b.lruNext = nil, nil
	l.length--
}

// unzipList is the decompressed-side list for blocks holding both a
// compressed and decompressed image. It carries
// no midpoint-insertion policy of its own: eviction always prefers to
// drop the decompressed copy first, keeping the compressed page resident.
type unzipList struct {
	head, tail *Block
	length     int
}

func (l *unzipList) pushFront(b *Block) {
	b.unzipNext = l.head
	b.unzipPrev = nil
	if l.head != nil {
		l.head.unzipPrev = b
	}
	l.head = b
	if l.tail == nil {
		l.tail = b
	}
	l.length++
}

func (l *unzipList) remove(b *Block) {
	if b.unzipPrev != nil {
		b.unzipPrev.unzipNext = b.unzipNext
	} else {
		l.head = b.unzipNext
	}
	if b.unzipNext != nil {
		b.unzipNext.unzipPrev = b.unzipPrev
	} else {
		l.tail = b.unzipPrev
	}
	b.unzipPrev, b.unzipNext = nil, nil
	l.length--
}

// adjustLRUOldLocked slides LRU_old so that the suffix length / total
// length approximates OldBlocksRatioNum/OldBlocksRatioDiv. Caller holds inst.mu.
func (inst *Instance) adjustLRUOldLocked() {
	l := &inst.lru
	if l.length < BufLRUOldMinLen {
		l.old = nil
		l.oldLen = 0
		return
	}

	wantOldLen := l.length * inst.cfg.OldBlocksRatioNum / OldBlocksRatioDiv
	if wantOldLen < 1 {
		wantOldLen = 1
	}

	if l.old == nil {
		// (re)establish the boundary from the tail
		b := l.tail
		n := 0
		for b != nil && n < wantOldLen {
			b.Old = true
			b = b.lruPrev
			n++
		}
		if b != nil {
			l.old = b.lruNext
		} else {
			l.old = l.head
		}
		l.oldLen = n
		return
	}

	// slide toward the target length, O(k) in the movement required
	for l.oldLen < wantOldLen && l.old != nil && l.old.lruPrev != nil {
		l.old = l.old.lruPrev
		l.old.Old = true
		l.oldLen++
	}
	for l.oldLen > wantOldLen && l.old != nil {
		next := l.old.lruNext
		l.old.Old = false
		l.old = next
		l.oldLen--
	}
}

// makeYoungLocked promotes b out of the old region to the LRU head.
// Caller holds inst.mu. A no-op if b is already young.
func (inst *Instance) makeYoungLocked(b *Block) {
	if !b.Old {
		return
	}
	inst.lru.remove(b)
	inst.lru.pushFront(b)
	b.Old = false
	inst.adjustLRUOldLocked()
	inst.stat.NPagesMadeYoung.Add(1)
}

// peekIfTooOld decides whether a resident block qualifies for promotion
// on this access: it must be in the old region and must have been first
// accessed at least OldBlocksTimeMs ago.
func (inst *Instance) peekIfTooOld(b *Block) bool {
	if !b.Old {
		return false
	}
	elapsed := time.Since(b.lastAccess())
	return elapsed >= time.Duration(inst.cfg.OldBlocksTimeMs)*time.Millisecond
}

// lruInsertNewLocked links a freshly read block into the LRU at the
// midpoint, marks it old, and stamps its freed_page_clock baseline.
func (inst *Instance) lruInsertNewLocked(b *Block) {
	inst.lru.insertAt(b, inst.lru.old)
	b.Old = true
	b.touch()
	b.FreedPageClock = inst.freedPageClock
	inst.adjustLRUOldLocked()
}

// lruRemoveLocked unlinks b from the LRU. Both LRU hazard pointers are
// adjusted before the unlink clears b's links, so a concurrent scan
// resumes at b's real predecessor rather than losing its place.
func (inst *Instance) lruRemoveLocked(b *Block) {
	if b == inst.lru.old {
		inst.lru.old = b.lruNext
	}
	inst.hpLRU.adjust(b)
	inst.hpLRUItr.adjust(b)
	inst.lru.remove(b)
}

// scanDepth bounds how far getFreeBlock walks the LRU tail before giving
// up and falling back to a single-page flush.
func (inst *Instance) scanDepth() int {
	d := len(inst.chunks) / 4
	if d < 32 {
		d = 32
	}
	return d
}

// getFreeBlock implements the eviction path: scan from the LRU tail (or
// from lru_scan_itr's saved position, if a previous scan left one), skipping
// fixed/IO-fixed/dirty blocks, evict the first clean candidate. If none is
// found within scanDepth, the resumption position is saved for the next
// caller, a single-page flush is triggered, and PoolExhausted is returned.
func (inst *Instance) getFreeBlock() (*Block, error) {
	inst.mu.Lock()

	if inst.unzip.length > 0 {
		inst.evictFirstCleanUnzip()
	}

	start := inst.hpLRUItr.get()
	if start == nil {
		start = inst.lru.tail
	}
	b := inst.hpLRU.start(start)
	scanned := 0
	for b != nil && scanned < inst.scanDepth() {
		next := b.lruPrev
		if b.isEvictable() {
			inst.hpLRUItr.set(next)
			inst.evictLocked(b)
			inst.popFreeLocked() // b, which evictLocked just pushed onto the free list
			inst.mu.Unlock()
			return b, nil
		}
		inst.hpLRU.set(next)
		b = next
		scanned++
	}
	inst.hpLRU.set(nil)
	inst.hpLRUItr.set(b) // nil once the scan runs off the head; next call wraps to the tail
	inst.mu.Unlock()

	inst.triggerSinglePageFlush()
	return nil, fmt.Errorf("bufferpool: get_free_block instance %d: %w", inst.index, ErrPoolExhausted)
}

// evictFirstCleanUnzip drops the decompressed side of the first
// evictable unzip-LRU entry, freeing its Frame without disturbing the
// compressed copy. Caller holds inst.mu. The descriptor leaves the main
// page-hash and the LRU (invariant 4 no longer holds once Frame is
// gone) and moves into zipHash, the compressed-only index, so a later
// Get can find and reattach it without a full disk read.
func (inst *Instance) evictFirstCleanUnzip() {
	for b := inst.unzip.tail; b != nil; b = b.unzipPrev {
		if b.isEvictable() && b.Zip != nil {
			inst.unzip.remove(b)

			idx, unlock := inst.hash.lockStripeFor(pageKey{b.Space, b.PageNo})
			_ = idx
			inst.hash.removeLocked(b)
			unlock()
			inst.lruRemoveLocked(b)

			b.Frame = nil
			b.setState(StateZipPage)
			if inst.zh != nil {
				inst.zh.set(b)
			}
			return
		}
	}
}

// evictLocked removes b from the page-hash, LRU, and relocates it to the
// free list; caller holds inst.mu and has verified b.isEvictable().
func (inst *Instance) evictLocked(b *Block) {
	idx, unlock := inst.hash.lockStripeFor(pageKey{b.Space, b.PageNo})
	_ = idx
	inst.hash.removeLocked(b)
	unlock()

	inst.lruRemoveLocked(b)
	inst.freedPageClock++
	b.FreedPageClock = inst.freedPageClock
	b.Space, b.PageNo = 0, 0
	inst.pushFreeLocked(b)
}

// triggerSinglePageFlush is called when LRU eviction cannot find a clean
// victim within scanDepth; it asks the flush subsystem to make room.
func (inst *Instance) triggerSinglePageFlush() {
	inst.flushBatch(FlushSinglePage, MaxLSN, 1)
}
