package bufferpool

import (
	"errors"
	"fmt"

	"pagecache/internal/minitxn"
	"pagecache/internal/tablespace"
	"pagecache/pkg/waitarray"
)

// errBlockRecycled signals attachHit that the block it waited on turned
// out, once the wait was over, to no longer represent the page the
// caller asked for — it was freed and reallocated to a different page
// while the wait was in flight. Get retries from scratch on this error;
// callers never see it.
var errBlockRecycled = errors.New("bufferpool: block recycled during wait")

// errAlreadyResident signals PageInitForRead that another caller
// published a descriptor (real or in-flight) for the key first.
var errAlreadyResident = errors.New("bufferpool: page already resident")

// Engine is the StorageEngine-facing context object: it owns the
// multi-instance pool array, the shared wait array every instance
// latch and block latch suspends contended acquisition on, and the
// Tablespace/MiniTxn collaborators the core reads and writes through.
type Engine struct {
	instances []*Instance
	ts        tablespace.Tablespace
	clock     *minitxn.Clock
	cfg       Config
	warr      *waitarray.Array
}

// NewEngine builds an Engine with cfg.Instances independent shards, each
// sized cfg.PagesPerInstance, sharing one wait array sized for the pool
// as a whole.
func NewEngine(cfg Config, ts tablespace.Tablespace, clock *minitxn.Clock) *Engine {
	cfg = cfg.withDefaults()
	warr := waitarray.New(waitarray.Config{
		SubArrays:  cfg.Instances,
		MaxThreads: cfg.Instances * cfg.PagesPerInstance,
	})
	e := &Engine{ts: ts, clock: clock, cfg: cfg, warr: warr}
	e.instances = make([]*Instance, cfg.Instances)
	for i := range e.instances {
		e.instances[i] = newInstance(i, cfg, ts, warr)
	}
	return e
}

func (e *Engine) instanceFor(space tablespace.SpaceID, pageNo tablespace.PageNo) *Instance {
	return e.instances[instanceFor(len(e.instances), space, pageNo)]
}

// Get is the core page-acquisition entry point. On a
// hit it buffer-fixes the resident block, promotes it out of the old LRU
// region when peekIfTooOld says it qualifies, takes the requested latch,
// and returns it. On a miss, ModeGet, ModeGetNoLatch and
// ModeGetPossiblyFreed read the page from the tablespace; every other
// mode reports the miss without touching disk.
func (e *Engine) Get(mtxn *minitxn.MiniTxn, space tablespace.SpaceID, pageNo tablespace.PageNo, mode GetMode, latch LatchMode) (*Block, error) {
	if e.ts.IsDeleted(space) {
		return nil, fmt.Errorf("bufferpool: get space %d page %d: %w", space, pageNo, ErrTablespaceDeleted)
	}

	inst := e.instanceFor(space, pageNo)
	key := pageKey{Space: space, PageNo: pageNo}

	if b := inst.hash.lookup(key); b != nil {
		blk, err := e.attachHit(inst, mtxn, b, mode, latch)
		if err == errBlockRecycled {
			return e.Get(mtxn, space, pageNo, mode, latch)
		}
		return blk, err
	}

	if inst.zh != nil {
		if zb, ok := inst.zh.get(key.Space, key.PageNo); ok {
			return e.attachZipHit(inst, mtxn, zb, mode, latch)
		}
	}

	switch mode {
	case ModeGetIfInPool, ModePeekIfInPool, ModeEvictIfInPool:
		return nil, nil
	case ModeGetIfInPoolOrWatch:
		resident, ok := inst.WatchSet(key)
		if resident != nil {
			blk, err := e.attachHit(inst, mtxn, resident, mode, latch)
			if err == errBlockRecycled {
				return e.Get(mtxn, space, pageNo, mode, latch)
			}
			return blk, err
		}
		if !ok {
			return nil, fmt.Errorf("bufferpool: watch set space %d page %d: %w", space, pageNo, ErrPoolExhausted)
		}
		return nil, nil
	}

	// ModeGet, ModeGetNoLatch and ModeGetPossiblyFreed all fall through to
	// the disk read; ModeGetPossiblyFreed exists only so a caller can tell a genuine miss
	// from a page that was freed underneath it apart from a read error.
	return e.readFromDisk(inst, mtxn, key, latch)
}

// attachHit applies the promotion policy and takes the requested latch
// on an already-resident block. If the block was found mid-read (either
// a placeholder PageInitForRead published, or a resident block a racing
// reader is still filling in), it waits for that read to resolve by
// taking and releasing the block's content latch, then re-validates the
// block's identity and outcome before trusting it.
func (e *Engine) attachHit(inst *Instance, mtxn *minitxn.MiniTxn, b *Block, mode GetMode, latch LatchMode) (*Block, error) {
	wantSpace, wantPageNo := b.Space, b.PageNo
	b.fix()

	if b.IOFixState() == IOFixRead {
		b.Latch.Lock()
		b.Latch.Unlock()

		if b.Space != wantSpace || b.PageNo != wantPageNo {
			b.unfix()
			return nil, errBlockRecycled
		}
		if b.FailedRead != nil || b.Poisoned {
			err := b.FailedRead
			b.unfix()
			if err == nil {
				err = fmt.Errorf("bufferpool: get space %d page %d: %w", wantSpace, wantPageNo, ErrPageCorrupted)
			}
			return nil, err
		}
	}

	if mode != ModePeekIfInPool && inst.peekIfTooOld(b) {
		inst.mu.Lock()
		inst.makeYoungLocked(b)
		inst.mu.Unlock()
	} else {
		inst.stat.NPagesNotMadeYoung.Add(1)
	}
	b.touch()

	e.takeLatch(mtxn, b, latch)
	return b, nil
}

// attachZipHit reattaches a compressed-only descriptor found in zipHash:
// it decompresses into a fresh Frame, rejoins the main page-hash and the
// unzip-LRU, and leaves zipHash, before falling through to the same
// promotion/latch logic as an ordinary hit.
func (e *Engine) attachZipHit(inst *Instance, mtxn *minitxn.MiniTxn, b *Block, mode GetMode, latch LatchMode) (*Block, error) {
	inst.stat.PendingUnzip.Add(1)

	inst.mu.Lock()
	inst.zh.remove(b.Space, b.PageNo)
	if b.Frame == nil {
		b.Frame = make([]byte, tablespace.PageSize)
		if b.Zip != nil {
			copy(b.Frame, b.Zip.Data)
		}
	}
	b.setState(StateFilePage)

	idx, unlock := inst.hash.lockStripeFor(pageKey{b.Space, b.PageNo})
	_ = idx
	inst.hash.insertLocked(b)
	unlock()
	inst.lruInsertNewLocked(b)
	inst.unzip.pushFront(b)
	inst.mu.Unlock()

	inst.stat.PendingUnzip.Add(-1)
	return e.attachHit(inst, mtxn, b, mode, latch)
}

func (e *Engine) takeLatch(mtxn *minitxn.MiniTxn, b *Block, latch LatchMode) {
	switch latch {
	case LatchShared:
		b.Latch.RLock()
		if mtxn != nil {
			mtxn.RecordLatch(b.Latch.RUnlock)
		}
	case LatchExclusive:
		b.Latch.Lock()
		if mtxn != nil {
			mtxn.RecordLatch(b.Latch.Unlock)
		}
	case LatchNone:
	}
}

// PageInitForRead publishes a fresh descriptor for key into the page
// hash under io_fix=READ before any I/O happens, so a concurrent miss
// for the same page finds this placeholder instead of issuing a second
// read — at most one disk read per (space, page_no) in flight at a
// time. Publishing happens under the page-hash stripe's exclusive
// latch, and the block's own exclusive content latch is taken before
// that stripe latch is dropped (lock hierarchy: page-hash stripe above
// per-block rwlock), so a concurrent attachHit that finds the
// placeholder via the hash can only ever observe it already latched.
//
// The returned block is already buffer-fixed and holds its own
// exclusive content latch; the caller must resolve the read and then
// release that latch, directly on success or via abortRead on failure.
func (inst *Instance) PageInitForRead(key pageKey) (*Block, error) {
	b, err := inst.blockAlloc()
	if err != nil {
		return nil, err
	}
	b.Space, b.PageNo = key.Space, key.PageNo
	b.FailedRead = nil
	b.Poisoned = false

	idx, unlock := inst.hash.lockStripeFor(key)
	_ = idx
	if existing := inst.hash.lookupLocked(key); existing != nil {
		unlock()
		inst.blockFree(b)
		return nil, errAlreadyResident
	}
	b.Latch.Lock()
	b.setIOFix(IOFixRead)
	inst.hash.insertLocked(b)
	unlock()

	b.fix()
	inst.stat.PendingReads.Add(1)
	return b, nil
}

// abortRead cleans up a failed in-flight read: err is stamped onto
// FailedRead and the block is pulled out of the page hash and returned
// to the free list BEFORE its content latch is released, so a waiter
// that blocked on the latch wakes only after the block is already
// invalid and back on the free list — never as a stale hit it could
// mistake for valid data.
func (inst *Instance) abortRead(b *Block, err error) {
	b.FailedRead = err
	b.setIOFix(IOFixNone)

	idx, unlock := inst.hash.lockStripeFor(pageKey{b.Space, b.PageNo})
	_ = idx
	inst.hash.removeLocked(b)
	unlock()

	b.unfix()
	inst.blockFree(b)
	b.Latch.Unlock()
}

// readFromDisk implements the miss path: publish a placeholder, read
// the page in, verify its checksum, and publish it into the LRU before
// returning it latched.
func (e *Engine) readFromDisk(inst *Instance, mtxn *minitxn.MiniTxn, key pageKey, latch LatchMode) (*Block, error) {
	b, err := inst.PageInitForRead(key)
	if err != nil {
		if err == errAlreadyResident {
			if resident := inst.hash.lookup(key); resident != nil {
				blk, hitErr := e.attachHit(inst, mtxn, resident, ModeGet, latch)
				if hitErr == errBlockRecycled {
					return e.readFromDisk(inst, mtxn, key, latch)
				}
				return blk, hitErr
			}
			return e.readFromDisk(inst, mtxn, key, latch)
		}
		return nil, err
	}

	readErr := e.ts.Read(key.Space, key.PageNo, 0, b.Frame)
	inst.stat.PendingReads.Add(-1)

	if readErr == nil && !verifyChecksum(b.Frame, inst.cfg.Checksum) {
		b.Poisoned = true
		readErr = fmt.Errorf("bufferpool: read space %d page %d: %w", key.Space, key.PageNo, ErrPageCorrupted)
	}
	if readErr != nil {
		inst.abortRead(b, readErr)
		return nil, readErr
	}
	// decrypt after the checksum (computed over the encrypted bytes on
	// write) has already been verified — encryptBeforeWrite's XOR
	// obfuscation is its own inverse.
	inst.encryptBeforeWrite(b.Frame)

	b.setState(StateFilePage)
	inst.ioComplete(b, false)
	inst.stat.NPagesRead.Add(1)

	inst.mu.Lock()
	inst.lruInsertNewLocked(b)
	inst.mu.Unlock()

	b.Latch.Unlock()

	e.takeLatch(mtxn, b, latch)
	return b, nil
}

// Create allocates a fresh, zero-filled page for a caller that is about
// to initialize it in memory rather than read it from disk: the page never touches the tablespace until
// the first flush.
func (e *Engine) Create(mtxn *minitxn.MiniTxn, space tablespace.SpaceID, pageNo tablespace.PageNo, latch LatchMode) (*Block, error) {
	inst := e.instanceFor(space, pageNo)
	key := pageKey{Space: space, PageNo: pageNo}

	if existing := inst.hash.lookup(key); existing != nil {
		return nil, fmt.Errorf("bufferpool: create space %d page %d: already resident", space, pageNo)
	}

	b, err := inst.blockAlloc()
	if err != nil {
		return nil, err
	}
	for i := range b.Frame {
		b.Frame[i] = 0
	}
	b.Space, b.PageNo = space, pageNo
	b.setState(StateMemory)
	b.fix()
	inst.stat.NPagesCreated.Add(1)

	inst.mu.Lock()
	idx, unlock := inst.hash.lockStripeFor(key)
	_ = idx
	inst.hash.insertLocked(b)
	unlock()
	inst.lruInsertNewLocked(b)
	b.setState(StateFilePage)
	inst.mu.Unlock()

	e.takeLatch(mtxn, b, latch)
	return b, nil
}

// Release drops the buffer-fix Get/Create added; it does not release any
// latch, which the caller (or its MiniTxn) owns independently.
func (e *Engine) Release(b *Block) {
	b.unfix()
}

// Optimistic re-validates a cursor's remembered block without a page-
// hash lookup at all: it takes the requested latch directly, then
// checks that the block still represents the same page and has not been
// modified since modifyClock was captured. On success the latch is left
// held (recorded against mtxn, if given) exactly as a Get hit would
// leave it; on a mismatch the latch is released immediately and the
// caller must fall back to a full Get.
func (e *Engine) Optimistic(mtxn *minitxn.MiniTxn, b *Block, space tablespace.SpaceID, pageNo tablespace.PageNo, modifyClock uint64, latch LatchMode) bool {
	switch latch {
	case LatchShared:
		b.Latch.RLock()
	case LatchExclusive:
		b.Latch.Lock()
	case LatchNone:
	}

	ok := b.Space == space && b.PageNo == pageNo && b.ModifyClock == modifyClock
	switch {
	case ok:
		if mtxn != nil {
			switch latch {
			case LatchShared:
				mtxn.RecordLatch(b.Latch.RUnlock)
			case LatchExclusive:
				mtxn.RecordLatch(b.Latch.Unlock)
			}
		}
	default:
		switch latch {
		case LatchShared:
			b.Latch.RUnlock()
		case LatchExclusive:
			b.Latch.Unlock()
		}
	}
	return ok
}

// TryGet is the known-nowait get used by scans that already hold a
// block pointer (LRU/flush-list walks): it fixes the block only if the
// content latch is not currently contended, so a scan never queues
// behind a waiter it doesn't need to serialize with. mode selects
// whether the hit promotes the block out of the old LRU region.
func (e *Engine) TryGet(b *Block, mode KnownNowaitMode) bool {
	inst := e.instances[b.BufPoolIndex]

	if !b.Latch.TryRLock() {
		return false
	}
	b.Latch.RUnlock()

	b.fix()
	if mode == KnownMakeYoung {
		inst.mu.Lock()
		inst.makeYoungLocked(b)
		inst.mu.Unlock()
	}
	b.touch()
	return true
}

// GetZip fetches space/pageNo's compressed image directly from zipHash,
// without decompressing it and rejoining the main page hash the way an
// ordinary Get would. It only serves pages that are compressed-only
// right now; a page that is fully resident or entirely absent reports
// ok=false, leaving the caller to fall back to Get.
func (e *Engine) GetZip(space tablespace.SpaceID, pageNo tablespace.PageNo) (*ZipDescriptor, bool) {
	inst := e.instanceFor(space, pageNo)
	if inst.zh == nil {
		return nil, false
	}
	b, ok := inst.zh.get(space, pageNo)
	if !ok || b.Zip == nil {
		return nil, false
	}
	return b.Zip, true
}

// ReleaseZip is GetZip's matching release. zipHash hits are not
// buffer-fixed the way a resident Block is — there is no fix to drop —
// but the operation is named explicitly, matching get_zip, rather than
// silently omitted.
func (e *Engine) ReleaseZip(*ZipDescriptor) {}

// MarkDirty records that b was modified under lsn, entering it on the
// flush list the first time it is dirtied.
func (e *Engine) MarkDirty(b *Block, lsn minitxn.LSN) {
	inst := e.instances[b.BufPoolIndex]
	inst.flushMu.Lock()
	inst.markDirtyLocked(b, lsn)
	inst.flushMu.Unlock()
}

// MakeYoung explicitly promotes b, independent of the access-triggered
// promotion in Get.
func (e *Engine) MakeYoung(b *Block) {
	inst := e.instances[b.BufPoolIndex]
	inst.mu.Lock()
	inst.makeYoungLocked(b)
	inst.mu.Unlock()
}

// BeginRecovery/EndRecovery/RecoveryLowWaterMark route to instanceIdx's
// recovery tree, the LSN-ordered mirror of the flush list that log
// replay consults while pages are still arriving out of order.
func (e *Engine) BeginRecovery(instanceIdx int) { e.instances[instanceIdx].BeginRecovery() }

func (e *Engine) EndRecovery(instanceIdx int) { e.instances[instanceIdx].EndRecovery() }

func (e *Engine) RecoveryLowWaterMark(instanceIdx int) minitxn.LSN {
	return e.instances[instanceIdx].RecoveryLowWaterMark()
}

// WatchSet/WatchUnset/WatchOccurred route to the owning instance.
func (e *Engine) WatchSet(space tablespace.SpaceID, pageNo tablespace.PageNo) (*Block, bool) {
	inst := e.instanceFor(space, pageNo)
	return inst.WatchSet(pageKey{Space: space, PageNo: pageNo})
}

func (e *Engine) WatchUnset(space tablespace.SpaceID, pageNo tablespace.PageNo) {
	inst := e.instanceFor(space, pageNo)
	inst.WatchUnset(pageKey{Space: space, PageNo: pageNo})
}

func (e *Engine) WatchOccurred(space tablespace.SpaceID, pageNo tablespace.PageNo) bool {
	inst := e.instanceFor(space, pageNo)
	return inst.WatchOccurred(pageKey{Space: space, PageNo: pageNo})
}

// FlushList asks instance instanceIdx to run a FlushList batch up to
// limit, writing at most maxCount dirty pages.
func (e *Engine) FlushList(instanceIdx int, limit minitxn.LSN, maxCount int) (int, error) {
	if instanceIdx < 0 || instanceIdx >= len(e.instances) {
		return 0, errors.New("bufferpool: instance index out of range")
	}
	return e.instances[instanceIdx].flushBatch(FlushList, limit, maxCount), nil
}

// IoComplete finishes an I/O operation against b: it clears io_fix and,
// for a completed write, clears OldestModification and removes b from
// the flush list. evictFlag additionally evicts b immediately once it
// is otherwise evictable — the reason FlushType=LRU flushes at all is
// to make room right now, not just to clean a dirty page.
func (e *Engine) IoComplete(b *Block, evictFlag bool) {
	e.instances[b.BufPoolIndex].ioComplete(b, evictFlag)
}

// NumInstances reports the shard count, mostly useful for iterating
// Snapshot/RefreshIOStats across every instance.
func (e *Engine) NumInstances() int { return len(e.instances) }

func (e *Engine) Instance(i int) *Instance { return e.instances[i] }
