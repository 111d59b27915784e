package bufferpool

import (
	"fmt"

	"pagecache/internal/tablespace"
	"pagecache/pkg/waitarray"
)

// Instance is one of N independent buffer pool shards. Sharding by instance is how the core gets
// parallel latch throughput without a single pool-wide lock; Engine picks
// an instance per (space, page_no) deterministically so every caller
// agrees on where a given page lives.
type Instance struct {
	index int

	warr *waitarray.Array // shared with every other instance's latches

	mu *trackedMutex // instance latch: guards free list, LRU/unzip-LRU topology

	chunks []*Block // every descriptor this instance owns, contiguous slab
	hash   *pageHash

	freeHead *Block // LIFO free list head, linked through freeNext

	lru   lruList
	unzip unzipList

	flushMu    *trackedMutex // flush-list latch: level below the instance latch
	flush      flushList
	recovery   *recoveryTree // non-nil only between BeginRecovery/EndRecovery
	noFlush    [flushTypeCount]*noFlushEvent
	nFlushing  [flushTypeCount]int

	watch []Block // pre-allocated POOL_WATCH sentinels, fixed address

	zip *buddyAllocator
	zh  *zipHash

	hpFlush  *HazardPointer // flush-scan hazard pointer
	hpLRU    *HazardPointer // LRU-scan hazard pointer
	hpLRUItr *HazardPointer // LRU-itr hazard pointer, resumption position

	tmp *tmpArray

	stat    Stat
	oldStat Stat

	freedPageClock uint32

	cfg Config
	ts  tablespace.Tablespace
}

func newInstance(idx int, cfg Config, ts tablespace.Tablespace, warr *waitarray.Array) *Instance {
	inst := &Instance{
		index:   idx,
		cfg:     cfg,
		ts:      ts,
		warr:    warr,
		mu:      newTrackedMutex(warr),
		flushMu: newTrackedMutex(warr),
		hash:    newPageHash(cfg.PagesPerInstance*2, cfg.PageHashLocks, warr),
		zip:     newBuddyAllocator(),
		tmp:     newTmpArray(cfg.TmpSlots, tablespace.PageSize),
		watch:   make([]Block, cfg.WatchSize),
	}
	if zh, err := newZipHash(int64(cfg.PagesPerInstance)); err == nil {
		inst.zh = zh
	}
	inst.hpFlush = newHazardPointer(hazardFlushList, inst)
	inst.hpLRU = newHazardPointer(hazardLRU, inst)
	inst.hpLRUItr = newHazardPointer(hazardLRUIter, inst)
	for i := range inst.noFlush {
		inst.noFlush[i] = newNoFlushEvent()
	}

	inst.chunks = make([]*Block, cfg.PagesPerInstance)
	for i := range inst.chunks {
		b := newBlock(tablespace.PageSize, warr)
		b.BufPoolIndex = idx
		inst.chunks[i] = b
		inst.pushFreeLocked(b)
	}
	for i := range inst.watch {
		inst.watch[i].BufPoolIndex = idx
		inst.watch[i].Latch = newTrackedRWMutex(warr)
		inst.watch[i].setState(StateNotUsed)
	}
	return inst
}

// pushFreeLocked pushes b onto the free list's head. Caller holds mu.
func (inst *Instance) pushFreeLocked(b *Block) {
	b.setState(StateNotUsed)
	b.freeNext = inst.freeHead
	b.freePrev = nil
	if inst.freeHead != nil {
		inst.freeHead.freePrev = b
	}
	inst.freeHead = b
}

// popFreeLocked pops the free list's head, or returns nil if empty. Caller
// holds mu.
func (inst *Instance) popFreeLocked() *Block {
	b := inst.freeHead
	if b == nil {
		return nil
	}
	inst.freeHead = b.freeNext
	if inst.freeHead != nil {
		inst.freeHead.freePrev = nil
	}
	b.freeNext = nil
	b.freePrev = nil
	return b
}

// blockAlloc pops a free descriptor, or drives LRU eviction if none is
// free.
func (inst *Instance) blockAlloc() (*Block, error) {
	inst.mu.Lock()
	b := inst.popFreeLocked()
	inst.mu.Unlock()
	if b != nil {
		b.setState(StateReadyForUse)
		return b, nil
	}

	b, err := inst.getFreeBlock()
	if err != nil {
		return nil, err
	}
	b.setState(StateReadyForUse)
	return b, nil
}

// blockFree transitions b to NOT_USED and returns it to the free list.
func (inst *Instance) blockFree(b *Block) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.pushFreeLocked(b)
}

// instanceFor deterministically maps (space, page_no) to an instance index,
// so every caller agrees on where a given page lives.
func instanceFor(n int, space tablespace.SpaceID, pageNo tablespace.PageNo) int {
	if n <= 1 {
		return 0
	}
	return int(fnv64(uint64(space), uint64(pageNo)) % uint64(n))
}

func (inst *Instance) String() string {
	return fmt.Sprintf("instance[%d]", inst.index)
}
