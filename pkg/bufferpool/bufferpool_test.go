package bufferpool

import (
	"testing"

	"pagecache/internal/minitxn"
	"pagecache/internal/tablespace"
)

// fakeTablespace is a minimal in-memory Tablespace used only by tests, so
// reads and writes never touch a real file.
type fakeTablespace struct {
	pages   map[uint64][]byte
	deleted map[tablespace.SpaceID]bool
}

func newFakeTablespace() *fakeTablespace {
	return &fakeTablespace{pages: make(map[uint64][]byte), deleted: make(map[tablespace.SpaceID]bool)}
}

func fakeKey(space tablespace.SpaceID, pageNo tablespace.PageNo) uint64 {
	return uint64(space)<<32 | uint64(pageNo)
}

func (ts *fakeTablespace) Read(space tablespace.SpaceID, pageNo tablespace.PageNo, zipSize uint32, dst []byte) error {
	src, ok := ts.pages[fakeKey(space, pageNo)]
	if !ok {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	copy(dst, src)
	return nil
}

func (ts *fakeTablespace) Write(space tablespace.SpaceID, pageNo tablespace.PageNo, src []byte) error {
	buf := make([]byte, len(src))
	copy(buf, src)
	ts.pages[fakeKey(space, pageNo)] = buf
	return nil
}

func (ts *fakeTablespace) IsDeleted(space tablespace.SpaceID) bool { return ts.deleted[space] }
func (ts *fakeTablespace) Version(space tablespace.SpaceID) uint64 { return 1 }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeTablespace, *minitxn.Clock) {
	t.Helper()
	ts := newFakeTablespace()
	clock := &minitxn.Clock{}
	return NewEngine(cfg, ts, clock), ts, clock
}

func TestCreateThenGetIsAHit(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16})
	mtxn := minitxn.New(clock)

	b, err := e.Create(mtxn, 1, 1, LatchExclusive)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	copy(b.Frame, []byte("hello"))
	e.MarkDirty(b, mtxn.NextModificationLSN())
	e.Release(b)
	mtxn.Commit()

	mtxn2 := minitxn.New(clock)
	got, err := e.Get(mtxn2, 1, 1, ModeGet, LatchShared)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Frame[:5]) != "hello" {
		t.Fatalf("frame = %q, want hello-prefixed", got.Frame[:5])
	}
	e.Release(got)
	mtxn2.Commit()
}

func TestGetMissWithoutModeGetReturnsNil(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16})
	mtxn := minitxn.New(clock)

	b, err := e.Get(mtxn, 1, 99, ModeGetIfInPool, LatchNone)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil block on miss, got %v", b)
	}
}

func TestSecondAccessPromotesOutOfOldRegion(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16, OldBlocksTimeMs: 0})
	mtxn := minitxn.New(clock)

	b, err := e.Create(mtxn, 1, 1, LatchNone)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !b.Old {
		t.Fatal("freshly inserted block should land in the old region")
	}
	e.Release(b)

	got, err := e.Get(minitxn.New(clock), 1, 1, ModeGet, LatchNone)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Old {
		t.Fatal("second access past OldBlocksTimeMs should have promoted the block")
	}
	e.Release(got)
}

func TestMarkDirtyThenFlushWritesThroughTablespace(t *testing.T) {
	e, ts, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16})
	mtxn := minitxn.New(clock)

	b, err := e.Create(mtxn, 3, 7, LatchNone)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	copy(b.Frame[bodyOffset:], []byte("dirty-page"))
	e.MarkDirty(b, mtxn.NextModificationLSN())
	e.Release(b)

	n, err := e.FlushList(0, MaxLSN, 10)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed = %d, want 1", n)
	}
	if b.OldestModification != 0 {
		t.Fatal("OldestModification should be cleared after a successful write-back")
	}

	written, ok := ts.pages[fakeKey(3, 7)]
	if !ok {
		t.Fatal("expected tablespace.Write to have recorded the page")
	}
	if string(written[bodyOffset:bodyOffset+10]) != "dirty-page" {
		t.Fatalf("written payload = %q", written[bodyOffset:bodyOffset+10])
	}
}

func TestCorruptedChecksumIsRejected(t *testing.T) {
	e, ts, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16, Checksum: ChecksumCRC32})

	payload := make([]byte, tablespace.PageSize)
	copy(payload[bodyOffset:], []byte("garbled"))
	stampChecksum(payload, ChecksumCRC32)
	payload[bodyOffset] ^= 0xFF // flip a body byte after stamping
	ts.pages[fakeKey(2, 5)] = payload

	_, err := e.Get(minitxn.New(clock), 2, 5, ModeGet, LatchNone)
	if err == nil {
		t.Fatal("expected ErrPageCorrupted on a tampered page")
	}
}

func TestAllZeroPageNeverReportsCorrupted(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16, Checksum: ChecksumCRC32})

	// fakeTablespace.Read zero-fills when a page was never written.
	b, err := e.Get(minitxn.New(clock), 9, 1, ModeGet, LatchNone)
	if err != nil {
		t.Fatalf("get of a never-written all-zero page should succeed: %v", err)
	}
	e.Release(b)
}

func TestWatchSetThenOccurredBeforeAndAfterArrival(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 16, WatchSize: 4})

	resident, ok := e.WatchSet(5, 1)
	if resident != nil || !ok {
		t.Fatalf("WatchSet on a fresh key = (%v, %v), want (nil, true)", resident, ok)
	}
	if e.WatchOccurred(5, 1) {
		t.Fatal("WatchOccurred should be false while the sentinel is still unclaimed")
	}

	mtxn := minitxn.New(clock)
	b, err := e.Create(mtxn, 5, 1, LatchNone)
	// Create conflicts with an installed watch sentinel in this engine, the
	// real arrival path is a disk read; simulate it by unsetting the watch
	// and reading through instead when Create reports already-resident.
	if err != nil {
		e.WatchUnset(5, 1)
		b, err = e.Create(mtxn, 5, 1, LatchNone)
		if err != nil {
			t.Fatalf("create after watch unset: %v", err)
		}
	}
	e.Release(b)

	if !e.WatchOccurred(5, 1) {
		t.Fatal("WatchOccurred should be true once a real block occupies the slot")
	}
}

func TestEvictionSkipsDirtyAndFixedBlocks(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 2})

	mtxn := minitxn.New(clock)
	dirty, err := e.Create(mtxn, 1, 1, LatchNone)
	if err != nil {
		t.Fatalf("create dirty: %v", err)
	}
	e.MarkDirty(dirty, mtxn.NextModificationLSN())
	e.Release(dirty) // fix count back to zero, but still dirty

	fixed, err := e.Create(mtxn, 1, 2, LatchNone)
	if err != nil {
		t.Fatalf("create fixed: %v", err)
	}
	// leave fixed's buffer-fix held by not calling Release

	_, err = e.Create(mtxn, 1, 3, LatchNone)
	if err == nil {
		t.Fatal("expected pool exhaustion: both resident blocks are ineligible for eviction")
	}
	e.Release(fixed)
}

func TestRecoveryTreeMirrorsOutOfOrderDirtyBlocks(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 4})
	inst := e.Instance(0)

	inst.BeginRecovery()

	mtxn := minitxn.New(clock)
	a, err := e.Create(mtxn, 1, 1, LatchNone)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	e.MarkDirty(a, minitxn.LSN(50))

	b, err := e.Create(mtxn, 1, 2, LatchNone)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	e.MarkDirty(b, minitxn.LSN(10)) // arrives "later" but with a lower LSN, as replay can

	if got := inst.RecoveryLowWaterMark(); got != minitxn.LSN(10) {
		t.Fatalf("low water mark = %v, want 10", got)
	}

	inst.EndRecovery()
	if got := inst.RecoveryLowWaterMark(); got != 0 {
		t.Fatalf("low water mark after EndRecovery = %v, want 0", got)
	}

	e.Release(a)
	e.Release(b)
}

func TestHazardPointerAdjustsPastRemovedBlock(t *testing.T) {
	inst := newInstance(0, Config{Instances: 1, PagesPerInstance: 4}.withDefaults(), nil, nil)

	a := inst.popFreeLocked()
	b := inst.popFreeLocked()
	// LRU scans walk from the tail toward the head, so with b at the tail
	// the block after b in scan order is a (b's lruPrev).
	inst.lru.pushFront(b)
	inst.lru.pushFront(a)

	inst.hpLRU.set(b)
	inst.lruRemoveLocked(b)

	if got := inst.hpLRU.get(); got != a {
		t.Fatalf("hazard pointer after removing b = %v, want %v", got, a)
	}
}
