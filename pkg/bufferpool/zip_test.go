package bufferpool

import (
	"testing"

	"pagecache/internal/minitxn"
	"pagecache/internal/tablespace"
)

func TestBuddyAllocatorReusesFreedSizeClass(t *testing.T) {
	a := newBuddyAllocator()

	small := a.alloc(100)
	if small == nil || classSize(small.sClass) < 100 {
		t.Fatalf("alloc(100) = %+v, want a class >= 100 bytes", small)
	}

	a.free(small)
	again := a.alloc(100)
	if again.sClass != small.sClass {
		t.Fatalf("alloc after free landed in class %d, want reused class %d", again.sClass, small.sClass)
	}
}

func TestZipHashSetGetRemove(t *testing.T) {
	zh, err := newZipHash(16)
	if err != nil {
		t.Fatalf("newZipHash: %v", err)
	}
	defer zh.close()

	b := &Block{Space: 1, PageNo: 2}
	zh.set(b)
	zh.cache.Wait()

	got, ok := zh.get(1, 2)
	if !ok || got != b {
		t.Fatalf("get after set = (%v, %v), want (%v, true)", got, ok, b)
	}

	zh.remove(1, 2)
	zh.cache.Wait()
	if _, ok := zh.get(1, 2); ok {
		t.Fatal("expected miss after remove")
	}
}

func TestGetZipMissWhenNotCompressedOnly(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 4})

	if _, ok := e.GetZip(11, 1); ok {
		t.Fatal("expected GetZip miss for a page that was never compressed")
	}
}

// seedCompressedOnly drives a block through the same sequence the real
// compression path does before evictFirstCleanUnzip runs: resident in the
// main hash/LRU with both a decompressed Frame and a buddy-allocated Zip
// image, then linked onto the unzip-LRU, which is what makes it eligible
// for evictFirstCleanUnzip to pick up and compress-only.
func seedCompressedOnly(t *testing.T, inst *Instance, space tablespace.SpaceID, pageNo tablespace.PageNo, payload string) *Block {
	t.Helper()

	b, err := inst.blockAlloc()
	if err != nil {
		t.Fatalf("blockAlloc: %v", err)
	}
	b.Space, b.PageNo = space, pageNo
	b.setState(StateFilePage)

	zb := inst.zip.alloc(len(payload))
	copy(zb.data, payload)
	b.Zip = &ZipDescriptor{Data: zb.data, SSize: uint8(zb.sClass)}

	inst.mu.Lock()
	key := pageKey{Space: space, PageNo: pageNo}
	idx, unlock := inst.hash.lockStripeFor(key)
	_ = idx
	inst.hash.insertLocked(b)
	unlock()
	inst.lruInsertNewLocked(b)
	inst.unzip.pushFront(b)
	inst.mu.Unlock()

	return b
}

func TestEvictFirstCleanUnzipMovesBlockIntoZipHash(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 4})
	inst := e.Instance(0)

	b := seedCompressedOnly(t, inst, 3, 9, "zipped-payload")

	inst.mu.Lock()
	inst.evictFirstCleanUnzip()
	inst.mu.Unlock()

	if b.Frame != nil {
		t.Fatal("expected Frame to be dropped once compressed-only")
	}
	if b.State() != StateZipPage {
		t.Fatalf("state = %v, want StateZipPage", b.State())
	}
	if got := inst.hash.lookup(pageKey{Space: 3, PageNo: 9}); got != nil {
		t.Fatal("compressed-only block must leave the main page hash")
	}

	inst.zh.cache.Wait()
	zd, ok := e.GetZip(3, 9)
	if !ok || zd != b.Zip {
		t.Fatalf("GetZip after evict = (%v, %v), want (%v, true)", zd, ok, b.Zip)
	}
	e.ReleaseZip(zd)
}

func TestAttachZipHitReattachesAndDecompresses(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Instances: 1, PagesPerInstance: 4})
	inst := e.Instance(0)

	b := seedCompressedOnly(t, inst, 4, 1, "zipped-payload")
	inst.mu.Lock()
	inst.evictFirstCleanUnzip()
	inst.mu.Unlock()
	inst.zh.cache.Wait()

	mtxn := minitxn.New(clock)
	got, err := e.Get(mtxn, 4, 1, ModeGet, LatchShared)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != b {
		t.Fatalf("get returned %v, want the reattached block %v", got, b)
	}
	if got.Frame == nil {
		t.Fatal("expected Frame to be rebuilt from the compressed image")
	}
	if string(got.Frame[:len("zipped-payload")]) != "zipped-payload" {
		t.Fatalf("reattached frame = %q, want the decompressed payload", got.Frame[:len("zipped-payload")])
	}
	if inst.hash.lookup(pageKey{Space: 4, PageNo: 1}) != got {
		t.Fatal("reattached block should have rejoined the main page hash")
	}
	if _, ok := inst.zh.get(4, 1); ok {
		t.Fatal("reattached block should have left zipHash")
	}

	e.Release(got)
	mtxn.Commit()
}
