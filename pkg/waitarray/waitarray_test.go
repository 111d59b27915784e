package waitarray

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// fakeMutex is a minimal Waitable used only by tests: a mutex whose holder
// and lock state are settable directly instead of through real contention.
type fakeMutex struct {
	addr    uintptr
	holders []int64
	pass    int64
}

func (m *fakeMutex) IsFree() bool   { return len(m.holders) == 0 }
func (m *fakeMutex) Holders() []int64 { return m.holders }
func (m *fakeMutex) Address() uintptr { return m.addr }
func (m *fakeMutex) Pass() int64      { return m.pass }

func TestReserveWaitFree(t *testing.T) {
	arr := New(Config{SubArrays: 2, MaxThreads: 8})
	sa := arr.Get()

	obj := &fakeMutex{addr: 1}
	r, err := sa.Reserve(obj, WaitMutex, "t.go", 10, 42)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if got := arr.NReserved(); got != 1 {
		t.Fatalf("NReserved = %d, want 1", got)
	}

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	arr.Signal(obj)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}

	if got := arr.NReserved(); got != 0 {
		t.Fatalf("NReserved after free = %d, want 0", got)
	}
}

func TestReserveFreeReserveReusesCellWithoutPanic(t *testing.T) {
	arr := New(Config{SubArrays: 1, MaxThreads: 1})
	sa := arr.Get()

	obj1 := &fakeMutex{addr: 1}
	r1, err := sa.Reserve(obj1, WaitMutex, "t.go", 1, 1)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	r1.Free()

	obj2 := &fakeMutex{addr: 2}
	r2, err := sa.Reserve(obj2, WaitMutex, "t.go", 2, 2)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r2.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	arr.Signal(obj2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal on a reused cell")
	}
}

func TestEventWaitReturnsImmediatelyIfAlreadySignalled(t *testing.T) {
	ev := newEvent()
	sc := ev.snapshot()
	ev.signal()

	done := make(chan struct{})
	go func() {
		ev.wait(sc)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait blocked despite signal already delivered")
	}
}

func TestDetectDeadlockCycle(t *testing.T) {
	arr := New(Config{SubArrays: 1, MaxThreads: 4})
	sa := arr.Get()

	m1 := &fakeMutex{addr: 1, holders: []int64{1}} // held by thread 1
	m2 := &fakeMutex{addr: 2, holders: []int64{2}} // held by thread 2

	// thread 1 waits on m2 (held by thread 2)
	r1, err := sa.Reserve(m2, WaitMutex, "a.go", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	r1.cell.waiting = true
	// thread 2 waits on m1 (held by thread 1) -> cycle
	r2, err := sa.Reserve(m1, WaitMutex, "b.go", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	r2.cell.waiting = true

	if !arr.DetectDeadlock(r1.cell) {
		t.Fatal("expected deadlock to be detected")
	}
}

func TestDetectDeadlockPrunedByPass(t *testing.T) {
	arr := New(Config{SubArrays: 1, MaxThreads: 4})
	sa := arr.Get()

	m1 := &fakeMutex{addr: 1, holders: []int64{1}, pass: 99}
	m2 := &fakeMutex{addr: 2, holders: []int64{2}}

	r1, _ := sa.Reserve(m2, WaitMutex, "a.go", 1, 1)
	r1.cell.waiting = true
	r2, _ := sa.Reserve(m1, WaitMutex, "b.go", 2, 2)
	r2.cell.waiting = true

	if arr.DetectDeadlock(r2.cell) {
		t.Fatal("pass != 0 should prune the branch, not report a deadlock")
	}
}

func TestPrintLongWaits(t *testing.T) {
	arr := New(Config{SubArrays: 1, MaxThreads: 2})
	sa := arr.Get()

	obj := &fakeMutex{addr: 7, holders: []int64{99}}
	r, err := sa.Reserve(obj, WaitRWLockWaitEx, "c.go", 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	r.cell.waiting = true
	r.cell.reservedAt = time.Now().Add(-300 * time.Second)

	var buf bytes.Buffer
	longest, waiter, sema, fatal := arr.PrintLongWaits(&buf, 240*time.Second, 600*time.Second)

	if fatal {
		t.Fatal("fatal should be false below threshold")
	}
	if longest < 290*time.Second || longest > 310*time.Second {
		t.Fatalf("longest = %v, want ~300s", longest)
	}
	if waiter == nil || waiter.ThreadID != 3 {
		t.Fatalf("waiter = %+v, want thread 3", waiter)
	}
	if sema == nil {
		t.Fatal("sema should be populated")
	}
	if !strings.Contains(buf.String(), "thread 3") {
		t.Fatalf("diagnostic output missing thread id: %s", buf.String())
	}
}
