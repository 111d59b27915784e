package waitarray

import (
	"sync"
	"time"
)

// WaitType distinguishes which kind of primitive a cell is blocking on:
// a plain mutex, or a reader/writer lock held shared or exclusive.
type WaitType int

const (
	WaitMutex WaitType = iota
	WaitRWLockShared
	WaitRWLockExclusive
	WaitRWLockWaitEx
)

func (t WaitType) String() string {
	switch t {
	case WaitMutex:
		return "MUTEX"
	case WaitRWLockShared:
		return "RW_LOCK_SHARED"
	case WaitRWLockExclusive:
		return "RW_LOCK_EX"
	case WaitRWLockWaitEx:
		return "RW_LOCK_WAIT_EX"
	default:
		return "UNKNOWN"
	}
}

// Waitable is the minimal surface a mutex or rwlock must expose so the wait
// array can reserve a cell for it, wake it on the periodic sweep, and let
// the deadlock detector walk its holder set. A real internal mutex/rwlock
// in the buffer pool core implements this directly.
type Waitable interface {
	// IsFree reports whether the primitive is observably free right now,
	// used by WakeThreadsIfSemaFree as a correctness backstop.
	IsFree() bool
	// Holders returns the thread IDs currently holding the primitive
	// (one for a mutex/exclusive rwlock, any number for a shared rwlock).
	Holders() []int64
	// Address is a stable identity used only for diagnostic printing.
	Address() uintptr
}

// Cell is one reservation slot in a sub-array.
type Cell struct {
	mu sync.Mutex

	object   Waitable
	waitType WaitType
	file     string
	line     int
	threadID int64

	waiting      bool
	signalCount  uint64
	reservedAt   time.Time
	event        *event
	reserved     bool
}

// reset clears everything a reservation wrote into the cell, but leaves
// event alone: it's a fixed per-cell resource allocated once in New, not
// part of per-reservation state, and Reserve's c.event.snapshot() call
// needs it to still be there the next time this slot is claimed.
func (c *Cell) reset() {
	c.object = nil
	c.waitType = 0
	c.file = ""
	c.line = 0
	c.threadID = 0
	c.waiting = false
	c.signalCount = 0
	c.reservedAt = time.Time{}
	c.reserved = false
}

// Snapshot is a point-in-time, lock-free-to-read copy of a cell's fields,
// used by the semaphore-waits introspection view.
type Snapshot struct {
	ThreadID    int64
	File        string
	Line        int
	WaitSeconds float64
	ObjectAddr  uintptr
	WaitType    WaitType
	Waiting     bool
}
