// Package waitarray is the OS-event-backed suspend/resume channel every
// internal mutex and reader/writer latch in the buffer pool core routes
// through when contended, plus its diagnostics: long-wait reporting and
// (debug-only) deadlock detection.
package waitarray

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoFreeCell is fatal: it means the sub-array was sized too small for
// the number of threads actually contending on it.
var ErrNoFreeCell = errors.New("waitarray: no free cell")

// subArray is one of the N independent cell arrays, each with its own lock
// so reservations on different sub-arrays never contend with each other.
type subArray struct {
	mu    sync.Mutex
	cells []Cell
}

// Array is the full wait array: S independent sub-arrays, round-robined by
// an atomic counter on Get.
type Array struct {
	subs    []*subArray
	next    atomic.Uint64
	nCells  int // cells per sub-array, kept for diagnostics
}

// Config sizes the wait array at construction.
type Config struct {
	SubArrays    int // srv_sync_array_size
	MaxThreads   int // total concurrent waiters the array must serve
}

// New allocates S independent sub-arrays, each sized ceil(MaxThreads/S).
func New(cfg Config) *Array {
	if cfg.SubArrays < 1 {
		cfg.SubArrays = 1
	}
	perSub := (cfg.MaxThreads + cfg.SubArrays - 1) / cfg.SubArrays
	if perSub < 1 {
		perSub = 1
	}

	a := &Array{nCells: perSub}
	a.subs = make([]*subArray, cfg.SubArrays)
	for i := range a.subs {
		sa := &subArray{cells: make([]Cell, perSub)}
		for j := range sa.cells {
			sa.cells[j].event = newEvent()
		}
		a.subs[i] = sa
	}
	return a
}

// Get round-robins to the next sub-array a caller should reserve a cell in.
func (a *Array) Get() *subArray {
	n := a.next.Add(1) - 1
	return a.subs[n%uint64(len(a.subs))]
}

// Reservation is the handle a caller uses to Wait and then Free its cell.
type Reservation struct {
	arr  *subArray
	cell *Cell
}

// Reserve claims a free cell in sa, recording the waiting thread's identity
// and the object it is about to block on.
func (sa *subArray) Reserve(object Waitable, wt WaitType, file string, line int, threadID int64) (*Reservation, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	for i := range sa.cells {
		c := &sa.cells[i]
		if !c.reserved {
			c.object = object
			c.waitType = wt
			c.file = file
			c.line = line
			c.threadID = threadID
			c.waiting = false
			c.signalCount = c.event.snapshot()
			c.reservedAt = time.Now()
			c.reserved = true
			return &Reservation{arr: sa, cell: c}, nil
		}
	}
	return nil, fmt.Errorf("waitarray: reserve: %w", ErrNoFreeCell)
}

// Wait marks the cell waiting and blocks on the recorded signal-count
// snapshot until the underlying primitive signals. It frees the cell before returning.
func (r *Reservation) Wait() {
	c := r.cell
	c.mu.Lock()
	c.waiting = true
	sc := c.signalCount
	ev := c.event
	c.mu.Unlock()

	ev.wait(sc)

	r.Free()
}

// Free releases the cell back to the sub-array without waiting, used when a
// caller notices the primitive became free between Reserve and Wait.
func (r *Reservation) Free() {
	r.arr.mu.Lock()
	r.cell.reset()
	r.arr.mu.Unlock()
}

// Signal wakes every reservation's event waiting on object; called by
// the primitive's release path.
func (a *Array) Signal(object Waitable) {
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			c := &sa.cells[i]
			if c.reserved && c.object == object {
				c.event.signal()
			}
		}
		sa.mu.Unlock()
	}
}

// WakeThreadsIfSemaFree is the periodic (~1s) correctness backstop against
// races between a release path's signal and a waiter's reserve: for every reserved cell whose
// primitive is now observably free, signal its event even though nobody
// necessarily called Signal for it.
func (a *Array) WakeThreadsIfSemaFree() {
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			c := &sa.cells[i]
			if c.reserved && c.object != nil && c.object.IsFree() {
				c.event.signal()
			}
		}
		sa.mu.Unlock()
	}
}

// NReserved returns the total number of currently reserved cells across
// every sub-array: it must equal the count of cells with a non-nil wait
// object.
func (a *Array) NReserved() int {
	n := 0
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			if sa.cells[i].reserved {
				n++
			}
		}
		sa.mu.Unlock()
	}
	return n
}

// Snapshots returns a point-in-time copy of every reserved cell, the data
// backing the semaphore-waits introspection view.
func (a *Array) Snapshots() []Snapshot {
	var out []Snapshot
	now := time.Now()
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			c := &sa.cells[i]
			if !c.reserved {
				continue
			}
			out = append(out, Snapshot{
				ThreadID:    c.threadID,
				File:        c.file,
				Line:        c.line,
				WaitSeconds: now.Sub(c.reservedAt).Seconds(),
				ObjectAddr:  c.object.Address(),
				WaitType:    c.waitType,
				Waiting:     c.waiting,
			})
		}
		sa.mu.Unlock()
	}
	return out
}

// forEachCell invokes fn for every reserved cell, across every sub-array,
// holding that sub-array's lock for the duration of the callback — used by
// the long-wait reporter to pick out the cells it reports. fn must not take
// a sub-array lock itself (findCellByThread does).
func (a *Array) forEachCell(fn func(sa *subArray, c *Cell)) {
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			c := &sa.cells[i]
			if c.reserved {
				fn(sa, c)
			}
		}
		sa.mu.Unlock()
	}
}
