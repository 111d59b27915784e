package waitarray

import (
	"fmt"
	"io"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const ownerChainDepthGuard = 100

// PrintLongWaits is the long-wait reporter.
// It scans every reserved cell; any cell waiting longer than timeout gets a
// diagnostic line, and if any wait exceeds fatalThreshold the call reports
// fatal=true so the caller can terminate the process. It also returns the
// longest single wait observed and, for that cell, a snapshot of the waiter
// and the semaphore it is blocked on — the *waiter/*sema out-parameters of
// the original interface, returned here instead of written through
// pointers.
func (a *Array) PrintLongWaits(w io.Writer, timeout, fatalThreshold time.Duration) (longestDiff time.Duration, waiter *Snapshot, sema Waitable, fatal bool) {
	now := time.Now()

	// Collect the long waits first: printOwnerChain looks up holder cells
	// through findCellByThread, which takes each sub-array's lock itself and
	// so cannot run inside forEachCell's callback.
	var long []*Cell
	a.forEachCell(func(sa *subArray, c *Cell) {
		if now.Sub(c.reservedAt) > timeout {
			long = append(long, c)
		}
	})

	for _, c := range long {
		diff := now.Sub(c.reservedAt)
		fmt.Fprintf(w, "waitarray: thread %d waiting %.1fs on %s at %s:%d\n",
			c.threadID, diff.Seconds(), c.waitType, c.file, c.line)

		a.printOwnerChain(w, c, 0, mapset.NewSet[int64]())

		if diff > longestDiff {
			longestDiff = diff
			snap := Snapshot{
				ThreadID:    c.threadID,
				File:        c.file,
				Line:        c.line,
				WaitSeconds: diff.Seconds(),
				WaitType:    c.waitType,
				Waiting:     c.waiting,
			}
			if c.object != nil {
				snap.ObjectAddr = c.object.Address()
			}
			waiter = &snap
			sema = c.object
		}

		if diff > fatalThreshold {
			fatal = true
			fmt.Fprintf(w, "waitarray: FATAL: thread %d exceeded fatal semaphore wait threshold\n", c.threadID)
		}
	}

	return longestDiff, waiter, sema, fatal
}

// printOwnerChain walks thread -> holder -> holder's own blocking cell, up
// to ownerChainDepthGuard hops, printing what each link in the chain is
// itself blocked on.
func (a *Array) printOwnerChain(w io.Writer, c *Cell, depth int, visited mapset.Set[int64]) {
	if depth >= ownerChainDepthGuard || c.object == nil {
		return
	}
	for _, holderID := range c.object.Holders() {
		if holderID == c.threadID || visited.Contains(holderID) {
			continue
		}
		visited.Add(holderID)

		holderCell := a.findCellByThread(holderID)
		if holderCell == nil {
			continue
		}
		fmt.Fprintf(w, "waitarray:   held by thread %d, itself waiting on %s at %s:%d\n",
			holderID, holderCell.waitType, holderCell.file, holderCell.line)
		a.printOwnerChain(w, holderCell, depth+1, visited)
	}
}

func (a *Array) findCellByThread(threadID int64) *Cell {
	var found *Cell
	for _, sa := range a.subs {
		sa.mu.Lock()
		for i := range sa.cells {
			c := &sa.cells[i]
			if c.reserved && c.waiting && c.threadID == threadID {
				found = c
				break
			}
		}
		sa.mu.Unlock()
		if found != nil {
			return found
		}
	}
	return nil
}
