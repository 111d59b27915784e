package waitarray

import mapset "github.com/deckarep/golang-set/v2"

// DeadlockDetectionEnabled gates detect_deadlock's callers. It is a plain
// runtime flag a debug build flips on at startup rather than a
// `//go:build debug` file, matching how diagnostic prints elsewhere in
// this codebase are gated with booleans rather than build constraints.
var DeadlockDetectionEnabled = false

// PassAware is implemented by a Waitable whose latch ownership can be
// passed cross-thread. A Waitable that
// does not implement it is treated as never having a nonzero pass.
type PassAware interface {
	Pass() int64
}

// DetectDeadlock runs a depth-first search over the thread -> holder wait
// graph starting at start's cell: if the recursion re-encounters start's
// thread, a deadlock cycle exists.
func (a *Array) DetectDeadlock(start *Cell) bool {
	return a.detectDeadlock(start, start, 0, mapset.NewSet[int64]())
}

func (a *Array) detectDeadlock(start, cell *Cell, depth int, visited mapset.Set[int64]) bool {
	if depth >= ownerChainDepthGuard || cell.object == nil {
		return false
	}
	if pa, ok := cell.object.(PassAware); ok && pa.Pass() != 0 {
		return false
	}

	for _, holderID := range cell.object.Holders() {
		if holderID == cell.threadID {
			continue
		}
		if holderID == start.threadID {
			return true
		}
		if visited.Contains(holderID) {
			continue
		}
		visited.Add(holderID)

		holderCell := a.findCellByThread(holderID)
		if holderCell == nil {
			continue
		}
		if a.detectDeadlock(start, holderCell, depth+1, visited) {
			return true
		}
	}
	return false
}
