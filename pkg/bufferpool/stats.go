package bufferpool

import "sync/atomic"

// Stat holds one instance's running counters. Plain atomic.Uint64/Int64 fields
// are the idiom here rather than a metrics library: every counter is a
// named, per-operation scalar the core itself increments inline, not a
// sampled or histogram-shaped measurement, so there is nothing for a
// metrics library to add over sync/atomic (see DESIGN.md).
type Stat struct {
	NPagesRead      atomic.Uint64
	NPagesCreated   atomic.Uint64
	NPagesWritten   atomic.Uint64
	NPagesMadeYoung atomic.Uint64
	NPagesNotMadeYoung atomic.Uint64
	NWaitFree       atomic.Uint64

	// PendingReads/PendingUnzip are gauges, not monotonic counters.
	PendingReads atomic.Int64
	PendingUnzip atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of a Stat suitable for
// diffing across an interval.
type Snapshot struct {
	NPagesRead         uint64
	NPagesCreated      uint64
	NPagesWritten      uint64
	NPagesMadeYoung    uint64
	NPagesNotMadeYoung uint64
	NWaitFree          uint64
	PendingReads       int64
	PendingUnzip       int64
}

func (s *Stat) snapshot() Snapshot {
	return Snapshot{
		NPagesRead:         s.NPagesRead.Load(),
		NPagesCreated:      s.NPagesCreated.Load(),
		NPagesWritten:      s.NPagesWritten.Load(),
		NPagesMadeYoung:    s.NPagesMadeYoung.Load(),
		NPagesNotMadeYoung: s.NPagesNotMadeYoung.Load(),
		NWaitFree:          s.NWaitFree.Load(),
		PendingReads:       s.PendingReads.Load(),
		PendingUnzip:       s.PendingUnzip.Load(),
	}
}

// RatePerSecond computes per-second deltas between two snapshots taken
// `seconds` apart.
type RatePerSecond struct {
	PagesReadPerSec    float64
	PagesCreatedPerSec float64
	PagesWrittenPerSec float64
}

func RatePerSecondBetween(prev, cur Snapshot, seconds float64) RatePerSecond {
	if seconds <= 0 {
		return RatePerSecond{}
	}
	return RatePerSecond{
		PagesReadPerSec:    float64(cur.NPagesRead-prev.NPagesRead) / seconds,
		PagesCreatedPerSec: float64(cur.NPagesCreated-prev.NPagesCreated) / seconds,
		PagesWrittenPerSec: float64(cur.NPagesWritten-prev.NPagesWritten) / seconds,
	}
}

// Snapshot reports the instance's current counters.
func (inst *Instance) Snapshot() Snapshot { return inst.stat.snapshot() }

// RefreshIOStats rolls stat into oldStat, returning the per-second rates
// observed over the given interval.
func (inst *Instance) RefreshIOStats(seconds float64) RatePerSecond {
	cur := inst.stat.snapshot()
	prev := inst.oldStat.snapshot()
	rate := RatePerSecondBetween(prev, cur, seconds)
	inst.oldStat.NPagesRead.Store(cur.NPagesRead)
	inst.oldStat.NPagesCreated.Store(cur.NPagesCreated)
	inst.oldStat.NPagesWritten.Store(cur.NPagesWritten)
	inst.oldStat.NPagesMadeYoung.Store(cur.NPagesMadeYoung)
	inst.oldStat.NPagesNotMadeYoung.Store(cur.NPagesNotMadeYoung)
	inst.oldStat.NWaitFree.Store(cur.NWaitFree)
	return rate
}
