package bufferpool

// Watch sentinels let a thread ask "has this page been read into the
// pool since I last checked?" without holding any latch across the
// check. A sentinel is a fixed-address Block-like
// descriptor, pre-allocated in Instance.watch, inserted into the page
// hash under state PoolWatch in place of a real resident block.

// watchFindFreeLocked returns an unused sentinel from the instance's
// fixed watch slab, or nil if every sentinel is already installed
// somewhere.
func (inst *Instance) watchFindFreeLocked() *Block {
	for i := range inst.watch {
		if inst.watch[i].State() == StateNotUsed {
			return &inst.watch[i]
		}
	}
	return nil
}

// WatchSet installs a watch sentinel for key if no block is resident,
// returning the resident block directly if one already is. ok is false only when neither a resident
// block nor a free sentinel was available.
func (inst *Instance) WatchSet(key pageKey) (resident *Block, ok bool) {
	idx, unlock := inst.hash.lockStripeFor(key)
	defer unlock()
	_ = idx

	if b := inst.hash.lookupLocked(key); b != nil {
		return b, true
	}

	sentinel := inst.watchFindFreeLocked()
	if sentinel == nil {
		return nil, false
	}
	sentinel.Space, sentinel.PageNo = key.Space, key.PageNo
	sentinel.setState(StatePoolWatch)
	inst.hash.insertLocked(sentinel)
	return nil, true
}

// WatchUnset removes key's sentinel, if the instance still owns one
// there. It is a no-op if the
// entry has already been replaced by a real resident block.
func (inst *Instance) WatchUnset(key pageKey) {
	idx, unlock := inst.hash.lockStripeFor(key)
	defer unlock()
	_ = idx

	b := inst.hash.lookupLocked(key)
	if b == nil || b.State() != StatePoolWatch {
		return
	}
	inst.hash.removeLocked(b)
	b.setState(StateNotUsed)
	b.Space, b.PageNo = 0, 0
}

// WatchOccurred reports whether key's page arrived since a sentinel was
// set: true if a real block now occupies the slot or the sentinel is
// gone entirely, false if the sentinel this instance installed is still
// sitting there unclaimed.
func (inst *Instance) WatchOccurred(key pageKey) bool {
	idx, unlock := inst.hash.rlockStripeFor(key)
	defer unlock()
	_ = idx

	b := inst.hash.lookupLocked(key)
	if b == nil {
		return true
	}
	return b.State() != StatePoolWatch
}
