package bufferpool

import "sync"

// buddyAllocator manages compressed-page frames in power-of-two size
// classes from BuddyLow up to BuddyLow<<(BuddySizesMax-1). Allocation
// splits a larger free block when its own class is empty; free does not
// coalesce two free buddies back into a larger block. It is hand-rolled
// since nothing in the standard library offers a size-classed slab
// allocator.
type buddyAllocator struct {
	mu sync.Mutex

	freeList [BuddySizesMax][]*zipBuddy

	// relocated counts, per size class, how many times a larger block was
	// split to serve that class; no block is ever moved once handed out.
	relocated [BuddySizesMax]uint64
}

// zipBuddy is one compressed-frame-sized allocation, large enough for the
// biggest size class; a descriptor hands out a sub-slice of Data sized to
// the class actually requested.
type zipBuddy struct {
	data    []byte
	sClass  int
	inUse   bool
}

func newBuddyAllocator() *buddyAllocator {
	return &buddyAllocator{}
}

func sizeClassFor(n int) int {
	class := 0
	size := BuddyLow
	for size < n && class < BuddySizesMax-1 {
		size *= 2
		class++
	}
	return class
}

func classSize(class int) int {
	return BuddyLow << uint(class)
}

// alloc returns a buddy of at least n bytes, splitting a larger free
// block if no exact-size free block is available.
func (a *buddyAllocator) alloc(n int) *zipBuddy {
	a.mu.Lock()
	defer a.mu.Unlock()

	class := sizeClassFor(n)
	b := a.allocClassLocked(class)
	if b != nil {
		b.inUse = true
	}
	return b
}

func (a *buddyAllocator) allocClassLocked(class int) *zipBuddy {
	if class >= BuddySizesMax {
		return nil
	}
	if len(a.freeList[class]) > 0 {
		last := len(a.freeList[class]) - 1
		b := a.freeList[class][last]
		a.freeList[class] = a.freeList[class][:last]
		return b
	}
	parent := a.allocClassLocked(class + 1)
	if parent == nil {
		// nothing larger either: mint a fresh block of the requested class
		return &zipBuddy{data: make([]byte, classSize(class)), sClass: class}
	}
	// split parent into two buddies of class size; hand back one, free the other
	half := classSize(class)
	sibling := &zipBuddy{data: parent.data[half:], sClass: class}
	own := &zipBuddy{data: parent.data[:half], sClass: class}
	a.freeList[class] = append(a.freeList[class], sibling)
	a.relocated[class]++
	return own
}

// free returns b to its size class's free list. Buddy
// coalescing across adjacent blocks of a non-slab allocator is not
// attempted here — the free list simply accumulates same-class blocks,
// which is sufficient for the bounded compressed-page population this
// core manages (see DESIGN.md).
func (a *buddyAllocator) free(b *zipBuddy) {
	a.mu.Lock()
	b.inUse = false
	a.freeList[b.sClass] = append(a.freeList[b.sClass], b)
	a.mu.Unlock()
}
