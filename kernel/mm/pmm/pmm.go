// Package pmm implements the physical frame allocator. Free frames form a
// singly linked list whose next pointers live inside the free frames
// themselves. Admission control is a separate free-frame counter so that a
// multi-frame operation can reserve its total demand before touching the
// list.
package pmm

import (
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/physmem"
	"pebbles/kernel/sched"
)

var (
	// allocator is the frame allocator used by the kernel.
	allocator freeListAllocator

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.Logger("pmm")

	errOutOfFrames = &kernel.Error{Module: "pmm", Message: "free list exhausted", Kind: kernel.KindInternal}
	errBadFrame    = &kernel.Error{Module: "pmm", Message: "attempt to free a frame outside installed memory", Kind: kernel.KindInternal}
)

// freeListAllocator tracks free frames. head and freeCount are guarded by
// different locks: the counter only does admission control while the list
// lock serialises every physical access to free frames.
type freeListAllocator struct {
	frameLock sched.Mutex
	head      uintptr

	countLock sched.Mutex
	freeCount int

	totalFrames int
}

// Init threads every frame in [first, last] onto the free list and sets the
// free-frame counter accordingly. Frames are handed out in ascending order.
func Init(first, last mm.Frame) {
	allocator.head = 0
	allocator.freeCount = 0
	allocator.totalFrames = 0

	if !first.Valid() || !last.Valid() || last < first {
		log.Warn("no installable frames")
		return
	}

	for frame := last; ; frame-- {
		physmem.WriteWord(frame.Address(), uint32(allocator.head))
		allocator.head = frame.Address()
		allocator.totalFrames++
		if frame == first {
			break
		}
	}
	allocator.freeCount = allocator.totalFrames

	log.Info("frame allocator ready", "first", first, "last", last, "frames", allocator.totalFrames)
}

// Reserve decrements the free-frame counter by n if at least n frames are
// available and reports whether it did. A failed reservation leaves the
// counter unchanged.
func Reserve(n int) bool {
	allocator.countLock.Lock()
	defer allocator.countLock.Unlock()

	if n < 0 || allocator.freeCount < n {
		return false
	}
	allocator.freeCount -= n
	return true
}

// Release returns n reserved frames to the free-frame counter.
func Release(n int) {
	allocator.countLock.Lock()
	allocator.freeCount += n
	allocator.countLock.Unlock()
}

// FreeCount returns the number of frames that can still be reserved.
func FreeCount() int {
	allocator.countLock.Lock()
	defer allocator.countLock.Unlock()
	return allocator.freeCount
}

// TotalFrames returns the number of frames handed to Init.
func TotalFrames() int {
	return allocator.totalFrames
}

// AllocFrame pops a zero-filled frame off the free list. Callers must have
// reserved the frame beforehand; an empty list means the accounting is
// corrupt and halts the kernel.
func AllocFrame() mm.Frame {
	allocator.frameLock.Lock()
	defer allocator.frameLock.Unlock()

	addr := allocator.head
	if addr == 0 {
		panicFn(errOutOfFrames)
		return mm.InvalidFrame
	}

	allocator.head = uintptr(physmem.ReadWord(addr))
	physmem.Memset(addr, 0, mm.PageSize)

	return mm.FrameFromAddress(addr)
}

// FreeFrame links frame back into the free list and returns it to the
// free-frame counter.
func FreeFrame(frame mm.Frame) {
	if !frame.Valid() || !physmem.Contains(frame.Address(), mm.PageSize) {
		panicFn(errBadFrame)
		return
	}

	allocator.frameLock.Lock()
	physmem.WriteWord(frame.Address(), uint32(allocator.head))
	allocator.head = frame.Address()
	allocator.frameLock.Unlock()

	Release(1)
}

// LockFrames acquires the frame-list lock. Users of the physical memory
// window hold it for the duration of their access.
func LockFrames() {
	allocator.frameLock.Lock()
}

// UnlockFrames releases the frame-list lock.
func UnlockFrames() {
	allocator.frameLock.Unlock()
}

// FramesLocked reports whether the frame-list lock is held.
func FramesLocked() bool {
	return allocator.frameLock.Locked()
}

// ListLength walks the free list and returns its length. It is used by
// consistency checks and is O(n).
func ListLength() int {
	allocator.frameLock.Lock()
	defer allocator.frameLock.Unlock()

	var n int
	for addr := allocator.head; addr != 0; addr = uintptr(physmem.ReadWord(addr)) {
		n++
	}
	return n
}
