package task

import ksync "pebbles/kernel/sync"

// Handle addresses a control block inside its arena. The zero Handle is
// the nil handle.
type Handle int32

// Links holds the intrusive list pointers of a control block. A control
// block belongs to at most one list at a time.
type Links struct {
	prev, next Handle
	list       interface{}
}

type linked interface {
	comparable
	links() *Links
}

// Arena stores control blocks and hands out stable handles to them. Slots
// of freed blocks are recycled.
type Arena[T linked] struct {
	lock  ksync.Spinlock
	slots []T
	free  []Handle
	live  int
}

// Alloc stores v and returns its handle.
func (a *Arena[T]) Alloc(v T) Handle {
	a.lock.Acquire()
	defer a.lock.Release()

	if len(a.slots) == 0 {
		// slot 0 backs the nil handle
		var zero T
		a.slots = append(a.slots, zero)
	}

	a.live++
	if n := len(a.free); n != 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[h] = v
		return h
	}

	a.slots = append(a.slots, v)
	return Handle(len(a.slots) - 1)
}

// Free releases the slot behind h.
func (a *Arena[T]) Free(h Handle) {
	a.lock.Acquire()
	defer a.lock.Release()

	var zero T
	if h <= 0 || int(h) >= len(a.slots) || a.slots[h] == zero {
		return
	}
	a.slots[h] = zero
	a.free = append(a.free, h)
	a.live--
}

// Get returns the block behind h or the zero value for a stale or nil
// handle.
func (a *Arena[T]) Get(h Handle) T {
	a.lock.Acquire()
	defer a.lock.Release()

	var zero T
	if h <= 0 || int(h) >= len(a.slots) {
		return zero
	}
	return a.slots[h]
}

// Len returns the number of live blocks.
func (a *Arena[T]) Len() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.live
}

// Visit calls visitFn for every live block until it returns false.
func (a *Arena[T]) Visit(visitFn func(T) bool) {
	a.lock.Acquire()
	blocks := make([]T, 0, a.live)
	var zero T
	for _, v := range a.slots {
		if v != zero {
			blocks = append(blocks, v)
		}
	}
	a.lock.Release()

	for _, v := range blocks {
		if !visitFn(v) {
			return
		}
	}
}

// Reset drops every block.
func (a *Arena[T]) Reset() {
	a.lock.Acquire()
	a.slots, a.free, a.live = nil, nil, 0
	a.lock.Release()
}

// List is a doubly linked list threaded through the Links of the blocks of
// one arena. Insertion and removal are O(1). Callers serialise access with
// the lock that guards the list.
type List[T linked] struct {
	arena      *Arena[T]
	head, tail Handle
	n          int
}

// NewList returns an empty list of blocks stored in a.
func NewList[T linked](a *Arena[T]) List[T] {
	return List[T]{arena: a}
}

// Len returns the number of blocks in the list.
func (l *List[T]) Len() int { return l.n }

// Front returns the first block or the zero value if the list is empty.
func (l *List[T]) Front() T { return l.arena.Get(l.head) }

// Back returns the last block or the zero value if the list is empty.
func (l *List[T]) Back() T { return l.arena.Get(l.tail) }

// Contains reports whether h is linked into l.
func (l *List[T]) Contains(h Handle) bool {
	var zero T
	v := l.arena.Get(h)
	return v != zero && v.links().list == l
}

// PushFront links h at the head of the list.
func (l *List[T]) PushFront(h Handle) {
	lk := l.attach(h)
	if lk == nil {
		return
	}
	lk.next = l.head
	if l.head != 0 {
		l.arena.Get(l.head).links().prev = h
	} else {
		l.tail = h
	}
	l.head = h
}

// PushBack links h at the tail of the list.
func (l *List[T]) PushBack(h Handle) {
	lk := l.attach(h)
	if lk == nil {
		return
	}
	lk.prev = l.tail
	if l.tail != 0 {
		l.arena.Get(l.tail).links().next = h
	} else {
		l.head = h
	}
	l.tail = h
}

// attach marks h as a member of l. A block can only sit on one list.
func (l *List[T]) attach(h Handle) *Links {
	lk := l.arena.Get(h).links()
	if lk.list != nil {
		panicFn(errDoubleLink)
		return nil
	}
	*lk = Links{list: l}
	l.n++
	return lk
}

// Remove unlinks h and reports whether it was a member of the list.
func (l *List[T]) Remove(h Handle) bool {
	if !l.Contains(h) {
		return false
	}

	lk := l.arena.Get(h).links()
	if lk.prev != 0 {
		l.arena.Get(lk.prev).links().next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != 0 {
		l.arena.Get(lk.next).links().prev = lk.prev
	} else {
		l.tail = lk.prev
	}

	*lk = Links{}
	l.n--
	return true
}

// PopFront unlinks and returns the first block or the zero value if the
// list is empty.
func (l *List[T]) PopFront() T {
	v := l.Front()
	var zero T
	if v != zero {
		l.Remove(l.head)
	}
	return v
}

// Each calls visitFn for every block from head to tail until it returns
// false. visitFn must not modify the list.
func (l *List[T]) Each(visitFn func(T) bool) {
	for h := l.head; h != 0; {
		v := l.arena.Get(h)
		next := v.links().next
		if !visitFn(v) {
			return
		}
		h = next
	}
}
