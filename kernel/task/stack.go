package task

import (
	"pebbles/kernel"
	"pebbles/kernel/mm"
	"pebbles/kernel/sched"
)

// KernelStackSize is the size of a thread's kernel stack.
const KernelStackSize = 2 * mm.PageSize

// ErrNoKernelStack is returned when the kernel stack pool is exhausted.
var ErrNoKernelStack = &kernel.Error{Module: "task", Message: "out of kernel stacks", Kind: kernel.KindAlloc}

// KernelStack is a thread's kernel stack. Kernel threads run on goroutine
// stacks; the pool only bounds how many threads may exist.
type KernelStack struct {
	Index int
}

type stackPool struct {
	lock  sched.Mutex
	limit int
	used  int
	free  []*KernelStack
	made  int
}

var stacks stackPool

func (p *stackPool) reset(limit int) {
	p.limit, p.used, p.free, p.made = limit, 0, nil, 0
}

func (p *stackPool) get() (*KernelStack, *kernel.Error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.limit >= 0 && p.used >= p.limit {
		return nil, ErrNoKernelStack
	}
	p.used++

	if n := len(p.free); n != 0 {
		stack := p.free[n-1]
		p.free = p.free[:n-1]
		return stack, nil
	}

	p.made++
	return &KernelStack{Index: p.made}, nil
}

func (p *stackPool) put(stack *KernelStack) {
	if stack == nil {
		return
	}

	p.lock.Lock()
	p.used--
	p.free = append(p.free, stack)
	p.lock.Unlock()
}

// StacksInUse returns the number of kernel stacks held by threads.
func StacksInUse() int {
	stacks.lock.Lock()
	defer stacks.lock.Unlock()
	return stacks.used
}
