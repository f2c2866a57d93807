package proc

import (
	"encoding/binary"
	"pebbles/kernel"
	"pebbles/kernel/loader"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/mm/pmm"
	"pebbles/kernel/mm/vmm"
	"pebbles/kernel/task"
)

const (
	// MaxArgs bounds the number of program arguments.
	MaxArgs = 16

	// MaxArgBytes bounds the total length of the program arguments,
	// excluding terminators. It is also the per-argument bound, including
	// the terminator.
	MaxArgBytes = 128

	// frameWords is the number of words of the entry stack frame: a null
	// return address, argc, argv, the stack high and the stack low bounds.
	frameWords = 5
)

var (
	// the following functions are mocked by tests.
	reserveFn = pmm.Reserve
	releaseFn = pmm.Release
)

// Exec replaces the program of the calling task with the executable named by
// the string at namePtr. argvPtr points to a NULL terminated vector of
// argument strings and may itself be 0. Exec only returns on failure; the
// calling task must have a single live thread.
//
// Every argument is validated and copied into the kernel before the old
// image is torn down, so a validation failure leaves the task untouched. If
// loading fails once the old image is gone the task is killed.
func (u *User) Exec(namePtr, argvPtr uint32) error {
	t, th := u.task(), u.thread

	if liveThreads(t) > 1 {
		return ErrMultithreaded
	}

	args, err := u.validateArgs(argvPtr)
	if err != nil {
		return err
	}

	name, err := u.validateString(namePtr, loader.MaxNameLen)
	if err != nil {
		return err
	}

	main, found := program(name)
	if !found {
		return loader.ErrNotFound
	}
	if _, err = loader.ElfLoadHelper(name); err != nil {
		return err
	}

	t.VMLock.Lock()
	err = execImage(t, th, name, args)
	t.VMLock.Unlock()
	if err != nil {
		log.Warn("exec failed after teardown", "tid", th.ID, "program", name, "err", err.Message)
		u.SetStatus(killStatus)
		u.Vanish()
		return err
	}

	th.Swexn = nil
	th.Exec.Resume = func() { run(th, main) }
	th.Exec.Resume()
	return nil
}

// validateArgs copies the argument vector at argvPtr into the kernel.
func (u *User) validateArgs(argvPtr uint32) ([]string, *kernel.Error) {
	if argvPtr == 0 {
		return nil, nil
	}

	var (
		args  []string
		total int
		word  [4]byte
	)

	for slot := argvPtr; ; slot += 4 {
		if slot < argvPtr {
			return nil, ErrInvalidArgument
		}
		if err := u.copyIn(slot, word[:]); err != nil {
			return nil, err
		}

		argPtr := binary.LittleEndian.Uint32(word[:])
		if argPtr == 0 {
			return args, nil
		}

		arg, err := u.validateString(argPtr, MaxArgBytes)
		if err != nil {
			return nil, err
		}

		total += len(arg)
		if total > MaxArgBytes {
			return nil, ErrInvalidArgument
		}

		args = append(args, arg)
		if len(args) > MaxArgs {
			return nil, ErrInvalidArgument
		}
	}
}

// execImage tears down the address space of t and loads the named program
// with args laid out on its stack. The caller holds t.VMLock.
func execImage(t *task.Task, th *task.Thread, name string, args []string) *kernel.Error {
	header, err := loader.ElfLoadHelper(name)
	if err != nil {
		return err
	}

	t.Maps.Clear()
	_ = t.Maps.Insert(0, uint32(mm.KernelRegionEnd-1), 0)
	_ = t.Maps.Insert(uint32(vmm.WindowAddr), uint32(vmm.MaxAddr), 0)
	t.PDT.Clear()

	if err = LoadProgram(header, t); err != nil {
		return err
	}

	if err = pushArgs(t.PDT, args); err != nil {
		return err
	}

	th.Exec.SP = loader.UserStackStart
	th.Exec.IP = header.Entry
	return nil
}

// segment is one page-aligned piece of a program image.
type segment struct {
	low, high uint32
	perms     maps.Perm
	flags     vmm.PageTableEntryFlag
	zfod      bool
	section   *loader.Section
}

func (s segment) pages() int {
	return int((uint64(s.high) + 1 - uint64(s.low)) >> mm.PageShift)
}

// segments returns the page-aligned layout of the program described by
// header followed by the user stack.
func segments(header *loader.SimpleELF) []segment {
	sections := header.Sections()

	segs := make([]segment, 0, len(sections)+1)
	for i := range sections {
		s := &sections[i]
		low := s.Start &^ uint32(mm.PageSize-1)
		high := uint32((uint64(s.Start)+uint64(s.Len)+uint64(mm.PageSize-1))&^uint64(mm.PageSize-1)) - 1

		seg := segment{low: low, high: high, perms: maps.PermUser, flags: vmm.FlagUserAccessible, section: s}
		if s.Writable {
			seg.perms |= maps.PermWrite
			seg.flags |= vmm.FlagRW
		}
		if !s.HasBytes {
			seg.zfod = true
			seg.flags = vmm.FlagUserAccessible | vmm.FlagCopyOnWrite
		}
		segs = append(segs, seg)
	}

	return append(segs, segment{
		low:   loader.UserStackLow,
		high:  loader.UserStackLow + loader.UserStackSize - 1,
		perms: maps.PermUser | maps.PermWrite,
		flags: vmm.FlagUserAccessible | vmm.FlagCopyOnWrite,
		zfod:  true,
	})
}

// LoadProgram maps the sections of the program described by header and the
// user stack into the empty address space of t and records them in its
// ledger. Text, data and rodata get private frames holding the image bytes;
// bss and the stack are zero-fill-on-demand. The frame demand of the whole
// image is reserved up front; on failure nothing stays mapped and the
// reservation is returned. The caller holds t.VMLock.
func LoadProgram(header loader.SimpleELF, t *task.Task) *kernel.Error {
	segs := segments(&header)

	var demand int
	for _, seg := range segs {
		demand += seg.pages()
	}
	if !reserveFn(demand) {
		return vmm.ErrOutOfMemory
	}

	settled, err := mapSegments(header.Name, t.PDT, segs)
	if err != nil {
		t.PDT.Clear()
		releaseFn(demand - settled)
		return err
	}

	for _, seg := range segs {
		if err = t.Maps.Insert(seg.low, seg.high, seg.perms); err != nil {
			t.PDT.Clear()
			t.Maps.Clear()
			return err
		}
	}
	return nil
}

// mapSegments maps every page of segs into pd and copies the image bytes in.
// It returns the number of reserved pages it has settled: pages that are
// mapped plus a page whose frame went back to the free list when mapping it
// failed.
func mapSegments(name string, pd *vmm.PageDirectory, segs []segment) (int, *kernel.Error) {
	var settled int

	for _, seg := range segs {
		for addr := uint64(seg.low); addr < uint64(seg.high)+1; addr += uint64(mm.PageSize) {
			frame := vmm.ReservedZeroedFrame
			if !seg.zfod {
				frame = pmm.AllocFrame()
			}

			if err := pd.Map(mm.PageFromAddress(uintptr(addr)), frame, seg.flags); err != nil {
				if !seg.zfod {
					pmm.FreeFrame(frame)
					settled++
				}
				return settled, err
			}
			settled++
		}

		if s := seg.section; s != nil && s.HasBytes {
			if err := copySection(name, pd, s); err != nil {
				return settled, err
			}
		}
	}

	return settled, nil
}

// copySection copies the file contents of s into its freshly mapped pages
// through the physical window.
func copySection(name string, pd *vmm.PageDirectory, s *loader.Section) *kernel.Error {
	buf := make([]byte, mm.PageSize)

	for done := uint32(0); done < s.Len; {
		addr := s.Start + done
		chunk := min(s.Len-done, uint32(mm.PageSize-vmm.PageOffset(uintptr(addr))))

		n, err := loader.GetBytes(name, int(s.Offset+done), int(chunk), buf)
		if err != nil {
			return err
		}

		phys, err := pd.Translate(uintptr(addr))
		if err != nil {
			return err
		}
		vmm.WritePhysical(phys, buf[:n])

		if n < int(chunk) {
			break
		}
		done += chunk
	}

	return nil
}

// pushArgs lays out the entry stack frame of a new program: argc, argv and
// the stack bounds above loader.UserStackStart, followed by the argument
// vector and the argument strings.
func pushArgs(pd *vmm.PageDirectory, args []string) *kernel.Error {
	var (
		sp      = loader.UserStackStart
		argv    = sp + 4*frameWords
		strings = argv + 4*uint32(len(args)+1)
		frame   = make([]byte, strings-sp)
	)

	put := func(off, v uint32) {
		binary.LittleEndian.PutUint32(frame[off-sp:], v)
	}

	var text []byte
	for i, arg := range args {
		put(argv+4*uint32(i), strings+uint32(len(text)))
		text = append(text, arg...)
		text = append(text, 0)
	}
	put(argv+4*uint32(len(args)), 0)

	put(sp+4, uint32(len(args)))
	put(sp+8, argv)
	put(sp+12, loader.UserStackLow+loader.UserStackSize)
	put(sp+16, loader.UserStackLow)

	if _, err := pd.WriteVirtual(uintptr(sp), append(frame, text...), false); err != nil {
		return err
	}
	return nil
}

// liveThreads returns the number of live threads of t.
func liveThreads(t *task.Task) int {
	t.ThreadListLock.Lock()
	defer t.ThreadListLock.Unlock()
	return t.Live.Len()
}
