package vmm

import (
	"pebbles/kernel"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/physmem"
)

var (
	// ErrPageFault is returned by the simulated MMU when an access cannot
	// be completed: the page is absent, not user accessible for a user
	// access or read-only for a write that is not a zero-fill-on-demand
	// fault.
	ErrPageFault = &kernel.Error{Module: "vmm", Message: "page fault", Kind: kernel.KindValidation}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault", Kind: kernel.KindInternal}
)

// ResolveFault services a write fault at virtAddr. A read-only entry that
// maps ReservedZeroedFrame with FlagCopyOnWrite set is replaced by a private
// zeroed frame mapped RW; the frame was reserved when the zero-fill-on-demand
// mapping was installed. Any other fault is reported as ErrPageFault.
func (pd *PageDirectory) ResolveFault(virtAddr uintptr) *kernel.Error {
	pte, err := pd.pteForAddress(virtAddr)
	if err != nil {
		return ErrPageFault
	}

	// CoW is supported for RO pages with the CoW flag set
	if pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite) || pte.Frame() != ReservedZeroedFrame {
		return ErrPageFault
	}

	frame := allocFrameFn()

	// Update mapping to point to the new frame, flag it as RW and
	// remove the CoW flag
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(frame)
	pd.flush(mm.PageFromAddress(virtAddr).Address())

	return nil
}

// ReadVirtual copies memory mapped at virtAddr into dst and returns the
// number of bytes copied. If user is set every page must be user
// accessible. On a fault the copy stops at the faulting address.
func (pd *PageDirectory) ReadVirtual(virtAddr uintptr, dst []byte, user bool) (int, *kernel.Error) {
	return pd.access(virtAddr, dst, false, user)
}

// WriteVirtual copies src into memory mapped at virtAddr and returns the
// number of bytes copied. Writes to zero-fill-on-demand pages are resolved
// transparently. If user is set every page must be user accessible. On a
// fault the copy stops at the faulting address.
func (pd *PageDirectory) WriteVirtual(virtAddr uintptr, src []byte, user bool) (int, *kernel.Error) {
	return pd.access(virtAddr, src, true, user)
}

func (pd *PageDirectory) access(virtAddr uintptr, buf []byte, write, user bool) (int, *kernel.Error) {
	var done int

	for done < len(buf) {
		addr := virtAddr + uintptr(done)
		if addr < virtAddr || addr > MaxAddr {
			return done, ErrPageFault
		}

		pte, err := pd.pteForAddress(addr)
		if err != nil || (user && !pte.HasFlags(FlagUserAccessible)) {
			return done, ErrPageFault
		}

		if write && !pte.HasFlags(FlagRW) {
			if err = pd.ResolveFault(addr); err != nil {
				return done, err
			}
			continue
		}

		offset := PageOffset(addr)
		n := min(int(mm.PageSize-offset), len(buf)-done)
		mem := physmem.Bytes(pte.Frame().Address()+offset, uintptr(n))
		if write {
			copy(mem, buf[done:done+n])
		} else {
			copy(buf[done:done+n], mem)
		}
		done += n
	}

	return done, nil
}
