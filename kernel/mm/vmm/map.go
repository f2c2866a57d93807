package vmm

import (
	"pebbles/kernel"
	"pebbles/kernel/mm"
)

var (
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag", Kind: kernel.KindValidation}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame, replacing any previous mapping of the page. A missing second-level
// table is allocated from the table budget; if the budget is exhausted Map
// returns ErrOutOfMemory.
//
// Attempts to map ReservedZeroedFrame with a RW flag, or to map a page in the
// kernel region or the physical window, will result in an error.
func (pd *PageDirectory) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	if reserved(page) {
		return errReservedRegion
	}

	return pd.mapPage(page, frame, flags)
}

func (pd *PageDirectory) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	pd.walk(page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			pd.flush(page.Address())
			return true
		}

		// Next table does not yet exist
		if !pte.HasFlags(FlagPresent) {
			table := allocTableFn()
			if table == nil {
				err = ErrOutOfMemory
				return false
			}
			pd.installTable(pdIndex(page.Address()), table)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map. The frame
// it pointed to is left untouched.
func (pd *PageDirectory) Unmap(page mm.Page) *kernel.Error {
	if reserved(page) {
		return errReservedRegion
	}

	var err *kernel.Error

	pd.walk(page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pd.flush(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	return err
}

// Discard removes the mapping of page and gives back what it accounted for:
// a private frame returns to the free list while a zero-fill-on-demand entry
// only returns its reservation to the frame counter.
func (pd *PageDirectory) Discard(page mm.Page) *kernel.Error {
	if reserved(page) {
		return errReservedRegion
	}

	pte, err := pd.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	frame := pte.Frame()
	*pte = 0
	pd.flush(page.Address())

	if frame == ReservedZeroedFrame {
		releaseFn(1)
	} else {
		freeFrameFn(frame)
	}
	return nil
}
