package vmm

import (
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/physmem"
	"pebbles/kernel/mm/pmm"
)

// AccessPhysical points the physical window of the active directory at the
// frame containing physAddr and returns the window contents from the offset
// of physAddr to the end of the page. Callers must hold the frame lock
// (pmm.LockFrames) for as long as they use the returned slice.
func AccessPhysical(physAddr uintptr) []byte {
	pd := Active()
	if pd == nil {
		pd = &kernelPDT
	}

	pte := &pd.tables[pdIndex(WindowAddr)][ptIndex(WindowAddr)]
	flushTLBEntryFn(WindowAddr)
	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags(FlagPresent | FlagRW)

	// The simulated MMU resolves the window through the entry just
	// installed.
	offset := PageOffset(physAddr)
	return physmem.Bytes(pte.Frame().Address()+offset, mm.PageSize-offset)
}

// ReadPhysical copies physical memory starting at physSrc into dst. The copy
// is clipped at the end of the page containing physSrc; the number of bytes
// copied is returned.
func ReadPhysical(dst []byte, physSrc uintptr) int {
	pmm.LockFrames()
	defer pmm.UnlockFrames()

	return copy(dst, AccessPhysical(physSrc))
}

// WritePhysical copies src into physical memory starting at physDst. The
// copy is clipped at the end of the page containing physDst; the number of
// bytes copied is returned.
func WritePhysical(physDst uintptr, src []byte) int {
	pmm.LockFrames()
	defer pmm.UnlockFrames()

	return copy(AccessPhysical(physDst), src)
}

// copyFrame duplicates the contents of src into dst. The window shows one
// frame at a time, so the page is staged in a kernel buffer between the two
// window mappings.
func copyFrame(dst, src mm.Frame) {
	var page [mm.PageSize]byte

	pmm.LockFrames()
	defer pmm.UnlockFrames()

	n := copy(page[:], AccessPhysical(src.Address()))
	if n != len(page) || copy(AccessPhysical(dst.Address()), page[:]) != len(page) {
		panicFn(errUnrecoverableFault)
	}
}
