package vmm

import "pebbles/kernel/mm"

const (
	// pageLevels indicates the number of page levels of the two-level
	// 32-bit paging scheme.
	pageLevels = 2

	// entriesPerTable is the number of entries in a directory or table.
	entriesPerTable = 1024

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// KernelTables is the number of directory slots that make up the
	// direct-mapped kernel region. They are shared by every address space.
	KernelTables = int(mm.KernelRegionEnd >> 22)

	// WindowAddr is the virtual page reserved in every address space for
	// the physical memory window. It uses directory slot 1023 and table
	// entry 1023.
	WindowAddr = uintptr(0xfffff000)

	// MaxAddr is the highest virtual address.
	MaxAddr = uintptr(0xffffffff)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. Each level uses 10 bits which amounts to 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9
)

// pdIndex returns the directory slot for virtAddr.
func pdIndex(virtAddr uintptr) int {
	return int((virtAddr >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1))
}

// ptIndex returns the table entry for virtAddr.
func ptIndex(virtAddr uintptr) int {
	return int((virtAddr >> pageLevelShifts[1]) & ((1 << pageLevelBits[1]) - 1))
}

// entryAddr returns the virtual address mapped by directory slot pd and
// table entry pt.
func entryAddr(pd, pt int) uintptr {
	return uintptr(pd)<<pageLevelShifts[0] | uintptr(pt)<<pageLevelShifts[1]
}
