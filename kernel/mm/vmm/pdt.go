package vmm

import (
	"pebbles/kernel"
	"pebbles/kernel/mm"
	"sync/atomic"
)

var (
	// activePDT is the directory the simulated MMU translates through.
	activePDT atomic.Pointer[PageDirectory]

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindValidation}

	errReservedRegion = &kernel.Error{Module: "vmm", Message: "address belongs to the kernel region or the physical window", Kind: kernel.KindValidation}
)

// PageDirectory describes the top-most table in the two-level paging scheme
// of one address space. Slots below KernelTables share the kernel's tables.
type PageDirectory struct {
	entries [entriesPerTable]PageTableEntry
	tables  [entriesPerTable]*pageTable

	// kernel is set for the kernel's own directory, which is not charged
	// against the table budget.
	kernel bool
}

// NewPageDirectory allocates a directory that shares the kernel region with
// every other address space and has the physical window table installed.
// It fails with ErrOutOfMemory if the table budget is exhausted.
func NewPageDirectory() (*PageDirectory, *kernel.Error) {
	if !chargeFn() {
		return nil, ErrOutOfMemory
	}

	window := allocTableFn()
	if window == nil {
		uncharge()
		return nil, ErrOutOfMemory
	}

	pd := &PageDirectory{}
	for i := 0; i < KernelTables; i++ {
		pd.entries[i] = kernelPDT.entries[i]
		pd.tables[i] = kernelPDT.tables[i]
	}
	pd.installTable(pdIndex(WindowAddr), window)

	return pd, nil
}

// installTable links table into directory slot index.
func (pd *PageDirectory) installTable(index int, table *pageTable) {
	pd.tables[index] = table
	pd.entries[index] = 0
	pd.entries[index].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
}

// Activate makes pd the directory used for address translation.
func (pd *PageDirectory) Activate() {
	activePDT.Store(pd)
}

// Active returns the directory used for address translation.
func Active() *PageDirectory {
	return activePDT.Load()
}

// KernelDirectory returns the kernel's directory.
func KernelDirectory() *PageDirectory {
	return &kernelPDT
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. The walk stops early when walkFn returns false or when the
// directory slot has no table.
func (pd *PageDirectory) walk(virtAddr uintptr, walkFn pageTableWalker) {
	slot := pdIndex(virtAddr)
	if !walkFn(0, &pd.entries[slot]) {
		return
	}

	table := pd.tables[slot]
	if table == nil {
		return
	}
	walkFn(pageLevels-1, &table[ptIndex(virtAddr)])
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address or ErrInvalidMapping if the page is not present.
func (pd *PageDirectory) pteForAddress(virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *PageTableEntry
	)

	pd.walk(virtAddr, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	if entry == nil && err == nil {
		err = ErrInvalidMapping
	}
	return entry, err
}

// Entry returns the entry that maps virtAddr and whether it is present.
func (pd *PageDirectory) Entry(virtAddr uintptr) (PageTableEntry, bool) {
	pte, err := pd.pteForAddress(virtAddr)
	if err != nil {
		return 0, false
	}
	return *pte, true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pd *PageDirectory) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pd.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// reserved reports whether page may not be touched through Map or Unmap.
func reserved(page mm.Page) bool {
	return page.Address() < mm.KernelRegionEnd || page.Address() == WindowAddr
}

// flush invalidates the TLB entry for virtAddr if pd is the active
// directory.
func (pd *PageDirectory) flush(virtAddr uintptr) {
	if Active() == pd {
		flushTLBEntryFn(virtAddr)
	}
}

// MappedPages returns the number of present entries outside the kernel
// region and the physical window. Every such entry accounts for exactly one
// reserved frame.
func (pd *PageDirectory) MappedPages() int {
	var n int
	pd.visitUser(func(_, _ int, _ *pageTable) {
		n++
	})
	return n
}

// visitUser calls visitFn for every present entry outside the kernel
// region, skipping the physical window.
func (pd *PageDirectory) visitUser(visitFn func(slot, index int, table *pageTable)) {
	windowSlot, windowIndex := pdIndex(WindowAddr), ptIndex(WindowAddr)

	for slot := KernelTables; slot < entriesPerTable; slot++ {
		table := pd.tables[slot]
		if table == nil || !pd.entries[slot].HasFlags(FlagPresent) {
			continue
		}

		for index := range table {
			if !table[index].HasFlags(FlagPresent) {
				continue
			}
			if slot == windowSlot && index == windowIndex {
				continue
			}
			visitFn(slot, index, table)
		}
	}
}
