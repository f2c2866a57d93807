// Package vmm implements the two-level page tables of the simulated MMU:
// per-task page directories that share the kernel region, the physical
// memory window, zero-fill-on-demand mappings backed by a single reserved
// zeroed frame and the copy-on-fork address space duplication.
package vmm

import (
	"pebbles/kernel"
	"pebbles/kernel/cpu"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/pmm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the
// vmm package's Init function. Zero-fill-on-demand pages map it read-only
// with FlagCopyOnWrite set; the first write installs a private frame in its
// place:
//
//	flags := vmm.FlagUserAccessible | vmm.FlagCopyOnWrite
//	for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//		if err := pd.Map(page, vmm.ReservedZeroedFrame, flags); err != nil {
//			return err
//		}
//	}
//
// Every zero-fill-on-demand mapping accounts for one reserved frame that is
// only pulled off the free list when the page is first written.
var ReservedZeroedFrame = mm.InvalidFrame

var (
	// protectReservedZeroedPage is set to true to prevent mapping to
	// ReservedZeroedFrame with a RW flag.
	protectReservedZeroedPage bool

	// kernelPDT identity maps the kernel region.
	kernelPDT PageDirectory

	// the following functions are mocked by tests.
	flushTLBEntryFn = cpu.FlushTLBEntry
	allocFrameFn    = pmm.AllocFrame
	freeFrameFn     = pmm.FreeFrame
	reserveFn       = pmm.Reserve
	releaseFn       = pmm.Release
	panicFn         = kfmt.Panic

	log = kfmt.Logger("vmm")

	// ErrOutOfMemory is returned when a frame reservation or the table
	// budget is exhausted. The failed operation has been rolled back.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory", Kind: kernel.KindAlloc}
)

// Config holds the vmm tunables.
type Config struct {
	// TableLimit bounds the number of page directories and second-level
	// tables that can exist at the same time, outside the kernel's own. A
	// negative value disables the bound.
	TableLimit int
}

// Init builds the kernel directory that identity maps the kernel region,
// activates it and reserves the zeroed frame used for zero-fill-on-demand
// mappings. pmm must be initialised first.
func Init(cfg Config) *kernel.Error {
	tables.limit = cfg.TableLimit
	tables.used = 0

	setupPDTForKernel()
	kernelPDT.Activate()

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	log.Info("paging enabled", "kernel_tables", KernelTables, "zfod_frame", ReservedZeroedFrame, "table_limit", cfg.TableLimit)
	return nil
}

// setupPDTForKernel identity maps the kernel region with global RW entries
// and installs the kernel's window table.
func setupPDTForKernel() {
	kernelPDT = PageDirectory{kernel: true}

	var frame mm.Frame
	for slot := 0; slot < KernelTables; slot++ {
		table := new(pageTable)
		for index := range table {
			table[index].SetFrame(frame)
			table[index].SetFlags(FlagPresent | FlagRW | FlagGlobal)
			frame++
		}

		kernelPDT.tables[slot] = table
		kernelPDT.entries[slot].SetFlags(FlagPresent | FlagRW)
	}

	kernelPDT.installTable(pdIndex(WindowAddr), new(pageTable))
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	protectReservedZeroedPage = false

	if !reserveFn(1) {
		return ErrOutOfMemory
	}
	ReservedZeroedFrame = allocFrameFn()

	// AllocFrame hands out zeroed frames; clear it again through the
	// window so the invariant does not depend on the allocator.
	pmm.LockFrames()
	page := AccessPhysical(ReservedZeroedFrame.Address())
	for i := range page {
		page[i] = 0
	}
	pmm.UnlockFrames()

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}
