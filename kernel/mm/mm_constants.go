package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelRegionEnd is the first address above the direct-mapped kernel
	// region. It spans the first four page directory slots and is shared
	// by every address space.
	KernelRegionEnd = uintptr(16 * Mb)
)
