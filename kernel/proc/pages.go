package proc

import (
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/mm/vmm"
)

// NewPages maps length bytes of zero-fill-on-demand memory at base. base must
// be page aligned and length a non-zero multiple of the page size; the range
// must not overlap any region of the task's ledger. The frames backing the
// region are reserved immediately but only allocated when first written. On
// failure the ledger, the page directory and the frame count are left as
// they were.
func (u *User) NewPages(base, length uint32) error {
	if !mm.PageAligned(uintptr(base)) || length == 0 || !mm.PageAligned(uintptr(length)) {
		return ErrInvalidArgument
	}
	high := uint64(base) + uint64(length) - 1
	if high > uint64(vmm.MaxAddr) {
		return ErrInvalidArgument
	}

	t := u.task()
	t.VMLock.Lock()
	defer t.VMLock.Unlock()

	if err := t.Maps.Insert(base, uint32(high), maps.PermUser|maps.PermWrite|maps.PermRemove); err != nil {
		return err
	}

	pages := int(length >> mm.PageShift)
	if !reserveFn(pages) {
		_, _ = t.Maps.Delete(base)
		return vmm.ErrOutOfMemory
	}

	for i := 0; i < pages; i++ {
		if err := t.PDT.Map(pageAt(base, i), vmm.ReservedZeroedFrame, vmm.FlagUserAccessible|vmm.FlagCopyOnWrite); err != nil {
			for j := 0; j < i; j++ {
				_ = t.PDT.Unmap(pageAt(base, j))
			}
			releaseFn(pages)
			_, _ = t.Maps.Delete(base)
			return err
		}
	}
	return nil
}

func pageAt(base uint32, i int) mm.Page {
	return mm.PageFromAddress(uintptr(base) + uintptr(i)<<mm.PageShift)
}

// RemovePages unmaps a region previously created by NewPages starting
// exactly at base. Frames written since the region was created return to
// the free list; untouched pages return their reservation.
func (u *User) RemovePages(base uint32) error {
	t := u.task()
	t.VMLock.Lock()
	defer t.VMLock.Unlock()

	region, err := t.Maps.Delete(base)
	if err != nil {
		return err
	}

	for addr := uint64(region.Low); addr <= uint64(region.High); addr += uint64(mm.PageSize) {
		if err = t.PDT.Discard(mm.PageFromAddress(uintptr(addr))); err != nil {
			log.Warn("region page not mapped", "addr", addr, "err", err.Message)
		}
	}
	return nil
}
