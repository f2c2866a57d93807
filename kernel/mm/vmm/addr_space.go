package vmm

import "pebbles/kernel"

// Clear tears down every mapping outside the kernel region. Frames other
// than ReservedZeroedFrame return to the free list; every removed entry
// returns its reservation to the frame counter. Second-level tables are
// released except the one holding the physical window, whose entry is left
// in place.
func (pd *PageDirectory) Clear() {
	windowSlot := pdIndex(WindowAddr)

	pd.visitUser(func(slot, index int, table *pageTable) {
		frame := table[index].Frame()
		table[index] = 0
		pd.flush(entryAddr(slot, index))

		if frame == ReservedZeroedFrame {
			releaseFn(1)
		} else {
			freeFrameFn(frame)
		}
	})

	for slot := KernelTables; slot < entriesPerTable; slot++ {
		if slot == windowSlot || pd.tables[slot] == nil {
			continue
		}

		freeTableFn(pd.tables[slot])
		pd.tables[slot] = nil
		pd.entries[slot] = 0
	}
}

// Clone duplicates every mapping of src outside the kernel region into pd,
// which must not contain any user mappings. Zero-fill-on-demand entries are
// copied by value so both address spaces share ReservedZeroedFrame until
// written; every other page gets a freshly reserved frame holding a copy of
// the source contents. Each cloned entry is admission-checked against the
// frame counter before any frame is taken off the free list. On failure the
// work done so far is undone with Clear and ErrOutOfMemory is returned.
func (pd *PageDirectory) Clone(src *PageDirectory) *kernel.Error {
	var err *kernel.Error

	src.visitUser(func(slot, index int, srcTable *pageTable) {
		if err != nil {
			return
		}

		if pd.tables[slot] == nil {
			table := allocTableFn()
			if table == nil {
				err = ErrOutOfMemory
				return
			}
			pd.installTable(slot, table)
		}

		if !reserveFn(1) {
			err = ErrOutOfMemory
			return
		}

		srcEntry := srcTable[index]
		if srcEntry.Frame() == ReservedZeroedFrame {
			pd.tables[slot][index] = srcEntry
			return
		}

		frame := allocFrameFn()
		copyFrame(frame, srcEntry.Frame())

		entry := srcEntry
		entry.SetFrame(frame)
		pd.tables[slot][index] = entry
	})

	if err != nil {
		log.Debug("clone aborted", "reason", err.Message)
		pd.Clear()
		return err
	}

	return nil
}

// Destroy clears pd and releases the directory and its window table back to
// the table budget. The kernel falls back to its own directory if pd was
// active. pd must not be used afterwards.
func (pd *PageDirectory) Destroy() {
	if pd.kernel {
		return
	}

	pd.Clear()

	if Active() == pd {
		kernelPDT.Activate()
	}

	windowSlot := pdIndex(WindowAddr)
	if pd.tables[windowSlot] != nil {
		freeTableFn(pd.tables[windowSlot])
		pd.tables[windowSlot] = nil
		pd.entries[windowSlot] = 0
	}
	uncharge()
}
