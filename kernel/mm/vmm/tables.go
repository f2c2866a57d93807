package vmm

import "pebbles/kernel/sched"

// pageTable is a second-level table. Tables and directories live in kernel
// memory, not in the frames managed by pmm; their number is bounded by the
// table budget handed to Init.
type pageTable [entriesPerTable]PageTableEntry

// tablePool tracks the table budget. A negative limit disables it.
type tablePool struct {
	lock  sched.Mutex
	limit int
	used  int
}

var (
	tables tablePool

	// the following functions are mocked by tests.
	allocTableFn = allocTable
	freeTableFn  = freeTable
	chargeFn     = charge
)

// charge accounts for one directory or table and reports whether the budget
// allowed it.
func charge() bool {
	tables.lock.Lock()
	defer tables.lock.Unlock()

	if tables.limit >= 0 && tables.used >= tables.limit {
		return false
	}
	tables.used++
	return true
}

// uncharge returns one directory or table to the budget.
func uncharge() {
	tables.lock.Lock()
	tables.used--
	tables.lock.Unlock()
}

// allocTable returns a zeroed table or nil if the budget is exhausted.
func allocTable() *pageTable {
	if !chargeFn() {
		return nil
	}
	return new(pageTable)
}

func freeTable(_ *pageTable) {
	uncharge()
}

// TablesInUse returns the number of directories and tables charged against
// the table budget.
func TablesInUse() int {
	tables.lock.Lock()
	defer tables.lock.Unlock()
	return tables.used
}
