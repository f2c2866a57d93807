// Package maps implements the per-task ledger of logical memory regions.
// The ledger is independent of the page tables: it records which virtual
// ranges a task may touch and with which permissions, and it is what user
// pointers are validated against.
package maps

import (
	"pebbles/kernel"

	"github.com/google/btree"
)

// Perm is a set of region permissions.
type Perm uint8

const (
	// PermUser marks regions that user code may access.
	PermUser Perm = 1 << iota

	// PermWrite marks writable regions.
	PermWrite

	// PermRemove marks regions created by new_pages that remove_pages may
	// delete.
	PermRemove
)

// btreeDegree is the degree of the ordered region index.
const btreeDegree = 8

var (
	// ErrOverlap is returned when inserting a region that overlaps an
	// existing one.
	ErrOverlap = &kernel.Error{Module: "maps", Message: "region overlaps an existing region", Kind: kernel.KindValidation}

	// ErrInvalidRange is returned for regions whose end precedes their
	// start.
	ErrInvalidRange = &kernel.Error{Module: "maps", Message: "invalid region bounds", Kind: kernel.KindValidation}

	// ErrNotFound is returned when no region starts at the given address.
	ErrNotFound = &kernel.Error{Module: "maps", Message: "no region starts at this address", Kind: kernel.KindValidation}

	// ErrNotRemovable is returned when deleting a region that was not
	// created as removable.
	ErrNotRemovable = &kernel.Error{Module: "maps", Message: "region is not removable", Kind: kernel.KindLifecycle}
)

// Region describes the inclusive virtual address range [Low, High].
type Region struct {
	Low, High uint32
	Perms     Perm
}

// Size returns the number of bytes covered by the region.
func (r Region) Size() uint64 {
	return uint64(r.High) - uint64(r.Low) + 1
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Low && addr <= r.High
}

// Allows reports whether the region carries every permission in perms.
func (r Region) Allows(perms Perm) bool {
	return r.Perms&perms == perms
}

func lessRegion(a, b Region) bool {
	return a.Low < b.Low
}

// Ledger is an ordered set of non-overlapping regions. It is not safe for
// concurrent use; the owning task serialises access.
type Ledger struct {
	tree *btree.BTreeG[Region]
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{tree: btree.NewG[Region](btreeDegree, lessRegion)}
}

// Insert records the region [low, high] with the given permissions.
func (l *Ledger) Insert(low, high uint32, perms Perm) *kernel.Error {
	if high < low {
		return ErrInvalidRange
	}

	if _, found := l.Find(low, high); found {
		return ErrOverlap
	}

	l.tree.ReplaceOrInsert(Region{Low: low, High: high, Perms: perms})
	return nil
}

// Find returns a region that overlaps [low, high], if any.
func (l *Ledger) Find(low, high uint32) (Region, bool) {
	var (
		match Region
		found bool
	)

	// Regions never overlap, so the region with the greatest start not
	// past high is the only candidate.
	l.tree.DescendLessOrEqual(Region{Low: high}, func(r Region) bool {
		match, found = r, r.High >= low
		return false
	})

	return match, found
}

// Delete removes the region starting exactly at low. Only regions carrying
// PermRemove can be deleted.
func (l *Ledger) Delete(low uint32) (Region, *kernel.Error) {
	r, found := l.tree.Get(Region{Low: low})
	if !found {
		return Region{}, ErrNotFound
	}

	if !r.Allows(PermRemove) {
		return Region{}, ErrNotRemovable
	}

	l.tree.Delete(r)
	return r, nil
}

// Clear removes every region.
func (l *Ledger) Clear() {
	l.tree.Clear(false)
}

// CopyFrom replaces the contents of l with a copy of src.
func (l *Ledger) CopyFrom(src *Ledger) {
	l.tree = src.tree.Clone()
}

// Len returns the number of regions.
func (l *Ledger) Len() int {
	return l.tree.Len()
}

// Visit calls visitFn for every region in ascending address order until
// visitFn returns false.
func (l *Ledger) Visit(visitFn func(Region) bool) {
	l.tree.Ascend(btree.ItemIteratorG[Region](visitFn))
}

// CheckRange reports whether every byte of [addr, addr+length) lies inside
// regions that carry all of perms. A zero length is always valid.
func (l *Ledger) CheckRange(addr, length uint32, perms Perm) bool {
	if length == 0 {
		return true
	}

	end := addr + length - 1
	if end < addr {
		return false
	}

	for cur := addr; ; {
		r, found := l.Find(cur, cur)
		if !found || !r.Allows(perms) {
			return false
		}

		if r.High >= end {
			return true
		}
		cur = r.High + 1
	}
}
