package maps

import "testing"

func TestInsertFind(t *testing.T) {
	l := New()

	specs := []struct {
		low, high uint32
		perms     Perm
		expErr    error
	}{
		{0x1000000, 0x1000fff, PermUser, nil},
		{0x2000000, 0x2001fff, PermUser | PermWrite | PermRemove, nil},
		{0x2000000, 0x2000fff, PermUser, ErrOverlap},
		{0x1000fff, 0x1001fff, PermUser, ErrOverlap},
		{0x0ffffff, 0x1000000, PermUser, ErrOverlap},
		{0x1001000, 0x1ffffff, PermUser, nil},
		{0x3000000, 0x2ffffff, PermUser, ErrInvalidRange},
		{0xfffff000, 0xffffffff, 0, nil},
	}

	for specIndex, spec := range specs {
		err := l.Insert(spec.low, spec.high, spec.perms)
		if (err == nil && spec.expErr != nil) || (err != nil && err != spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if exp, got := 4, l.Len(); got != exp {
		t.Fatalf("expected %d regions; got %d", exp, got)
	}

	findSpecs := []struct {
		low, high uint32
		expFound  bool
		expLow    uint32
	}{
		{0x1000000, 0x1000000, true, 0x1000000},
		{0x1000800, 0x1000800, true, 0x1000000},
		{0x2001fff, 0x2001fff, true, 0x2000000},
		{0x0, 0xfffff, false, 0},
		{0x0, 0x1000000, true, 0x1000000},
		{0x2002000, 0x2ffffff, false, 0},
		{0x2002000, 0xffffffff, true, 0xfffff000},
	}

	for specIndex, spec := range findSpecs {
		r, found := l.Find(spec.low, spec.high)
		if found != spec.expFound {
			t.Errorf("[spec %d] expected found to be %t; got %t", specIndex, spec.expFound, found)
			continue
		}

		if found && r.Low != spec.expLow {
			t.Errorf("[spec %d] expected region starting at %#x; got %#x", specIndex, spec.expLow, r.Low)
		}
	}
}

func TestDelete(t *testing.T) {
	l := New()
	_ = l.Insert(0x1000000, 0x1000fff, PermUser)
	_ = l.Insert(0x2000000, 0x2001fff, PermUser|PermWrite|PermRemove)

	specs := []struct {
		low    uint32
		expErr error
	}{
		{0x2001000, ErrNotFound},
		{0x3000000, ErrNotFound},
		{0x1000000, ErrNotRemovable},
		{0x2000000, nil},
		{0x2000000, ErrNotFound},
	}

	for specIndex, spec := range specs {
		_, err := l.Delete(spec.low)
		if (err == nil && spec.expErr != nil) || (err != nil && err != spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if exp, got := 1, l.Len(); got != exp {
		t.Fatalf("expected %d region left; got %d", exp, got)
	}
}

func TestDeleteReturnsRegion(t *testing.T) {
	l := New()
	_ = l.Insert(0x2000000, 0x2001fff, PermUser|PermWrite|PermRemove)

	r, err := l.Delete(0x2000000)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(0x2000), r.Size(); got != exp {
		t.Fatalf("expected deleted region size %#x; got %#x", exp, got)
	}
}

func TestCheckRange(t *testing.T) {
	l := New()
	_ = l.Insert(0x1000000, 0x1000fff, PermUser)
	_ = l.Insert(0x1001000, 0x1001fff, PermUser|PermWrite)
	_ = l.Insert(0x1002000, 0x1002fff, PermUser|PermWrite)
	_ = l.Insert(0x1004000, 0x1004fff, PermUser|PermWrite)
	_ = l.Insert(0xfffff000, 0xffffffff, 0)

	specs := []struct {
		addr, length uint32
		perms        Perm
		exp          bool
	}{
		{0x1000000, 0x1000, PermUser, true},
		{0x1000000, 0x1001, PermUser, true},
		{0x1000000, 0x1001, PermUser | PermWrite, false},
		{0x1001ffc, 0x8, PermUser | PermWrite, true},
		{0x1002ffc, 0x8, PermUser, false},
		{0x1000000, 0x3000, PermUser, true},
		{0x0, 0x4, PermUser, false},
		{0x1000000, 0, PermUser | PermWrite, true},
		{0xfffffff0, 0x20, 0, false},
		{0xfffff000, 0x1000, 0, true},
		{0xfffff000, 0x1000, PermUser, false},
	}

	for specIndex, spec := range specs {
		if got := l.CheckRange(spec.addr, spec.length, spec.perms); got != spec.exp {
			t.Errorf("[spec %d] expected CheckRange(%#x, %#x, %d) to return %t; got %t", specIndex, spec.addr, spec.length, spec.perms, spec.exp, got)
		}
	}
}

func TestCopyFromAndClear(t *testing.T) {
	src := New()
	_ = src.Insert(0x1000000, 0x1000fff, PermUser)
	_ = src.Insert(0x2000000, 0x2000fff, PermUser|PermRemove)

	dst := New()
	_ = dst.Insert(0x5000000, 0x5000fff, PermUser)
	dst.CopyFrom(src)

	var lows []uint32
	dst.Visit(func(r Region) bool {
		lows = append(lows, r.Low)
		return true
	})

	if len(lows) != 2 || lows[0] != 0x1000000 || lows[1] != 0x2000000 {
		t.Fatalf("expected the copy to hold the source regions in order; got %#x", lows)
	}

	// The copy is independent of the source.
	if _, err := dst.Delete(0x2000000); err != nil {
		t.Fatal(err)
	}
	if exp, got := 2, src.Len(); got != exp {
		t.Fatalf("expected source to keep %d regions; got %d", exp, got)
	}

	src.Clear()
	if src.Len() != 0 {
		t.Fatal("expected Clear to remove every region")
	}
	if exp, got := 1, dst.Len(); got != exp {
		t.Fatalf("expected the copy to keep %d region; got %d", exp, got)
	}
}

func TestRegionHelpers(t *testing.T) {
	r := Region{Low: 0, High: 0xffffffff, Perms: PermUser | PermWrite}

	if exp, got := uint64(1)<<32, r.Size(); got != exp {
		t.Fatalf("expected size %#x; got %#x", exp, got)
	}

	if !r.Contains(0xffffffff) || !r.Allows(PermUser) || r.Allows(PermRemove) {
		t.Fatal("unexpected region helper result")
	}
}
