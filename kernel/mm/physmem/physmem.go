// Package physmem simulates the machine's installable RAM: a contiguous byte
// arena addressed by physical address. The direct-mapped kernel region below
// the arena base has no backing bytes.
package physmem

import (
	"encoding/binary"
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm"
)

var (
	base  uintptr
	arena []byte

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errOutOfRange = &kernel.Error{Module: "physmem", Message: "physical access outside installed memory", Kind: kernel.KindInternal}
)

// Init installs frameCount frames of zeroed RAM starting at the physical
// address baseAddr. baseAddr must be page aligned.
func Init(baseAddr uintptr, frameCount int) {
	base = baseAddr
	arena = make([]byte, uintptr(frameCount)<<mm.PageShift)
}

// FirstFrame returns the lowest installed frame.
func FirstFrame() mm.Frame {
	return mm.FrameFromAddress(base)
}

// LastFrame returns the highest installed frame or mm.InvalidFrame if no
// memory is installed.
func LastFrame() mm.Frame {
	if len(arena) == 0 {
		return mm.InvalidFrame
	}
	return mm.FrameFromAddress(base + uintptr(len(arena)) - 1)
}

// Contains reports whether the size bytes starting at addr are backed by
// installed memory.
func Contains(addr, size uintptr) bool {
	return addr >= base && addr+size >= addr && addr+size <= base+uintptr(len(arena))
}

// Bytes returns the installed memory in [addr, addr+size) as a slice that
// aliases the arena. Accesses outside installed memory are fatal.
func Bytes(addr, size uintptr) []byte {
	if !Contains(addr, size) {
		panicFn(errOutOfRange)
		return nil
	}

	off := addr - base
	return arena[off : off+size : off+size]
}

// Memset sets size bytes at the given physical address to the supplied value.
// Instead of using a for loop, this function uses log2(size) copy calls.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := Bytes(addr, size)
	if target == nil {
		return
	}

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst, size uintptr) {
	if size == 0 {
		return
	}
	copy(Bytes(dst, size), Bytes(src, size))
}

// ReadWord returns the little-endian 32-bit word stored at addr.
func ReadWord(addr uintptr) uint32 {
	b := Bytes(addr, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// WriteWord stores v as a little-endian 32-bit word at addr.
func WriteWord(addr uintptr, v uint32) {
	if b := Bytes(addr, 4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}
