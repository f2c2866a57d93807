// Package loader is the program-image collaborator: a table of contents of
// the executables linked into the kernel together with the helpers that
// read their headers and bytes. It never touches an address space; placing
// sections into a task is the lifecycle manager's job.
package loader

import (
	"pebbles/kernel"
	"pebbles/kernel/mm"
	"pebbles/kernel/sched"
	"sort"
)

const (
	// UserStackLow is the lowest address of the user stack region.
	UserStackLow = uint32(0xffb00000)

	// UserStackSize is the size of the user stack region.
	UserStackSize = uint32(0x4000)

	// UserStackStart is the initial user stack pointer. The words above
	// it hold the arguments of the program entry point.
	UserStackStart = uint32(0xffb03e00)

	// TextBase is where Build places the text section.
	TextBase = uint32(0x1000000)

	// MaxNameLen bounds executable names, including the terminating NUL.
	MaxNameLen = 64
)

var (
	// ErrNotFound is returned when no executable with the requested name
	// exists.
	ErrNotFound = &kernel.Error{Module: "loader", Message: "no such executable", Kind: kernel.KindValidation}

	// ErrInvalidImage is returned when registering an executable whose
	// layout cannot be loaded.
	ErrInvalidImage = &kernel.Error{Module: "loader", Message: "invalid executable layout", Kind: kernel.KindValidation}

	tocLock sched.Mutex
	toc     = map[string]*Executable{}
)

// SimpleELF is the condensed program header: where each section lives in
// the image and where it is loaded.
type SimpleELF struct {
	Name  string
	Entry uint32

	TextOff, TextLen, TextStart       uint32
	DataOff, DataLen, DataStart       uint32
	RodataOff, RodataLen, RodataStart uint32
	BSSStart, BSSLen                  uint32
}

// Section describes one loadable section of an executable. Sections
// without file contents (bss) have HasBytes unset.
type Section struct {
	Name     string
	Start    uint32
	Len      uint32
	Offset   uint32
	HasBytes bool
	Writable bool
}

// Sections returns the loadable, non-empty sections described by the
// header in load order.
func (h *SimpleELF) Sections() []Section {
	all := []Section{
		{Name: "text", Start: h.TextStart, Len: h.TextLen, Offset: h.TextOff, HasBytes: true},
		{Name: "data", Start: h.DataStart, Len: h.DataLen, Offset: h.DataOff, HasBytes: true, Writable: true},
		{Name: "rodata", Start: h.RodataStart, Len: h.RodataLen, Offset: h.RodataOff, HasBytes: true},
		{Name: "bss", Start: h.BSSStart, Len: h.BSSLen, Writable: true},
	}

	sections := all[:0]
	for _, s := range all {
		if s.Len != 0 {
			sections = append(sections, s)
		}
	}
	return sections
}

// Executable is one entry of the table of contents.
type Executable struct {
	Header SimpleELF
	Bytes  []byte
}

// pageSpan returns the page-aligned [low, high] range covered by a section.
func pageSpan(start, length uint32) (uint64, uint64) {
	low := uint64(start) &^ uint64(mm.PageSize-1)
	high := (uint64(start) + uint64(length) + uint64(mm.PageSize-1)) &^ uint64(mm.PageSize-1)
	return low, high - 1
}

// validate checks that every section can be loaded: file contents lie inside
// the image, sections live between the kernel region and the user stack and
// no two sections share a page.
func (e *Executable) validate() *kernel.Error {
	name := e.Header.Name
	if len(name) == 0 || len(name)+1 > MaxNameLen {
		return ErrInvalidImage
	}

	sections := e.Header.Sections()
	for i, s := range sections {
		if s.HasBytes && uint64(s.Offset)+uint64(s.Len) > uint64(len(e.Bytes)) {
			return ErrInvalidImage
		}

		low, high := pageSpan(s.Start, s.Len)
		if low < uint64(mm.KernelRegionEnd) || high >= uint64(UserStackLow) {
			return ErrInvalidImage
		}

		for _, other := range sections[:i] {
			otherLow, otherHigh := pageSpan(other.Start, other.Len)
			if low <= otherHigh && otherLow <= high {
				return ErrInvalidImage
			}
		}
	}

	textLow, textHigh := uint64(e.Header.TextStart), uint64(e.Header.TextStart)+uint64(e.Header.TextLen)
	if e.Header.TextLen != 0 && (uint64(e.Header.Entry) < textLow || uint64(e.Header.Entry) >= textHigh) {
		return ErrInvalidImage
	}

	return nil
}

// Register adds exe to the table of contents, replacing any executable with
// the same name.
func Register(exe *Executable) *kernel.Error {
	if err := exe.validate(); err != nil {
		return err
	}

	tocLock.Lock()
	toc[exe.Header.Name] = exe
	tocLock.Unlock()
	return nil
}

// Unregister removes the named executable.
func Unregister(name string) {
	tocLock.Lock()
	delete(toc, name)
	tocLock.Unlock()
}

// Names returns the names of all registered executables in sorted order.
func Names() []string {
	tocLock.Lock()
	defer tocLock.Unlock()

	names := make([]string, 0, len(toc))
	for name := range toc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (*Executable, *kernel.Error) {
	tocLock.Lock()
	defer tocLock.Unlock()

	exe, found := toc[name]
	if !found {
		return nil, ErrNotFound
	}
	return exe, nil
}

// ElfLoadHelper returns the header of the named executable.
func ElfLoadHelper(name string) (SimpleELF, *kernel.Error) {
	exe, err := lookup(name)
	if err != nil {
		return SimpleELF{}, err
	}
	return exe.Header, nil
}

// GetBytes copies up to size bytes of the named executable, starting at
// offset, into buf and returns the number of bytes copied. The copy is
// clipped at the end of the image and at the end of buf.
func GetBytes(name string, offset, size int, buf []byte) (int, *kernel.Error) {
	exe, err := lookup(name)
	if err != nil {
		return 0, err
	}

	if offset < 0 || size < 0 || offset > len(exe.Bytes) {
		return 0, ErrInvalidImage
	}

	end := len(exe.Bytes)
	if offset+size < end {
		end = offset + size
	}
	return copy(buf, exe.Bytes[offset:end]), nil
}

// Build lays out an executable the way the kernel's linker script does:
// text at TextBase followed by rodata, data and bss, each section starting
// on a fresh page. The image holds text, rodata and data back to back and
// the entry point is the start of text.
func Build(name string, text, rodata, data []byte, bssLen uint32) *Executable {
	var (
		image  []byte
		header = SimpleELF{Name: name, Entry: TextBase}
		next   = TextBase
	)

	place := func(contents []byte) (off, length, start uint32) {
		off, length, start = uint32(len(image)), uint32(len(contents)), next
		image = append(image, contents...)
		if length != 0 {
			_, high := pageSpan(start, length)
			next = uint32(high + 1)
		}
		return off, length, start
	}

	header.TextOff, header.TextLen, header.TextStart = place(text)
	header.RodataOff, header.RodataLen, header.RodataStart = place(rodata)
	header.DataOff, header.DataLen, header.DataStart = place(data)
	header.BSSStart, header.BSSLen = next, bssLen

	return &Executable{Header: header, Bytes: image}
}
