// Package elfimg holds the segment map snapshotted from an ELF64
// executable at exec time and the deferred executable
// image the fault handler later reads segment bytes from. Parsing is
// deliberately minimal — identifying PT_LOAD headers, nothing more —
// and reads the fixed-width header structs by hand rather than
// reaching for Go's debug/elf, since the format is small and fixed
// enough that a general parser buys nothing here.
package elfimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"swapvm/defs"
	"swapvm/limits"
)

const elfMagic = 0x464C457F // "\x7FELF" little-endian

const ptLoad = 1

// ELF program header flag bits.
const (
	pfX = 1
	pfW = 2
)

// Perm is a subset of {X, W, R}; U and R are implied whenever a
// segment is mapped.
type Perm uint8

const (
	PermX Perm = 1 << 0
	PermW Perm = 1 << 1
	PermR Perm = 1 << 2
)

// FlagsToPerm maps ELF PT_LOAD flags to our permission bits, kept as
// a standalone, independently testable helper rather than inlined
// into the loader.
func FlagsToPerm(flags uint32) Perm {
	var p Perm
	if flags&pfX != 0 {
		p |= PermX
	}
	if flags&pfW != 0 {
		p |= PermW
	}
	return p
}

// Segment is one immutable PT_LOAD entry retained after exec.
type Segment struct {
	Vaddr  uintptr
	Filesz uintptr
	Memsz  uintptr
	Off    int64
	Perm   Perm
}

type elf64Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ParseSegments reads the ELF header and program headers from r and
// returns the PT_LOAD segments plus the entry point, rejecting
// malformed images validation rules. It never reads
// segment data — only headers.
func ParseSegments(r io.ReaderAt) ([]Segment, uint64, defs.Err_t) {
	var ehdr elf64Ehdr
	if err := readAt(r, 0, &ehdr); err != nil {
		return nil, 0, -defs.EINVAL
	}
	if binary.LittleEndian.Uint32(ehdr.Ident[:4]) != elfMagic {
		return nil, 0, -defs.EINVAL
	}

	var segs []Segment
	var sz uint64
	for i := 0; i < int(ehdr.Phnum); i++ {
		off := int64(ehdr.Phoff) + int64(i)*int64(ehdr.Phentsize)
		var ph elf64Phdr
		if err := readAt(r, off, &ph); err != nil {
			return nil, 0, -defs.EINVAL
		}
		if ph.Type != ptLoad {
			continue
		}
		if ph.Memsz < ph.Filesz {
			return nil, 0, -defs.EINVAL
		}
		if ph.Vaddr+ph.Memsz < ph.Vaddr {
			return nil, 0, -defs.EINVAL
		}
		if ph.Vaddr%4096 != 0 {
			return nil, 0, -defs.EINVAL
		}
		if len(segs) >= limits.MaxSegments {
			limits.Hit()
			return nil, 0, -defs.E2BIG
		}
		segs = append(segs, Segment{
			Vaddr:  uintptr(ph.Vaddr),
			Filesz: uintptr(ph.Filesz),
			Memsz:  uintptr(ph.Memsz),
			Off:    int64(ph.Off),
			Perm:   FlagsToPerm(ph.Flags),
		})
		if end := ph.Vaddr + ph.Memsz; end > sz {
			sz = end
		}
	}
	return segs, ehdr.Entry, 0
}

func readAt(r io.ReaderAt, off int64, v interface{}) error {
	var buf []byte
	switch v.(type) {
	case *elf64Ehdr:
		buf = make([]byte, 64)
	case *elf64Phdr:
		buf = make([]byte, 56)
	default:
		return fmt.Errorf("elfimg: unsupported header type")
	}
	if _, err := r.ReadAt(buf, off); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// Image is the deferred executable the fault handler reads segment
// bytes from, kept open (reference counted) for the lifetime of the
// image exec_inode field.
type Image struct {
	r      io.ReaderAt
	refs   int32
	closer io.Closer
}

// NewImage wraps an already-open executable. closer may be nil if
// the caller manages the underlying handle's lifetime itself.
func NewImage(r io.ReaderAt, closer io.Closer) *Image {
	return &Image{r: r, refs: 1, closer: closer}
}

// Dup increments the reference count, for a fork that inherits the
// same underlying executable image.
func (im *Image) Dup() *Image {
	im.refs++
	return im
}

// Release decrements the reference count and closes the underlying
// handle once it reaches zero.
func (im *Image) Release() {
	im.refs--
	if im.refs == 0 && im.closer != nil {
		im.closer.Close()
	}
}

// ReadAt reads len(buf) bytes starting at file offset off.
func (im *Image) ReadAt(buf []byte, off int64) (int, error) {
	return im.r.ReadAt(buf, off)
}
