package elfimg

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildELF assembles a minimal well-formed ELF64 image with the given
// PT_LOAD program headers, for exercising ParseSegments without a
// real toolchain-produced binary.
func buildELF(t *testing.T, phdrs []elf64Phdr) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56

	ehdr := elf64Ehdr{
		Type:      2,
		Machine:   0xf3, // EM_RISCV
		Version:   1,
		Entry:     0x1000,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(phdrs)),
	}
	ehdr.Ident[0] = 0x7F
	ehdr.Ident[1] = 'E'
	ehdr.Ident[2] = 'L'
	ehdr.Ident[3] = 'F'

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, ehdr); err != nil {
		t.Fatal(err)
	}
	for _, ph := range phdrs {
		if err := binary.Write(buf, binary.LittleEndian, ph); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestParseSegmentsValid(t *testing.T) {
	data := buildELF(t, []elf64Phdr{
		{Type: ptLoad, Flags: pfX, Vaddr: 0x1000, Off: 0, Filesz: 0x800, Memsz: 0x1000},
		{Type: ptLoad, Flags: pfW, Vaddr: 0x2000, Off: 0x800, Filesz: 0x100, Memsz: 0x2000},
		{Type: 0 /* not PT_LOAD */, Vaddr: 0x9000, Filesz: 0x10, Memsz: 0x10},
	})

	segs, entry, e := ParseSegments(bytes.NewReader(data))
	if e != 0 {
		t.Fatalf("ParseSegments failed: %d", e)
	}
	if entry != 0x1000 {
		t.Errorf("entry = %#x, want 0x1000", entry)
	}
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}
	if segs[0].Perm != PermX {
		t.Errorf("segs[0].Perm = %v, want PermX", segs[0].Perm)
	}
	if segs[1].Perm != PermW {
		t.Errorf("segs[1].Perm = %v, want PermW", segs[1].Perm)
	}
}

func TestParseSegmentsRejectsBadMagic(t *testing.T) {
	data := buildELF(t, nil)
	data[0] = 0x00
	if _, _, e := ParseSegments(bytes.NewReader(data)); e == 0 {
		t.Fatal("expected rejection of bad magic")
	}
}

func TestParseSegmentsRejectsMemszLessThanFilesz(t *testing.T) {
	data := buildELF(t, []elf64Phdr{
		{Type: ptLoad, Vaddr: 0x1000, Filesz: 0x2000, Memsz: 0x1000},
	})
	if _, _, e := ParseSegments(bytes.NewReader(data)); e == 0 {
		t.Fatal("expected rejection of memsz < filesz")
	}
}

func TestParseSegmentsRejectsUnalignedVaddr(t *testing.T) {
	data := buildELF(t, []elf64Phdr{
		{Type: ptLoad, Vaddr: 0x1001, Filesz: 0x10, Memsz: 0x1000},
	})
	if _, _, e := ParseSegments(bytes.NewReader(data)); e == 0 {
		t.Fatal("expected rejection of unaligned vaddr")
	}
}

func TestParseSegmentsRejectsTooManySegments(t *testing.T) {
	var phdrs []elf64Phdr
	for i := 0; i < 9; i++ {
		phdrs = append(phdrs, elf64Phdr{
			Type: ptLoad, Vaddr: uint64(i) * 0x1000, Filesz: 0x10, Memsz: 0x1000,
		})
	}
	data := buildELF(t, phdrs)
	if _, _, e := ParseSegments(bytes.NewReader(data)); e != -7 {
		t.Fatalf("ParseSegments = %d, want E2BIG", e)
	}
}

func TestFlagsToPerm(t *testing.T) {
	if FlagsToPerm(pfX|pfW) != PermX|PermW {
		t.Error("FlagsToPerm should OR in both X and W")
	}
	if FlagsToPerm(0) != 0 {
		t.Error("FlagsToPerm(0) should be 0")
	}
}

func TestImageRefcounting(t *testing.T) {
	closed := false
	im := NewImage(bytes.NewReader([]byte("hi")), closerFunc(func() error {
		closed = true
		return nil
	}))
	dup := im.Dup()
	dup.Release()
	if closed {
		t.Fatal("image closed too early")
	}
	im.Release()
	if !closed {
		t.Fatal("image should be closed once refs reach zero")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
