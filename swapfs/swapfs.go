// Package swapfs is the swap-slot bitmap and per-process swap file.
// The swap file is backed by a host *os.File holding fixed-size,
// page-sized records at slot*PGSIZE; reads and writes go through
// golang.org/x/sys/unix's Pread/Pwrite rather than Seek-then-Read/
// Write, so concurrent slot access never races through a shared file
// offset and never needs its own serializing mutex.
package swapfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"swapvm/defs"
	"swapvm/limits"
	"swapvm/mem"
	"swapvm/ustr"
)

// Bitmap is a fixed-capacity arena of swap slots.
type Bitmap struct {
	bits  [limits.MaxSwapPages / 64]uint64
	count int
}

// Alloc finds and claims the first free slot, or returns ok=false if
// the bitmap is exhausted.
func (b *Bitmap) Alloc() (int, bool) {
	if b.count >= limits.MaxSwapPages {
		return 0, false
	}
	for i := range b.bits {
		if b.bits[i] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if b.bits[i]&(1<<uint(bit)) == 0 {
				b.bits[i] |= 1 << uint(bit)
				b.count++
				return i*64 + bit, true
			}
		}
	}
	return 0, false
}

// Free releases slot back to the arena. A double-free is a no-op,
// matching the original's free_swap_slot guard.
func (b *Bitmap) Free(slot int) {
	if slot < 0 || slot >= limits.MaxSwapPages {
		return
	}
	word, bit := slot/64, uint(slot%64)
	if b.bits[word]&(1<<bit) != 0 {
		b.bits[word] &^= 1 << bit
		b.count--
	}
}

// Count returns the bitmap's popcount.
func (b *Bitmap) Count() int {
	return b.count
}

// HostFS abstracts the host directory the per-process swap files live
// in, standing in for the in-kernel file system places out of
// scope as an external collaborator.
type HostFS interface {
	Create(path string) (*os.File, error)
}

// DirFS implements HostFS against a real directory on the host
// filesystem.
type DirFS struct {
	Dir string
}

// Create opens path (relative, e.g. "pgswp00042") under the directory
// for reading and writing, creating it if necessary.
func (d DirFS) Create(path string) (*os.File, error) {
	if d.Dir == "" {
		d.Dir = os.TempDir()
	}
	return os.OpenFile(d.Dir+"/"+path, os.O_RDWR|os.O_CREATE, 0600)
}

// File is a process's lazily-created swap file, named /pgswpNNNNN per
// swap-file-format contract.
type File struct {
	fs   HostFS
	pid  int
	f    *os.File
	path string
}

// New returns an unopened swap file descriptor for pid; the
// underlying host file is created lazily on the first WriteSlot, per
// "created lazily on first swap-out."
func New(fs HostFS, pid int) *File {
	return &File{fs: fs, pid: pid, path: ustr.SwapPath(pid).String()[1:]}
}

func (f *File) ensureOpen() defs.Err_t {
	if f.f != nil {
		return 0
	}
	fh, err := f.fs.Create(f.path)
	if err != nil {
		return -defs.ENOSPC
	}
	f.f = fh
	return 0
}

// WriteSlot writes exactly PGSIZE bytes from page to slot*PGSIZE.
func (f *File) WriteSlot(slot int, page *mem.Frame) defs.Err_t {
	if e := f.ensureOpen(); e != 0 {
		return e
	}
	n, err := unix.Pwrite(int(f.f.Fd()), page[:], int64(slot)*mem.PGSIZE)
	if err != nil || n != mem.PGSIZE {
		return -defs.ENOSPC
	}
	return 0
}

// ReadSlot reads exactly PGSIZE bytes from slot*PGSIZE into page.
func (f *File) ReadSlot(slot int, page *mem.Frame) defs.Err_t {
	if f.f == nil {
		return -defs.EFAULT
	}
	n, err := unix.Pread(int(f.f.Fd()), page[:], int64(slot)*mem.PGSIZE)
	if err != nil || n != mem.PGSIZE {
		return -defs.EFAULT
	}
	return 0
}

// Close closes the host file handle, if one was ever opened. The
// file itself is deliberately left on disk — deleting it would mean
// re-entering the host file system's transaction log while the
// caller may be holding process-level locks. A background reaper
// would be the right place to clean these up; see DESIGN.md.
func (f *File) Close() {
	if f.f != nil {
		f.f.Close()
		f.f = nil
	}
}

// Path returns the absolute swap-file path for diagnostics.
func (f *File) Path() string {
	return fmt.Sprintf("/%s", f.path)
}
