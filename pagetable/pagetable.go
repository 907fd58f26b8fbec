// Package pagetable implements the Sv39 three-level radix-tree page
// table walker: walk, mappages, uvmunmap and the recursive freewalk
// teardown, plus the frame-mapping helpers built on top of them.
package pagetable

import (
	"unsafe"

	"swapvm/mem"
)

// PTE bit layout, standard Sv39 (RISC-V privileged spec):
//
//	V R W X U G A D | 2 RSW bits | 44-bit PPN | 10 reserved bits
const (
	PTE_V uint64 = 1 << 0 /// valid
	PTE_R uint64 = 1 << 1 /// readable
	PTE_W uint64 = 1 << 2 /// writable
	PTE_X uint64 = 1 << 3 /// executable
	PTE_U uint64 = 1 << 4 /// user-accessible
	PTE_G uint64 = 1 << 5 /// global
	PTE_A uint64 = 1 << 6 /// accessed
	PTE_D uint64 = 1 << 7 /// dirty
)

// MAXVA is one bit less than the maximum possible, to avoid having
// to sign-extend virtual addresses that have the high bit set.
const MAXVA = 1 << (9 + 9 + 9 + 12 - 1)

// TRAPFRAME is the page just below the trampoline at the very top of
// user address space; sbrk must never grow sz past it.
const TRAPFRAME = MAXVA - 2*mem.PGSIZE

// Pagetable_t is one level of the Sv39 radix tree: 512 eight-byte PTEs.
type Pagetable_t [512]uint64

// pa2pte packs a frame address into the PPN field of a PTE.
func pa2pte(pa mem.Pa_t) uint64 {
	return (uint64(pa) >> mem.PGSHIFT) << 10
}

// pte2pa unpacks the PPN field of a PTE back into a frame address.
func pte2pa(pte uint64) mem.Pa_t {
	return mem.Pa_t((pte >> 10) << mem.PGSHIFT)
}

// px extracts the 9-bit index for the given Sv39 level (2, 1, or 0)
// out of a virtual address.
func px(level int, va uintptr) uintptr {
	shift := uintptr(mem.PGSHIFT + 9*level)
	return (va >> shift) & 0x1FF
}

// T is a process's root page table, together with the allocator it
// draws intermediate tables from.
type T struct {
	Root *Pagetable_t
	Phys *mem.Physmem_t
}

// New allocates an empty root page table.
func New(phys *mem.Physmem_t) (*T, bool) {
	f, _, ok := phys.Refpg_new()
	if !ok {
		return nil, false
	}
	return &T{Root: asPagetable(f), Phys: phys}, true
}

// asPagetable reinterprets a PGSIZE frame as the 512-entry PTE array
// it physically is.
func asPagetable(f *mem.Frame) *Pagetable_t {
	return (*Pagetable_t)(unsafe.Pointer(f))
}

func asFrame(t *Pagetable_t) *mem.Frame {
	return (*mem.Frame)(unsafe.Pointer(t))
}

// Walk returns the address of the leaf PTE for va, allocating
// intermediate tables when alloc is set. It returns nil if the PTE
// doesn't exist and alloc is false, or if an allocation failed.
func (t *T) Walk(va uintptr, alloc bool) *uint64 {
	if va >= MAXVA {
		panic("pagetable: va out of range")
	}
	table := t.Root
	for level := 2; level > 0; level-- {
		pte := &table[px(level, va)]
		if *pte&PTE_V != 0 {
			table = asPagetable(t.Phys.Dmap(pte2pa(*pte)))
		} else {
			if !alloc {
				return nil
			}
			f, pa, ok := t.Phys.Refpg_new()
			if !ok {
				return nil
			}
			*pte = pa2pte(pa) | PTE_V
			table = asPagetable(f)
		}
	}
	return &table[px(0, va)]
}

// WalkAddr looks up a user virtual address and returns its physical
// frame, or ok=false if unmapped, invalid, or not user-accessible.
func (t *T) WalkAddr(va uintptr) (mem.Pa_t, bool) {
	if va >= MAXVA {
		return 0, false
	}
	pte := t.Walk(va, false)
	if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
		return 0, false
	}
	return pte2pa(*pte), true
}

// Mappages installs a single PGSIZE mapping at va. va must be
// page-aligned. It panics on remapping an already-valid PTE, matching
// xv6's mappages, which treats that as a kernel bug rather than a
// recoverable error.
func (t *T) Mappages(va uintptr, pa mem.Pa_t, perm uint64) bool {
	if va%mem.PGSIZE != 0 {
		panic("pagetable: va not aligned")
	}
	pte := t.Walk(va, true)
	if pte == nil {
		return false
	}
	if *pte&PTE_V != 0 {
		panic("pagetable: remap")
	}
	*pte = pa2pte(pa) | perm | PTE_V
	return true
}

// Unmap installs an explicitly invalid PTE at va (entry = 0, valid
// bit clear) without freeing anything — used for the guard page,
// whose whole purpose is to fault.
func (t *T) Unmap(va uintptr) {
	pte := t.Walk(va, true)
	if pte != nil {
		*pte = 0
	}
}

// Uvmunmap removes npages of mappings starting at va. It tolerates
// missing leaves and already-invalid entries, freeing the backing
// frame when free is set.
func (t *T) Uvmunmap(va uintptr, npages int, free bool) {
	if va%mem.PGSIZE != 0 {
		panic("pagetable: uvmunmap not aligned")
	}
	for a := va; a < va+uintptr(npages)*mem.PGSIZE; a += mem.PGSIZE {
		pte := t.Walk(a, false)
		if pte == nil || *pte&PTE_V == 0 {
			continue
		}
		if free {
			t.Phys.Refdown(pte2pa(*pte))
		}
		*pte = 0
	}
}

// Freewalk recursively frees every intermediate table in the tree
// and, defensively, any still-valid leaf frame it encounters — a
// regular address space must have its leaves explicitly unmapped
// first via Uvmunmap, but the page-descriptor table can leave
// dangling leaves on an abnormal exit, so freewalk cleans those up
// too rather than leaking frames.
func (t *T) Freewalk() {
	freewalk(t.Root, t.Phys)
}

func freewalk(table *Pagetable_t, phys *mem.Physmem_t) {
	for i := range table {
		pte := table[i]
		if pte&PTE_V == 0 {
			continue
		}
		if pte&(PTE_R|PTE_W|PTE_X) == 0 {
			// Points to a lower-level table.
			freewalk(asPagetable(phys.Dmap(pte2pa(pte))), phys)
		} else {
			// Leaf left dangling; free it too.
			phys.Refdown(pte2pa(pte))
		}
		table[i] = 0
	}
	// The table page itself is a frame the allocator owns.
	rootPa := phys.Dmap_v2p(asFrame(table))
	phys.Refdown(rootPa)
}
