// Package process owns a single process's paging state: its page
// table, descriptor table, swap arena, segment map, and the fault
// handler, evictor and exec/fork/exit/sbrk/memstat operations that
// mutate them. Errors cross its API boundary as Err_t sentinels
// rather than the error interface, and an embedded mutex guards the
// bookkeeping operations that are not already serialized by running
// only in the context of their own process.
package process

import (
	"io"
	"sync"

	"swapvm/accnt"
	"swapvm/console"
	"swapvm/defs"
	"swapvm/elfimg"
	"swapvm/limits"
	"swapvm/mem"
	"swapvm/pagetable"
	"swapvm/pgindex"
	"swapvm/swapfs"
	"swapvm/util"

	"golang.org/x/sync/errgroup"
)

// SbrkMode selects sbrk's allocation strategy.
type SbrkMode int

const (
	Lazy SbrkMode = iota
	Eager
)

// PageDescriptor tracks one virtual page ever touched or swapped by
// a process.
type PageDescriptor struct {
	Va         uintptr
	Seq        uint64
	Dirty      bool
	Resident   bool
	Swapped    bool
	SwapOffset int
}

// pageState is memstat's per-page classification.
type pageState int

const (
	StateUnmapped pageState = iota
	StateResident
	StateSwapped
)

// PageRecord is one entry of a memstat snapshot.
type PageRecord struct {
	Va       uintptr
	State    pageState
	Dirty    bool
	Seq      uint64
	SwapSlot int
}

// MemstatBuf is the structure memstat fills.
type MemstatBuf struct {
	Pid      int
	NextSeq  uint64
	Pages    int
	Resident int
	Swapped  int
	Records  []PageRecord
}

// Process is one process's paging state.
type Process struct {
	sync.Mutex // held across sbrk/memstat bookkeeping; the fault handler deliberately does not hold it during allocator/swap/exec I/O (see PageFault)

	Pid int

	PT *pagetable.T

	Segments []elfimg.Segment
	Pages    []PageDescriptor
	Index    *pgindex.Index

	SwapBits *swapfs.Bitmap
	SwapFile *swapfs.File

	ExecImage *elfimg.Image

	NextSeq uint64

	HeapStart   uintptr
	StackBottom uintptr
	StackTop    uintptr
	Sz          uintptr
	Sp          uintptr // current user stack pointer, for stack-growth classification

	Phys *mem.Physmem_t
	Acc  *accnt.Accnt_t
	Log  *console.Logger
	fs   swapfs.HostFS

	Killed bool
	Reason defs.KillReason
}

// New allocates a fresh, empty process with its own page table and
// swap arena. Exec must be called before the process can run.
func New(pid int, phys *mem.Physmem_t, fs swapfs.HostFS, log *console.Logger) (*Process, defs.Err_t) {
	pt, ok := pagetable.New(phys)
	if !ok {
		return nil, -defs.ENOMEM
	}
	return &Process{
		Pid:      pid,
		PT:       pt,
		Index:    pgindex.New(),
		SwapBits: &swapfs.Bitmap{},
		SwapFile: swapfs.New(fs, pid),
		Phys:     phys,
		Acc:      &accnt.Accnt_t{},
		Log:      log,
		fs:       fs,
	}, 0
}

func roundup(v uintptr) uintptr   { return util.Roundup(v, uintptr(mem.PGSIZE)) }
func rounddown(v uintptr) uintptr { return util.Rounddown(v, uintptr(mem.PGSIZE)) }

// findDescriptor returns the descriptor for va, if one exists.
func (p *Process) findDescriptor(va uintptr) (*PageDescriptor, bool) {
	idx, ok := p.Index.Get(va)
	if !ok {
		return nil, false
	}
	return &p.Pages[idx], true
}

// addDescriptor appends a new descriptor for va, failing with E2BIG
// once the table hits MAX_SWAP_PAGES (open question: the
// caller unmaps and frees the frame, and the access refaults later).
func (p *Process) addDescriptor(d PageDescriptor) defs.Err_t {
	if len(p.Pages) >= limits.MaxSwapPages {
		limits.Hit()
		return -defs.E2BIG
	}
	p.Pages = append(p.Pages, d)
	p.Index.Put(d.Va, len(p.Pages)-1)
	return 0
}

// removeDescriptor deletes the descriptor at slice index idx,
// shifting later descriptors down and keeping the index consistent.
func (p *Process) removeDescriptor(idx int) {
	va := p.Pages[idx].Va
	p.Index.Delete(va)
	p.Pages = append(p.Pages[:idx], p.Pages[idx+1:]...)
	p.Index.ShiftDown(idx)
}

// Exec validates an ELF image, installs a fresh page table with the
// segment map and a materialized top stack page, and atomically
// replaces the process's paging state.
func (p *Process) Exec(r io.ReaderAt, closer io.Closer, argv []string) defs.Err_t {
	segs, _, e := elfimg.ParseSegments(r)
	if e != 0 {
		return e
	}

	newPT, ok := pagetable.New(p.Phys)
	if !ok {
		return -defs.ENOMEM
	}

	var sz uintptr
	for _, s := range segs {
		if end := s.Vaddr + s.Memsz; end > sz {
			sz = end
		}
	}

	textLo, textHi := uintptr(0), uintptr(0)
	dataLo, dataHi := uintptr(0), uintptr(0)
	for _, s := range segs {
		if s.Perm&elfimg.PermX != 0 {
			textLo, textHi = s.Vaddr, s.Vaddr+s.Memsz
		} else {
			dataLo, dataHi = s.Vaddr, s.Vaddr+s.Memsz
		}
	}

	heapStart := sz
	stackBottom := roundup(sz) + mem.PGSIZE // one guard page below the stack
	stackTop := stackBottom + uintptr(limits.UserStack)*mem.PGSIZE
	finalSz := stackTop + mem.PGSIZE

	// The guard page: walked and installed explicitly invalid.
	newPT.Unmap(rounddown(stackBottom) - mem.PGSIZE)

	// Only the top stack page is materialized now, so argv can be
	// copied before the process ever runs.
	topStackVa := stackTop - mem.PGSIZE
	frame, pa, ok := p.Phys.Refpg_new()
	if !ok {
		newPT.Freewalk()
		return -defs.ENOMEM
	}
	copyArgv(frame, argv)
	newPT.Mappages(topStackVa, pa, pagetable.PTE_R|pagetable.PTE_W|pagetable.PTE_U)

	newPages := []PageDescriptor{{Va: topStackVa, Seq: 0, Resident: true}}
	newIndex := pgindex.New()
	newIndex.Put(topStackVa, 0)

	img := elfimg.NewImage(r, closer)

	// Commit: tear down the old image only after the new one is
	// fully built, so a half-built attempt never corrupts a running
	// process ("on failure the half-built page table is
	// freed and the old image survives" — here the failure paths
	// above already returned before reaching this point).
	if p.PT != nil {
		p.PT.Freewalk()
	}
	if p.ExecImage != nil {
		p.ExecImage.Release()
	}

	p.PT = newPT
	p.Segments = segs
	p.Pages = newPages
	p.Index = newIndex
	p.SwapBits = &swapfs.Bitmap{}
	p.SwapFile = swapfs.New(p.fs, p.Pid)
	p.ExecImage = img
	p.NextSeq = 1
	p.HeapStart = heapStart
	p.StackBottom = stackBottom
	p.StackTop = stackTop
	p.Sz = finalSz
	p.Sp = stackTop

	p.Log.InitLazymap(p.Pid, textLo, textHi, dataLo, dataHi, heapStart, stackTop)
	return 0
}

func copyArgv(frame *mem.Frame, argv []string) {
	off := mem.PGSIZE
	for i := util.Min(len(argv), limits.MaxArg) - 1; i >= 0; i-- {
		s := argv[i]
		off -= len(s) + 1
		if off < 0 {
			break
		}
		copy(frame[off:], s)
		frame[off+len(s)] = 0
	}
}

// Sbrk grows or shrinks the process's heap.
func (p *Process) Sbrk(n int, mode SbrkMode) (uintptr, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	old := p.Sz
	if n < 0 {
		return p.shrink(n)
	}
	newSz := old + uintptr(n)
	if newSz < old || newSz >= pagetable.TRAPFRAME {
		return 0, -defs.ENOMEM
	}
	if mode == Eager {
		for va := rounddown(old) + mem.PGSIZE; va < roundup(newSz); va += mem.PGSIZE {
			if _, e := p.allocZeroFill(va, pagetable.PTE_R|pagetable.PTE_W|pagetable.PTE_U); e != 0 {
				return 0, e
			}
		}
	}
	p.Sz = newSz
	return old, 0
}

func (p *Process) shrink(n int) (uintptr, defs.Err_t) {
	old := p.Sz
	newSz := old - uintptr(-n)
	if newSz > old {
		return 0, -defs.EINVAL
	}
	p.PT.Uvmunmap(roundup(newSz), int((roundup(old)-roundup(newSz))/mem.PGSIZE), true)
	for i := 0; i < len(p.Pages); {
		if p.Pages[i].Va >= newSz {
			p.removeDescriptor(i)
			continue
		}
		i++
	}
	p.Sz = newSz
	return old, 0
}

func (p *Process) allocZeroFill(va uintptr, perm uint64) (mem.Pa_t, defs.Err_t) {
	_, pa, ok := p.Phys.AllocNotify(p.Pid, 1)
	if !ok {
		p.Log.Memfull(p.Pid)
		if e := p.evictOne(); e != 0 {
			return 0, e
		}
		_, pa, ok = p.Phys.Refpg_new()
		if !ok {
			return 0, -defs.ENOMEM
		}
	}
	p.PT.Mappages(va, pa, perm)
	return pa, 0
}

// classify determines which region an unmapped faulting address
// belongs to: a segment, the heap, the stack, or none of those.
type region int

const (
	regionNone region = iota
	regionSegment
	regionHeap
	regionStack
)

func (p *Process) classify(va uintptr) (region, elfimg.Segment) {
	for _, s := range p.Segments {
		if va >= s.Vaddr && va < s.Vaddr+s.Memsz {
			return regionSegment, s
		}
	}
	heapEnd := roundup(p.Sz)
	if p.StackBottom != 0 && heapEnd > p.StackBottom {
		heapEnd = p.StackBottom
	}
	if va >= p.HeapStart && va < heapEnd {
		return regionHeap, elfimg.Segment{}
	}
	if p.StackTop != 0 && va >= p.StackTop && va < roundup(p.Sz) {
		return regionHeap, elfimg.Segment{}
	}
	if va >= p.StackBottom && va < p.StackTop {
		withinOnePage := va+mem.PGSIZE >= p.Sp && va < p.Sp+mem.PGSIZE
		if withinOnePage || p.Sp >= p.StackTop {
			return regionStack, elfimg.Segment{}
		}
	}
	return regionNone, elfimg.Segment{}
}

func causeName(r region, swapped bool) string {
	if swapped {
		return "swap"
	}
	switch r {
	case regionSegment:
		return "exec"
	case regionHeap:
		return "heap"
	case regionStack:
		return "stack"
	default:
		return "unknown"
	}
}

// PageFault is the fault handler. It returns the mapped
// physical address, or 0 if the process was killed or recovery
// failed.
func (p *Process) PageFault(rawVa uintptr, access defs.Access) mem.Pa_t {
	va := rounddown(rawVa)

	if rawVa >= pagetable.MAXVA {
		p.kill(defs.KillInvalidAccess, rawVa, access)
		return 0
	}

	if pte := p.PT.Walk(va, false); pte != nil && *pte&pagetable.PTE_V != 0 {
		need := permFor(access)
		if *pte&pagetable.PTE_U == 0 || *pte&need == 0 {
			p.kill(defs.KillInvalidAccess, rawVa, access)
			return 0
		}
		if access == defs.AccessWrite {
			if d, ok := p.findDescriptor(va); ok {
				d.Dirty = true
			}
		}
		return mem.Pa_t(*pte>>10) << mem.PGSHIFT
	}

	if d, ok := p.findDescriptor(va); ok && d.Swapped {
		p.Log.Pagefault(p.Pid, rawVa, access.String(), "swap")
		pa, e := p.swapIn(d)
		if e != 0 {
			return 0
		}
		if access == defs.AccessWrite {
			d.Dirty = true
		}
		return pa
	}

	kind, seg := p.classify(va)
	if kind == regionNone {
		p.kill(defs.KillInvalidAccess, rawVa, access)
		return 0
	}
	p.Log.Pagefault(p.Pid, rawVa, access.String(), causeName(kind, false))

	frame, pa, ok := p.Phys.AllocNotify(p.Pid, 1)
	if !ok {
		p.Log.Memfull(p.Pid)
		if e := p.evictOne(); e != 0 {
			return 0
		}
		frame, pa, ok = p.Phys.Refpg_new()
		if !ok {
			return 0
		}
	}

	var perm uint64
	if kind == regionSegment {
		offInSeg := va - seg.Vaddr
		if offInSeg < seg.Filesz {
			n := util.Min(seg.Filesz-offInSeg, uintptr(mem.PGSIZE))
			if err := p.Acc.IoSpan(func() error {
				_, rerr := p.ExecImage.ReadAt(frame[:n], seg.Off+int64(offInSeg))
				return rerr
			}); err != nil {
				p.Phys.Refdown(pa)
				return 0
			}
			p.Log.Loadexec(p.Pid, va)
		} else {
			p.Log.Alloc(p.Pid, va)
		}
		perm = permBits(seg.Perm) | pagetable.PTE_U
	} else {
		p.Log.Alloc(p.Pid, va)
		perm = pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_U
	}

	p.PT.Mappages(va, pa, perm)
	d := PageDescriptor{Va: va, Resident: true, Dirty: access == defs.AccessWrite}
	d.Seq = p.NextSeq
	p.NextSeq++
	if e := p.addDescriptor(d); e != 0 {
		p.PT.Uvmunmap(va, 1, true)
		return 0
	}
	p.Log.Resident(p.Pid, va, d.Seq)
	return pa
}

func permFor(access defs.Access) uint64 {
	switch access {
	case defs.AccessExec:
		return pagetable.PTE_X
	case defs.AccessWrite:
		return pagetable.PTE_W
	default:
		return pagetable.PTE_R
	}
}

func permBits(p elfimg.Perm) uint64 {
	var b uint64 = pagetable.PTE_R
	if p&elfimg.PermW != 0 {
		b |= pagetable.PTE_W
	}
	if p&elfimg.PermX != 0 {
		b |= pagetable.PTE_X
	}
	return b
}

// evictOne selects the FIFO victim among this process's resident
// descriptors and dispatches it to discard or swap-out.
func (p *Process) evictOne() defs.Err_t {
	victimIdx := -1
	for i := range p.Pages {
		if !p.Pages[i].Resident {
			continue
		}
		if victimIdx == -1 || p.Pages[i].Seq < p.Pages[victimIdx].Seq {
			victimIdx = i
		}
	}
	if victimIdx == -1 {
		return -defs.ENOMEM
	}
	victim := &p.Pages[victimIdx]
	p.Log.Victim(p.Pid, victim.Va, victim.Seq)

	seg, inSeg := p.segmentFor(victim.Va)
	cleanBacked := inSeg && !victim.Dirty && (victim.Va-seg.Vaddr) < seg.Filesz

	p.Log.Evict(p.Pid, victim.Va, victim.Dirty)
	pa, ok := p.PT.WalkAddr(victim.Va)
	if !ok {
		return -defs.EFAULT
	}

	if cleanBacked {
		p.PT.Uvmunmap(victim.Va, 1, true)
		p.Log.Discard(p.Pid, victim.Va)
		p.removeDescriptor(victimIdx)
		return 0
	}

	slot := victim.SwapOffset
	if !victim.Swapped {
		s, ok := p.SwapBits.Alloc()
		if !ok {
			p.Log.Swapfull(p.Pid)
			limits.Hit()
			p.kill(defs.KillSwapExhausted, victim.Va, 0)
			return -defs.ENOSPC
		}
		slot = s
	}

	frame := p.Phys.Dmap(pa)
	var werr defs.Err_t
	if err := p.Acc.IoSpan(func() error {
		werr = p.SwapFile.WriteSlot(slot, frame)
		if werr != 0 {
			return errOf(werr)
		}
		return nil
	}); err != nil {
		p.SwapBits.Free(slot)
		return werr
	}

	victim.Swapped = true
	victim.Resident = false
	victim.SwapOffset = slot
	p.PT.Uvmunmap(victim.Va, 1, true)
	p.Log.Swapout(p.Pid, victim.Va, slot)
	return 0
}

func (p *Process) segmentFor(va uintptr) (elfimg.Segment, bool) {
	for _, s := range p.Segments {
		if va >= s.Vaddr && va < s.Vaddr+s.Memsz {
			return s, true
		}
	}
	return elfimg.Segment{}, false
}

type ioErr struct{ e defs.Err_t }

func (e ioErr) Error() string { return "swapvm: io failure" }
func errOf(e defs.Err_t) error { return ioErr{e} }

// swapIn reloads a swapped descriptor, evicting another resident
// page once if the frame allocator is out of frames.
func (p *Process) swapIn(d *PageDescriptor) (mem.Pa_t, defs.Err_t) {
	frame, pa, ok := p.Phys.Refpg_new_nozero()
	if !ok {
		p.Log.Memfull(p.Pid)
		if e := p.evictOne(); e != 0 {
			return 0, e
		}
		frame, pa, ok = p.Phys.Refpg_new_nozero()
		if !ok {
			return 0, -defs.ENOMEM
		}
	}

	slot := d.SwapOffset
	var rerr defs.Err_t
	if err := p.Acc.IoSpan(func() error {
		rerr = p.SwapFile.ReadSlot(slot, frame)
		if rerr != 0 {
			return errOf(rerr)
		}
		return nil
	}); err != nil {
		p.Phys.Refdown(pa)
		return 0, rerr
	}

	var perm uint64
	if seg, inSeg := p.segmentFor(d.Va); inSeg {
		perm = permBits(seg.Perm) | pagetable.PTE_U
	} else {
		perm = pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_U
	}
	p.PT.Mappages(d.Va, pa, perm)
	p.SwapBits.Free(slot)

	d.Resident = true
	d.Swapped = false
	d.Dirty = false
	d.SwapOffset = -1
	d.Seq = p.NextSeq
	p.NextSeq++

	p.Log.Swapin(p.Pid, d.Va, slot)
	return pa, 0
}

func (p *Process) kill(reason defs.KillReason, va uintptr, access defs.Access) {
	p.Killed = true
	p.Reason = reason
	if reason == defs.KillInvalidAccess {
		p.Log.KillInvalidAccess(p.Pid, va, access.String())
	} else {
		p.Log.KillSwapExhausted(p.Pid)
	}
}

// Fork deep-copies all resident frames and descriptors into a fresh
// child process with its own empty swap file. Swapped
// pages are not propagated, a documented limitation.
func (p *Process) Fork(childPid int) (*Process, defs.Err_t) {
	child, e := New(childPid, p.Phys, p.fs, p.Log)
	if e != 0 {
		return nil, e
	}
	child.Segments = append([]elfimg.Segment(nil), p.Segments...)
	child.HeapStart = p.HeapStart
	child.StackBottom = p.StackBottom
	child.StackTop = p.StackTop
	child.Sz = p.Sz
	child.Sp = p.Sp
	child.NextSeq = p.NextSeq
	if p.ExecImage != nil {
		child.ExecImage = p.ExecImage.Dup()
	}

	resident := make([]PageDescriptor, 0, len(p.Pages))
	for _, d := range p.Pages {
		if d.Resident {
			resident = append(resident, d)
		}
	}

	results := make([]PageDescriptor, len(resident))
	var g errgroup.Group
	var mapMu sync.Mutex // child.PT's tree is shared; only the frame copy runs unlocked
	g.SetLimit(4)
	for i, d := range resident {
		i, d := i, d
		g.Go(func() error {
			pa, ok := p.PT.WalkAddr(d.Va)
			if !ok {
				return errOf(-defs.EFAULT)
			}
			src := p.Phys.Dmap(pa)
			dstFrame, dstPa, ok := p.Phys.Refpg_new_nozero()
			if !ok {
				return errOf(-defs.ENOMEM)
			}
			*dstFrame = *src
			mapMu.Lock()
			child.mapChildFrame(d.Va, dstPa)
			mapMu.Unlock()
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		child.PT.Freewalk()
		return nil, -defs.ENOMEM
	}

	for _, d := range results {
		child.Pages = append(child.Pages, d)
		child.Index.Put(d.Va, len(child.Pages)-1)
	}
	return child, 0
}

// mapChildFrame installs pa at va in the child using the parent's
// permission bits for that region; used only by Fork, where the
// source page's permissions are already known-good.
func (p *Process) mapChildFrame(va uintptr, pa mem.Pa_t) {
	var perm uint64
	if seg, inSeg := p.segmentFor(va); inSeg {
		perm = permBits(seg.Perm) | pagetable.PTE_U
	} else {
		perm = pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_U
	}
	p.PT.Mappages(va, pa, perm)
}

// Exit tears down the process's address space and swap file.
func (p *Process) Exit() {
	p.PT.Uvmunmap(0, int(roundup(p.Sz)/mem.PGSIZE), true)
	p.PT.Freewalk()
	freed := p.SwapBits.Count()
	p.SwapFile.Close()
	if p.ExecImage != nil {
		p.ExecImage.Release()
	}
	p.Log.Swapcleanup(p.Pid, freed)
}

// Memstat fills a snapshot of the process's paging state.
func (p *Process) Memstat(capacity int) MemstatBuf {
	p.Lock()
	defer p.Unlock()
	buf := MemstatBuf{
		Pid:     p.Pid,
		NextSeq: p.NextSeq,
		Pages:   int(roundup(p.Sz) / mem.PGSIZE),
	}
	seen := make(map[uintptr]bool, len(p.Pages))
	for _, d := range p.Pages {
		if d.Resident {
			buf.Resident++
		}
		if d.Swapped {
			buf.Swapped++
		}
		if len(buf.Records) >= capacity {
			continue
		}
		st := StateResident
		if d.Swapped {
			st = StateSwapped
		}
		slot := -1
		if d.Swapped {
			slot = d.SwapOffset
		}
		buf.Records = append(buf.Records, PageRecord{
			Va: d.Va, State: st, Dirty: d.Dirty, Seq: d.Seq, SwapSlot: slot,
		})
		seen[d.Va] = true
	}
	for va := uintptr(0); len(buf.Records) < capacity && va < roundup(p.Sz); va += mem.PGSIZE {
		if seen[va] {
			continue
		}
		buf.Records = append(buf.Records, PageRecord{Va: va, State: StateUnmapped, SwapSlot: -1})
	}
	return buf
}
