// Package accnt accumulates per-process CPU and I/O-wait time. The
// paging subsystem uses it to bracket swap-file and executable-image
// I/O so a process's reported system time excludes time actually
// spent blocked on disk.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates a process's user and system time, plus the
// portion of system time attributable to disk I/O.
type Accnt_t struct {
	Userns int64 /// nanoseconds of user time; added to by the scheduler, not by this package
	Sysns  int64 /// nanoseconds of system time
	Ions   int64 /// nanoseconds spent blocked on swap/exec I/O
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter. The paging
// subsystem never calls this itself — all of its work is system
// time — but exposes it for whatever scheduler owns the process to
// charge time spent running in userspace.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// IoSpan measures fn as I/O-wait time: it is added to Ions and
// subtracted back out of Sysns, so time blocked on I/O is not also
// billed as system time.
func (a *Accnt_t) IoSpan(fn func() error) error {
	start := a.Now()
	err := fn()
	d := a.Now() - start
	atomic.AddInt64(&a.Ions, d)
	a.Systadd(-d)
	return err
}

// Snapshot returns the three counters, each read atomically. The
// writers above do not take the mutex, so the three values are not
// guaranteed to come from one instant.
func (a *Accnt_t) Snapshot() (userns, sysns, ions int64) {
	a.Lock()
	defer a.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns), atomic.LoadInt64(&a.Ions)
}
