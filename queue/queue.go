// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package queue implements the QueueManager/QueueHandle component:
// it assigns accelerator queues to clients by capability flags,
// serializes submissions to a shared queue under a mutex, and
// blocks callers on per-submission fences.
package queue

import (
	"errors"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gviegas/scopecore/accel"
)

// Manager enumerates accelerator queue families at construction
// time, sorted by ascending popcount of their capability flags (so
// specialized queues are preferred over general ones), and hands
// out shared Handles in response to capability requests.
type Manager struct {
	gpu     accel.GPU
	mu      sync.Mutex
	queues  []*entry
}

// entry pairs a driver queue with the shared Handle wrapping it.
type entry struct {
	family int
	flags  accel.QueueFlag
	h      *Handle
}

// NewManager creates a Manager over gpu's queue families.
func NewManager(gpu accel.GPU) (*Manager, error) {
	fams := gpu.QueueFamilies()
	idx := make([]int, len(fams))
	for i := range idx {
		idx[i] = i
	}
	// Stable ascending sort by popcount: specialized queues
	// (fewer capability bits) are considered first.
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0; j-- {
			pi := bits.OnesCount(uint(fams[idx[j]].Flags))
			pj := bits.OnesCount(uint(fams[idx[j-1]].Flags))
			if pi < pj {
				idx[j], idx[j-1] = idx[j-1], idx[j]
			} else {
				break
			}
		}
	}
	m := &Manager{gpu: gpu}
	for _, i := range idx {
		q, err := gpu.NewQueue(i)
		if err != nil {
			continue
		}
		m.queues = append(m.queues, &entry{
			family: i,
			flags:  fams[i].Flags,
			h:      newHandle(gpu, q),
		})
	}
	if len(m.queues) == 0 {
		return nil, errors.New("queue: no usable queue family")
	}
	return m, nil
}

// Queue returns a Handle satisfying all of the requested
// capability flags. If an entry of the requested class has no
// outstanding handle, a fresh reference is handed out; otherwise
// the least-loaded existing handle (by reference count) for a
// matching family is returned, since queues are a shared resource.
func (m *Manager) Queue(want accel.QueueFlag, name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *entry
	for _, e := range m.queues {
		if e.flags&want != want {
			continue
		}
		if best == nil || e.h.refs.Load() < best.h.refs.Load() {
			best = e
		}
	}
	if best == nil {
		return nil, errors.New("queue: no queue family satisfies requested flags")
	}
	best.h.refs.Add(1)
	best.h.addName(name)
	return best.h, nil
}

// Compute returns a handle backed by a queue with the
// Compute|Transfer flags, a convenience accessor for the common
// case of a filter dispatching compute work with an attached
// staging copy.
func (m *Manager) Compute(name string) (*Handle, error) {
	return m.Queue(accel.QCompute|accel.QTransfer, name)
}

// Transfer returns a handle backed by a queue with the Transfer
// flag only.
func (m *Manager) Transfer(name string) (*Handle, error) {
	return m.Queue(accel.QTransfer, name)
}

// Handle wraps a single accelerator queue plus a lock and an
// optional in-flight fence. It is shared across consumers; the
// internal lock serializes submissions.
type Handle struct {
	gpu  accel.GPU
	q    accel.Queue
	refs atomic.Int64

	mu      sync.Mutex
	pending accel.Fence

	nameMu sync.Mutex
	names  []string
}

func newHandle(gpu accel.GPU, q accel.Queue) *Handle {
	h := &Handle{gpu: gpu, q: q}
	h.refs.Store(1)
	return h
}

func (h *Handle) addName(name string) {
	if name == "" {
		return
	}
	h.nameMu.Lock()
	defer h.nameMu.Unlock()
	for _, n := range h.names {
		if n == name {
			return
		}
	}
	h.names = append(h.names, name)
}

// Name returns the semicolon-joined friendly names accumulated by
// every consumer that obtained this handle, for debug tooling.
func (h *Handle) Name() string {
	h.nameMu.Lock()
	defer h.nameMu.Unlock()
	return strings.Join(h.names, ";")
}

// Flags returns the capability flags of the underlying queue.
func (h *Handle) Flags() accel.QueueFlag { return h.q.Flags() }

// Submit waits for the handle's prior in-flight fence (if any),
// submits cb, and records the new fence. It does not block on the
// new fence.
func (h *Handle) Submit(cb []accel.CmdBuffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submitLocked(cb)
}

// SubmitAndBlock is like Submit but additionally waits on the new
// fence before returning.
func (h *Handle) SubmitAndBlock(cb []accel.CmdBuffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.submitLocked(cb); err != nil {
		return err
	}
	f := h.pending
	h.pending = nil
	return f.Wait()
}

// submitLocked assumes h.mu is held.
func (h *Handle) submitLocked(cb []accel.CmdBuffer) error {
	if h.pending != nil {
		if err := h.pending.Wait(); err != nil {
			return err
		}
		h.pending = nil
	}
	f, err := h.gpu.Commit(h.q, cb)
	if err != nil {
		return err
	}
	h.pending = f
	return nil
}

// Lock returns a QueueLock granting scoped exclusive access to the
// underlying queue, for clients that need to issue custom
// submissions while also waiting on prior fences.
func (h *Handle) Lock() *Lock {
	h.mu.Lock()
	return &Lock{h: h}
}

// Release releases any previously acquired reference to this
// handle. It does not destroy the underlying queue — Handles are
// owned by the Manager for its lifetime.
func (h *Handle) Release() { h.refs.Add(-1) }

// Lock grants scoped exclusive access to a Handle's queue.
type Lock struct{ h *Handle }

// WaitPending waits on the handle's current in-flight fence, if
// any, without submitting new work.
func (l *Lock) WaitPending() error {
	if l.h.pending == nil {
		return nil
	}
	err := l.h.pending.Wait()
	l.h.pending = nil
	return err
}

// Submit submits cb using the locked handle.
func (l *Lock) Submit(cb []accel.CmdBuffer) error { return l.h.submitLocked(cb) }

// Unlock releases the lock.
func (l *Lock) Unlock() { l.h.mu.Unlock() }
