package index

import (
	"go.uber.org/atomic"

	"github.com/Aman-CERP/divan/internal/store"
)

// readerHandle is a reference-counted reader snapshot.
//
// The snapshot is closed exactly once, when the handle is retiring and its
// use count is zero. Retirement does not reject new acquisitions: a late
// caller may still borrow a retiring handle until it has been released,
// after which acquire fails and the caller moves to the published slot.
type readerHandle struct {
	snapshot store.Snapshot

	// uses is sealed to -1 once the snapshot has been released.
	uses     atomic.Int64
	retiring atomic.Bool

	released  chan struct{}
	closeErr  error
	onRelease func(error)
}

func newReaderHandle(snapshot store.Snapshot, onRelease func(error)) *readerHandle {
	return &readerHandle{
		snapshot:  snapshot,
		released:  make(chan struct{}),
		onRelease: onRelease,
	}
}

// acquire borrows the snapshot. It fails only after the snapshot was released.
func (h *readerHandle) acquire() (*lease, bool) {
	for {
		n := h.uses.Load()
		if n < 0 {
			return nil, false
		}
		if h.uses.CompareAndSwap(n, n+1) {
			return &lease{handle: h}, true
		}
	}
}

// retire marks the handle as a disposal candidate. Idempotent.
func (h *readerHandle) retire() {
	if !h.retiring.CompareAndSwap(false, true) {
		return
	}
	h.tryRelease()
}

func (h *readerHandle) drop() {
	if h.uses.Dec() == 0 && h.retiring.Load() {
		h.tryRelease()
	}
}

// tryRelease closes the snapshot if nobody holds it. The CAS seals the
// counter so only one caller ever closes.
func (h *readerHandle) tryRelease() {
	if !h.uses.CompareAndSwap(0, -1) {
		return
	}
	h.closeErr = h.snapshot.Close()
	if h.onRelease != nil {
		h.onRelease(h.closeErr)
	}
	close(h.released)
}

// done is closed once the snapshot has been released.
func (h *readerHandle) done() <-chan struct{} {
	return h.released
}

// isReleased reports whether the snapshot has been closed.
func (h *readerHandle) isReleased() bool {
	select {
	case <-h.released:
		return true
	default:
		return false
	}
}

// lease is a scoped borrow of a reader handle.
type lease struct {
	handle   *readerHandle
	returned atomic.Bool
}

// Snapshot returns the borrowed snapshot. Valid until Release.
func (l *lease) Snapshot() store.Snapshot {
	return l.handle.snapshot
}

// Release returns the borrow. Safe to call more than once.
func (l *lease) Release() {
	if l.returned.CompareAndSwap(false, true) {
		l.handle.drop()
	}
}
