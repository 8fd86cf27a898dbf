// Package allocator runs file allocation (directory creation and, if
// configured, full-size preallocation) on a worker so the session loop
// never blocks on it.
package allocator

import "github.com/cenkalti/rain/internal/storage"

// Progress reports incremental allocation progress.
type Progress struct {
	AllocatedSize int64
}

// Allocator allocates a Storage's files on a background goroutine.
type Allocator struct {
	ProgressC chan Progress
	ResultC   chan *Allocator

	Error error

	closeC chan struct{}
}

// New starts allocating sto's files in the background. preallocate selects
// whether files are truncated to their full declared size up front.
func New(sto storage.Storage, preallocate bool, resultC chan *Allocator) *Allocator {
	a := &Allocator{
		ProgressC: make(chan Progress),
		ResultC:   resultC,
		closeC:    make(chan struct{}),
	}
	go a.run(sto, preallocate)
	return a
}

func (a *Allocator) run(sto storage.Storage, preallocate bool) {
	a.Error = sto.Allocate(preallocate)
	select {
	case a.ResultC <- a:
	case <-a.closeC:
	}
}

// Close stops delivering results (used during Cancellation).
func (a *Allocator) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
}
