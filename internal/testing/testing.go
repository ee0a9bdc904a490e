// package testing contains shared testing utilities
package testing

import (
	"net/http"
	"sync"

	"github.com/ytmd-tools/ytmdctl/internal/models"
)

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// SnapshotRecorder is a session listener test double that records every
// snapshot it receives and signals each delivery on a channel.
type SnapshotRecorder struct {
	mu        sync.Mutex
	snapshots []models.Snapshot
	Delivered chan struct{}
}

func NewSnapshotRecorder() *SnapshotRecorder {
	return &SnapshotRecorder{Delivered: make(chan struct{}, 128)}
}

func (r *SnapshotRecorder) OnState(snap models.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	r.mu.Unlock()

	select {
	case r.Delivered <- struct{}{}:
	default:
	}
}

// Snapshots returns a copy of everything received so far.
func (r *SnapshotRecorder) Snapshots() []models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// Count returns the number of snapshots received so far.
func (r *SnapshotRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// PanickingListener is a session listener that panics on every invocation.
type PanickingListener struct{}

func (p *PanickingListener) OnState(models.Snapshot) {
	panic("listener exploded")
}

// BlockingListener is a session listener that signals entry and then blocks
// until Release is closed, stalling the delivery goroutine behind it.
type BlockingListener struct {
	Entered chan struct{}
	Release chan struct{}
}

func NewBlockingListener() *BlockingListener {
	return &BlockingListener{
		Entered: make(chan struct{}, 128),
		Release: make(chan struct{}),
	}
}

func (b *BlockingListener) OnState(models.Snapshot) {
	select {
	case b.Entered <- struct{}{}:
	default:
	}
	<-b.Release
}
