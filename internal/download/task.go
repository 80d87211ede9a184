// Package download implements the priority download queue and
// per-file chunked download pipeline.
package download

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is a DownloadTask's place in its state machine:
// queued -> downloading -> complete | failed, plus a sticky
// cms-pending state for an HTTP 202 "not ready yet" response.
type State string

const (
	StateQueued     State = "queued"
	StateDownloading State = "downloading"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateCMSPending State = "cms-pending"
)

// OnWholeFileFunc delivers a completed whole-file download to the cache.
type OnWholeFileFunc func(blob []byte, contentType string) error

// OnChunkStoredFunc delivers one chunk of a progressive download to the
// cache, as soon as its body is in hand.
type OnChunkStoredFunc func(index, numChunks int, totalSize int64, blob []byte, contentType string) error

// Task is one in-flight or queued transfer.
type Task struct {
	ID          string
	URL         string
	FileType    string
	FileID      string
	Fingerprint string

	totalBytes      int64
	downloadedBytes int64 // atomic

	mu       sync.Mutex
	state    State
	lastErr  error
	waiters  []chan error
	done     bool

	onWholeFile   OnWholeFileFunc
	onChunkStored OnChunkStoredFunc
}

func newTask(url, fileType, fileID, fingerprint string, onWhole OnWholeFileFunc, onChunk OnChunkStoredFunc) *Task {
	return &Task{
		ID:            uuid.New().String(),
		URL:           url,
		FileType:      fileType,
		FileID:        fileID,
		Fingerprint:   fingerprint,
		state:         StateQueued,
		onWholeFile:   onWhole,
		onChunkStored: onChunk,
	}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TotalBytes returns the size learned from the HEAD probe, or 0 if not
// yet known.
func (t *Task) TotalBytes() int64 {
	return atomic.LoadInt64(&t.totalBytes)
}

// DownloadedBytes returns bytes fetched so far. Invariant: always
// <= TotalBytes(), and equal to it once the task is complete.
func (t *Task) DownloadedBytes() int64 {
	return atomic.LoadInt64(&t.downloadedBytes)
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) addDownloaded(n int64) {
	atomic.AddInt64(&t.downloadedBytes, n)
}

// Wait returns a channel that receives exactly once: nil on success, or
// the terminal error on failure. Multiple callers may call Wait any
// number of times; every waiter is resolved exactly once.
func (t *Task) Wait() <-chan error {
	ch := make(chan error, 1)

	t.mu.Lock()
	if t.done {
		err := t.lastErr
		t.mu.Unlock()
		ch <- err
		return ch
	}
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	return ch
}

// resolve transitions the task to a terminal state and wakes every
// waiter exactly once.
func (t *Task) resolve(terminal State, err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.state = terminal
	t.lastErr = err
	t.done = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}
