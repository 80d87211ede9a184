package download

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/signagecore/player/internal/config"
)

// Logger is the minimal logging surface the queue needs for
// fingerprint-mismatch warnings. A nil Logger silently drops them.
type Logger interface {
	Warn(msg string)
}

// Progress is a point-in-time snapshot of one task, for introspection.
type Progress struct {
	URL             string
	FileType        string
	FileID          string
	State           State
	TotalBytes      int64
	DownloadedBytes int64
}

// Queue is the priority download queue: an in-process FIFO
// with an O(1) prioritize-to-front operation and bounded concurrency.
type Queue struct {
	mu             sync.Mutex
	byURL          map[string]*Task
	pending        *list.List // of *Task, front = next to start
	pendingElem    map[*Task]*list.Element
	activeCount    int
	maxConcurrency int

	fetcher       Fetcher
	limiter       *rate.Limiter
	chunkSize     int64
	chunksPerFile int
	logger        Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a Queue sized from device-class knobs.
func NewQueue(ctx context.Context, knobs config.DeviceKnobs, fetcher Fetcher) *Queue {
	qctx, cancel := context.WithCancel(ctx)
	return &Queue{
		byURL:          make(map[string]*Task),
		pending:        list.New(),
		pendingElem:    make(map[*Task]*list.Element),
		maxConcurrency: knobs.DownloadConcurrency,
		fetcher:        fetcher,
		// Pace chunk GETs at roughly one per 50ms per concurrency slot;
		// this is a soft ceiling, not a hard bandwidth cap.
		limiter:       rate.NewLimiter(rate.Limit(knobs.DownloadConcurrency*20), knobs.DownloadConcurrency*4),
		chunkSize:     knobs.ChunkSize,
		chunksPerFile: knobs.ChunksPerFile,
		ctx:           qctx,
		cancel:        cancel,
	}
}

// SetLogger attaches a logger for fingerprint-mismatch warnings.
func (q *Queue) SetLogger(l Logger) {
	q.logger = l
}

// Enqueue is idempotent by URL: two enqueues of the
// same URL return the same task, and neither a second HEAD nor a
// second GET is ever issued.
func (q *Queue) Enqueue(url, fileType, fileID, fingerprint string, onWhole OnWholeFileFunc, onChunk OnChunkStoredFunc) *Task {
	q.mu.Lock()
	if existing, ok := q.byURL[url]; ok {
		q.mu.Unlock()
		return existing
	}

	task := newTask(url, fileType, fileID, fingerprint, onWhole, onChunk)
	q.byURL[url] = task
	elem := q.pending.PushBack(task)
	q.pendingElem[task] = elem
	q.mu.Unlock()

	q.dispatch()
	return task
}

// Prioritize moves a queued (not yet started) task matching (fileType,
// fileID) to the front of the pending list, or reports true if it is
// already at the front or already running.
func (q *Queue) Prioritize(fileType, fileID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target *Task
	for _, t := range q.byURL {
		if t.FileType == fileType && t.FileID == fileID {
			target = t
			break
		}
	}
	if target == nil {
		return false
	}

	elem, stillPending := q.pendingElem[target]
	if !stillPending {
		// Already downloading, complete, or failed: nothing to move.
		return true
	}
	if q.pending.Front() == elem {
		return true
	}
	q.pending.MoveToFront(elem)
	return true
}

// GetTask returns the task for url, or nil if unknown.
func (q *Queue) GetTask(url string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byURL[url]
}

// GetProgress snapshots every known task.
func (q *Queue) GetProgress() []Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Progress, 0, len(q.byURL))
	for _, t := range q.byURL {
		out = append(out, Progress{
			URL:             t.URL,
			FileType:        t.FileType,
			FileID:          t.FileID,
			State:           t.State(),
			TotalBytes:      t.TotalBytes(),
			DownloadedBytes: t.DownloadedBytes(),
		})
	}
	return out
}

// Clear cancels in-flight work and empties the queue. Used by the
// purgeAll live command.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.cancel()
	q.byURL = make(map[string]*Task)
	q.pending = list.New()
	q.pendingElem = make(map[*Task]*list.Element)
	q.activeCount = 0
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.ctx = ctx
	q.cancel = cancel
	q.mu.Unlock()
}

// RetryPending re-queues every task stuck in the sticky cms-pending
// state (rechecked on the next collection tick).
func (q *Queue) RetryPending() {
	q.mu.Lock()
	var toRequeue []*Task
	for _, t := range q.byURL {
		if t.State() == StateCMSPending {
			toRequeue = append(toRequeue, t)
		}
	}
	for _, t := range toRequeue {
		t.setState(StateQueued)
		elem := q.pending.PushBack(t)
		q.pendingElem[t] = elem
	}
	q.mu.Unlock()

	if len(toRequeue) > 0 {
		q.dispatch()
	}
}

// dispatch starts as many pending tasks as the concurrency budget
// allows.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.activeCount >= q.maxConcurrency || q.pending.Len() == 0 {
			q.mu.Unlock()
			return
		}
		elem := q.pending.Front()
		task := elem.Value.(*Task)
		q.pending.Remove(elem)
		delete(q.pendingElem, task)
		q.activeCount++
		ctx := q.ctx
		q.mu.Unlock()

		go q.runTask(ctx, task)
	}
}

func (q *Queue) finishTask() {
	q.mu.Lock()
	q.activeCount--
	q.mu.Unlock()
	q.dispatch()
}

// runTask executes the per-file download algorithm.
func (q *Queue) runTask(ctx context.Context, task *Task) {
	defer q.finishTask()

	task.setState(StateDownloading)

	head, err := q.fetcher.Head(ctx, task.URL)
	if err != nil {
		task.resolve(StateFailed, fmt.Errorf("download: head %s: %w", task.URL, err))
		return
	}
	if head.StatusCode == StatusPending {
		task.setState(StateCMSPending)
		return
	}
	if head.StatusCode >= 400 {
		task.resolve(StateFailed, fmt.Errorf("download: head %s: status %d", task.URL, head.StatusCode))
		return
	}

	task.totalBytes = head.TotalBytes

	if head.TotalBytes <= config.ChunkStorageThreshold {
		q.downloadWhole(ctx, task, head.ContentType)
		return
	}
	q.downloadChunked(ctx, task, head.ContentType)
}

func (q *Queue) downloadWhole(ctx context.Context, task *Task, contentType string) {
	blob, ct, err := q.fetcher.Get(ctx, task.URL)
	if err != nil {
		task.resolve(StateFailed, fmt.Errorf("download: get %s: %w", task.URL, err))
		return
	}
	if ct != "" {
		contentType = ct
	}

	if task.Fingerprint != "" {
		sum := md5.Sum(blob)
		if got := hex.EncodeToString(sum[:]); got != task.Fingerprint && q.logger != nil {
			q.logger.Warn(fmt.Sprintf("download: %s: fingerprint mismatch, want %s got %s", task.URL, task.Fingerprint, got))
		}
	}

	if task.onWholeFile != nil {
		if err := task.onWholeFile(blob, contentType); err != nil {
			task.resolve(StateFailed, fmt.Errorf("download: store %s: %w", task.URL, err))
			return
		}
	}

	task.addDownloaded(int64(len(blob)))
	task.resolve(StateComplete, nil)
}

func (q *Queue) downloadChunked(ctx context.Context, task *Task, contentType string) {
	total := task.totalBytes
	numChunks := int((total + q.chunkSize - 1) / q.chunkSize)

	workers := q.chunksPerFile
	if workers > numChunks {
		workers = numChunks
	}
	if workers < 1 {
		workers = 1
	}

	var nextIndex int
	var idxMu sync.Mutex
	nextChunk := func() (int, bool) {
		idxMu.Lock()
		defer idxMu.Unlock()
		if nextIndex >= numChunks {
			return 0, false
		}
		i := nextIndex
		nextIndex++
		return i, true
	}

	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				index, ok := nextChunk()
				if !ok {
					return
				}

				if err := q.limiter.Wait(ctx); err != nil {
					errCh <- err
					return
				}

				start := int64(index) * q.chunkSize
				end := start + q.chunkSize - 1
				if end >= total {
					end = total - 1
				}

				blob, err := q.fetcher.GetRange(ctx, task.URL, start, end)
				if err != nil {
					errCh <- fmt.Errorf("download: range %s chunk %d: %w", task.URL, index, err)
					return
				}

				// Delivered to the cache's onChunkStored hook before the
				// next chunk on this worker is awaited. A
				// hook error never fails the download.
				if task.onChunkStored != nil {
					_ = task.onChunkStored(index, numChunks, total, blob, contentType)
				}

				task.addDownloaded(int64(len(blob)))
			}
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		task.resolve(StateFailed, err)
		return
	}

	task.resolve(StateComplete, nil)
}
