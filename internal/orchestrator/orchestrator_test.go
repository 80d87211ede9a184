package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/signagecore/player/internal/cache"
	"github.com/signagecore/player/internal/cmscontract"
	"github.com/signagecore/player/internal/download"
	"github.com/signagecore/player/internal/identity"
	"github.com/signagecore/player/internal/livecommand"
	"github.com/signagecore/player/internal/renderer"
)

type fakeClient struct {
	files    []cmscontract.RequiredFile
	schedule *cmscontract.ScheduleDocument
}

func (f *fakeClient) RegisterDisplay(ctx context.Context, cmsKey, hardwareKey, displayName string) (*cmscontract.RegisterResult, error) {
	return &cmscontract.RegisterResult{Status: "READY"}, nil
}
func (f *fakeClient) RequiredFiles(ctx context.Context) ([]cmscontract.RequiredFile, error) {
	return f.files, nil
}
func (f *fakeClient) Schedule(ctx context.Context) (*cmscontract.ScheduleDocument, error) {
	return f.schedule, nil
}
func (f *fakeClient) GetResource(ctx context.Context, layoutID, regionID, mediaID string) (string, error) {
	return `<layout id="` + layoutID + `"><region id="r1"><media id="w1" mediaId="media-1" type="image" duration="5000" useDuration="1"/></region></layout>`, nil
}
func (f *fakeClient) SubmitStatus(ctx context.Context, status cmscontract.Status) error { return nil }

type fakeCache struct {
	mu          sync.Mutex
	exists      map[string]cache.ExistsResult
	deleted     []string
	dependants  map[string][]string // layoutID -> mediaIDs
}

func newFakeCache() *fakeCache {
	return &fakeCache{exists: make(map[string]cache.ExistsResult), dependants: make(map[string][]string)}
}
func (c *fakeCache) FileExists(key string) (cache.ExistsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exists[key], nil
}
func (c *fakeCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, key)
	delete(c.exists, key)
	return nil
}
func (c *fakeCache) AddDependant(mediaID, layoutID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependants[layoutID] = append(c.dependants[layoutID], mediaID)
}
func (c *fakeCache) RemoveLayoutDependants(layoutID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.dependants[layoutID]
	delete(c.dependants, layoutID)
	return out
}
func (c *fakeCache) Put(key string, blob []byte, contentType, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[key] = cache.ExistsResult{Exists: true, Metadata: &cache.Metadata{Fingerprint: fingerprint, ContentType: contentType, TotalSize: int64(len(blob))}}
	return nil
}
func (c *fakeCache) StoreChunk(key string, index, numChunks int, totalSize int64, blob []byte, contentType, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[key] = cache.ExistsResult{Exists: true, Metadata: &cache.Metadata{Fingerprint: fingerprint, ContentType: contentType, TotalSize: totalSize, Chunked: true}}
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *fakeQueue) Enqueue(url, fileType, fileID, fingerprint string, onWhole download.OnWholeFileFunc, onChunk download.OnChunkStoredFunc) *download.Task {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, fileID)
	q.mu.Unlock()
	return nil
}
func (q *fakeQueue) Prioritize(fileType, fileID string) bool { return true }
func (q *fakeQueue) Clear()                                  {}
func (q *fakeQueue) RetryPending()                           {}

type fakeRenderer struct {
	mu           sync.Mutex
	rendered     []string
	blacklisted  map[string]struct{}
	pub          *renderer.EventPublisher
	renderErr    error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{blacklisted: make(map[string]struct{}), pub: renderer.NewEventPublisher(8)}
}
func (r *fakeRenderer) RenderLayout(xlfXML []byte, layoutID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderErr != nil {
		return r.renderErr
	}
	r.rendered = append(r.rendered, layoutID)
	go r.pub.Publish(renderer.Event{Kind: renderer.EventLayoutStart, LayoutID: layoutID})
	return nil
}
func (r *fakeRenderer) Recheck(layoutID string) {}
func (r *fakeRenderer) IsBlacklisted(layoutID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklisted[layoutID]
	return ok
}
func (r *fakeRenderer) Blacklist(layoutID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklisted[layoutID] = struct{}{}
}
func (r *fakeRenderer) Subscribe() *renderer.EventSubscription { return r.pub.Subscribe() }

func newTestOrchestrator(t *testing.T, client *fakeClient, ch *fakeCache, q *fakeQueue, r *fakeRenderer) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	store, err := identity.NewStore(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(Config{
		Client:          client,
		Cache:           ch,
		Queue:           q,
		Renderer:        r,
		Credentials:     store,
		Commands:        livecommand.NewChannelSink(4),
		CollectInterval: time.Hour,
	})
}

func TestReconcileFilesEnqueuesMissingAndDeletesPurged(t *testing.T) {
	client := &fakeClient{
		files: []cmscontract.RequiredFile{
			{ID: "media-1", URL: "http://cms/media-1", Fingerprint: "abc"},
			{ID: "media-2", Purge: true},
		},
		schedule: &cmscontract.ScheduleDocument{},
	}
	ch := newFakeCache()
	ch.exists["media-2"] = cache.ExistsResult{Exists: true}
	q := &fakeQueue{}
	o := newTestOrchestrator(t, client, ch, q, newFakeRenderer())

	o.reconcileFiles(client.files)

	if len(q.enqueued) != 1 || q.enqueued[0] != "media-1" {
		t.Fatalf("enqueued = %v, want [media-1]", q.enqueued)
	}
	if len(ch.deleted) != 1 || ch.deleted[0] != "media-2" {
		t.Fatalf("deleted = %v, want [media-2]", ch.deleted)
	}
}

func TestPresentMainRendersWhenFirstWidgetCached(t *testing.T) {
	client := &fakeClient{
		schedule: &cmscontract.ScheduleDocument{
			Entries: []cmscontract.ScheduleEntry{
				{Kind: cmscontract.EntryKindLayout, ID: "layout-1", Priority: 1},
			},
		},
	}
	ch := newFakeCache()
	ch.exists["media-1"] = cache.ExistsResult{Exists: true}
	q := &fakeQueue{}
	r := newFakeRenderer()
	o := newTestOrchestrator(t, client, ch, q, r)

	o.collect(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rendered) != 1 || r.rendered[0] != "layout-1" {
		t.Fatalf("rendered = %v, want [layout-1]", r.rendered)
	}
}

func TestPendingLayoutPromotesOnMediaCached(t *testing.T) {
	client := &fakeClient{
		schedule: &cmscontract.ScheduleDocument{
			Entries: []cmscontract.ScheduleEntry{
				{Kind: cmscontract.EntryKindLayout, ID: "layout-1", Priority: 1},
			},
		},
	}
	ch := newFakeCache() // media-1 not cached yet
	q := &fakeQueue{}
	r := newFakeRenderer()
	o := newTestOrchestrator(t, client, ch, q, r)

	o.collect(context.Background())

	o.mu.Lock()
	pending := o.pendingLayoutID
	o.mu.Unlock()
	if pending != "layout-1" {
		t.Fatalf("pendingLayoutID = %q, want layout-1 (media not yet cached)", pending)
	}

	r.mu.Lock()
	rendered := len(r.rendered)
	r.mu.Unlock()
	if rendered != 0 {
		t.Fatalf("layout should not render before its media is cached")
	}

	ch.mu.Lock()
	ch.exists["media-1"] = cache.ExistsResult{Exists: true}
	ch.mu.Unlock()
	o.MediaCached("media-1")

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rendered) != 1 || r.rendered[0] != "layout-1" {
		t.Fatalf("rendered = %v, want [layout-1] once media-1 is cached", r.rendered)
	}
}

func TestCollectNeverReentersWhileRunning(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, newFakeRenderer())

	o.mu.Lock()
	o.inCollection = true
	o.mu.Unlock()

	o.collectAsync(context.Background())

	o.mu.Lock()
	pending := o.collectPending
	o.mu.Unlock()
	if !pending {
		t.Fatalf("expected collectAsync to mark collectPending while a cycle is already running")
	}
}

func TestRecordCMSFailureBacksOffUpToTenXInterval(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, newFakeRenderer())
	o.collectInterval = time.Second
	o.backoff = time.Second

	for i := 0; i < 10; i++ {
		o.recordCMSFailure()
	}

	o.mu.Lock()
	backoff := o.backoff
	o.mu.Unlock()
	if backoff != 10*time.Second {
		t.Fatalf("backoff = %v, want capped at 10x collectInterval (10s)", backoff)
	}
}

func TestRecordCMSSuccessResetsBackoff(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, newFakeRenderer())
	o.backoff = 30 * time.Second

	o.recordCMSSuccess()

	o.mu.Lock()
	backoff := o.backoff
	o.mu.Unlock()
	if backoff != time.Second {
		t.Fatalf("backoff = %v, want reset to 1s on CMS success", backoff)
	}
}

func TestRearmRetryTimerUsesBackoffWhenElevated(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, newFakeRenderer())
	o.collectInterval = 10 * time.Millisecond
	o.retryTimer = time.NewTimer(time.Hour)
	o.backoff = 200 * time.Millisecond

	start := time.Now()
	o.rearmRetryTimer()

	select {
	case <-o.retryTimer.C:
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Fatalf("retry timer fired after %v, want backed off well past collectInterval", elapsed)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("retry timer never fired within the backed-off window")
	}
}

func TestConsecutiveMediaErrorsBlacklistLayout(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	r := newFakeRenderer()
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, r)
	ctx := context.Background()

	for i := 0; i < consecutiveRenderFailureThreshold; i++ {
		o.handleRendererEvent(ctx, renderer.Event{Kind: renderer.EventMediaError, LayoutID: "layout-x", Reason: "not ready"})
	}

	if !r.IsBlacklisted("layout-x") {
		t.Fatalf("layout-x should be blacklisted after %d consecutive media errors", consecutiveRenderFailureThreshold)
	}
}

func TestLayoutStartResetsConsecutiveFailureCounter(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	r := newFakeRenderer()
	o := newTestOrchestrator(t, client, newFakeCache(), &fakeQueue{}, r)
	ctx := context.Background()

	o.handleRendererEvent(ctx, renderer.Event{Kind: renderer.EventMediaError, LayoutID: "layout-x"})
	o.handleRendererEvent(ctx, renderer.Event{Kind: renderer.EventLayoutStart, LayoutID: "layout-x"})
	o.handleRendererEvent(ctx, renderer.Event{Kind: renderer.EventMediaError, LayoutID: "layout-x"})
	o.handleRendererEvent(ctx, renderer.Event{Kind: renderer.EventMediaError, LayoutID: "layout-x"})

	if r.IsBlacklisted("layout-x") {
		t.Fatalf("layout-x should not be blacklisted yet: the counter must reset on layoutStart")
	}
}

func TestEvictOrphansDeletesMediaForDroppedLayout(t *testing.T) {
	client := &fakeClient{schedule: &cmscontract.ScheduleDocument{}}
	ch := newFakeCache()
	ch.dependants["layout-old"] = []string{"media-old"}
	o := newTestOrchestrator(t, client, ch, &fakeQueue{}, newFakeRenderer())
	o.knownLayoutIDs = map[string]struct{}{"layout-old": {}}

	o.evictOrphans(&cmscontract.ScheduleDocument{})

	if len(ch.deleted) != 1 || ch.deleted[0] != "media-old" {
		t.Fatalf("deleted = %v, want [media-old]", ch.deleted)
	}
}
