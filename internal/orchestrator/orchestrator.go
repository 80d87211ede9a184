// Package orchestrator drives the "collect -> reconcile -> present"
// cycle and mediates every interaction between the CMS client, the
// chunk cache, the download queue, the schedule resolver, and the
// layout renderer. No other component reaches into another's private
// state: everything flows through method calls and published events.
package orchestrator

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/signagecore/player/internal/cache"
	"github.com/signagecore/player/internal/cmscontract"
	"github.com/signagecore/player/internal/download"
	"github.com/signagecore/player/internal/identity"
	"github.com/signagecore/player/internal/livecommand"
	"github.com/signagecore/player/internal/renderer"
	"github.com/signagecore/player/internal/schedule"
)

// Logger is the minimal logging surface the orchestrator needs,
// satisfied by internal/observability's component logger.
type Logger interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Renderer is the subset of *renderer.Renderer the orchestrator drives.
type Renderer interface {
	RenderLayout(xlfXML []byte, layoutID string) error
	Recheck(layoutID string)
	IsBlacklisted(layoutID string) bool
	Blacklist(layoutID string)
	Subscribe() *renderer.EventSubscription
}

// Cache is the subset of *cache.ChunkCache the orchestrator drives.
type Cache interface {
	FileExists(key string) (cache.ExistsResult, error)
	Delete(key string) error
	AddDependant(mediaID, layoutID string)
	RemoveLayoutDependants(layoutID string) []string
	Put(key string, blob []byte, contentType, fingerprint string) error
	StoreChunk(key string, index, numChunks int, totalSize int64, blob []byte, contentType, fingerprint string) error
}

// Queue is the subset of *download.Queue the orchestrator drives.
type Queue interface {
	Enqueue(url, fileType, fileID, fingerprint string, onWhole download.OnWholeFileFunc, onChunk download.OnChunkStoredFunc) *download.Task
	Prioritize(fileType, fileID string) bool
	Clear()
	RetryPending()
}

// Orchestrator implements the collection cycle described for the core
// signage player.
type Orchestrator struct {
	mu sync.Mutex

	client   cmscontract.Client
	cache    Cache
	queue    Queue
	renderer Renderer
	creds    *identity.Store
	commands livecommand.Sink
	logger   Logger

	cmsKey          string
	displayName     string
	collectInterval time.Duration

	currentLayoutID string
	pendingLayoutID string

	inCollection   bool
	collectPending bool // a collect was requested while one was running

	sessionOverride string // changeLayout pins a layout id at the head of the schedule
	knownLayoutIDs  map[string]struct{} // layout/campaign ids seen in the previous cycle

	lastCMSSuccess time.Time
	hasCMSSuccess  bool
	backoff        time.Duration
	retryTimer     *time.Timer

	renderFailures map[string]int // layout id -> consecutive render failures this session

	currentOverlays   []string
	currentInterrupts []schedule.InterruptSlot

	cancel context.CancelFunc
}

// consecutiveRenderFailureThreshold is how many consecutive mediaError
// events a layout can accumulate before it is blacklisted for the
// session and the CMS is notified via submitStatus.
const consecutiveRenderFailureThreshold = 3

// Config bundles everything the orchestrator needs at construction.
type Config struct {
	Client          cmscontract.Client
	Cache           Cache
	Queue           Queue
	Renderer        Renderer
	Credentials     *identity.Store
	Commands        livecommand.Sink
	Logger          Logger
	CMSKey          string
	DisplayName     string
	CollectInterval time.Duration
}

// New creates an Orchestrator. It does not start the collection loop;
// call Run for that.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		client:          cfg.Client,
		cache:           cfg.Cache,
		queue:           cfg.Queue,
		renderer:        cfg.Renderer,
		creds:           cfg.Credentials,
		commands:        cfg.Commands,
		logger:          cfg.Logger,
		cmsKey:          cfg.CMSKey,
		displayName:     cfg.DisplayName,
		collectInterval: cfg.CollectInterval,
		knownLayoutIDs:  make(map[string]struct{}),
		renderFailures:  make(map[string]int),
		backoff:         time.Second,
	}
}

// Run starts the periodic collection loop and the event/command
// consumers. It blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	sub := o.renderer.Subscribe()

	o.mu.Lock()
	o.retryTimer = time.NewTimer(o.collectInterval)
	o.mu.Unlock()
	defer o.retryTimer.Stop()

	go o.collectAsync(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.retryTimer.C:
			go o.collectAsync(ctx)
		case ev, ok := <-sub.Channel:
			if !ok {
				return
			}
			o.handleRendererEvent(ctx, ev)
		case cmd, ok := <-o.commands.Commands():
			if !ok {
				continue
			}
			o.handleCommand(ctx, cmd)
		}
	}
}

// Stop cancels the collection loop started by Run.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// handleRendererEvent implements the event contracts: layoutEnd clears
// currentLayoutId and re-collects; layoutStart clears a matching
// pendingLayoutId.
func (o *Orchestrator) handleRendererEvent(ctx context.Context, ev renderer.Event) {
	switch ev.Kind {
	case renderer.EventLayoutEnd:
		o.mu.Lock()
		o.currentLayoutID = ""
		o.mu.Unlock()
		go o.collectAsync(ctx)
	case renderer.EventLayoutStart:
		o.mu.Lock()
		o.currentLayoutID = ev.LayoutID
		if o.pendingLayoutID == ev.LayoutID {
			o.pendingLayoutID = ""
		}
		delete(o.renderFailures, ev.LayoutID)
		o.mu.Unlock()
	case renderer.EventMediaError:
		if o.logger != nil {
			o.logger.Warn("media error during playback: " + ev.Reason)
		}
		o.mu.Lock()
		o.renderFailures[ev.LayoutID]++
		blacklist := o.renderFailures[ev.LayoutID] >= consecutiveRenderFailureThreshold
		if blacklist {
			delete(o.renderFailures, ev.LayoutID)
		}
		o.mu.Unlock()
		if blacklist {
			o.renderer.Blacklist(ev.LayoutID)
			if o.logger != nil {
				o.logger.Warn("layout " + ev.LayoutID + " blacklisted after " + strconv.Itoa(consecutiveRenderFailureThreshold) + " consecutive render failures")
			}
			o.submitStatus(ctx)
		}
	}
}

// handleCommand implements the live command contracts.
func (o *Orchestrator) handleCommand(ctx context.Context, cmd livecommand.Command) {
	switch cmd.Kind {
	case livecommand.KindCollectNow:
		go o.collectAsync(ctx)
	case livecommand.KindChangeLayout:
		o.mu.Lock()
		o.sessionOverride = cmd.LayoutID
		o.mu.Unlock()
		go o.collectAsync(ctx)
	case livecommand.KindPurgeAll:
		o.queue.Clear()
		o.mu.Lock()
		o.currentLayoutID = ""
		o.pendingLayoutID = ""
		o.mu.Unlock()
		go o.collectAsync(ctx)
	case livecommand.KindRevertToSchedule:
		o.mu.Lock()
		o.sessionOverride = ""
		o.mu.Unlock()
		go o.collectAsync(ctx)
	}
}

// MediaCached notifies the orchestrator that a file has become
// queryable in the cache. While a layout is pending, the renderer is
// asked to recheck it and, once every first-widget media of that layout
// is cached, the layout is rendered. fileID is not matched against the
// pending layout's dependencies: any cached file triggers the recheck.
func (o *Orchestrator) MediaCached(fileID string) {
	o.mu.Lock()
	pending := o.pendingLayoutID
	o.mu.Unlock()
	if pending == "" {
		return
	}
	o.renderer.Recheck(pending)
	if xlfXML, ready := o.prepareLayout(context.Background(), pending); ready {
		_ = o.renderer.RenderLayout(xlfXML, pending)
	}
}

// collectAsync runs one collection cycle, coalescing concurrent
// requests: if a cycle is already running, this marks that another is
// wanted and returns; the running cycle re-runs itself once on exit.
func (o *Orchestrator) collectAsync(ctx context.Context) {
	o.mu.Lock()
	if o.inCollection {
		o.collectPending = true
		o.mu.Unlock()
		return
	}
	o.inCollection = true
	o.mu.Unlock()

	for {
		o.collect(ctx)
		o.rearmRetryTimer()

		o.mu.Lock()
		if !o.collectPending {
			o.inCollection = false
			o.mu.Unlock()
			return
		}
		o.collectPending = false
		o.mu.Unlock()
	}
}

// rearmRetryTimer reschedules the next periodic collection. A healthy
// CMS keeps the plain collectInterval cadence; a backed-off interval
// (set by recordCMSFailure) pushes the next attempt out further, with
// jitter so every display in a fleet doesn't retry in lockstep.
func (o *Orchestrator) rearmRetryTimer() {
	o.mu.Lock()
	delay := o.collectInterval
	if o.backoff > o.collectInterval {
		jitter := time.Duration(rand.Int63n(int64(o.backoff)/4 + 1))
		delay = o.backoff + jitter
	}
	timer := o.retryTimer
	o.mu.Unlock()

	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(delay)
}

// collect runs exactly one cycle: register (if needed), reconcile
// required files, resolve the schedule, prepare and present the
// chosen layout, reconcile overlays/interrupts, evict orphaned media,
// and report status.
func (o *Orchestrator) collect(ctx context.Context) {
	creds, err := o.creds.Load()
	if err != nil {
		o.registerLocked(ctx)
		creds, err = o.creds.Load()
		if err != nil {
			o.recordCMSFailure()
			return
		}
	}

	files, err := o.client.RequiredFiles(ctx)
	if err != nil {
		o.recordCMSFailure()
		return
	}
	o.reconcileFiles(files)

	doc, err := o.client.Schedule(ctx)
	if err != nil {
		o.recordCMSFailure()
		return
	}
	o.recordCMSSuccess()

	o.applySessionOverride(doc)

	result := schedule.Resolve(doc, schedule.Context{Now: time.Now()})
	o.presentMain(ctx, result, creds)
	o.reconcileOverlaysAndInterrupts(result)
	o.evictOrphans(doc)
	o.submitStatus(ctx)
}

func (o *Orchestrator) registerLocked(ctx context.Context) {
	fp, err := identity.DeviceFingerprint()
	if err != nil {
		return
	}
	hwKey, err := identity.DeriveHardwareKey(fp)
	if err != nil {
		return
	}
	result, err := o.client.RegisterDisplay(ctx, o.cmsKey, hwKey, o.displayName)
	if err != nil {
		return
	}
	_ = o.creds.Save(&identity.Credentials{
		HardwareKey:  hwKey,
		DisplayName:  o.displayName,
		RegisteredAt: time.Now(),
	})
	_ = result
}

// reconcileFiles computes the set diff between declared files and what
// the cache has, enqueues what's missing or changed, and purges what
// the CMS marked for removal.
func (o *Orchestrator) reconcileFiles(files []cmscontract.RequiredFile) {
	for _, f := range files {
		if f.Purge {
			_ = o.cache.Delete(f.ID)
			continue
		}
		existing, _ := o.cache.FileExists(f.ID)
		if existing.Exists && existing.Metadata != nil && existing.Metadata.Fingerprint == f.Fingerprint {
			continue
		}
		fileID := f.ID
		fingerprint := f.Fingerprint
		o.queue.Enqueue(f.URL, string(f.Type), f.ID, f.Fingerprint,
			func(blob []byte, contentType string) error {
				if err := o.cache.Put(fileID, blob, contentType, fingerprint); err != nil {
					return err
				}
				o.MediaCached(fileID)
				return nil
			},
			func(index, numChunks int, totalSize int64, blob []byte, contentType string) error {
				if err := o.cache.StoreChunk(fileID, index, numChunks, totalSize, blob, contentType, fingerprint); err != nil {
					return err
				}
				if index == 0 {
					o.MediaCached(fileID)
				}
				return nil
			},
		)
	}
}

func (o *Orchestrator) applySessionOverride(doc *cmscontract.ScheduleDocument) {
	o.mu.Lock()
	override := o.sessionOverride
	o.mu.Unlock()
	if override == "" {
		return
	}
	entry := cmscontract.ScheduleEntry{Kind: cmscontract.EntryKindLayout, ID: override, Priority: 1 << 30}
	doc.Entries = append([]cmscontract.ScheduleEntry{entry}, doc.Entries...)
}

// presentMain decides the main layout, pre-creates its widget HTML,
// registers its media dependants, prioritises its downloads, and
// either renders it now or marks it pending.
func (o *Orchestrator) presentMain(ctx context.Context, result schedule.Result, creds *identity.Credentials) {
	layoutID := o.pickRenderableLayout(result.MainLayouts)
	if layoutID == "" {
		return
	}

	o.mu.Lock()
	alreadyShowing := o.currentLayoutID == layoutID
	o.mu.Unlock()
	if alreadyShowing {
		return
	}

	xlfXML, ready := o.prepareLayout(ctx, layoutID)
	if !ready {
		o.mu.Lock()
		o.pendingLayoutID = layoutID
		o.mu.Unlock()
		return
	}

	if err := o.renderer.RenderLayout(xlfXML, layoutID); err != nil {
		o.renderer.Blacklist(layoutID)
		if o.logger != nil {
			o.logger.Error("layout failed to render, blacklisting for session", err)
		}
	}
}

// pickRenderableLayout returns the first candidate not blacklisted for
// this session.
func (o *Orchestrator) pickRenderableLayout(candidates []string) string {
	for _, id := range candidates {
		if !o.renderer.IsBlacklisted(id) {
			return id
		}
	}
	return ""
}

// prepareLayout registers media dependants and prioritises downloads
// for a candidate layout, then reports whether every first-widget
// media is already cached.
func (o *Orchestrator) prepareLayout(ctx context.Context, layoutID string) (xlfXML []byte, ready bool) {
	xlfStr, err := o.client.GetResource(ctx, layoutID, "", "")
	if err != nil {
		return nil, false
	}
	xlfXML = []byte(xlfStr)

	layout, err := renderer.ParseXLF(xlfXML)
	if err != nil {
		return nil, false
	}

	allFirstWidgetsReady := true
	for _, region := range layout.Regions {
		for _, w := range region.Widgets {
			o.cache.AddDependant(w.MediaID, layoutID)
		}
		if len(region.Widgets) == 0 {
			continue
		}
		first := region.Widgets[0]
		o.queue.Prioritize(string(cmscontract.FileTypeMedia), first.MediaID)
		existing, _ := o.cache.FileExists(first.MediaID)
		if !existing.Exists {
			allFirstWidgetsReady = false
		}
	}

	return xlfXML, allFirstWidgetsReady
}

// reconcileOverlaysAndInterrupts records the resolver's overlay and
// interrupt sets as the desired state for the next render pass; with no
// live DOM attached, nothing is diffed against what is presented.
func (o *Orchestrator) reconcileOverlaysAndInterrupts(result schedule.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentOverlays = result.Overlays
	o.currentInterrupts = result.Interrupts
}

// evictOrphans drains the dependants map for layouts that were present
// in the previous cycle but have dropped out of this one, deleting any
// media that ends up with no remaining dependant anywhere.
func (o *Orchestrator) evictOrphans(doc *cmscontract.ScheduleDocument) {
	live := make(map[string]struct{}, len(doc.Entries))
	for _, e := range doc.Entries {
		live[e.ID] = struct{}{}
		for _, l := range e.Layouts {
			live[l] = struct{}{}
		}
	}

	for layoutID := range o.knownLayoutIDs {
		if _, stillLive := live[layoutID]; stillLive {
			continue
		}
		for _, mediaID := range o.cache.RemoveLayoutDependants(layoutID) {
			if err := o.cache.Delete(mediaID); err != nil && o.logger != nil {
				o.logger.Warn("failed to evict orphaned media " + mediaID)
			}
		}
	}

	o.knownLayoutIDs = live
}

func (o *Orchestrator) submitStatus(ctx context.Context) {
	o.mu.Lock()
	status := cmscontract.Status{CurrentLayout: o.currentLayoutID, Healthy: true}
	o.mu.Unlock()
	_ = o.client.SubmitStatus(ctx, status)
}

// recordCMSFailure keeps the current layout playing and backs off
// exponentially, doubling up to a ceiling of 10x the collection
// interval. rearmRetryTimer applies the new backoff (with jitter) to
// the next scheduled collection once this cycle's work is done.
func (o *Orchestrator) recordCMSFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backoff *= 2
	if ceiling := o.collectInterval * 10; o.backoff > ceiling {
		o.backoff = ceiling
	}
}

func (o *Orchestrator) recordCMSSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastCMSSuccess = time.Now()
	o.hasCMSSuccess = true
	o.backoff = time.Second
}

// LastCMSSuccess satisfies observability.CMSReachableCheck.
func (o *Orchestrator) LastCMSSuccess() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCMSSuccess, o.hasCMSSuccess
}

// sortedOverlays returns a copy of the current overlay ids sorted
// alphabetically; the resolver's priority order is not kept.
func (o *Orchestrator) sortedOverlays() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]string(nil), o.currentOverlays...)
	sort.Strings(out) // stable export order for status reporting only
	return out
}
