package renderer

import (
	"sync"
	"time"
)

// RegionState is the per-region readiness/playback state.
type RegionState string

const (
	RegionIdle      RegionState = "idle"
	RegionPreparing RegionState = "preparing"
	RegionPlaying   RegionState = "playing"
	RegionCompleted RegionState = "completed"
)

// LayoutState is ActiveLayout's top-level state.
type LayoutState string

const (
	LayoutNone      LayoutState = "none"
	LayoutPreparing LayoutState = "preparing"
	LayoutPlaying   LayoutState = "playing"
	LayoutEnding    LayoutState = "ending"
)

// regionRuntime tracks one region's live playback state.
type regionRuntime struct {
	region       *Region
	state        RegionState
	widgetCursor int
	readyTimer   *time.Timer
	advanceTimer *time.Timer // cycles to the next widget once the current one's dwell elapses
}

func (rr *regionRuntime) currentWidget() *Widget {
	if rr.widgetCursor < 0 || rr.widgetCursor >= len(rr.region.Widgets) {
		return nil
	}
	return &rr.region.Widgets[rr.widgetCursor]
}

// ActiveLayout is what the renderer is presenting.
type ActiveLayout struct {
	LayoutID  string
	Layout    *Layout
	State     LayoutState
	StartedAt time.Time

	BlobURLs map[string]string   // mediaId -> blob URL, owned exclusively by this layout
	Elements map[string]struct{} // "regionId\x00mediaId" widget elements already created

	regions []*regionRuntime
	timer   *time.Timer
}

func elementKey(regionID, mediaID string) string { return regionID + "\x00" + mediaID }

// MediaURLResolver resolves a media id to a playable URL together with
// whether the underlying bytes are already cached.
type MediaURLResolver func(mediaID string) (url string, ready bool)

// WidgetHTMLResolver resolves per-widget CMS-rendered HTML to a cache
// key the renderer points a widget frame at.
type WidgetHTMLResolver func(layoutID, regionID, mediaID string) (cacheKey string, ready bool)

// BlobURLFactory creates a blob URL for a media id's bytes. Ownership
// of every URL it returns belongs to the renderer: nothing outside the
// renderer is allowed to mint one.
type BlobURLFactory func(mediaID string) string

// AfterFunc matches time.AfterFunc's signature, overridable in tests.
type AfterFunc func(d time.Duration, f func()) *time.Timer

// TransitionFunc applies a parsed XLF transition to a widget's element;
// the actual animation lives in the live-DOM adapter outside this
// package, so the renderer only tells it when and which.
type TransitionFunc func(regionID, widgetID string, t Transition)

// Renderer drives region/widget playback for one display surface. It
// owns exactly one ActiveLayout at a time plus, transiently, the
// previous one until its blob URLs have been revoked.
type Renderer struct {
	mu sync.Mutex

	active  *ActiveLayout
	expired *ActiveLayout // previous layout; blob URLs revoked once the new one starts

	getMediaURL   MediaURLResolver
	getWidgetHTML WidgetHTMLResolver
	newBlobURL    BlobURLFactory
	revokeBlobURL func(url string)
	restartMedia  func(regionID, widgetID string) // resets currentTime=0 and plays
	onTransition  TransitionFunc
	afterFunc     AfterFunc
	now           func() time.Time

	mediaReadyTimeout time.Duration

	events *EventPublisher

	// onNeedsPending is invoked when a freshly selected layout cannot
	// start immediately: the renderer asks the orchestrator to pin it
	// as the pending layout until media resolves.
	onNeedsPending func(layoutID string)

	blacklisted map[string]struct{} // layout ids blacklisted for this session
}

// Config bundles the callbacks a Renderer is constructed with.
type Config struct {
	GetMediaURL       MediaURLResolver
	GetWidgetHTML     WidgetHTMLResolver
	NewBlobURL        BlobURLFactory
	RevokeBlobURL     func(url string)
	RestartMedia      func(regionID, widgetID string)
	OnTransition      TransitionFunc
	MediaReadyTimeout time.Duration
	OnNeedsPending    func(layoutID string)

	// AfterFunc and Now are overridable for deterministic tests; both
	// default to the real time package.
	AfterFunc AfterFunc
	Now       func() time.Time
}

// New creates a Renderer.
func New(cfg Config) *Renderer {
	r := &Renderer{
		getMediaURL:       cfg.GetMediaURL,
		getWidgetHTML:     cfg.GetWidgetHTML,
		newBlobURL:        cfg.NewBlobURL,
		revokeBlobURL:     cfg.RevokeBlobURL,
		restartMedia:      cfg.RestartMedia,
		onTransition:      cfg.OnTransition,
		mediaReadyTimeout: cfg.MediaReadyTimeout,
		onNeedsPending:    cfg.OnNeedsPending,
		afterFunc:         cfg.AfterFunc,
		now:               cfg.Now,
		events:            NewEventPublisher(32),
		blacklisted:       make(map[string]struct{}),
	}
	if r.afterFunc == nil {
		r.afterFunc = time.AfterFunc
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Subscribe returns a new subscription to renderer lifecycle events.
func (r *Renderer) Subscribe() *EventSubscription {
	return r.events.Subscribe()
}

// IsBlacklisted reports whether a layout id has been blacklisted for
// this session: a layout whose widgets repeatedly fail to render is
// blacklisted so the orchestrator skips it when picking a layout.
func (r *Renderer) IsBlacklisted(layoutID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklisted[layoutID]
	return ok
}

// Blacklist marks a layout id unrenderable for the rest of this
// session.
func (r *Renderer) Blacklist(layoutID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklisted[layoutID] = struct{}{}
}

// ActiveLayoutID returns the currently active layout's id, or "" if
// none is active.
func (r *Renderer) ActiveLayoutID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.LayoutID
}

// RenderLayout asks the renderer to present the given layout. If the
// same layout id is already active, this replays in place rather than
// tearing down and recreating the DOM. Otherwise the previous layout
// (if any) ends and the new one begins preparing.
func (r *Renderer) RenderLayout(xlfXML []byte, layoutID string) error {
	layout, err := ParseXLF(xlfXML)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.LayoutID == layoutID {
		r.replayLocked()
		return nil
	}

	r.replaceLocked(layout, layoutID)
	return nil
}

// replayLocked implements the layout-identity replay optimization: no
// DOM node is destroyed or recreated; region cursors reset to the
// first widget, every video/audio widget restarts from position 0 and
// plays unconditionally (including looping ones), and the layout timer
// restarts. layoutStart fires again so downstream consumers (e.g. an
// orchestrator driving a status report) see the new cycle.
func (r *Renderer) replayLocked() {
	al := r.active
	al.State = LayoutPreparing
	al.StartedAt = r.now()

	for _, rr := range al.regions {
		rr.widgetCursor = 0
		if rr.readyTimer != nil {
			rr.readyTimer.Stop()
			rr.readyTimer = nil
		}
		if rr.advanceTimer != nil {
			rr.advanceTimer.Stop()
			rr.advanceTimer = nil
		}
		rr.state = RegionPreparing
	}

	r.tryStartLocked(al)
}

// replaceLocked tears down bookkeeping for whichever layout is active
// (without yet revoking its blob URLs — those live until the new
// layout successfully starts) and begins preparing the new one.
func (r *Renderer) replaceLocked(layout *Layout, layoutID string) {
	if r.active != nil {
		r.endLayoutLocked("replaced")
	}

	al := &ActiveLayout{
		LayoutID: layoutID,
		Layout:   layout,
		State:    LayoutPreparing,
		BlobURLs: make(map[string]string),
		Elements: make(map[string]struct{}),
	}
	for i := range layout.Regions {
		al.regions = append(al.regions, &regionRuntime{
			region: &layout.Regions[i],
			state:  RegionPreparing,
		})
	}

	r.active = al
	r.tryStartLocked(al)
}

// tryStartLocked checks whether every region's current widget is
// ready to play. If all are, the layout transitions to playing, its
// widgets' elements are created (once — replay never recreates them),
// and layoutStart fires. If any region's widget isn't ready yet, the
// renderer starts a per-region readiness timer and tells the
// orchestrator this layout needs to be pinned pending.
func (r *Renderer) tryStartLocked(al *ActiveLayout) {
	allReady := true
	for _, rr := range al.regions {
		if len(rr.region.Widgets) == 0 {
			// A region with no widgets at all has nothing to block on.
			rr.state = RegionCompleted
			continue
		}
		w := rr.currentWidget()
		if w == nil {
			// Every widget in this region has exhausted its
			// MediaReadyTimeout retries: the region can never play, so
			// it must not count toward the layout being ready.
			rr.state = RegionCompleted
			allReady = false
			continue
		}
		if r.widgetReadyLocked(al, rr, w) {
			rr.state = RegionPlaying
			continue
		}
		allReady = false
		r.scheduleReadyTimeoutLocked(al, rr)
	}

	if !allReady {
		if r.onNeedsPending != nil {
			r.onNeedsPending(al.LayoutID)
		}
		return
	}

	r.beginPlaybackLocked(al)
}

// widgetReadyLocked resolves a widget's media (and, if it needs one,
// its CMS-rendered HTML) and creates its DOM element the first time it
// is encountered. Replaying the same layout never re-enters the
// creation branch for a widget already in al.Elements.
func (r *Renderer) widgetReadyLocked(al *ActiveLayout, rr *regionRuntime, w *Widget) bool {
	key := elementKey(rr.region.ID, w.MediaID)

	if w.Capabilities.NeedsGetResource {
		if r.getWidgetHTML == nil {
			return false
		}
		_, ready := r.getWidgetHTML(al.LayoutID, rr.region.ID, w.MediaID)
		if !ready {
			return false
		}
	} else if r.getMediaURL != nil {
		url, ready := r.getMediaURL(w.MediaID)
		if !ready {
			return false
		}
		if _, exists := al.BlobURLs[w.MediaID]; !exists && r.newBlobURL != nil {
			al.BlobURLs[w.MediaID] = r.newBlobURL(w.MediaID)
		} else if _, exists := al.BlobURLs[w.MediaID]; !exists {
			al.BlobURLs[w.MediaID] = url
		}
	}

	if _, created := al.Elements[key]; !created {
		al.Elements[key] = struct{}{}
	}
	return true
}

// scheduleReadyTimeoutLocked arms a MediaReadyTimeout for a region
// whose current widget isn't ready. If the timeout elapses before the
// widget becomes ready, the region advances to its next widget and
// retries; if no widget in the region can ever become ready, the
// region is marked completed and a mediaError fires. Once the layout
// is already playing, only this region is re-evaluated — the other
// regions are already cycling independently and must not be disturbed.
func (r *Renderer) scheduleReadyTimeoutLocked(al *ActiveLayout, rr *regionRuntime) {
	if r.mediaReadyTimeout <= 0 {
		return
	}
	w := rr.currentWidget()
	timer := r.afterFunc(r.mediaReadyTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active != al {
			return
		}
		r.events.Publish(Event{Kind: EventMediaError, LayoutID: al.LayoutID, RegionID: rr.region.ID, WidgetID: w.ID, Reason: "media not ready within timeout"})
		if al.State == LayoutPlaying {
			r.advanceWidgetLocked(al, rr)
			return
		}
		rr.widgetCursor++
		r.tryStartLocked(al)
	})
	rr.readyTimer = timer
}

// advanceWidgetLocked cycles a region to its next widget, wrapping back
// to the first once the list is exhausted — a region's widget list
// loops for as long as its layout keeps showing, it does not stop after
// one pass — and starts whichever widget it lands on.
func (r *Renderer) advanceWidgetLocked(al *ActiveLayout, rr *regionRuntime) {
	if rr.readyTimer != nil {
		rr.readyTimer.Stop()
		rr.readyTimer = nil
	}
	if len(rr.region.Widgets) == 0 {
		return
	}
	r.fireTransitionLocked(rr.region.ID, rr.currentWidget(), false)
	rr.widgetCursor++
	if rr.widgetCursor >= len(rr.region.Widgets) {
		rr.widgetCursor = 0
	}
	r.startRegionWidgetLocked(al, rr)
}

// startRegionWidgetLocked begins (or re-attempts) playback of a
// region's current widget: if its media isn't ready it arms a
// MediaReadyTimeout like the initial start path; otherwise it plays,
// fires its entrance transition, and arms the timer (or natural-end
// wait) that will cycle to the next widget.
func (r *Renderer) startRegionWidgetLocked(al *ActiveLayout, rr *regionRuntime) {
	w := rr.currentWidget()
	if w == nil {
		rr.state = RegionCompleted
		return
	}
	if !r.widgetReadyLocked(al, rr, w) {
		rr.state = RegionPreparing
		r.scheduleReadyTimeoutLocked(al, rr)
		return
	}
	rr.state = RegionPlaying
	r.fireTransitionLocked(rr.region.ID, w, true)
	if w.Capabilities.CanRestart && r.restartMedia != nil {
		r.restartMedia(rr.region.ID, w.ID)
	}
	r.scheduleWidgetAdvanceLocked(al, rr)
}

// scheduleWidgetAdvanceLocked arms the timer that cycles a region to
// its next widget once the current one's dwell time elapses. A widget
// with an intrinsic duration (video/audio) that isn't pinned to a
// fixed duration relies on WidgetEnded instead: the media's own end,
// not a timer, drives the cycle.
func (r *Renderer) scheduleWidgetAdvanceLocked(al *ActiveLayout, rr *regionRuntime) {
	if rr.advanceTimer != nil {
		rr.advanceTimer.Stop()
		rr.advanceTimer = nil
	}
	w := rr.currentWidget()
	if w == nil {
		return
	}
	if w.Capabilities.HasIntrinsicDuration && !w.UseDuration {
		return
	}
	durationMS := w.EffectiveDurationMS()
	if durationMS <= 0 {
		return
	}
	layoutRef := al
	rr.advanceTimer = r.afterFunc(time.Duration(durationMS)*time.Millisecond, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active != layoutRef || layoutRef.State != LayoutPlaying {
			return
		}
		r.advanceWidgetLocked(layoutRef, rr)
	})
}

// fireTransitionLocked invokes the configured transition callback for
// whichever of a widget's parsed Transitions match the in/out direction
// of the widget-swap: in for a widget that is about to start, out for
// one that is about to be replaced.
func (r *Renderer) fireTransitionLocked(regionID string, w *Widget, in bool) {
	if r.onTransition == nil || w == nil {
		return
	}
	for _, t := range w.Transitions {
		if t.In == in {
			r.onTransition(regionID, w.ID, t)
		}
	}
}

// WidgetEnded is called by the live-DOM adapter when a widget with an
// intrinsic duration (video/audio) not pinned to a fixed duration
// reaches the natural end of its own media. It cycles the region to
// its next widget the same way a duration timer would. It is a no-op
// if widgetID is no longer the region's current widget (a stale event
// from a widget already cycled past).
func (r *Renderer) WidgetEnded(regionID, widgetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	for _, rr := range r.active.regions {
		if rr.region.ID != regionID {
			continue
		}
		if w := rr.currentWidget(); w == nil || w.ID != widgetID {
			return
		}
		r.advanceWidgetLocked(r.active, rr)
		return
	}
}

// beginPlaybackLocked transitions the layout to playing, arms its
// overall duration timer, revokes the previous layout's blob URLs
// (ownership transfers only once the new layout has actually started),
// and emits layoutStart.
func (r *Renderer) beginPlaybackLocked(al *ActiveLayout) {
	al.State = LayoutPlaying
	al.StartedAt = r.now()

	for _, rr := range al.regions {
		w := rr.currentWidget()
		if w == nil {
			continue
		}
		if w.Capabilities.CanRestart && r.restartMedia != nil {
			r.restartMedia(rr.region.ID, w.ID)
		}
		if rr.state == RegionPlaying {
			r.fireTransitionLocked(rr.region.ID, w, true)
			r.scheduleWidgetAdvanceLocked(al, rr)
		}
	}

	if r.expired != nil {
		r.revokeLayoutLocked(r.expired)
		r.expired = nil
	}

	if al.timer != nil {
		al.timer.Stop()
	}
	if d := layoutDuration(al.Layout); d > 0 {
		layoutRef := al
		al.timer = r.afterFunc(d, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active != layoutRef {
				return
			}
			r.endLayoutLocked("duration-elapsed")
			r.active = nil
		})
	}

	r.events.Publish(Event{Kind: EventLayoutStart, LayoutID: al.LayoutID})
}

// layoutDuration is the sum, per region, of its widgets' declared
// durations, maxed across regions: the layout plays until its longest
// region has cycled once.
func layoutDuration(l *Layout) time.Duration {
	var max int
	for _, region := range l.Regions {
		var total int
		for _, w := range region.Widgets {
			total += w.EffectiveDurationMS()
		}
		if total > max {
			max = total
		}
	}
	return time.Duration(max) * time.Millisecond
}

// endLayoutLocked stops the current layout's timers, emits layoutEnd,
// and moves it to r.expired so its blob URLs are revoked once the
// next layout actually starts (not immediately — a layout in the
// ending/replaced hand-off still needs its last frame visible).
func (r *Renderer) endLayoutLocked(reason string) {
	al := r.active
	if al == nil {
		return
	}
	al.State = LayoutEnding
	if al.timer != nil {
		al.timer.Stop()
	}
	for _, rr := range al.regions {
		if rr.readyTimer != nil {
			rr.readyTimer.Stop()
		}
		if rr.advanceTimer != nil {
			rr.advanceTimer.Stop()
		}
	}
	r.events.Publish(Event{Kind: EventLayoutEnd, LayoutID: al.LayoutID, Reason: reason})
	r.expired = al
}

func (r *Renderer) revokeLayoutLocked(al *ActiveLayout) {
	if r.revokeBlobURL == nil {
		return
	}
	for _, url := range al.BlobURLs {
		r.revokeBlobURL(url)
	}
}

// Recheck asks the renderer to retry starting a layout that is still
// preparing (e.g. because the orchestrator just reported that a media
// dependency finished caching). It is a no-op if the named layout
// isn't the one currently preparing.
func (r *Renderer) Recheck(layoutID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.LayoutID != layoutID || r.active.State != LayoutPreparing {
		return
	}
	r.tryStartLocked(r.active)
}

// RegionComplete is informational only: reaching the end of a
// region's widget list never ends the layout by itself. Only the
// layout's own duration timer, or the orchestrator asking for a
// different layout, can end it. This keeps independently-timed
// regions (e.g. a short ticker inside a long video layout) from
// prematurely tearing down the whole screen.
func (r *Renderer) RegionComplete(regionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	for _, rr := range r.active.regions {
		if rr.region.ID == regionID {
			rr.state = RegionCompleted
			return
		}
	}
}
