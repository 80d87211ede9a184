// Package server exposes the core player's internal state over HTTP:
// the cache URL scheme region/audio/video playback depends on, a live
// command relay for debugging, and the observability endpoints.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/signagecore/player/internal/cache"
	"github.com/signagecore/player/internal/livecommand"
	"github.com/signagecore/player/internal/observability"
)

const cacheURLPrefix = "/cache/media/"
const widgetStaticURLPrefix = "/cache/widget-static/"

// Cache is the subset of *cache.ChunkCache the HTTP layer serves from.
type Cache interface {
	Get(key string) (*cache.Response, error)
	Range(key string, rangeHeader string) (*cache.Response, error)
}

// Server wires the cache, command sink, and observability surfaces to
// HTTP handlers.
type Server struct {
	cache   Cache
	sink    *livecommand.ChannelSink
	health  *observability.HealthChecker
	metrics *observability.Metrics
}

// New creates a Server.
func New(c Cache, sink *livecommand.ChannelSink, health *observability.HealthChecker, metrics *observability.Metrics) *Server {
	return &Server{cache: c, sink: sink, health: health, metrics: metrics}
}

// RegisterHTTP registers every route on mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc(cacheURLPrefix, s.handleCacheMedia)
	mux.HandleFunc(widgetStaticURLPrefix, s.handleWidgetStatic)
	mux.HandleFunc("/commands/stream", s.handleCommandStream)
	mux.HandleFunc("/commands/push", s.handlePushCommand)
	if s.health != nil {
		mux.HandleFunc("/healthz", s.health.Handler())
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
}

// handleCacheMedia is the cache URL scheme (/cache/media/<id>) a
// request-interception layer in the browser honours so <video> and
// <audio> can stream straight out of chunked storage. A Range header
// is served by ChunkCache.Range; its absence serves the whole file.
func (s *Server) handleCacheMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := strings.TrimPrefix(r.URL.Path, cacheURLPrefix)
	if mediaID == "" {
		http.NotFound(w, r)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		resp, err := s.cache.Get(mediaID)
		if err != nil || resp == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", resp.ContentType)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(resp.TotalSize, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Body)
		return
	}

	resp, err := s.cache.Range(mediaID, rangeHeader)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(resp.TotalSize, 10))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", contentRangeHeader(resp))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(resp.Body)
}

// handleWidgetStatic serves a static resource (JS/CSS/fonts/images)
// rewritten into widget HTML by internal/cache's staticResourceKey, at
// the exact path the rewrite pointed the browser at.
func (s *Server) handleWidgetStatic(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	resp, err := s.cache.Get(key)
	if err != nil || resp == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(resp.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func contentRangeHeader(resp *cache.Response) string {
	return "bytes " + strconv.FormatInt(resp.RangeStart, 10) + "-" + strconv.FormatInt(resp.RangeEnd, 10) + "/" + strconv.FormatInt(resp.TotalSize, 10)
}

// handleCommandStream relays live commands to a debug console over
// Server-Sent Events, mirroring the daemon's SSE event relay pattern.
// Each connection gets its own subscription off the sink's publisher
// rather than reading the orchestrator's primary command channel, so a
// debug console never steals a command the orchestrator was waiting
// on. The periodic collection cycle is the correctness fallback, so
// this endpoint exists purely for latency and observability.
func (s *Server) handleCommandStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.sink.Subscribe()
	defer s.sink.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-sub.Channel:
			if !ok {
				return
			}
			b, _ := json.Marshal(cmd)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

type pushCommandRequest struct {
	Kind     string `json:"kind"`
	LayoutID string `json:"layout_id,omitempty"`
}

// handlePushCommand is a debug-console affordance for issuing a live
// command locally without a real CMS push connection.
func (s *Server) handlePushCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ok := s.sink.Push(livecommand.Command{Kind: livecommand.Kind(req.Kind), LayoutID: req.LayoutID})
	if !ok {
		http.Error(w, "command buffer full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
