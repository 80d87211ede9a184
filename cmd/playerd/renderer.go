package main

import (
	"time"

	"github.com/signagecore/player/internal/cache"
	"github.com/signagecore/player/internal/config"
	"github.com/signagecore/player/internal/renderer"
)

// newRenderer wires a Renderer to the chunk cache's cache-URL scheme: a
// blob URL here is just the stable /cache/media/<id> path, so there is
// no browser-side object URL to revoke or restart. A real browser shell
// attaches over the cache URL scheme and the live command/event stream;
// RestartMedia and RevokeBlobURL are the hooks it would occupy.
func newRenderer(cfg *config.Config, c *cache.ChunkCache) *renderer.Renderer {
	return renderer.New(renderer.Config{
		GetMediaURL: func(mediaID string) (string, bool) {
			existing, err := c.FileExists(mediaID)
			if err != nil || !existing.Exists || existing.Metadata == nil || existing.Metadata.Pending {
				return "", false
			}
			return "/cache/media/" + mediaID, true
		},
		GetWidgetHTML: func(layoutID, regionID, mediaID string) (string, bool) {
			key := cache.WidgetHTMLKey(layoutID, regionID, mediaID)
			existing, err := c.FileExists(key)
			if err != nil || !existing.Exists {
				return "", false
			}
			return key, true
		},
		NewBlobURL: func(mediaID string) string {
			return "/cache/media/" + mediaID
		},
		RevokeBlobURL:     func(url string) {},
		RestartMedia:      func(regionID, widgetID string) {},
		MediaReadyTimeout: time.Duration(cfg.MediaReadyTimeoutMS) * time.Millisecond,
	})
}
