package cache

import (
	"strings"
	"testing"
)

func TestStoreWidgetHTMLInjectsBaseAndFetchesResources(t *testing.T) {
	c := newTestCache(t, 1024)

	fetched := map[string][]byte{
		"style.css": []byte(`body { background: url("bg.png"); }`),
		"bg.png":    []byte("fake-png-bytes"),
		"app.js":    []byte("console.log('hi')"),
	}
	var fetchedURLs []string
	fetch := func(url string) ([]byte, string, error) {
		fetchedURLs = append(fetchedURLs, url)
		ct := "application/octet-stream"
		switch {
		case strings.HasSuffix(url, ".css"):
			ct = "text/css"
		case strings.HasSuffix(url, ".js"):
			ct = "application/javascript"
		}
		return fetched[url], ct, nil
	}

	rawHTML := `<html><head><link rel="stylesheet" href="style.css"><script src="app.js"></script></head><body></body></html>`
	if err := c.StoreWidgetHTML("layout1", "region1", "media1", rawHTML, fetch); err != nil {
		t.Fatalf("StoreWidgetHTML() failed: %v", err)
	}

	key := WidgetHTMLKey("layout1", "region1", "media1")
	resp, err := c.Get(key)
	if err != nil || resp == nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !strings.Contains(string(resp.Body), `<base href="/cache/widget/layout1/region1/media1/"`) {
		t.Fatalf("stored html missing injected base tag: %s", resp.Body)
	}

	wantFetched := []string{"style.css", "app.js", "bg.png"}
	for _, want := range wantFetched {
		found := false
		for _, got := range fetchedURLs {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("fetch never called for %q, got calls %v", want, fetchedURLs)
		}
	}

	staticKey := staticResourceKey("layout1", "region1", "media1", "style.css")
	if !strings.HasPrefix(staticKey, "widget-static/layout1/region1/media1/") {
		t.Fatalf("staticResourceKey() = %q, unexpected shape", staticKey)
	}
	if staticKey == staticResourceKey("layout1", "region1", "media1", "app.js") {
		t.Fatalf("staticResourceKey() collided for distinct resource URLs")
	}

	staticResp, err := c.Get(staticKey)
	if err != nil || staticResp == nil {
		t.Fatalf("Get(%q) for cached static resource failed: %v", staticKey, err)
	}
	if string(staticResp.Body) != string(fetched["style.css"]) {
		t.Fatalf("cached static resource body = %q, want %q", staticResp.Body, fetched["style.css"])
	}
}

func TestStoreWidgetHTMLRewritesAbsoluteSignedURLs(t *testing.T) {
	c := newTestCache(t, 1024)

	signedURL := "https://cms.example.com/resource?id=42&token=abc123"
	fetch := func(url string) ([]byte, string, error) {
		return []byte("signed-bytes"), "image/png", nil
	}

	rawHTML := `<html><head></head><body><img src="` + signedURL + `"></body></html>`
	if err := c.StoreWidgetHTML("layout1", "region1", "media1", rawHTML, fetch); err != nil {
		t.Fatalf("StoreWidgetHTML() failed: %v", err)
	}

	key := WidgetHTMLKey("layout1", "region1", "media1")
	resp, err := c.Get(key)
	if err != nil || resp == nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}

	wantPath := staticResourceServedPath("layout1", "region1", "media1", signedURL)
	if strings.Contains(string(resp.Body), signedURL) {
		t.Fatalf("stored html still points at the live CMS-signed URL: %s", resp.Body)
	}
	if !strings.Contains(string(resp.Body), `src="`+wantPath+`"`) {
		t.Fatalf("stored html does not rewrite src to %q: %s", wantPath, resp.Body)
	}

	staticResp, err := c.Get(strings.TrimPrefix(wantPath, "/cache/"))
	if err != nil || staticResp == nil {
		t.Fatalf("Get() for cached static resource failed: %v", err)
	}
	if string(staticResp.Body) != "signed-bytes" {
		t.Fatalf("cached static resource body = %q, want %q", staticResp.Body, "signed-bytes")
	}
}

func TestFetchStaticResourceNilFetcherIsNoop(t *testing.T) {
	c := newTestCache(t, 1024)
	c.fetchStaticResource("l", "r", "m", "x.js", nil)

	key := staticResourceKey("l", "r", "m", "x.js")
	result, err := c.FileExists(key)
	if err != nil {
		t.Fatalf("FileExists() failed: %v", err)
	}
	if result.Exists {
		t.Fatalf("expected no entry written for nil fetcher")
	}
}
