package cmscontract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is a REST+JSON implementation of Client. The wire shapes
// are this package's own DTOs; they are independent of ScheduleEntry's
// in-memory tagged union so the CMS's actual schema can evolve without
// touching the resolver.
type HTTPClient struct {
	baseURL    string
	cmsKey     string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTPClient against the given CMS base URL.
func NewHTTPClient(baseURL, cmsKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		cmsKey:     cmsKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	CMSKey      string `json:"cmsKey"`
	HardwareKey string `json:"hardwareKey"`
	DisplayName string `json:"displayName"`
}

type registerResponse struct {
	Status   string            `json:"status"`
	Settings map[string]string `json:"settings"`
}

// RegisterDisplay implements Client.
func (c *HTTPClient) RegisterDisplay(ctx context.Context, cmsKey, hardwareKey, displayName string) (*RegisterResult, error) {
	var resp registerResponse
	if err := c.post(ctx, "/register", registerRequest{CMSKey: cmsKey, HardwareKey: hardwareKey, DisplayName: displayName}, &resp); err != nil {
		return nil, err
	}
	return &RegisterResult{Status: resp.Status, Settings: resp.Settings}, nil
}

type requiredFileWire struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	URL         string `json:"url"`
	Fingerprint string `json:"md5"`
	Size        int64  `json:"size"`
	Purge       bool   `json:"purge"`
}

// RequiredFiles implements Client.
func (c *HTTPClient) RequiredFiles(ctx context.Context) ([]RequiredFile, error) {
	var wire []requiredFileWire
	if err := c.get(ctx, "/required-files", &wire); err != nil {
		return nil, err
	}
	out := make([]RequiredFile, 0, len(wire))
	for _, f := range wire {
		out = append(out, RequiredFile{
			Type:        FileType(f.Type),
			ID:          f.ID,
			URL:         f.URL,
			Fingerprint: f.Fingerprint,
			Size:        f.Size,
			Purge:       f.Purge,
		})
	}
	return out, nil
}

type recurrenceWire struct {
	Type      string     `json:"type"`
	RepeatsOn []int      `json:"repeatsOn"`
	Range     *time.Time `json:"range,omitempty"`
}

type geoFenceWire struct {
	Polygon []GeoPoint `json:"polygon,omitempty"`
	Center  *GeoPoint  `json:"center,omitempty"`
	RadiusM float64    `json:"radiusM,omitempty"`
}

type scheduleEntryWire struct {
	Kind             string          `json:"kind"`
	ID               string          `json:"id"`
	Priority         int             `json:"priority"`
	From             *time.Time      `json:"from,omitempty"`
	To               *time.Time      `json:"to,omitempty"`
	Recurrence       *recurrenceWire `json:"recur,omitempty"`
	Geo              *geoFenceWire   `json:"geo,omitempty"`
	Criteria         string          `json:"criteria,omitempty"`
	Layouts          []string        `json:"layouts,omitempty"`
	PercentageOfHour int             `json:"percentageOfHour,omitempty"`
}

type scheduleWire struct {
	DefaultLayoutID string              `json:"defaultLayoutId"`
	Entries         []scheduleEntryWire `json:"entries"`
}

// Schedule implements Client.
func (c *HTTPClient) Schedule(ctx context.Context) (*ScheduleDocument, error) {
	var wire scheduleWire
	if err := c.get(ctx, "/schedule", &wire); err != nil {
		return nil, err
	}

	doc := &ScheduleDocument{DefaultLayoutID: wire.DefaultLayoutID}
	for _, e := range wire.Entries {
		entry := ScheduleEntry{
			Kind:             EntryKind(e.Kind),
			ID:               e.ID,
			Priority:         e.Priority,
			From:             e.From,
			To:               e.To,
			Criteria:         e.Criteria,
			Layouts:          e.Layouts,
			PercentageOfHour: e.PercentageOfHour,
		}
		if e.Recurrence != nil {
			entry.Recurrence = &Recurrence{
				Type:      RecurrenceType(e.Recurrence.Type),
				RepeatsOn: e.Recurrence.RepeatsOn,
				Range:     e.Recurrence.Range,
			}
		}
		if e.Geo != nil {
			entry.Geo = &GeoFence{Polygon: e.Geo.Polygon, Center: e.Geo.Center, RadiusM: e.Geo.RadiusM}
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc, nil
}

// GetResource implements Client.
func (c *HTTPClient) GetResource(ctx context.Context, layoutID, regionID, mediaID string) (string, error) {
	url := fmt.Sprintf("%s/resource?layoutId=%s&regionId=%s&mediaId=%s", c.baseURL, layoutID, regionID, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cmscontract: getResource status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SubmitStatus implements Client.
func (c *HTTPClient) SubmitStatus(ctx context.Context, status Status) error {
	return c.post(ctx, "/status", status, nil)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cmsKey != "" {
		req.Header.Set("X-CMS-Key", c.cmsKey)
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cmscontract: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
