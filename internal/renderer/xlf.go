// Package renderer implements the XLF interpreter and live region/widget
// DOM-like tree. XLF parsing is kept a pure function,
// separate from the live-DOM adapter, so the tree is unit-testable
// without a browser.
package renderer

import (
	"encoding/xml"
	"fmt"
)

// WidgetType is the tagged-union discriminant for widget variants
// (no per-type subclassing).
type WidgetType string

const (
	WidgetVideo    WidgetType = "video"
	WidgetImage    WidgetType = "image"
	WidgetAudio    WidgetType = "audio"
	WidgetPDF      WidgetType = "pdf"
	WidgetText     WidgetType = "text"
	WidgetWebpage  WidgetType = "webpage"
	WidgetClock    WidgetType = "clock"
	WidgetWeather  WidgetType = "weather"
	WidgetCalendar WidgetType = "calendar"
	WidgetGeneric  WidgetType = "generic" // CMS-rendered via getResource
)

// Capabilities is the per-variant capability set that drives the
// renderer instead of per-type subclassing.
type Capabilities struct {
	CanRestart         bool // has playback position that can be reset to 0
	HasIntrinsicDuration bool // media itself can end the widget (useDuration=false)
	NeedsGetResource   bool // HTML must be fetched via getResource before it can render
}

func capabilitiesFor(t WidgetType) Capabilities {
	switch t {
	case WidgetVideo, WidgetAudio:
		return Capabilities{CanRestart: true, HasIntrinsicDuration: true}
	case WidgetImage:
		return Capabilities{}
	case WidgetPDF, WidgetWebpage:
		return Capabilities{NeedsGetResource: true}
	case WidgetClock, WidgetWeather, WidgetCalendar, WidgetText:
		return Capabilities{NeedsGetResource: true}
	default:
		return Capabilities{NeedsGetResource: true}
	}
}

// TransitionKind is fade or fly.
type TransitionKind string

const (
	TransitionFade TransitionKind = "fade"
	TransitionFly  TransitionKind = "fly"
)

// Direction is one of the eight compass directions a fly transition
// may use.
type Direction string

// Transition describes an in/out animation for a widget.
type Transition struct {
	Kind      TransitionKind
	Direction Direction
	Duration  int // milliseconds
	In        bool // true = entrance, false = exit
}

// Widget is one media-playing element within a region.
type Widget struct {
	ID          string
	MediaID     string
	RegionID    string
	Type        WidgetType
	DurationMS  int
	UseDuration bool
	Loop        bool
	// NumItems is set for CMS dynamic-content widgets (e.g. a ticker
	// rendered over RSS items) whose dwell time is numItems x
	// DurationMS rather than DurationMS alone. Zero for ordinary widgets.
	NumItems     int
	Transitions  []Transition
	Capabilities Capabilities
}

// EffectiveDurationMS is a widget's total dwell time in its region: for
// a dynamic-content widget (NumItems > 0) that is NumItems x DurationMS
// since DurationMS there is a per-item duration, not the total.
func (w *Widget) EffectiveDurationMS() int {
	if w.NumItems > 0 {
		return w.NumItems * w.DurationMS
	}
	return w.DurationMS
}

// Region is a rectangle inside a layout holding an ordered list of
// widgets that play in sequence.
type Region struct {
	ID      string
	Left    int
	Top     int
	Width   int
	Height  int
	Widgets []Widget
}

// Layout is one full-screen composition: regions + widgets.
type Layout struct {
	ID      string
	Width   int
	Height  int
	Regions []Region
}

// --- XML wire shapes (xlfDocument mirrors the CMS's XLF schema) ---

type xlfDocument struct {
	XMLName xml.Name    `xml:"layout"`
	ID      string      `xml:"id,attr"`
	Width   int         `xml:"width,attr"`
	Height  int         `xml:"height,attr"`
	Regions []xlfRegion `xml:"region"`
}

type xlfRegion struct {
	ID      string      `xml:"id,attr"`
	Left    int         `xml:"left,attr"`
	Top     int         `xml:"top,attr"`
	Width   int         `xml:"width,attr"`
	Height  int         `xml:"height,attr"`
	Widgets []xlfWidget `xml:"media"`
}

type xlfWidget struct {
	ID          string          `xml:"id,attr"`
	MediaID     string          `xml:"mediaId,attr"`
	Type        string          `xml:"type,attr"`
	Duration    int             `xml:"duration,attr"`
	UseDuration int             `xml:"useDuration,attr"`
	Loop        int             `xml:"loop,attr"`
	NumItems    int             `xml:"numItems,attr"`
	Transitions []xlfTransition `xml:"transition"`
}

type xlfTransition struct {
	Kind      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
	Duration  int    `xml:"duration,attr"`
	In        int    `xml:"in,attr"`
}

// ParseXLF converts an XLF document into a Layout tree. Keeping this a
// pure function separates "XML -> tree" from the live-DOM adapter.
func ParseXLF(xlfXML []byte) (*Layout, error) {
	var doc xlfDocument
	if err := xml.Unmarshal(xlfXML, &doc); err != nil {
		return nil, fmt.Errorf("renderer: parse xlf: %w", err)
	}

	layout := &Layout{ID: doc.ID, Width: doc.Width, Height: doc.Height}
	for _, r := range doc.Regions {
		region := Region{ID: r.ID, Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
		for _, w := range r.Widgets {
			wt := WidgetType(w.Type)
			widget := Widget{
				ID:           w.ID,
				MediaID:      w.MediaID,
				RegionID:     r.ID,
				Type:         wt,
				DurationMS:   w.Duration,
				UseDuration:  w.UseDuration != 0,
				Loop:         w.Loop != 0,
				NumItems:     w.NumItems,
				Capabilities: capabilitiesFor(wt),
			}
			for _, tr := range w.Transitions {
				widget.Transitions = append(widget.Transitions, Transition{
					Kind:      TransitionKind(tr.Kind),
					Direction: Direction(tr.Direction),
					Duration:  tr.Duration,
					In:        tr.In != 0,
				})
			}
			region.Widgets = append(region.Widgets, widget)
		}
		layout.Regions = append(layout.Regions, region)
	}

	return layout, nil
}
