package schedule

import (
	"testing"
	"time"

	"github.com/signagecore/player/internal/cmscontract"
)

func mustTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func TestRecurringMidnightCrossing(t *testing.T) {
	from := mustTime(t, "15:04", "22:00")
	to := mustTime(t, "15:04", "06:00")

	entry := cmscontract.ScheduleEntry{
		Kind:     cmscontract.EntryKindLayout,
		ID:       "overnight",
		Priority: 1,
		From:     &from,
		To:       &to,
		Recurrence: &cmscontract.Recurrence{
			Type:      cmscontract.RecurrenceWeek,
			RepeatsOn: []int{1, 2, 3, 4, 5, 6, 7},
		},
	}

	// Monday 23:00 local.
	monday2300 := mustTime(t, "2006-01-02 15:04", "2026-08-03 23:00") // a Monday
	if !matchesTime(entry, monday2300) {
		t.Error("expected match at Monday 23:00")
	}

	// Tuesday 05:30 local (after midnight, still in window).
	tuesday0530 := mustTime(t, "2006-01-02 15:04", "2026-08-04 05:30")
	if !matchesTime(entry, tuesday0530) {
		t.Error("expected match at Tuesday 05:30")
	}

	// Tuesday noon: out of window.
	tuesdayNoon := mustTime(t, "2006-01-02 15:04", "2026-08-04 12:00")
	if matchesTime(entry, tuesdayNoon) {
		t.Error("expected no match at Tuesday noon")
	}
}

func TestRecurringRangeHardStop(t *testing.T) {
	from := mustTime(t, "15:04", "22:00")
	to := mustTime(t, "15:04", "06:00")
	rangeStop := mustTime(t, "2006-01-02 15:04", "2026-08-02 06:00") // a Sunday

	entry := cmscontract.ScheduleEntry{
		ID:       "overnight",
		Priority: 1,
		From:     &from,
		To:       &to,
		Recurrence: &cmscontract.Recurrence{
			Type:      cmscontract.RecurrenceWeek,
			RepeatsOn: []int{1, 2, 3, 4, 5, 6, 7},
			Range:     &rangeStop,
		},
	}

	beforeRange := mustTime(t, "2006-01-02 15:04", "2026-08-01 23:00")
	if !matchesTime(entry, beforeRange) {
		t.Error("expected match before range hard stop")
	}

	afterRange := mustTime(t, "2006-01-02 15:04", "2026-08-03 23:00")
	if matchesTime(entry, afterRange) {
		t.Error("expected no match after range hard stop")
	}
}

func TestCampaignVsStandalone(t *testing.T) {
	doc := &cmscontract.ScheduleDocument{
		Entries: []cmscontract.ScheduleEntry{
			{Kind: cmscontract.EntryKindCampaign, ID: "C", Priority: 10, Layouts: []string{"A", "B"}},
			{Kind: cmscontract.EntryKindLayout, ID: "D", Priority: 5},
		},
	}

	result := Resolve(doc, Context{Now: time.Now()})

	if got := result.MainLayouts; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("MainLayouts = %v, want [A B]", got)
	}
}

func TestTwoTiedCampaignsConcatenateInScheduleOrder(t *testing.T) {
	doc := &cmscontract.ScheduleDocument{
		Entries: []cmscontract.ScheduleEntry{
			{Kind: cmscontract.EntryKindCampaign, ID: "C1", Priority: 10, Layouts: []string{"A", "B"}},
			{Kind: cmscontract.EntryKindCampaign, ID: "C2", Priority: 10, Layouts: []string{"D"}},
		},
	}

	result := Resolve(doc, Context{Now: time.Now()})

	want := []string{"A", "B", "D"}
	if len(result.MainLayouts) != len(want) {
		t.Fatalf("MainLayouts = %v, want %v", result.MainLayouts, want)
	}
	for i, id := range want {
		if result.MainLayouts[i] != id {
			t.Fatalf("MainLayouts = %v, want %v", result.MainLayouts, want)
		}
	}

	if len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict between C1 and C2, got %v", result.Conflicts)
	}
}

func TestFallsBackToDefaultLayout(t *testing.T) {
	doc := &cmscontract.ScheduleDocument{
		DefaultLayoutID: "default-layout",
	}

	result := Resolve(doc, Context{Now: time.Now()})

	if len(result.MainLayouts) != 1 || result.MainLayouts[0] != "default-layout" {
		t.Fatalf("MainLayouts = %v, want [default-layout]", result.MainLayouts)
	}
}

func TestOverlaysOrderedByPriorityDescending(t *testing.T) {
	doc := &cmscontract.ScheduleDocument{
		Entries: []cmscontract.ScheduleEntry{
			{Kind: cmscontract.EntryKindOverlay, ID: "low", Priority: 1},
			{Kind: cmscontract.EntryKindOverlay, ID: "high", Priority: 9},
		},
	}

	result := Resolve(doc, Context{Now: time.Now()})

	if len(result.Overlays) != 2 || result.Overlays[0] != "high" || result.Overlays[1] != "low" {
		t.Fatalf("Overlays = %v, want [high low]", result.Overlays)
	}
}

func TestGeoFenceExcludesOutsideLocation(t *testing.T) {
	doc := &cmscontract.ScheduleDocument{
		Entries: []cmscontract.ScheduleEntry{
			{
				Kind:     cmscontract.EntryKindLayout,
				ID:       "geo-gated",
				Priority: 1,
				Geo: &cmscontract.GeoFence{
					Center:  &cmscontract.GeoPoint{Lat: 40.0, Lng: -73.0},
					RadiusM: 1000,
				},
			},
		},
		DefaultLayoutID: "fallback",
	}

	farAway := &cmscontract.GeoPoint{Lat: 10.0, Lng: 10.0}
	result := Resolve(doc, Context{Now: time.Now(), Location: farAway})

	if len(result.MainLayouts) != 1 || result.MainLayouts[0] != "fallback" {
		t.Fatalf("MainLayouts = %v, want [fallback] (geo-gated entry should be excluded)", result.MainLayouts)
	}
}

func TestInterruptsApportionAndInterleave(t *testing.T) {
	candidates := []cmscontract.ScheduleEntry{
		{Kind: cmscontract.EntryKindInterrupt, ID: "ad1", Priority: 1, PercentageOfHour: 10},
		{Kind: cmscontract.EntryKindInterrupt, ID: "ad2", Priority: 1, PercentageOfHour: 10},
	}

	slots := planInterrupts(candidates)

	totalMinutes := 0
	for _, s := range slots {
		totalMinutes += s.DurationMin
	}
	if totalMinutes != 12 {
		t.Fatalf("total interrupt minutes = %d, want 12 (6 per entry)", totalMinutes)
	}

	// No slot should be the entire remaining budget clustered together;
	// with two equal entries we expect more than one slot per entry.
	counts := make(map[string]int)
	for _, s := range slots {
		counts[s.EntryID]++
	}
	for id, n := range counts {
		if n < 2 {
			t.Errorf("entry %q got %d contiguous slot(s), want interleaving (>1)", id, n)
		}
	}
}
