// Package schedule implements the pure-function schedule resolver:
// priority evaluation, dayparting, geo/criteria gating, campaign
// expansion, overlays, share-of-voice interrupts and conflict
// detection.
package schedule

import (
	"time"

	"github.com/signagecore/player/internal/cmscontract"
)

// Context is the resolver's wall-clock and display-local inputs. The
// resolver holds no state and issues no I/O: every call is
// a pure function of (document, context).
type Context struct {
	Now      time.Time
	Location *cmscontract.GeoPoint
	Criteria CriteriaEvaluator
}

// CriteriaEvaluator evaluates an entry's opaque criteria predicate.
// A nil evaluator treats every predicate as satisfied.
type CriteriaEvaluator func(expr string) bool

// Conflict records two same-priority main-layer entries whose time
// windows intersect.
type Conflict struct {
	EntryIDA string
	EntryIDB string
}

// InterruptSlot is one minute-resolution slot of the current hour's
// share-of-voice plan.
type InterruptSlot struct {
	EntryID    string
	StartMin   int // minute of the hour, 0..59
	DurationMin int
}

// Result is the resolver's output.
type Result struct {
	MainLayouts []string
	Overlays    []string
	Interrupts  []InterruptSlot
	Conflicts   []Conflict
}

// Resolve evaluates doc against ctx and returns the layouts to play now.
func Resolve(doc *cmscontract.ScheduleDocument, ctx Context) Result {
	surviving := filterSurviving(doc.Entries, ctx)

	var mainCandidates, overlayCandidates, interruptCandidates []cmscontract.ScheduleEntry
	for _, e := range surviving {
		switch e.Kind {
		case cmscontract.EntryKindOverlay:
			overlayCandidates = append(overlayCandidates, e)
		case cmscontract.EntryKindInterrupt:
			interruptCandidates = append(interruptCandidates, e)
		default:
			mainCandidates = append(mainCandidates, e)
		}
	}

	mainLayouts, conflicts := selectMain(mainCandidates, doc.DefaultLayoutID)
	overlays := expandOverlays(overlayCandidates)
	interrupts := planInterrupts(interruptCandidates)

	return Result{
		MainLayouts: mainLayouts,
		Overlays:    overlays,
		Interrupts:  interrupts,
		Conflicts:   conflicts,
	}
}

// filterSurviving applies time filtering (rule 1) and geo/criteria
// gating (rule 2) to every entry.
func filterSurviving(entries []cmscontract.ScheduleEntry, ctx Context) []cmscontract.ScheduleEntry {
	var out []cmscontract.ScheduleEntry
	for _, e := range entries {
		if !matchesTime(e, ctx.Now) {
			continue
		}
		if !matchesGeo(e.Geo, ctx.Location) {
			continue
		}
		if !matchesCriteria(e.Criteria, ctx.Criteria) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesCriteria(expr string, eval CriteriaEvaluator) bool {
	if expr == "" || eval == nil {
		return true
	}
	return eval(expr)
}

// expandCampaign turns a surviving entry into its ordered layout ids
// (rule 3): a campaign's list, or the single layout id for a
// standalone/overlay/interrupt entry.
func expandCampaign(e cmscontract.ScheduleEntry) []string {
	if e.Kind == cmscontract.EntryKindCampaign {
		return e.Layouts
	}
	return []string{e.ID}
}

// selectMain implements rule 4: highest priority wins; ties concatenate
// in schedule order; when nothing matches it falls back to the
// document's single default layout id, with no interleaving.
func selectMain(candidates []cmscontract.ScheduleEntry, defaultLayoutID string) ([]string, []Conflict) {
	conflicts := detectConflicts(candidates)

	if len(candidates) == 0 {
		if defaultLayoutID == "" {
			return nil, conflicts
		}
		return []string{defaultLayoutID}, conflicts
	}

	best := candidates[0].Priority
	for _, c := range candidates {
		if c.Priority > best {
			best = c.Priority
		}
	}

	var layouts []string
	for _, c := range candidates {
		if c.Priority != best {
			continue
		}
		layouts = append(layouts, expandCampaign(c)...)
	}
	return layouts, conflicts
}

func expandOverlays(candidates []cmscontract.ScheduleEntry) []string {
	sorted := append([]cmscontract.ScheduleEntry(nil), candidates...)
	// stable insertion sort by priority descending, preserving schedule
	// order among equal priorities.
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && sorted[j-1].Priority < sorted[j].Priority {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			j--
		}
	}

	var out []string
	for _, e := range sorted {
		out = append(out, e.ID)
	}
	return out
}

// detectConflicts implements rule 7: overlaps at the same priority are
// reported; overlaps at different priorities are resolved by priority,
// not conflicts. Resolve only evaluates a single instant, so two
// candidates both surviving filterSurviving are, by construction,
// simultaneously active right now — any pair sharing a priority is a
// live conflict, not merely a scheduled one.
func detectConflicts(candidates []cmscontract.ScheduleEntry) []Conflict {
	var conflicts []Conflict
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.Priority != b.Priority {
				continue
			}
			conflicts = append(conflicts, Conflict{EntryIDA: a.ID, EntryIDB: b.ID})
		}
	}
	return conflicts
}
