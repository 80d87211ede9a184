package schedule

import (
	"math"
	"sort"

	"github.com/signagecore/player/internal/cmscontract"
)

const minutesPerHour = 60

// planInterrupts implements rule 6 (share-of-voice): each interrupt
// declares a percentage of every hour; the minutes it is owed are
// divided into even slots and interleaved across the hour so no two
// interrupts cluster together. This is the supplemented interleaving
// algorithm (largest-remainder apportionment, then evenly spaced
// placement) resolving the Open Question left by : minute-level
// interleaving is not otherwise specified.
func planInterrupts(candidates []cmscontract.ScheduleEntry) []InterruptSlot {
	if len(candidates) == 0 {
		return nil
	}

	minutes := apportionMinutes(candidates)

	// Even spacing: each interrupt (in priority order, schedule order as
	// tiebreak) places its quota at evenly spaced minutes, offset per
	// entry and moved to the next free minute on a collision, so owed
	// minutes spread across the hour instead of massing at the front.
	order := append([]cmscontract.ScheduleEntry(nil), candidates...)
	sort.SliceStable(order, func(i, j int) bool { return order[i].Priority > order[j].Priority })

	timeline := make([]string, minutesPerHour) // minute -> entry id, "" = main content
	remaining := make(map[string]int, len(order))
	for _, e := range order {
		remaining[e.ID] = minutes[e.ID]
	}

	for i, e := range order {
		quota := remaining[e.ID]
		for k := 0; k < quota; k++ {
			m := (k*minutesPerHour + i*minutesPerHour/len(order)) / quota % minutesPerHour
			for n := 0; n < minutesPerHour && timeline[m] != ""; n++ {
				m = (m + 1) % minutesPerHour
			}
			if timeline[m] == "" {
				timeline[m] = e.ID
				remaining[e.ID]--
			}
		}
	}

	return coalesceSlots(timeline)
}

// apportionMinutes converts each interrupt's PercentageOfHour into a
// whole-minute quota via the largest-remainder method, so quotas sum
// to the rounded total of the requested minutes, and to at most
// minutesPerHour, even when percentages don't divide evenly.
func apportionMinutes(candidates []cmscontract.ScheduleEntry) map[string]int {
	type share struct {
		id    string
		exact float64
		whole int
		frac  float64
	}

	shares := make([]share, len(candidates))
	totalWhole := 0
	totalExact := 0.0
	for i, e := range candidates {
		exact := float64(e.PercentageOfHour) * minutesPerHour / 100.0
		whole := int(exact)
		shares[i] = share{id: e.ID, exact: exact, whole: whole, frac: exact - float64(whole)}
		totalWhole += whole
		totalExact += exact
	}

	budget := minutesPerHour
	if target := int(math.Round(totalExact)); target < budget {
		budget = target
	}
	if totalWhole > budget {
		totalWhole = budget
	}
	remainder := budget - totalWhole
	if remainder < 0 {
		remainder = 0
	}

	sort.SliceStable(shares, func(i, j int) bool { return shares[i].frac > shares[j].frac })
	for i := 0; i < remainder && i < len(shares); i++ {
		shares[i].whole++
	}

	out := make(map[string]int, len(shares))
	for _, s := range shares {
		out[s.id] = s.whole
	}
	return out
}

// coalesceSlots turns a minute-by-minute timeline into contiguous
// InterruptSlot runs.
func coalesceSlots(timeline []string) []InterruptSlot {
	var out []InterruptSlot
	i := 0
	for i < len(timeline) {
		id := timeline[i]
		if id == "" {
			i++
			continue
		}
		start := i
		for i < len(timeline) && timeline[i] == id {
			i++
		}
		out = append(out, InterruptSlot{EntryID: id, StartMin: start, DurationMin: i - start})
	}
	return out
}
