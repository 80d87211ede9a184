package schedule

import (
	"math"
	"time"

	"github.com/signagecore/player/internal/cmscontract"
)

// matchesTime implements rule 1: absolute interval for non-recurring
// entries; day-of-week + time-of-day (with midnight wrap) plus an
// optional hard-stop range for recurring entries.
func matchesTime(e cmscontract.ScheduleEntry, now time.Time) bool {
	if e.Recurrence == nil {
		return matchesAbsoluteWindow(e.From, e.To, now)
	}
	return matchesRecurrence(e, now)
}

func matchesAbsoluteWindow(from, to *time.Time, now time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if to != nil && now.After(*to) {
		return false
	}
	return true
}

func matchesRecurrence(e cmscontract.ScheduleEntry, now time.Time) bool {
	rec := e.Recurrence

	if !isoWeekdayIn(now, rec.RepeatsOn) {
		return false
	}

	if e.From != nil && e.To != nil {
		if !timeOfDayInWindow(now, *e.From, *e.To) {
			return false
		}
	}

	if rec.Range != nil && now.After(*rec.Range) {
		return false
	}

	return true
}

// isoWeekdayIn reports whether now's ISO weekday (1=Monday..7=Sunday)
// is in repeatsOn.
func isoWeekdayIn(now time.Time, repeatsOn []int) bool {
	wd := int(now.Weekday())
	if wd == 0 {
		wd = 7 // time.Sunday == 0; ISO wants 7
	}
	for _, d := range repeatsOn {
		if d == wd {
			return true
		}
	}
	return false
}

// timeOfDayInWindow checks whether now's local time-of-day falls in
// the (start, end) window derived from from/to's time components. A
// window where end < start crosses midnight.
func timeOfDayInWindow(now, from, to time.Time) bool {
	nowTOD := timeOfDaySeconds(now)
	startTOD := timeOfDaySeconds(from)
	endTOD := timeOfDaySeconds(to)

	if endTOD < startTOD {
		// crosses midnight: in-window iff now >= start OR now <= end
		return nowTOD >= startTOD || nowTOD <= endTOD
	}
	return nowTOD >= startTOD && nowTOD <= endTOD
}

func timeOfDaySeconds(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// matchesGeo implements the geo-fence half of rule 2: a nil fence
// always matches; otherwise the current location must fall inside the
// declared polygon or point+radius circle.
func matchesGeo(fence *cmscontract.GeoFence, loc *cmscontract.GeoPoint) bool {
	if fence == nil {
		return true
	}
	if loc == nil {
		return false
	}

	if len(fence.Polygon) >= 3 {
		return pointInPolygon(*loc, fence.Polygon)
	}
	if fence.Center != nil && fence.RadiusM > 0 {
		return haversineMeters(*loc, *fence.Center) <= fence.RadiusM
	}
	return true
}

// pointInPolygon is the standard ray-casting test.
func pointInPolygon(p cmscontract.GeoPoint, poly []cmscontract.GeoPoint) bool {
	inside := false
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := poly[i], poly[j]
		intersects := (pi.Lat > p.Lat) != (pj.Lat > p.Lat) &&
			p.Lng < (pj.Lng-pi.Lng)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lng
		if intersects {
			inside = !inside
		}
	}
	return inside
}

const earthRadiusM = 6371000.0

func haversineMeters(a, b cmscontract.GeoPoint) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)

	sinDLat := math.Sin(dLat / 2)
	sinDLng := math.Sin(dLng / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLng*sinDLng
	c := 2 * math.Asin(math.Sqrt(h))
	return earthRadiusM * c
}
