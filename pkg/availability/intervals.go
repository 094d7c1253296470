// Package availability computes the calendar-day ranges during which a book
// cannot be newly reserved. The builder is pure and side-effect free; it is
// safe to call concurrently and repeatedly.
package availability

import (
	"errors"
	"sort"
	"time"

	"circulate/pkg/domain"
)

// ErrNoCopies distinguishes a book with no circulating copies from one that
// is merely fully booked.
var ErrNoCopies = errors.New("book has no circulating copies")

// Window is one committed loan window, inclusive on both ends.
type Window struct {
	UserID string
	Start  time.Time
	End    time.Time
}

// DateRange is a closed range of calendar days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Report is what availability queries return to callers. AvailableCopies is
// the current physical count; it is informational and does not gate
// future-date reservations.
type Report struct {
	Ranges          []DateRange `json:"ranges"`
	AvailableCopies int         `json:"availableCopies"`
	TotalCopies     int         `json:"totalCopies"`
}

// UnavailableRanges expands every committed window into per-day counts and
// merges the days on which all copies are simultaneously committed, or which
// the requesting user already holds, into ordered disjoint closed ranges.
// requestingUserID may be empty to skip the self-overlap block.
func UnavailableRanges(totalCopies int, windows []Window, requestingUserID string) ([]DateRange, error) {
	if totalCopies <= 0 {
		return nil, ErrNoCopies
	}

	counts := make(map[int]int)
	self := make(map[int]bool)
	for _, w := range windows {
		from := domain.EpochDay(w.Start)
		to := domain.EpochDay(w.End)
		for day := from; day <= to; day++ {
			counts[day]++
			if requestingUserID != "" && w.UserID == requestingUserID {
				self[day] = true
			}
		}
	}

	days := make([]int, 0, len(counts))
	for day, n := range counts {
		if n >= totalCopies || self[day] {
			days = append(days, day)
		}
	}
	if len(days) == 0 {
		return []DateRange{}, nil
	}
	sort.Ints(days)

	ranges := make([]DateRange, 0, 1)
	from, to := days[0], days[0]
	for _, day := range days[1:] {
		if day == to+1 {
			to = day
			continue
		}
		ranges = append(ranges, dayRange(from, to))
		from, to = day, day
	}
	ranges = append(ranges, dayRange(from, to))
	return ranges, nil
}

// Overlaps reports whether the inclusive [start, end] window intersects any
// of the given ranges.
func Overlaps(ranges []DateRange, start, end time.Time) bool {
	s := domain.EpochDay(start)
	e := domain.EpochDay(end)
	for _, r := range ranges {
		if s <= domain.EpochDay(r.To) && e >= domain.EpochDay(r.From) {
			return true
		}
	}
	return false
}

func dayRange(from, to int) DateRange {
	return DateRange{
		From: time.Unix(int64(from)*86400, 0).UTC(),
		To:   time.Unix(int64(to)*86400, 0).UTC(),
	}
}
