package domain

import "time"

const (
	// MaxReservationDays caps self-service booking windows (inclusive days).
	MaxReservationDays = 7
	// DeskLoanDays is the window stamped at delivery for loans that were not
	// pre-booked with a self-service window.
	DeskLoanDays = 14
)

// DateOnly normalizes t to UTC midnight. All circulation date math works on
// whole calendar days.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EpochDay returns the number of whole days since the Unix epoch for t's
// calendar day. Stable across year boundaries.
func EpochDay(t time.Time) int {
	return int(DateOnly(t).Unix() / 86400)
}

// RangeDays returns the inclusive length of [start, end] in days, or 0 when
// end precedes start.
func RangeDays(start, end time.Time) int {
	d := EpochDay(end) - EpochDay(start) + 1
	if d < 0 {
		return 0
	}
	return d
}

// Overdue reports whether the loan is past due as of the given moment without
// having been returned. This is the single overdue predicate; callers must
// not re-derive it from raw dates.
func Overdue(l Loan, asOf time.Time) bool {
	if l.ReturnDate != nil {
		return false
	}
	if l.DueDate.IsZero() {
		return false
	}
	return EpochDay(asOf) > EpochDay(l.DueDate)
}

// DelayDays returns how many whole days returned falls past due, never
// negative. Same-day returns are not late.
func DelayDays(due, returned time.Time) int {
	d := EpochDay(returned) - EpochDay(due)
	if d < 0 {
		return 0
	}
	return d
}

// CategoryFor maps days overdue onto a severity category. Only valid for
// delay > 0; manually entered fines are categorized elsewhere and must not
// use this mapping.
func CategoryFor(delayDays int) FineCategory {
	switch {
	case delayDays <= 7:
		return FineLight
	case delayDays <= 14:
		return FineModerate
	case delayDays <= 30:
		return FineHeavy
	default:
		return FineCritical
	}
}

// AssessFine computes the fine for a return, if any. The boolean is false
// when the return is on time and no fine is owed. IDs and timestamps are left
// for the caller to fill in.
func AssessFine(due, returned time.Time, dailyRateCents int64) (Fine, bool) {
	delay := DelayDays(due, returned)
	if delay == 0 {
		return Fine{}, false
	}
	return Fine{
		AmountCents: int64(delay) * dailyRateCents,
		DelayDays:   delay,
		Status:      FinePending,
		Category:    CategoryFor(delay),
	}, true
}

// DeliveryWindow resolves the loan window to apply at delivery time. A loan
// created through self-service booking already carries its reserved window
// and keeps it; a loan with no window yet gets a fresh desk window starting
// at the delivery moment.
func DeliveryWindow(l Loan, now time.Time) (start, due time.Time) {
	if !l.StartDate.IsZero() && !l.DueDate.IsZero() {
		return l.StartDate, l.DueDate
	}
	start = DateOnly(now)
	return start, start.AddDate(0, 0, DeskLoanDays)
}
