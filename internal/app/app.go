// Package app implements the reservation-to-loan lifecycle engine: it
// validates reservation requests against computed availability, and drives
// delivery and return through the store's atomic circulation transactions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"circulate/internal/util"
	"circulate/pkg/availability"
	"circulate/pkg/domain"
	"circulate/pkg/store"
)

const batchConcurrency = 4

// Config holds runtime configuration for the circulation service.
type Config struct {
	Store              store.Store
	Cache              *availability.Cache
	FineDailyRateCents int64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// App is the circulation service wiring store, availability, and policy.
type App struct {
	store store.Store
	cache *availability.Cache
	rate  int64
	now   func() time.Time
}

// New constructs the service. The cache is optional.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.FineDailyRateCents <= 0 {
		return nil, errors.New("fine daily rate must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store: cfg.Store,
		cache: cfg.Cache,
		rate:  cfg.FineDailyRateCents,
		now:   now,
	}, nil
}

// ReservationView decorates a reservation with the computed overdue flag.
// Overdue is never a stored status.
type ReservationView struct {
	Reservation domain.Reservation `json:"reservation"`
	Loan        domain.Loan        `json:"loan"`
	Overdue     bool               `json:"overdue"`
}

// GetUnavailableRanges reports the date ranges for which the book cannot be
// newly reserved, alongside current physical availability.
func (a *App) GetUnavailableRanges(ctx context.Context, bookID, requestingUserID string) (availability.Report, error) {
	if strings.TrimSpace(bookID) == "" {
		return availability.Report{}, fmt.Errorf("%w: book id required", ErrValidation)
	}
	if a.cache != nil {
		if report, ok := a.cache.Get(ctx, bookID, requestingUserID); ok {
			return report, nil
		}
	}
	report, err := a.buildReport(bookID, requestingUserID)
	if err != nil {
		return availability.Report{}, err
	}
	if a.cache != nil {
		a.cache.Put(ctx, bookID, requestingUserID, report)
	}
	return report, nil
}

// GetAvailabilityBatch computes reports for several books concurrently.
func (a *App) GetAvailabilityBatch(ctx context.Context, bookIDs []string, requestingUserID string) (map[string]availability.Report, error) {
	if len(bookIDs) == 0 {
		return map[string]availability.Report{}, nil
	}
	reports := make([]availability.Report, len(bookIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, bookID := range bookIDs {
		g.Go(func() error {
			report, err := a.GetUnavailableRanges(ctx, bookID, requestingUserID)
			if err != nil {
				return fmt.Errorf("book %s: %w", bookID, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]availability.Report, len(bookIDs))
	for i, bookID := range bookIDs {
		out[bookID] = reports[i]
	}
	return out, nil
}

func (a *App) buildReport(bookID, requestingUserID string) (availability.Report, error) {
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return availability.Report{}, fmt.Errorf("%w: %v", ErrTransaction, err)
	} else if !ok {
		return availability.Report{}, fmt.Errorf("%w: book %s", ErrNotFound, bookID)
	}
	copies, err := a.store.ListCopies(bookID)
	if err != nil {
		return availability.Report{}, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	total, availableNow := countCopies(copies)
	open, err := a.store.ListOpenReservations(bookID, a.now())
	if err != nil {
		return availability.Report{}, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	ranges, err := availability.UnavailableRanges(total, windowsOf(open), requestingUserID)
	if err != nil {
		if errors.Is(err, availability.ErrNoCopies) {
			return availability.Report{}, fmt.Errorf("%w: book %s has no circulating copies", ErrConflict, bookID)
		}
		return availability.Report{}, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return availability.Report{
		Ranges:          ranges,
		AvailableCopies: availableNow,
		TotalCopies:     total,
	}, nil
}

// CreateReservation validates the requested window and inserts the
// reservation with its loan skeleton. The availability check runs twice: once
// here for a fast rejection, and again inside the insert transaction under
// copy-row locks, so a racing overlapping request cannot slip between check
// and insert.
func (a *App) CreateReservation(ctx context.Context, userID, bookID string, start, end time.Time) (store.ReservationDetail, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(bookID) == "" {
		return store.ReservationDetail{}, fmt.Errorf("%w: user id and book id required", ErrValidation)
	}
	start = domain.DateOnly(start)
	end = domain.DateOnly(end)
	days := domain.RangeDays(start, end)
	if days == 0 {
		return store.ReservationDetail{}, fmt.Errorf("%w: end date precedes start date", ErrValidation)
	}
	if days > domain.MaxReservationDays {
		return store.ReservationDetail{}, fmt.Errorf("%w: window of %d days exceeds the %d-day booking cap", ErrValidation, days, domain.MaxReservationDays)
	}
	today := domain.DateOnly(a.now())
	if start.Before(today) {
		return store.ReservationDetail{}, fmt.Errorf("%w: start date is in the past", ErrValidation)
	}

	report, err := a.GetUnavailableRanges(ctx, bookID, userID)
	if err != nil {
		return store.ReservationDetail{}, err
	}
	if availability.Overlaps(report.Ranges, start, end) {
		return store.ReservationDetail{}, fmt.Errorf("%w: book %s is unavailable in the requested range", ErrConflict, bookID)
	}

	nowUTC := a.now()
	res := domain.Reservation{
		ID:        util.NewID(),
		Reference: util.NewReference(),
		UserID:    userID,
		BookID:    bookID,
		Status:    domain.ReservationPending,
		CreatedAt: nowUTC,
		UpdatedAt: nowUTC,
	}
	loan := domain.Loan{
		ID:            util.NewID(),
		ReservationID: res.ID,
		StartDate:     start,
		DueDate:       end,
		CreatedAt:     nowUTC,
		UpdatedAt:     nowUTC,
	}
	guard := func(totalCopies int, windows []availability.Window) error {
		ranges, err := availability.UnavailableRanges(totalCopies, windows, userID)
		if err != nil {
			return fmt.Errorf("%w: book %s has no circulating copies", store.ErrConflict, bookID)
		}
		if availability.Overlaps(ranges, start, end) {
			return fmt.Errorf("%w: book %s is unavailable in the requested range", store.ErrConflict, bookID)
		}
		return nil
	}
	if err := a.store.CreateReservation(res, loan, guard); err != nil {
		return store.ReservationDetail{}, a.classify(err)
	}
	a.invalidate(ctx, bookID)
	slog.Info("reservation created",
		"reservation_id", res.ID,
		"reference", res.Reference,
		"book_id", bookID,
		"user_id", userID,
		"start", start.Format("2006-01-02"),
		"due", end.Format("2006-01-02"),
	)
	return store.ReservationDetail{Reservation: res, Loan: loan}, nil
}

// Deliver assigns an available copy to a reservation on behalf of staff.
func (a *App) Deliver(ctx context.Context, staffID, reservationID, copyID string) (store.ReservationDetail, error) {
	if strings.TrimSpace(staffID) == "" || strings.TrimSpace(reservationID) == "" || strings.TrimSpace(copyID) == "" {
		return store.ReservationDetail{}, fmt.Errorf("%w: staff, reservation, and copy ids required", ErrValidation)
	}
	detail, err := a.store.Deliver(reservationID, copyID, staffID, a.now())
	if err != nil {
		return store.ReservationDetail{}, a.classify(err)
	}
	a.invalidate(ctx, detail.Reservation.BookID)
	slog.Info("reservation delivered",
		"reservation_id", reservationID,
		"copy_id", copyID,
		"staff_id", staffID,
		"due", detail.Loan.DueDate.Format("2006-01-02"),
	)
	return detail, nil
}

// ReceiveResult is the outcome of a return: the closed reservation and the
// fine, when the return was overdue.
type ReceiveResult struct {
	Detail store.ReservationDetail `json:"detail"`
	Fine   *domain.Fine            `json:"fine,omitempty"`
}

// Receive records the physical return of a reservation's copy. returnedAt is
// optional; nil means now.
func (a *App) Receive(ctx context.Context, staffID, reservationID string, returnedAt *time.Time) (ReceiveResult, error) {
	if strings.TrimSpace(staffID) == "" || strings.TrimSpace(reservationID) == "" {
		return ReceiveResult{}, fmt.Errorf("%w: staff and reservation ids required", ErrValidation)
	}
	at := a.now()
	if returnedAt != nil {
		at = *returnedAt
	}
	detail, fine, err := a.store.Receive(reservationID, staffID, at, a.rate)
	if err != nil {
		return ReceiveResult{}, a.classify(err)
	}
	a.invalidate(ctx, detail.Reservation.BookID)
	attrs := []any{
		"reservation_id", reservationID,
		"staff_id", staffID,
	}
	if fine != nil {
		attrs = append(attrs, "fine_id", fine.ID, "delay_days", fine.DelayDays, "amount_cents", fine.AmountCents)
	}
	slog.Info("reservation received", attrs...)
	return ReceiveResult{Detail: detail, Fine: fine}, nil
}

// ListCopies exposes the copy inventory for a book.
func (a *App) ListCopies(ctx context.Context, bookID string) ([]domain.Copy, error) {
	if strings.TrimSpace(bookID) == "" {
		return nil, fmt.Errorf("%w: book id required", ErrValidation)
	}
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransaction, err)
	} else if !ok {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, bookID)
	}
	copies, err := a.store.ListCopies(bookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return copies, nil
}

// SetCopyStatus pulls a copy from circulation or returns it to service. Only
// the available<->maintenance toggle goes through here; loaned status is
// owned by the circulation transactions.
func (a *App) SetCopyStatus(ctx context.Context, staffID, copyID string, status domain.CopyStatus) error {
	if strings.TrimSpace(staffID) == "" || strings.TrimSpace(copyID) == "" {
		return fmt.Errorf("%w: staff and copy ids required", ErrValidation)
	}
	if status != domain.CopyAvailable && status != domain.CopyMaintenance {
		return fmt.Errorf("%w: status must be available or maintenance", ErrValidation)
	}
	c, ok, err := a.store.GetCopy(copyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	if !ok {
		return fmt.Errorf("%w: copy %s", ErrNotFound, copyID)
	}
	if err := a.store.SetCopyStatus(copyID, status); err != nil {
		return a.classify(err)
	}
	a.invalidate(ctx, c.BookID)
	slog.Info("copy status changed", "copy_id", copyID, "status", string(status), "staff_id", staffID)
	return nil
}

// ListUserReservations returns a user's reservations with overdue flags.
func (a *App) ListUserReservations(ctx context.Context, userID string) ([]ReservationView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	details, err := a.store.ListReservationsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return a.decorate(details), nil
}

// ListDeliveryQueue returns every open reservation for the staff desk, with
// overdue flags computed at read time.
func (a *App) ListDeliveryQueue(ctx context.Context) ([]ReservationView, error) {
	details, err := a.store.ListDeliveryQueue()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return a.decorate(details), nil
}

// ListUserFines returns a user's fines.
func (a *App) ListUserFines(ctx context.Context, userID string) ([]domain.Fine, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	fines, err := a.store.ListFinesByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return fines, nil
}

func (a *App) decorate(details []store.ReservationDetail) []ReservationView {
	asOf := a.now()
	views := make([]ReservationView, 0, len(details))
	for _, d := range details {
		views = append(views, ReservationView{
			Reservation: d.Reservation,
			Loan:        d.Loan,
			Overdue:     d.Reservation.Status == domain.ReservationActive && domain.Overdue(d.Loan, asOf),
		})
	}
	return views
}

func (a *App) invalidate(ctx context.Context, bookID string) {
	if a.cache != nil {
		a.cache.Invalidate(ctx, bookID)
	}
}

// classify maps store failures onto the service error taxonomy.
func (a *App) classify(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, trimSentinel(err, store.ErrNotFound))
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, trimSentinel(err, store.ErrConflict))
	default:
		return fmt.Errorf("%w: %v", ErrTransaction, err)
	}
}

func trimSentinel(err, sentinel error) string {
	return strings.TrimPrefix(strings.TrimPrefix(err.Error(), sentinel.Error()), ": ")
}

func countCopies(copies []domain.Copy) (total, availableNow int) {
	for _, c := range copies {
		if c.Status == domain.CopyMaintenance {
			continue
		}
		total++
		if c.Status == domain.CopyAvailable {
			availableNow++
		}
	}
	return total, availableNow
}

func windowsOf(details []store.ReservationDetail) []availability.Window {
	windows := make([]availability.Window, 0, len(details))
	for _, d := range details {
		windows = append(windows, availability.Window{
			UserID: d.Reservation.UserID,
			Start:  d.Loan.StartDate,
			End:    d.Loan.DueDate,
		})
	}
	return windows
}
