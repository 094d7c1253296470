package app

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"circulate/pkg/availability"
	"circulate/pkg/domain"
	"circulate/pkg/store"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	app   *App
	store *store.MemoryStore
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), now: date(2025, 6, 1)}
	app, err := New(Config{
		Store:              f.store,
		FineDailyRateCents: 50,
		Now:                func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = app
	return f
}

func (f *fixture) seedBook(t *testing.T, bookID string, copies int) {
	t.Helper()
	if err := f.store.SaveBook(domain.Book{ID: bookID, Title: "Book " + bookID, CreatedAt: f.now, UpdatedAt: f.now}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	for i := 0; i < copies; i++ {
		c := domain.Copy{
			ID:        bookID + "-c" + string(rune('1'+i)),
			BookID:    bookID,
			Location:  "shelf-a",
			Status:    domain.CopyAvailable,
			CreatedAt: f.now,
			UpdatedAt: f.now,
		}
		if err := f.store.SaveCopy(c); err != nil {
			t.Fatalf("seed copy: %v", err)
		}
	}
}

func TestGetUnavailableRangesUnknownBook(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.GetUnavailableRanges(context.Background(), "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUnavailableRangesZeroCopies(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 0)
	if _, err := f.app.GetUnavailableRanges(context.Background(), "b1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("zero-copy book should be a distinct error, got %v", err)
	}
}

func TestCreateReservationValidation(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	if _, err := f.app.CreateReservation(ctx, "", "b1", date(2025, 6, 2), date(2025, 6, 3)); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing user id should be validation error, got %v", err)
	}
	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 2), date(2025, 6, 10)); !errors.Is(err, ErrValidation) {
		t.Fatalf("9-day window should exceed the cap, got %v", err)
	}
	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 5), date(2025, 6, 4)); !errors.Is(err, ErrValidation) {
		t.Fatalf("inverted range should be validation error, got %v", err)
	}
	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 5, 20), date(2025, 5, 22)); !errors.Is(err, ErrValidation) {
		t.Fatalf("past start should be validation error, got %v", err)
	}
}

func TestCreateReservationAndRanges(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 10), date(2025, 6, 12))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if detail.Reservation.Status != domain.ReservationPending {
		t.Fatalf("new reservation should be pending, got %q", detail.Reservation.Status)
	}
	if detail.Reservation.Reference == "" {
		t.Fatalf("expected reference code")
	}
	if detail.Loan.CopyID != "" || detail.Loan.ReturnDate != nil {
		t.Fatalf("loan skeleton should have no copy or return date: %+v", detail.Loan)
	}

	report, err := f.app.GetUnavailableRanges(ctx, "b1", "")
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	want := []availability.DateRange{{From: date(2025, 6, 10), To: date(2025, 6, 12)}}
	if !reflect.DeepEqual(report.Ranges, want) {
		t.Fatalf("got %v, want %v", report.Ranges, want)
	}
	if report.TotalCopies != 1 || report.AvailableCopies != 1 {
		t.Fatalf("unexpected copy counts: %+v", report)
	}
}

func TestOverlapRejectedBoundaryAccepted(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	// User A holds days 10-12.
	if _, err := f.app.CreateReservation(ctx, "ua", "b1", date(2025, 6, 10), date(2025, 6, 12)); err != nil {
		t.Fatalf("create A: %v", err)
	}
	// User B overlapping 11-13 must fail.
	if _, err := f.app.CreateReservation(ctx, "ub", "b1", date(2025, 6, 11), date(2025, 6, 13)); !errors.Is(err, ErrConflict) {
		t.Fatalf("overlap should conflict, got %v", err)
	}
	// User B on 13-15 succeeds: day 12 vs 13 is non-overlapping.
	if _, err := f.app.CreateReservation(ctx, "ub", "b1", date(2025, 6, 13), date(2025, 6, 15)); err != nil {
		t.Fatalf("boundary-adjacent range should succeed: %v", err)
	}
}

func TestSelfOverlapRejectedWithFreeCopies(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 3)
	ctx := context.Background()

	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 10), date(2025, 6, 12)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 11), date(2025, 6, 11)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second simultaneous reservation of same book should conflict, got %v", err)
	}
	// Another user still fits.
	if _, err := f.app.CreateReservation(ctx, "u2", "b1", date(2025, 6, 11), date(2025, 6, 11)); err != nil {
		t.Fatalf("other user should fit on a free copy: %v", err)
	}
}

func TestDeliverAndDoubleDeliver(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 2)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resID := detail.Reservation.ID

	delivered, err := f.app.Deliver(ctx, "staff-1", resID, "b1-c1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Reservation.Status != domain.ReservationActive {
		t.Fatalf("delivered reservation should be active, got %q", delivered.Reservation.Status)
	}
	if delivered.Loan.CopyID != "b1-c1" || delivered.Loan.StaffID != "staff-1" {
		t.Fatalf("loan should carry copy and staff: %+v", delivered.Loan)
	}
	// Pre-booked window is preserved, not reset to 14 days.
	if !delivered.Loan.StartDate.Equal(date(2025, 6, 1)) || !delivered.Loan.DueDate.Equal(date(2025, 6, 5)) {
		t.Fatalf("booked window must be preserved: %+v", delivered.Loan)
	}
	c, _, _ := f.store.GetCopy("b1-c1")
	if c.Status != domain.CopyLoaned {
		t.Fatalf("copy should be loaned, got %q", c.Status)
	}

	// Second delivery must conflict and change nothing.
	if _, err := f.app.Deliver(ctx, "staff-2", resID, "b1-c2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("double deliver should conflict, got %v", err)
	}
	after, _, _ := f.store.GetReservation(resID)
	if after.Loan.CopyID != "b1-c1" {
		t.Fatalf("failed delivery must not change the loan: %+v", after.Loan)
	}
	c2, _, _ := f.store.GetCopy("b1-c2")
	if c2.Status != domain.CopyAvailable {
		t.Fatalf("untouched copy should stay available, got %q", c2.Status)
	}
}

func TestDeliverRejections(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	f.seedBook(t, "b2", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", "missing", "b1-c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown reservation should be not found, got %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown copy should be not found, got %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b2-c1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("copy of another book should conflict, got %v", err)
	}
}

func TestReceiveOnTime(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	f.now = date(2025, 6, 5)
	result, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if result.Fine != nil {
		t.Fatalf("on-time return must not be fined: %+v", result.Fine)
	}
	if result.Detail.Reservation.Status != domain.ReservationReturned {
		t.Fatalf("reservation should be returned, got %q", result.Detail.Reservation.Status)
	}
	if result.Detail.Loan.ReturnDate == nil {
		t.Fatalf("loan should carry a return date")
	}
	c, _, _ := f.store.GetCopy("b1-c1")
	if c.Status != domain.CopyAvailable {
		t.Fatalf("copy should be available again, got %q", c.Status)
	}
}

func TestReceiveOverdueCreatesFine(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	// Due day 14 of the month, received day 20: 6 days late, light category.
	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 8), date(2025, 6, 14))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	f.now = date(2025, 6, 20)
	result, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if result.Fine == nil {
		t.Fatalf("overdue return should be fined")
	}
	if result.Fine.DelayDays != 6 {
		t.Fatalf("expected 6 delay days, got %d", result.Fine.DelayDays)
	}
	if result.Fine.AmountCents != 6*50 {
		t.Fatalf("expected 300 cents, got %d", result.Fine.AmountCents)
	}
	if result.Fine.Category != domain.FineLight {
		t.Fatalf("6-day delay should be light, got %q", result.Fine.Category)
	}

	fines, err := f.app.ListUserFines(ctx, "u1")
	if err != nil {
		t.Fatalf("list fines: %v", err)
	}
	if len(fines) != 1 || fines[0].ID != result.Fine.ID {
		t.Fatalf("fine should be persisted once for the user: %+v", fines)
	}
}

func TestReceiveWithoutCopyFails(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("receive without assigned copy should conflict, got %v", err)
	}
	fines, _ := f.app.ListUserFines(ctx, "u1")
	if len(fines) != 0 {
		t.Fatalf("no fine must be created: %+v", fines)
	}
}

func TestDoubleReceiveFails(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("second receive should conflict, got %v", err)
	}
}

func TestReturnedWindowFreesAvailability(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	report, err := f.app.GetUnavailableRanges(ctx, "b1", "")
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	if len(report.Ranges) != 0 {
		t.Fatalf("returned reservation must not block future dates: %v", report.Ranges)
	}
}

func TestDeliveryQueueOverdueFlag(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	f.now = date(2025, 6, 4)
	queue, err := f.app.ListDeliveryQueue(ctx)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || queue[0].Overdue {
		t.Fatalf("loan is not overdue before its due date: %+v", queue)
	}

	f.now = date(2025, 6, 8)
	queue, err = f.app.ListDeliveryQueue(ctx)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || !queue[0].Overdue {
		t.Fatalf("loan past due should be flagged overdue: %+v", queue)
	}
	// The stored status is untouched; overdue is view-only.
	if queue[0].Reservation.Status != domain.ReservationActive {
		t.Fatalf("stored status must stay active, got %q", queue[0].Reservation.Status)
	}
}

func TestSetCopyStatusMaintenance(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 2)
	ctx := context.Background()

	if err := f.app.SetCopyStatus(ctx, "staff-1", "b1-c2", domain.CopyMaintenance); err != nil {
		t.Fatalf("set maintenance: %v", err)
	}
	report, err := f.app.GetUnavailableRanges(ctx, "b1", "")
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	if report.TotalCopies != 1 {
		t.Fatalf("maintenance copy must not count toward C, got %d", report.TotalCopies)
	}
	if err := f.app.SetCopyStatus(ctx, "staff-1", "b1-c2", domain.CopyReserved); !errors.Is(err, ErrValidation) {
		t.Fatalf("only available/maintenance may be set, got %v", err)
	}
}

func TestGetAvailabilityBatch(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	f.seedBook(t, "b2", 2)
	ctx := context.Background()

	if _, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 10), date(2025, 6, 11)); err != nil {
		t.Fatalf("create: %v", err)
	}
	reports, err := f.app.GetAvailabilityBatch(ctx, []string{"b1", "b2"}, "")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if len(reports["b1"].Ranges) != 1 || len(reports["b2"].Ranges) != 0 {
		t.Fatalf("unexpected reports: %+v", reports)
	}

	if _, err := f.app.GetAvailabilityBatch(ctx, []string{"b1", "missing"}, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batch with unknown book should fail, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, "b1", 1)
	ctx := context.Background()

	detail, err := f.app.CreateReservation(ctx, "u1", "b1", date(2025, 6, 1), date(2025, 6, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Deliver(ctx, "staff-1", detail.Reservation.ID, "b1-c1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.app.Receive(ctx, "staff-1", detail.Reservation.ID, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	events, err := f.store.ListEvents(detail.Reservation.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	kinds := []store.EventKind{events[0].Kind, events[1].Kind, events[2].Kind}
	want := []store.EventKind{store.EventReserved, store.EventDelivered, store.EventReceived}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
}
