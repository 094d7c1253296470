package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"circulate/internal/util"
	"circulate/pkg/availability"
	"circulate/pkg/domain"
)

// MemoryStore keeps circulation state in-process. It mirrors the GormStore's
// transactional semantics under a single mutex, so app and server tests run
// against the same precondition behavior without Postgres.
type MemoryStore struct {
	mu           sync.RWMutex
	books        map[string]domain.Book
	copies       map[string]domain.Copy
	reservations map[string]domain.Reservation
	loans        map[string]domain.Loan // keyed by reservation ID
	fines        []domain.Fine
	events       []Event
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:        make(map[string]domain.Book),
		copies:       make(map[string]domain.Copy),
		reservations: make(map[string]domain.Reservation),
		loans:        make(map[string]domain.Loan),
	}
}

// SaveBook stores or replaces a book record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

// GetBook returns a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// SaveCopy stores or replaces a copy record.
func (m *MemoryStore) SaveCopy(c domain.Copy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies[c.ID] = c
	return nil
}

// GetCopy returns a copy by ID.
func (m *MemoryStore) GetCopy(id string) (domain.Copy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.copies[id]
	return c, ok, nil
}

// ListCopies returns a book's copies ordered by location.
func (m *MemoryStore) ListCopies(bookID string) ([]domain.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copies := make([]domain.Copy, 0)
	for _, c := range m.copies {
		if c.BookID == bookID {
			copies = append(copies, c)
		}
	}
	sort.Slice(copies, func(i, j int) bool {
		if copies[i].Location != copies[j].Location {
			return copies[i].Location < copies[j].Location
		}
		return copies[i].ID < copies[j].ID
	})
	return copies, nil
}

// SetCopyStatus flips a copy between available and maintenance.
func (m *MemoryStore) SetCopyStatus(id string, status domain.CopyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	if !ok {
		return fmt.Errorf("%w: copy %s", ErrNotFound, id)
	}
	if c.Status == domain.CopyLoaned {
		return fmt.Errorf("%w: copy %s is on loan", ErrConflict, id)
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	m.copies[id] = c
	return nil
}

// GetReservation returns a reservation with its loan.
func (m *MemoryStore) GetReservation(id string) (ReservationDetail, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.reservations[id]
	if !ok {
		return ReservationDetail{}, false, nil
	}
	return ReservationDetail{Reservation: res, Loan: m.loans[id]}, true, nil
}

// ListOpenReservations returns pending/active reservations for a book with a
// due date on or after the given day.
func (m *MemoryStore) ListOpenReservations(bookID string, dueOnOrAfter time.Time) ([]ReservationDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := domain.DateOnly(dueOnOrAfter)
	details := make([]ReservationDetail, 0)
	for id, res := range m.reservations {
		if res.BookID != bookID || !isOpen(res.Status) {
			continue
		}
		loan := m.loans[id]
		if loan.DueDate.Before(cutoff) {
			continue
		}
		details = append(details, ReservationDetail{Reservation: res, Loan: loan})
	}
	sortDetails(details)
	return details, nil
}

// ListReservationsByUser returns all of a user's reservations, newest first.
func (m *MemoryStore) ListReservationsByUser(userID string) ([]ReservationDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	details := make([]ReservationDetail, 0)
	for id, res := range m.reservations {
		if res.UserID == userID {
			details = append(details, ReservationDetail{Reservation: res, Loan: m.loans[id]})
		}
	}
	sortDetails(details)
	return details, nil
}

// ListDeliveryQueue returns every pending or active reservation.
func (m *MemoryStore) ListDeliveryQueue() ([]ReservationDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	details := make([]ReservationDetail, 0)
	for id, res := range m.reservations {
		if isOpen(res.Status) {
			details = append(details, ReservationDetail{Reservation: res, Loan: m.loans[id]})
		}
	}
	sortDetails(details)
	return details, nil
}

// ListFinesByUser returns a user's fines, newest first.
func (m *MemoryStore) ListFinesByUser(userID string) ([]domain.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fines := make([]domain.Fine, 0)
	for i := len(m.fines) - 1; i >= 0; i-- {
		if m.fines[i].UserID == userID {
			fines = append(fines, m.fines[i])
		}
	}
	return fines, nil
}

// ListEvents returns a reservation's audit trail in order.
func (m *MemoryStore) ListEvents(reservationID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]Event, 0)
	for _, e := range m.events {
		if e.ReservationID == reservationID {
			events = append(events, e)
		}
	}
	return events, nil
}

// CreateReservation inserts a reservation and loan skeleton after re-running
// the guard against current state.
func (m *MemoryStore) CreateReservation(res domain.Reservation, loan domain.Loan, guard ReservationGuard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.copies {
		if c.BookID == res.BookID && c.Status != domain.CopyMaintenance {
			total++
		}
	}
	windows := make([]availability.Window, 0)
	cutoff := domain.DateOnly(time.Now())
	for id, other := range m.reservations {
		if other.BookID != res.BookID || !isOpen(other.Status) {
			continue
		}
		l := m.loans[id]
		if l.DueDate.Before(cutoff) {
			continue
		}
		windows = append(windows, availability.Window{UserID: other.UserID, Start: l.StartDate, End: l.DueDate})
	}
	if guard != nil {
		if err := guard(total, windows); err != nil {
			return err
		}
	}
	m.reservations[res.ID] = res
	m.loans[res.ID] = loan
	m.appendEventLocked(res.ID, EventReserved, res.UserID, map[string]any{
		"bookId": res.BookID,
		"start":  loan.StartDate.Format("2006-01-02"),
		"due":    loan.DueDate.Format("2006-01-02"),
	})
	return nil
}

// Deliver assigns a copy to a reservation and activates its loan.
func (m *MemoryStore) Deliver(reservationID, copyID, staffID string, now time.Time) (ReservationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return ReservationDetail{}, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
	}
	loan := m.loans[reservationID]
	if res.Status == domain.ReservationReturned {
		return ReservationDetail{}, fmt.Errorf("%w: reservation %s already returned", ErrConflict, reservationID)
	}
	if loan.CopyID != "" {
		return ReservationDetail{}, fmt.Errorf("%w: reservation %s already has copy %s", ErrConflict, reservationID, loan.CopyID)
	}
	c, ok := m.copies[copyID]
	if !ok {
		return ReservationDetail{}, fmt.Errorf("%w: copy %s", ErrNotFound, copyID)
	}
	if c.BookID != res.BookID {
		return ReservationDetail{}, fmt.Errorf("%w: copy %s belongs to another book", ErrConflict, copyID)
	}
	if c.Status != domain.CopyAvailable {
		return ReservationDetail{}, fmt.Errorf("%w: copy %s is %s", ErrConflict, copyID, c.Status)
	}

	start, due := domain.DeliveryWindow(loan, now)
	nowUTC := now.UTC()
	c.Status = domain.CopyLoaned
	c.UpdatedAt = nowUTC
	m.copies[copyID] = c
	loan.CopyID = copyID
	loan.StaffID = staffID
	loan.StartDate = start
	loan.DueDate = due
	loan.UpdatedAt = nowUTC
	m.loans[reservationID] = loan
	res.Status = domain.ReservationActive
	res.UpdatedAt = nowUTC
	m.reservations[reservationID] = res
	m.appendEventLocked(reservationID, EventDelivered, staffID, map[string]any{
		"copyId": copyID,
		"due":    due.Format("2006-01-02"),
	})
	return ReservationDetail{Reservation: res, Loan: loan}, nil
}

// Receive records the return, releases the copy, and persists any fine.
func (m *MemoryStore) Receive(reservationID, staffID string, returnedAt time.Time, fineDailyRateCents int64) (ReservationDetail, *domain.Fine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return ReservationDetail{}, nil, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
	}
	loan := m.loans[reservationID]
	if loan.CopyID == "" {
		return ReservationDetail{}, nil, fmt.Errorf("%w: reservation %s has no assigned copy", ErrConflict, reservationID)
	}
	if res.Status != domain.ReservationActive || loan.ReturnDate != nil {
		return ReservationDetail{}, nil, fmt.Errorf("%w: reservation %s already returned", ErrConflict, reservationID)
	}

	returned := domain.DateOnly(returnedAt)
	nowUTC := time.Now().UTC()
	if c, ok := m.copies[loan.CopyID]; ok {
		c.Status = domain.CopyAvailable
		c.UpdatedAt = nowUTC
		m.copies[loan.CopyID] = c
	}
	loan.ReturnDate = &returned
	loan.UpdatedAt = nowUTC
	m.loans[reservationID] = loan
	res.Status = domain.ReservationReturned
	res.UpdatedAt = nowUTC
	m.reservations[reservationID] = res

	eventDetails := map[string]any{"copyId": loan.CopyID, "returned": returned.Format("2006-01-02")}
	var fine *domain.Fine
	if assessed, ok := domain.AssessFine(loan.DueDate, returned, fineDailyRateCents); ok {
		assessed.ID = util.NewID()
		assessed.UserID = res.UserID
		assessed.LoanID = loan.ID
		assessed.CreatedAt = nowUTC
		m.fines = append(m.fines, assessed)
		fine = &assessed
		eventDetails["fineId"] = assessed.ID
		eventDetails["delayDays"] = assessed.DelayDays
	}
	m.appendEventLocked(reservationID, EventReceived, staffID, eventDetails)
	return ReservationDetail{Reservation: res, Loan: loan}, fine, nil
}

func (m *MemoryStore) appendEventLocked(reservationID string, kind EventKind, actorID string, details map[string]any) {
	m.events = append(m.events, Event{
		ID:            util.NewID(),
		ReservationID: reservationID,
		Kind:          kind,
		ActorID:       actorID,
		Details:       details,
		CreatedAt:     time.Now().UTC(),
	})
}

func isOpen(status domain.ReservationStatus) bool {
	return status == domain.ReservationPending || status == domain.ReservationActive
}

func sortDetails(details []ReservationDetail) {
	sort.Slice(details, func(i, j int) bool {
		if !details[i].Reservation.CreatedAt.Equal(details[j].Reservation.CreatedAt) {
			return details[i].Reservation.CreatedAt.After(details[j].Reservation.CreatedAt)
		}
		return details[i].Reservation.ID < details[j].Reservation.ID
	})
}
