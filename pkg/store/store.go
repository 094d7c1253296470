package store

import (
	"errors"
	"time"

	"circulate/pkg/availability"
	"circulate/pkg/domain"
)

var (
	// ErrNotFound indicates a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a precondition failed; the transaction was rolled
	// back and no partial state was written.
	ErrConflict = errors.New("conflict")
)

// ReservationDetail pairs a reservation with its loan record.
type ReservationDetail struct {
	Reservation domain.Reservation `json:"reservation"`
	Loan        domain.Loan        `json:"loan"`
}

// ReservationGuard re-validates copy sufficiency inside the transaction that
// inserts a reservation. It receives the circulating copy count and every
// open loan window for the book, read under lock, and returns a non-nil
// error to abort the insert.
type ReservationGuard func(totalCopies int, windows []availability.Window) error

// EventKind labels circulation audit events.
type EventKind string

const (
	EventReserved  EventKind = "reserved"
	EventDelivered EventKind = "delivered"
	EventReceived  EventKind = "received"
)

// Event is an audit record appended inside each committed circulation
// transaction.
type Event struct {
	ID            string         `json:"id"`
	ReservationID string         `json:"reservationId"`
	Kind          EventKind      `json:"kind"`
	ActorID       string         `json:"actorId"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Store defines persistence for the circulation core. Deliver, Receive and
// CreateReservation are the transaction coordinator: each runs as a single
// atomic unit, re-checking preconditions against current rows, and either
// applies all writes or none.
type Store interface {
	// catalog
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	SaveCopy(domain.Copy) error
	GetCopy(id string) (domain.Copy, bool, error)
	ListCopies(bookID string) ([]domain.Copy, error)
	SetCopyStatus(id string, status domain.CopyStatus) error

	// reservations
	GetReservation(id string) (ReservationDetail, bool, error)
	ListOpenReservations(bookID string, dueOnOrAfter time.Time) ([]ReservationDetail, error)
	ListReservationsByUser(userID string) ([]ReservationDetail, error)
	ListDeliveryQueue() ([]ReservationDetail, error)

	// fines
	ListFinesByUser(userID string) ([]domain.Fine, error)

	// audit
	ListEvents(reservationID string) ([]Event, error)

	// circulation transactions
	CreateReservation(res domain.Reservation, loan domain.Loan, guard ReservationGuard) error
	Deliver(reservationID, copyID, staffID string, now time.Time) (ReservationDetail, error)
	Receive(reservationID, staffID string, returnedAt time.Time, fineDailyRateCents int64) (ReservationDetail, *domain.Fine, error)
}
