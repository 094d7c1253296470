package domain

import "time"

type CopyStatus string

const (
	CopyAvailable   CopyStatus = "available"
	CopyReserved    CopyStatus = "reserved"
	CopyLoaned      CopyStatus = "loaned"
	CopyMaintenance CopyStatus = "maintenance"
)

type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationActive   ReservationStatus = "active"
	ReservationReturned ReservationStatus = "returned"
)

type FineStatus string

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
)

// FineCategory buckets system-generated fines by days overdue.
type FineCategory string

const (
	FineLight    FineCategory = "light"    // up to 7 days
	FineModerate FineCategory = "moderate" // up to 14 days
	FineHeavy    FineCategory = "heavy"    // up to 30 days
	FineCritical FineCategory = "critical" // beyond 30 days
)

// Book is the catalog entity; the circulation core reads it, never mutates it.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Copy is one physical instance of a book. Status is flipped only by the
// circulation transactions (available->loaned on delivery, loaned->available
// on return) and by the staff maintenance toggle.
type Copy struct {
	ID        string     `json:"id"`
	BookID    string     `json:"bookId"`
	Location  string     `json:"location"`
	Status    CopyStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Reservation is a user's claim on a book for a date window, independent of
// which copy fulfils it. Rows are never deleted; terminal states are soft.
type Reservation struct {
	ID        string            `json:"id"`
	Reference string            `json:"reference"`
	UserID    string            `json:"userId"`
	BookID    string            `json:"bookId"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Loan is the operational record paired 1:1 with a reservation. CopyID and
// StaffID stay empty until delivery; ReturnDate stays nil until the copy
// comes back and is immutable afterwards.
type Loan struct {
	ID            string     `json:"id"`
	ReservationID string     `json:"reservationId"`
	CopyID        string     `json:"copyId,omitempty"`
	StaffID       string     `json:"staffId,omitempty"`
	StartDate     time.Time  `json:"startDate"`
	DueDate       time.Time  `json:"dueDate"`
	ReturnDate    *time.Time `json:"returnDate,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Fine is generated at most once per overdue return. Amounts are integer
// cents so the arithmetic stays exact.
type Fine struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	LoanID      string       `json:"loanId"`
	AmountCents int64        `json:"amountCents"`
	DelayDays   int          `json:"delayDays"`
	Status      FineStatus   `json:"status"`
	Category    FineCategory `json:"category"`
	CreatedAt   time.Time    `json:"createdAt"`
}
