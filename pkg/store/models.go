package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID        string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type CopyModel struct {
	ID        string    `gorm:"primaryKey"`
	BookID    string    `gorm:"not null;index"`
	Location  string    `gorm:"not null"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type ReservationModel struct {
	ID        string    `gorm:"primaryKey"`
	Reference string    `gorm:"uniqueIndex;not null"`
	UserID    string    `gorm:"not null;index"`
	BookID    string    `gorm:"not null;index"`
	Status    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type LoanModel struct {
	ID            string     `gorm:"primaryKey"`
	ReservationID string     `gorm:"uniqueIndex;not null"`
	CopyID        *string    `gorm:"index"`
	StaffID       *string
	StartDate     time.Time  `gorm:"not null"`
	DueDate       time.Time  `gorm:"not null;index"`
	ReturnDate    *time.Time
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time
}

type FineModel struct {
	ID          string    `gorm:"primaryKey"`
	UserID      string    `gorm:"not null;index"`
	LoanID      string    `gorm:"not null;index"`
	AmountCents int64     `gorm:"not null"`
	DelayDays   int       `gorm:"not null"`
	Status      string    `gorm:"not null"`
	Category    string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

type EventModel struct {
	ID            string         `gorm:"primaryKey"`
	ReservationID string         `gorm:"not null;index"`
	Kind          string         `gorm:"not null"`
	ActorID       string         `gorm:"not null"`
	Details       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}
