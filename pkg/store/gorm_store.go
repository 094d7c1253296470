package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"circulate/internal/util"
	"circulate/pkg/availability"
	"circulate/pkg/domain"
)

const migrateLockID int64 = 41704170

// GormStore implements Store using GORM + Postgres. Circulation transactions
// run with row locks on the affected copy rows so concurrent deliveries and
// overlapping reservation inserts serialize at the storage layer.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &CopyModel{}, &ReservationModel{}, &LoanModel{}, &FineModel{}, &EventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a catalog book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SaveCopy stores or updates a physical copy.
func (s *GormStore) SaveCopy(c domain.Copy) error {
	model := copyToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"book_id", "location", "status", "updated_at"}),
	}).Create(&model).Error
}

// GetCopy retrieves a copy.
func (s *GormStore) GetCopy(id string) (domain.Copy, bool, error) {
	var model CopyModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Copy{}, false, nil
		}
		return domain.Copy{}, false, err
	}
	return copyFromModel(model), true, nil
}

// ListCopies returns a book's copies ordered by location.
func (s *GormStore) ListCopies(bookID string) ([]domain.Copy, error) {
	var models []CopyModel
	if err := s.db.Where("book_id = ?", bookID).Order("location ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	copies := make([]domain.Copy, 0, len(models))
	for _, m := range models {
		copies = append(copies, copyFromModel(m))
	}
	return copies, nil
}

// SetCopyStatus flips a copy between available and maintenance. Loaned copies
// are owned by an open loan and cannot be toggled here.
func (s *GormStore) SetCopyStatus(id string, status domain.CopyStatus) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model CopyModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("%w: copy %s", ErrNotFound, id)
			}
			return err
		}
		if model.Status == string(domain.CopyLoaned) {
			return fmt.Errorf("%w: copy %s is on loan", ErrConflict, id)
		}
		return tx.Model(&CopyModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

// GetReservation returns a reservation with its loan.
func (s *GormStore) GetReservation(id string) (ReservationDetail, bool, error) {
	var resModel ReservationModel
	if err := s.db.First(&resModel, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ReservationDetail{}, false, nil
		}
		return ReservationDetail{}, false, err
	}
	var loanModel LoanModel
	if err := s.db.First(&loanModel, "reservation_id = ?", id).Error; err != nil {
		return ReservationDetail{}, false, err
	}
	return ReservationDetail{
		Reservation: reservationFromModel(resModel),
		Loan:        loanFromModel(loanModel),
	}, true, nil
}

// ListOpenReservations returns pending/active reservations for a book whose
// loan due date is on or after the given day. This is the input set of the
// interval builder.
func (s *GormStore) ListOpenReservations(bookID string, dueOnOrAfter time.Time) ([]ReservationDetail, error) {
	return s.listDetails(
		"reservation_models.book_id = ? AND reservation_models.status IN ? AND loan_models.due_date >= ?",
		bookID, openStatuses(), domain.DateOnly(dueOnOrAfter),
	)
}

// ListReservationsByUser returns all of a user's reservations, newest first.
func (s *GormStore) ListReservationsByUser(userID string) ([]ReservationDetail, error) {
	return s.listDetails("reservation_models.user_id = ?", userID)
}

// ListDeliveryQueue returns every pending or active reservation for staff.
func (s *GormStore) ListDeliveryQueue() ([]ReservationDetail, error) {
	return s.listDetails("reservation_models.status IN ?", openStatuses())
}

func (s *GormStore) listDetails(cond string, args ...any) ([]ReservationDetail, error) {
	type row struct {
		ReservationModel
		Loan LoanModel `gorm:"embedded;embeddedPrefix:loan_"`
	}
	var rows []row
	if err := s.db.Model(&ReservationModel{}).
		Select("reservation_models.*, "+
			"loan_models.id AS loan_id, loan_models.reservation_id AS loan_reservation_id, "+
			"loan_models.copy_id AS loan_copy_id, loan_models.staff_id AS loan_staff_id, "+
			"loan_models.start_date AS loan_start_date, loan_models.due_date AS loan_due_date, "+
			"loan_models.return_date AS loan_return_date, "+
			"loan_models.created_at AS loan_created_at, loan_models.updated_at AS loan_updated_at").
		Joins("JOIN loan_models ON loan_models.reservation_id = reservation_models.id").
		Where(cond, args...).
		Order("reservation_models.created_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	details := make([]ReservationDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, ReservationDetail{
			Reservation: reservationFromModel(r.ReservationModel),
			Loan:        loanFromModel(r.Loan),
		})
	}
	return details, nil
}

// ListFinesByUser returns a user's fines, newest first.
func (s *GormStore) ListFinesByUser(userID string) ([]domain.Fine, error) {
	var models []FineModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	fines := make([]domain.Fine, 0, len(models))
	for _, m := range models {
		fines = append(fines, fineFromModel(m))
	}
	return fines, nil
}

// ListEvents returns a reservation's audit trail in order.
func (s *GormStore) ListEvents(reservationID string) ([]Event, error) {
	var models []EventModel
	if err := s.db.Where("reservation_id = ?", reservationID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(models))
	for _, m := range models {
		events = append(events, eventFromModel(m))
	}
	return events, nil
}

// CreateReservation inserts a reservation and its loan skeleton atomically.
// The book's copy rows are locked first and the guard re-runs the
// availability check against the committed windows read under that lock, so
// a racing overlapping reservation serializes behind this transaction and
// fails its own guard.
func (s *GormStore) CreateReservation(res domain.Reservation, loan domain.Loan, guard ReservationGuard) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var copies []CopyModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("book_id = ? AND status <> ?", res.BookID, string(domain.CopyMaintenance)).
			Find(&copies).Error; err != nil {
			return err
		}
		windows, err := openWindowsTx(tx, res.BookID, domain.DateOnly(time.Now()))
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(len(copies), windows); err != nil {
				return err
			}
		}
		resModel := reservationToModel(res)
		if err := tx.Create(&resModel).Error; err != nil {
			return err
		}
		loanModel := loanToModel(loan)
		if err := tx.Create(&loanModel).Error; err != nil {
			return err
		}
		return appendEventTx(tx, res.ID, EventReserved, res.UserID, map[string]any{
			"bookId": res.BookID,
			"start":  loan.StartDate.Format("2006-01-02"),
			"due":    loan.DueDate.Format("2006-01-02"),
		})
	})
}

// Deliver assigns a copy to a reservation and activates its loan.
func (s *GormStore) Deliver(reservationID, copyID, staffID string, now time.Time) (ReservationDetail, error) {
	var detail ReservationDetail
	err := s.db.Transaction(func(tx *gorm.DB) error {
		resModel, loanModel, err := loadReservationTx(tx, reservationID)
		if err != nil {
			return err
		}
		if resModel.Status == string(domain.ReservationReturned) {
			return fmt.Errorf("%w: reservation %s already returned", ErrConflict, reservationID)
		}
		if loanModel.CopyID != nil {
			return fmt.Errorf("%w: reservation %s already has copy %s", ErrConflict, reservationID, *loanModel.CopyID)
		}

		var copyModel CopyModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&copyModel, "id = ?", copyID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("%w: copy %s", ErrNotFound, copyID)
			}
			return err
		}
		if copyModel.BookID != resModel.BookID {
			return fmt.Errorf("%w: copy %s belongs to another book", ErrConflict, copyID)
		}
		if copyModel.Status != string(domain.CopyAvailable) {
			return fmt.Errorf("%w: copy %s is %s", ErrConflict, copyID, copyModel.Status)
		}

		start, due := domain.DeliveryWindow(loanFromModel(loanModel), now)
		nowUTC := now.UTC()
		if err := tx.Model(&CopyModel{}).Where("id = ?", copyID).Updates(map[string]any{
			"status":     string(domain.CopyLoaned),
			"updated_at": nowUTC,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&LoanModel{}).Where("id = ?", loanModel.ID).Updates(map[string]any{
			"copy_id":    copyID,
			"staff_id":   staffID,
			"start_date": start,
			"due_date":   due,
			"updated_at": nowUTC,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&ReservationModel{}).Where("id = ?", reservationID).Updates(map[string]any{
			"status":     string(domain.ReservationActive),
			"updated_at": nowUTC,
		}).Error; err != nil {
			return err
		}
		if err := appendEventTx(tx, reservationID, EventDelivered, staffID, map[string]any{
			"copyId": copyID,
			"due":    due.Format("2006-01-02"),
		}); err != nil {
			return err
		}

		resModel.Status = string(domain.ReservationActive)
		resModel.UpdatedAt = nowUTC
		loanModel.CopyID = &copyID
		loanModel.StaffID = &staffID
		loanModel.StartDate = start
		loanModel.DueDate = due
		loanModel.UpdatedAt = nowUTC
		detail = ReservationDetail{
			Reservation: reservationFromModel(resModel),
			Loan:        loanFromModel(loanModel),
		}
		return nil
	})
	if err != nil {
		return ReservationDetail{}, err
	}
	return detail, nil
}

// Receive records the physical return, releases the copy, and persists the
// fine when the return is overdue.
func (s *GormStore) Receive(reservationID, staffID string, returnedAt time.Time, fineDailyRateCents int64) (ReservationDetail, *domain.Fine, error) {
	var (
		detail ReservationDetail
		fine   *domain.Fine
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		resModel, loanModel, err := loadReservationTx(tx, reservationID)
		if err != nil {
			return err
		}
		if loanModel.CopyID == nil {
			return fmt.Errorf("%w: reservation %s has no assigned copy", ErrConflict, reservationID)
		}
		if resModel.Status != string(domain.ReservationActive) || loanModel.ReturnDate != nil {
			return fmt.Errorf("%w: reservation %s already returned", ErrConflict, reservationID)
		}

		copyID := *loanModel.CopyID
		var copyModel CopyModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&copyModel, "id = ?", copyID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("%w: copy %s", ErrNotFound, copyID)
			}
			return err
		}

		returned := domain.DateOnly(returnedAt)
		nowUTC := time.Now().UTC()
		if err := tx.Model(&CopyModel{}).Where("id = ?", copyID).Updates(map[string]any{
			"status":     string(domain.CopyAvailable),
			"updated_at": nowUTC,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&LoanModel{}).Where("id = ?", loanModel.ID).Updates(map[string]any{
			"return_date": returned,
			"updated_at":  nowUTC,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&ReservationModel{}).Where("id = ?", reservationID).Updates(map[string]any{
			"status":     string(domain.ReservationReturned),
			"updated_at": nowUTC,
		}).Error; err != nil {
			return err
		}

		eventDetails := map[string]any{"copyId": copyID, "returned": returned.Format("2006-01-02")}
		if assessed, ok := domain.AssessFine(loanModel.DueDate, returned, fineDailyRateCents); ok {
			assessed.ID = util.NewID()
			assessed.UserID = resModel.UserID
			assessed.LoanID = loanModel.ID
			assessed.CreatedAt = nowUTC
			fineModel := fineToModel(assessed)
			if err := tx.Create(&fineModel).Error; err != nil {
				return err
			}
			fine = &assessed
			eventDetails["fineId"] = assessed.ID
			eventDetails["delayDays"] = assessed.DelayDays
		}
		if err := appendEventTx(tx, reservationID, EventReceived, staffID, eventDetails); err != nil {
			return err
		}

		resModel.Status = string(domain.ReservationReturned)
		resModel.UpdatedAt = nowUTC
		loanModel.ReturnDate = &returned
		loanModel.UpdatedAt = nowUTC
		detail = ReservationDetail{
			Reservation: reservationFromModel(resModel),
			Loan:        loanFromModel(loanModel),
		}
		return nil
	})
	if err != nil {
		return ReservationDetail{}, nil, err
	}
	return detail, fine, nil
}

func loadReservationTx(tx *gorm.DB, reservationID string) (ReservationModel, LoanModel, error) {
	var resModel ReservationModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&resModel, "id = ?", reservationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ReservationModel{}, LoanModel{}, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
		}
		return ReservationModel{}, LoanModel{}, err
	}
	var loanModel LoanModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loanModel, "reservation_id = ?", reservationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ReservationModel{}, LoanModel{}, fmt.Errorf("%w: loan for reservation %s", ErrNotFound, reservationID)
		}
		return ReservationModel{}, LoanModel{}, err
	}
	return resModel, loanModel, nil
}

func openWindowsTx(tx *gorm.DB, bookID string, dueOnOrAfter time.Time) ([]availability.Window, error) {
	type row struct {
		UserID    string
		StartDate time.Time
		DueDate   time.Time
	}
	var rows []row
	if err := tx.Model(&ReservationModel{}).
		Select("reservation_models.user_id, loan_models.start_date, loan_models.due_date").
		Joins("JOIN loan_models ON loan_models.reservation_id = reservation_models.id").
		Where("reservation_models.book_id = ? AND reservation_models.status IN ? AND loan_models.due_date >= ?",
			bookID, openStatuses(), dueOnOrAfter).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	windows := make([]availability.Window, 0, len(rows))
	for _, r := range rows {
		windows = append(windows, availability.Window{UserID: r.UserID, Start: r.StartDate, End: r.DueDate})
	}
	return windows, nil
}

func appendEventTx(tx *gorm.DB, reservationID string, kind EventKind, actorID string, details map[string]any) error {
	raw, _ := json.Marshal(details)
	model := EventModel{
		ID:            util.NewID(),
		ReservationID: reservationID,
		Kind:          string(kind),
		ActorID:       actorID,
		Details:       raw,
		CreatedAt:     time.Now().UTC(),
	}
	return tx.Create(&model).Error
}

func openStatuses() []string {
	return []string{string(domain.ReservationPending), string(domain.ReservationActive)}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{ID: b.ID, Title: b.Title, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{ID: m.ID, Title: m.Title, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func copyToModel(c domain.Copy) CopyModel {
	return CopyModel{
		ID:        c.ID,
		BookID:    c.BookID,
		Location:  c.Location,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func copyFromModel(m CopyModel) domain.Copy {
	return domain.Copy{
		ID:        m.ID,
		BookID:    m.BookID,
		Location:  m.Location,
		Status:    domain.CopyStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func reservationToModel(r domain.Reservation) ReservationModel {
	return ReservationModel{
		ID:        r.ID,
		Reference: r.Reference,
		UserID:    r.UserID,
		BookID:    r.BookID,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func reservationFromModel(m ReservationModel) domain.Reservation {
	return domain.Reservation{
		ID:        m.ID,
		Reference: m.Reference,
		UserID:    m.UserID,
		BookID:    m.BookID,
		Status:    domain.ReservationStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	var copyID, staffID *string
	if l.CopyID != "" {
		value := l.CopyID
		copyID = &value
	}
	if l.StaffID != "" {
		value := l.StaffID
		staffID = &value
	}
	return LoanModel{
		ID:            l.ID,
		ReservationID: l.ReservationID,
		CopyID:        copyID,
		StaffID:       staffID,
		StartDate:     l.StartDate,
		DueDate:       l.DueDate,
		ReturnDate:    l.ReturnDate,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	copyID := ""
	if m.CopyID != nil {
		copyID = *m.CopyID
	}
	staffID := ""
	if m.StaffID != nil {
		staffID = *m.StaffID
	}
	return domain.Loan{
		ID:            m.ID,
		ReservationID: m.ReservationID,
		CopyID:        copyID,
		StaffID:       staffID,
		StartDate:     m.StartDate,
		DueDate:       m.DueDate,
		ReturnDate:    m.ReturnDate,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func fineToModel(f domain.Fine) FineModel {
	return FineModel{
		ID:          f.ID,
		UserID:      f.UserID,
		LoanID:      f.LoanID,
		AmountCents: f.AmountCents,
		DelayDays:   f.DelayDays,
		Status:      string(f.Status),
		Category:    string(f.Category),
		CreatedAt:   f.CreatedAt,
	}
}

func fineFromModel(m FineModel) domain.Fine {
	return domain.Fine{
		ID:          m.ID,
		UserID:      m.UserID,
		LoanID:      m.LoanID,
		AmountCents: m.AmountCents,
		DelayDays:   m.DelayDays,
		Status:      domain.FineStatus(m.Status),
		Category:    domain.FineCategory(m.Category),
		CreatedAt:   m.CreatedAt,
	}
}

func eventFromModel(m EventModel) Event {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return Event{
		ID:            m.ID,
		ReservationID: m.ReservationID,
		Kind:          EventKind(m.Kind),
		ActorID:       m.ActorID,
		Details:       details,
		CreatedAt:     m.CreatedAt,
	}
}
