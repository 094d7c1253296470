package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"circulate/internal/app"
	"circulate/internal/identity"
	"circulate/pkg/domain"
	"circulate/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type env struct {
	server *Server
	store  *store.MemoryStore
	tokens *identity.Tokens
	now    *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := &env{store: store.NewMemoryStore(), now: &now}
	application, err := app.New(app.Config{
		Store:              e.store,
		FineDailyRateCents: 50,
		Now:                func() time.Time { return *e.now },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := identity.New(testSecret, "test", time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	e.tokens = tokens
	srv, err := New(Config{App: application, Tokens: tokens})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	e.server = srv
	e.seed(t)
	return e
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	if err := e.store.SaveBook(domain.Book{ID: "b1", Title: "The Go Programming Language"}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if err := e.store.SaveCopy(domain.Copy{ID: id, BookID: "b1", Location: "A-1", Status: domain.CopyAvailable}); err != nil {
			t.Fatalf("seed copy: %v", err)
		}
	}
}

func (e *env) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *env) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := e.tokens.Sign(userID, role)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequiresAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/books/b1/availability", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp map[string]string
	decodeInto(t, rec, &resp)
	if resp["code"] != "AUTH_INVALID_TOKEN" {
		t.Fatalf("unexpected code %q", resp["code"])
	}
}

func TestStaffRoutesRejectMembers(t *testing.T) {
	e := newEnv(t)
	member := e.token(t, "u1", identity.RoleMember)
	rec := e.request(t, http.MethodGet, "/staff/queue", member, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	member := e.token(t, "u1", identity.RoleMember)
	staff := e.token(t, "s1", identity.RoleStaff)

	// Reserve days 10-14.
	rec := e.request(t, http.MethodPost, "/reservations", member, map[string]string{
		"bookId": "b1", "start": "2025-06-10", "end": "2025-06-14",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Reservation domain.Reservation `json:"reservation"`
	}
	decodeInto(t, rec, &created)
	resID := created.Reservation.ID
	if resID == "" {
		t.Fatalf("missing reservation id: %s", rec.Body.String())
	}

	// Availability now shows the range for a third party.
	other := e.token(t, "u2", identity.RoleMember)
	rec = e.request(t, http.MethodGet, "/books/b1/availability", other, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("availability failed: %d", rec.Code)
	}
	var avail struct {
		Ranges      []map[string]string `json:"ranges"`
		TotalCopies int                 `json:"totalCopies"`
	}
	decodeInto(t, rec, &avail)
	if avail.TotalCopies != 2 {
		t.Fatalf("expected 2 copies, got %d", avail.TotalCopies)
	}
	// 2 copies, 1 reservation: no fully-booked days yet.
	if len(avail.Ranges) != 0 {
		t.Fatalf("expected no blocked ranges, got %v", avail.Ranges)
	}

	// Deliver as staff.
	rec = e.request(t, http.MethodPost, fmt.Sprintf("/reservations/%s/deliver", resID), staff, map[string]string{"copyId": "c1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver failed: %d %s", rec.Code, rec.Body.String())
	}

	// Member cannot deliver.
	rec = e.request(t, http.MethodPost, fmt.Sprintf("/reservations/%s/deliver", resID), member, map[string]string{"copyId": "c2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member delivery should be forbidden, got %d", rec.Code)
	}

	// Receive late on the 20th: 6 days past due day 14.
	rec = e.request(t, http.MethodPost, fmt.Sprintf("/reservations/%s/receive", resID), staff, map[string]string{"returnDate": "2025-06-20"})
	if rec.Code != http.StatusOK {
		t.Fatalf("receive failed: %d %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Fine *domain.Fine `json:"fine"`
	}
	decodeInto(t, rec, &result)
	if result.Fine == nil {
		t.Fatalf("expected fine in response: %s", rec.Body.String())
	}
	if result.Fine.DelayDays != 6 || result.Fine.AmountCents != 300 {
		t.Fatalf("unexpected fine: %+v", result.Fine)
	}

	// The member sees the fine.
	rec = e.request(t, http.MethodGet, "/me/fines", member, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fines failed: %d", rec.Code)
	}
	var fines struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &fines)
	if fines.Count != 1 {
		t.Fatalf("expected 1 fine, got %d", fines.Count)
	}
}

func TestConflictMapsTo409(t *testing.T) {
	e := newEnv(t)
	a := e.token(t, "ua", identity.RoleMember)
	b := e.token(t, "ub", identity.RoleMember)

	// Put one copy in maintenance so a single copy remains.
	staff := e.token(t, "s1", identity.RoleStaff)
	rec := e.request(t, http.MethodPatch, "/copies/c2/status", staff, map[string]string{"status": "maintenance"})
	if rec.Code != http.StatusOK {
		t.Fatalf("maintenance toggle failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = e.request(t, http.MethodPost, "/reservations", a, map[string]string{
		"bookId": "b1", "start": "2025-06-10", "end": "2025-06-12",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = e.request(t, http.MethodPost, "/reservations", b, map[string]string{
		"bookId": "b1", "start": "2025-06-11", "end": "2025-06-13",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeInto(t, rec, &resp)
	if resp["code"] != "CIRC_CONFLICT" {
		t.Fatalf("unexpected code %q", resp["code"])
	}
}

func TestValidationMapsTo400(t *testing.T) {
	e := newEnv(t)
	member := e.token(t, "u1", identity.RoleMember)
	rec := e.request(t, http.MethodPost, "/reservations", member, map[string]string{
		"bookId": "b1", "start": "2025-06-10", "end": "2025-06-30",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for over-long window, got %d", rec.Code)
	}
	rec = e.request(t, http.MethodPost, "/reservations", member, map[string]string{
		"bookId": "b1", "start": "someday", "end": "2025-06-30",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestNotFoundMapsTo404(t *testing.T) {
	e := newEnv(t)
	staff := e.token(t, "s1", identity.RoleStaff)
	rec := e.request(t, http.MethodPost, "/reservations/missing/deliver", staff, map[string]string{"copyId": "c1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestBatchAvailability(t *testing.T) {
	e := newEnv(t)
	member := e.token(t, "u1", identity.RoleMember)
	rec := e.request(t, http.MethodPost, "/availability/batch", member, map[string]any{"bookIds": []string{"b1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &resp)
	if resp.Count != 1 {
		t.Fatalf("expected 1 report, got %d", resp.Count)
	}
}
