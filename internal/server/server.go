package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"circulate/internal/app"
	"circulate/internal/identity"
	"circulate/internal/util"
	"circulate/pkg/availability"
	"circulate/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Tokens *identity.Tokens
}

// Server exposes the circulation JSON API.
type Server struct {
	app    *app.App
	tokens *identity.Tokens
	mux    *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:    cfg.App,
		tokens: cfg.Tokens,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("GET /books/{id}/availability", s.withUser(s.handleAvailability))
	s.mux.Handle("POST /availability/batch", s.withUser(s.handleAvailabilityBatch))
	s.mux.Handle("GET /books/{id}/copies", s.withUser(s.handleListCopies))

	s.mux.Handle("POST /reservations", s.withUser(s.handleCreateReservation))
	s.mux.Handle("GET /reservations", s.withUser(s.handleListReservations))
	s.mux.Handle("GET /me/fines", s.withUser(s.handleListFines))

	s.mux.Handle("GET /staff/queue", s.withStaff(s.handleDeliveryQueue))
	s.mux.Handle("POST /reservations/{id}/deliver", s.withStaff(s.handleDeliver))
	s.mux.Handle("POST /reservations/{id}/receive", s.withStaff(s.handleReceive))
	s.mux.Handle("PATCH /copies/{id}/status", s.withStaff(s.handleSetCopyStatus))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, identity.Claims)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r, claims)
	})
}

func (s *Server) withStaff(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if claims.Role != identity.RoleStaff {
			writeError(w, http.StatusForbidden, "staff role required")
			return
		}
		next(w, r, claims)
	})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (identity.Claims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return identity.Claims{}, false
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return identity.Claims{}, false
	}
	return claims, true
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	report, err := s.app.GetUnavailableRanges(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		Ranges:          toRangePayloads(report.Ranges),
		AvailableCopies: report.AvailableCopies,
		TotalCopies:     report.TotalCopies,
	})
}

func (s *Server) handleAvailabilityBatch(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reports, err := s.app.GetAvailabilityBatch(r.Context(), req.BookIDs, claims.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	items := make(map[string]availabilityResponse, len(reports))
	for bookID, report := range reports {
		items[bookID] = availabilityResponse{
			Ranges:          toRangePayloads(report.Ranges),
			AvailableCopies: report.AvailableCopies,
			TotalCopies:     report.TotalCopies,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleListCopies(w http.ResponseWriter, r *http.Request, _ identity.Claims) {
	copies, err := s.app.ListCopies(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": copies, "count": len(copies)})
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req reservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start, err := parseDate(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start date, want YYYY-MM-DD")
		return
	}
	end, err := parseDate(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end date, want YYYY-MM-DD")
		return
	}
	detail, err := s.app.CreateReservation(r.Context(), claims.UserID, req.BookID, start, end)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	views, err := s.app.ListUserReservations(r.Context(), claims.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
}

func (s *Server) handleListFines(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	fines, err := s.app.ListUserFines(r.Context(), claims.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": fines, "count": len(fines)})
}

func (s *Server) handleDeliveryQueue(w http.ResponseWriter, r *http.Request, _ identity.Claims) {
	views, err := s.app.ListDeliveryQueue(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req deliverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	detail, err := s.app.Deliver(r.Context(), claims.UserID, r.PathValue("id"), req.CopyID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req receiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var returnedAt *time.Time
	if strings.TrimSpace(req.ReturnDate) != "" {
		parsed, err := parseDate(req.ReturnDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid return date, want YYYY-MM-DD")
			return
		}
		returnedAt = &parsed
	}
	result, err := s.app.Receive(r.Context(), claims.UserID, r.PathValue("id"), returnedAt)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetCopyStatus(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req copyStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := parseCopyStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := s.app.SetCopyStatus(r.Context(), claims.UserID, r.PathValue("id"), status); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type reservationRequest struct {
	BookID string `json:"bookId"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

type deliverRequest struct {
	CopyID string `json:"copyId"`
}

type receiveRequest struct {
	ReturnDate string `json:"returnDate"`
}

type copyStatusRequest struct {
	Status string `json:"status"`
}

type batchRequest struct {
	BookIDs []string `json:"bookIds"`
}

type rangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type availabilityResponse struct {
	Ranges          []rangePayload `json:"ranges"`
	AvailableCopies int            `json:"availableCopies"`
	TotalCopies     int            `json:"totalCopies"`
}

func toRangePayloads(ranges []availability.DateRange) []rangePayload {
	out := make([]rangePayload, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, rangePayload{
			From: r.From.Format("2006-01-02"),
			To:   r.To.Format("2006-01-02"),
		})
	}
	return out
}

func parseDate(value string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(value), time.UTC)
}

func parseCopyStatus(status string) (domain.CopyStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case string(domain.CopyAvailable):
		return domain.CopyAvailable, true
	case string(domain.CopyMaintenance):
		return domain.CopyMaintenance, true
	default:
		return "", false
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "CIRC_VALIDATION"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "CIRC_NOT_FOUND"
	case http.StatusConflict:
		return "CIRC_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
