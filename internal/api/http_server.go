package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"rentflow/internal/config"
	"rentflow/internal/domain"
	"rentflow/internal/metrics"
	"rentflow/internal/service"

	"github.com/rs/zerolog"
)

// Services bundles what the HTTP API drives.
type Services struct {
	Bookings   *service.BookingService
	Holds      *service.HoldService
	Payments   *service.PaymentService
	Balance    *service.BalanceService
	Completion *service.CompletionService
}

// HTTPServer exposes the booking, hold, payment and completion operations over JSON.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	auth   *HTTPAuth
	server *http.Server
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, svc: svc, logger: logger}
	srv.auth = NewHTTPAuth(&srv.cfg)

	mux := http.NewServeMux()
	srv.routes(mux)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           loggingMiddleware(logger, srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.handle(mux, "GET /api/v1/equipment", permReadBookings, s.handleListEquipment)
	s.handle(mux, "GET /api/v1/availability", permReadBookings, s.handleAvailability)
	s.handle(mux, "POST /api/v1/quotes", permReadBookings, s.handleQuote)

	s.handle(mux, "POST /api/v1/bookings", permWriteBookings, s.handleCreateBooking)
	s.handle(mux, "GET /api/v1/bookings/{id}", permReadBookings, s.handleGetBooking)
	s.handle(mux, "GET /api/v1/booking-numbers/{number}", permReadBookings, s.handleGetBookingByNumber)
	s.handle(mux, "POST /api/v1/bookings/{id}/cancel", permWriteBookings, s.handleCancelBooking)
	s.handle(mux, "POST /api/v1/bookings/{id}/dispute", permAdmin, s.handleMarkDisputed)
	s.handle(mux, "POST /api/v1/bookings/{id}/revert-paid", permAdmin, s.handleRevertPaid)

	s.handle(mux, "GET /api/v1/bookings/{id}/holds", permReadBookings, s.handleListHolds)
	s.handle(mux, "POST /api/v1/bookings/{id}/holds/verification", permWriteBookings, s.handlePlaceVerificationHold)
	s.handle(mux, "POST /api/v1/bookings/{id}/holds/security", permAdmin, s.handlePlaceSecurityHold)
	s.handle(mux, "POST /api/v1/bookings/{id}/holds/security/release", permAdmin, s.handleReleaseSecurityHold)
	s.handle(mux, "POST /api/v1/bookings/{id}/holds/security/capture", permAdmin, s.handleCaptureSecurityHold)

	s.handle(mux, "GET /api/v1/bookings/{id}/payments", permReadBookings, s.handleListPayments)
	s.handle(mux, "POST /api/v1/bookings/{id}/payments", permWritePayments, s.handleRecordPayment)
	s.handle(mux, "POST /api/v1/payments/{id}/complete", permWritePayments, s.handleCompletePayment)
	s.handle(mux, "POST /api/v1/payments/{id}/reverse", permAdmin, s.handleReversePayment)
	s.handle(mux, "POST /api/v1/bookings/{id}/balance/recalculate", permWritePayments, s.handleRecalculateBalance)

	s.handle(mux, "GET /api/v1/bookings/{id}/completion", permReadBookings, s.handleGetCompletion)
	s.handle(mux, "POST /api/v1/bookings/{id}/completion/evaluate", permWriteBookings, s.handleEvaluateCompletion)
	s.handle(mux, "POST /api/v1/bookings/{id}/contract/sign", permWriteBookings, s.handleSignContract)
	s.handle(mux, "PUT /api/v1/bookings/{id}/insurance", permAdmin, s.handleSetInsurance)
	s.handle(mux, "PUT /api/v1/bookings/{id}/verification", permAdmin, s.handleSetVerification)
	s.handle(mux, "PUT /api/v1/bookings/{id}/verification/override", permAdmin, s.handleSetVerificationOverride)

	s.handle(mux, "POST /api/v1/admin/holds/process-due", permAdmin, s.handleProcessDueHolds)
	s.handle(mux, "POST /api/v1/admin/holds/reconcile", permAdmin, s.handleReconcileHolds)
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern, perm string, h http.HandlerFunc) {
	guarded := s.auth.Require(perm, h)
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		guarded(w, r)
	})
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleListEquipment(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"equipment": s.svc.Bookings.ListEquipment()})
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := domain.FieldErrors{}
	equipmentID, err := strconv.ParseInt(q.Get("equipment_id"), 10, 64)
	if err != nil || equipmentID <= 0 {
		fields.Add("equipment_id", "must be a positive integer")
	}
	start, err := time.Parse(time.RFC3339, q.Get("start_at"))
	if err != nil {
		fields.Add("start_at", "must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, q.Get("end_at"))
	if err != nil {
		fields.Add("end_at", "must be an RFC 3339 timestamp")
	}
	if err := fields.Err(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	avail, err := s.svc.Bookings.CheckAvailability(r.Context(), equipmentID, start, end)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req service.CreateBookingRequest
	if !s.decode(w, r, &req) {
		return
	}
	quote, err := s.svc.Bookings.Quote(req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req service.CreateBookingRequest
	if !s.decode(w, r, &req) {
		return
	}
	booking, err := s.svc.Bookings.CreateBooking(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Bookings.GetBooking(r.Context(), id))
}

func (s *HTTPServer) handleGetBookingByNumber(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.svc.Bookings.GetBookingByNumber(r.Context(), r.PathValue("number")))
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type cancelBody struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if !s.decode(w, r, &body) {
		return
	}

	actor := service.ActorCustomer
	switch body.Actor {
	case "", string(service.ActorCustomer):
	case string(service.ActorAdmin):
		if !s.auth.allowed(r, permAdmin) {
			writeError(w, http.StatusForbidden, errPermissionDenied.Error())
			return
		}
		actor = service.ActorAdmin
	default:
		s.writeDomainError(w, r, domain.Validation("actor", "must be customer or admin"))
		return
	}

	s.respond(w, r)(s.svc.Bookings.CancelBooking(r.Context(), id, actor, body.Reason))
}

func (s *HTTPServer) handleMarkDisputed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Bookings.MarkDisputed(r.Context(), id, body.Reason))
}

func (s *HTTPServer) handleRevertPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Bookings.RevertPaid(r.Context(), id, body.Reason))
}

func (s *HTTPServer) handleListHolds(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rows, err := s.svc.Bookings.ListHoldTransactions(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": rows})
}

func (s *HTTPServer) handlePlaceVerificationHold(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		PaymentMethodID string `json:"payment_method_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Holds.PlaceVerificationHold(r.Context(), id, body.PaymentMethodID))
}

func (s *HTTPServer) handlePlaceSecurityHold(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Holds.PlaceSecurityHoldNow(r.Context(), id))
}

func (s *HTTPServer) handleReleaseSecurityHold(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Holds.ReleaseSecurityHold(r.Context(), id, body.Reason))
}

func (s *HTTPServer) handleCaptureSecurityHold(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		AmountCents int64  `json:"amount_cents"`
		Reason      string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Holds.CaptureSecurityHold(r.Context(), id, body.AmountCents, body.Reason))
}

func (s *HTTPServer) handleListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	payments, err := s.svc.Payments.ListPayments(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *HTTPServer) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req service.RecordPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.BookingID = id
	payment, err := s.svc.Payments.RecordPayment(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *HTTPServer) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Metadata map[string]any `json:"metadata"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Payments.RecordPaymentCompleted(r.Context(), id, body.Metadata))
}

func (s *HTTPServer) handleReversePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Payments.ReversePayment(r.Context(), id, body.Reason))
}

func (s *HTTPServer) handleRecalculateBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Balance.RecalculateBalance(r.Context(), id))
}

func (s *HTTPServer) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Completion.GetCompletionStatus(r.Context(), id))
}

func (s *HTTPServer) handleEvaluateCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Completion.EvaluateCompletion(r.Context(), id))
}

func (s *HTTPServer) handleSignContract(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respond(w, r)(s.svc.Completion.SignContract(r.Context(), id))
}

func (s *HTTPServer) handleSetInsurance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Completion.SetInsuranceStatus(r.Context(), id, body.Status))
}

func (s *HTTPServer) handleSetVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Verdict string `json:"verdict"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Completion.RecordVerificationVerdict(r.Context(), id, body.Verdict))
}

func (s *HTTPServer) handleSetVerificationOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Override bool `json:"override"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r)(s.svc.Completion.SetVerificationOverride(r.Context(), id, body.Override))
}

func (s *HTTPServer) handleProcessDueHolds(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.svc.Holds.ProcessDueSecurityHolds(r.Context()))
}

func (s *HTTPServer) handleReconcileHolds(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.svc.Holds.ReconcileHolds(r.Context()))
}

// respond writes v as 200 or maps err.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request) func(v any, err error) {
	return func(v any, err error) {
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *HTTPServer) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeDomainError(w, r, domain.Validation("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

var kindStatus = map[domain.Kind]int{
	domain.KindValidation:         http.StatusBadRequest,
	domain.KindConflict:           http.StatusConflict,
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindGateway:            http.StatusBadGateway,
	domain.KindGatewayUnavailable: http.StatusServiceUnavailable,
	domain.KindReconciliation:     http.StatusAccepted,
	domain.KindInvariant:          http.StatusInternalServerError,
	domain.KindInternal:           http.StatusInternalServerError,
}

type errorBody struct {
	Error        string            `json:"error"`
	Kind         domain.Kind       `json:"kind"`
	Code         string            `json:"code,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Conflicts    any               `json:"conflicts,omitempty"`
	Alternatives any               `json:"alternatives,omitempty"`
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: domain.KindInternal})
		return
	}

	status, ok := kindStatus[de.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{Error: de.Message, Kind: de.Kind, Code: de.Code, Fields: de.Fields}
	if len(de.Conflicts) > 0 {
		body.Conflicts = de.Conflicts
	}
	if len(de.Alternatives) > 0 {
		body.Alternatives = de.Alternatives
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if de.Kind == domain.KindInternal {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
