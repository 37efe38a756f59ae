package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"rentflow/internal/config"
	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/gateway"
	"rentflow/internal/lock"
	"rentflow/internal/models"
	"rentflow/internal/pricing"
	"rentflow/internal/service"
	"rentflow/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	ts *httptest.Server
	gw *gateway.Fake
	db *database.DB
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	gw := gateway.NewFake()

	completion := service.NewCompletionService(db, db, bus, &logger)
	balance := service.NewBalanceService(db, completion, bus, &logger)
	holds := service.NewHoldService(db, gw, lock.NewMemoryLocker(), completion, bus, service.HoldConfig{
		VerificationAmountCents: 100,
		SecurityLead:            48 * time.Hour,
		CallTimeout:             time.Second,
		LockWait:                100 * time.Millisecond,
		Retry:                   worker.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond},
		ScheduledRetry:          worker.RetryPolicy{InitialDelay: time.Minute},
	}, &logger)
	engine := pricing.NewEngine(pricing.Config{
		TaxRateBps:    1500,
		DeliveryZones: map[string]int64{"Saint John": 15000},
	})
	sheet := models.RateSheet{
		EquipmentID:  1,
		Name:         "SVL75-3",
		DailyCents:   45000,
		WeeklyCents:  250000,
		MonthlyCents: 800000,
		DepositCents: 50000,
		Active:       true,
	}
	bookings := service.NewBookingService(db, engine, []models.RateSheet{sheet}, holds, bus, &logger)

	srv := NewHTTPServer(cfg, Services{
		Bookings:   bookings,
		Holds:      holds,
		Payments:   service.NewPaymentService(db, balance, completion, bus, &logger),
		Balance:    balance,
		Completion: completion,
	}, &logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, gw: gw, db: db}
}

func openAPI() config.APIConfig {
	return config.APIConfig{Enabled: true, HTTP: config.APIHTTPConfig{Enabled: true}}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func farStart() time.Time {
	return time.Now().UTC().Truncate(time.Hour).Add(10 * 24 * time.Hour)
}

func bookingBody(start time.Time) map[string]any {
	return map[string]any{
		"customer_id":      7,
		"equipment_id":     1,
		"start_at":         start.Format(time.RFC3339),
		"end_at":           start.Add(72 * time.Hour).Format(time.RFC3339),
		"delivery_address": "12 King St",
		"delivery_city":    "Saint John",
	}
}

func (e *testEnv) createBooking(t *testing.T, start time.Time) map[string]any {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/bookings", bookingBody(start))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body
}

func idOf(body map[string]any) int64 {
	return int64(body["id"].(float64))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, openAPI())
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestCreateAndGetBooking(t *testing.T) {
	env := newTestEnv(t, openAPI())
	created := env.createBooking(t, farStart())

	assert.Equal(t, models.StatusPending, created["status"])
	assert.Equal(t, float64(189750), created["total_cents"])
	number := created["number"].(string)

	resp, got := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/bookings/%d", idOf(created)), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, number, got["number"])

	resp, got = env.do(t, http.MethodGet, "/api/v1/booking-numbers/"+number, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created["id"], got["id"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/bookings/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/bookings/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(domain.KindValidation), body["kind"])
}

func TestCreateBooking_Errors(t *testing.T) {
	env := newTestEnv(t, openAPI())

	t.Run("validation", func(t *testing.T) {
		req := bookingBody(farStart())
		delete(req, "delivery_address")
		resp, body := env.do(t, http.MethodPost, "/api/v1/bookings", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		fields := body["fields"].(map[string]any)
		assert.Contains(t, fields, "delivery_address")
	})

	t.Run("unknown field", func(t *testing.T) {
		req := bookingBody(farStart())
		req["colour"] = "yellow"
		resp, _ := env.do(t, http.MethodPost, "/api/v1/bookings", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("conflict with alternatives", func(t *testing.T) {
		start := farStart().Add(30 * 24 * time.Hour)
		env.createBooking(t, start)

		resp, body := env.do(t, http.MethodPost, "/api/v1/bookings", bookingBody(start.Add(24*time.Hour)))
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "equipment_unavailable", body["code"])
		assert.NotEmpty(t, body["alternatives"])
		assert.Len(t, body["conflicts"], 1)
	})
}

func TestAvailabilityAndQuote(t *testing.T) {
	env := newTestEnv(t, openAPI())
	start := farStart()
	env.createBooking(t, start)

	q := url.Values{}
	q.Set("equipment_id", "1")
	q.Set("start_at", start.Format(time.RFC3339))
	q.Set("end_at", start.Add(time.Hour).Format(time.RFC3339))
	resp, body := env.do(t, http.MethodGet, "/api/v1/availability?"+q.Encode(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["available"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/availability?equipment_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, body["fields"], 3)

	resp, body = env.do(t, http.MethodPost, "/api/v1/quotes", bookingBody(start))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(189750), body["total_cents"])
	assert.Equal(t, float64(50000), body["deposit_cents"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/equipment", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["equipment"], 1)
}

func TestHoldEndpoints(t *testing.T) {
	env := newTestEnv(t, openAPI())
	b := env.createBooking(t, farStart())
	id := idOf(b)
	base := fmt.Sprintf("/api/v1/bookings/%d", id)

	resp, body := env.do(t, http.MethodPost, base+"/holds/verification", map[string]any{"payment_method_id": gateway.DeclinedPaymentMethod})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, string(domain.KindGateway), body["kind"])

	resp, body = env.do(t, http.MethodPost, base+"/holds/verification", map[string]any{"payment_method_id": "pm_card_visa"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, models.HoldSecurityScheduled, body["hold_state"])
	assert.Equal(t, models.StatusConfirmed, body["status"])

	env.gw.InjectFault(gateway.OpAuthorize, gateway.Fault{
		Err:     &gateway.Error{Op: gateway.OpAuthorize, Message: "deadline exceeded", Err: gateway.ErrTimeout},
		Applied: true,
	})
	resp, body = env.do(t, http.MethodPost, base+"/holds/security", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(domain.KindReconciliation), body["kind"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/admin/holds/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.HoldSecurityPlaced, body["hold_state"])

	resp, body = env.do(t, http.MethodPost, base+"/holds/security/capture", map[string]any{"amount_cents": 60000, "reason": "damage"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "capture_exceeds_hold", body["code"])

	resp, body = env.do(t, http.MethodPost, base+"/holds/security/capture", map[string]any{"amount_cents": 18000, "reason": "bucket teeth"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, models.HoldCapturedPartial, body["hold_state"])

	resp, body = env.do(t, http.MethodPost, base+"/holds/security/release", map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "hold_not_placed", body["code"])

	resp, body = env.do(t, http.MethodGet, base+"/holds", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["transactions"])
}

func TestPaymentAndCompletionEndpoints(t *testing.T) {
	env := newTestEnv(t, openAPI())
	b := env.createBooking(t, farStart())
	id := idOf(b)
	base := fmt.Sprintf("/api/v1/bookings/%d", id)

	resp, body := env.do(t, http.MethodPost, base+"/payments", map[string]any{"amount_cents": 189750, "method": "card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	paymentID := idOf(body)

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/complete", paymentID), map[string]any{"metadata": map[string]any{"charge_id": "ch_9"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, models.BillingPaid, body["billing_status"])
	assert.Equal(t, models.StatusPaid, body["status"])

	resp, body = env.do(t, http.MethodPost, base+"/balance/recalculate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["status_changed"])

	resp, body = env.do(t, http.MethodPost, base+"/contract/sign", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["missing"], "insurance_approved")

	resp, _ = env.do(t, http.MethodPut, base+"/insurance", map[string]any{"status": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, base+"/insurance", map[string]any{"status": models.VerdictApproved})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPut, base+"/verification/override", map[string]any{"override": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, base+"/completion", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"deposit_secured"}, body["missing"])

	resp, body = env.do(t, http.MethodGet, base+"/payments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["payments"], 1)

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/reverse", paymentID), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["fields"], "reason")

	resp, body = env.do(t, http.MethodPost, base+"/cancel", map[string]any{"actor": "gateway"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["fields"], "actor")

	resp, body = env.do(t, http.MethodPost, base+"/dispute", map[string]any{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, models.StatusDisputed, body["status"])
}

func TestAuth(t *testing.T) {
	cfg := openAPI()
	cfg.Auth = config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{
			{Key: "portal", Extra: "portal-extra", Permissions: []string{permReadBookings, permWriteBookings}},
			{Key: "ops", Extra: "ops-extra", Permissions: []string{permAdmin}},
			{Key: "legacy", Extra: "legacy-extra"},
		},
	}
	env := newTestEnv(t, cfg)
	portal := []string{"x-api-key", "portal", "x-api-extra", "portal-extra"}
	ops := []string{"x-api-key", "ops", "x-api-extra", "ops-extra"}

	t.Run("health is open", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("missing headers", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/v1/equipment", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, errMissingKey.Error(), body["error"])
	})

	t.Run("bad extra", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/v1/equipment", nil, "x-api-key", "portal", "x-api-extra", "nope")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, errInvalidExtra.Error(), body["error"])
	})

	t.Run("permissions", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/bookings", bookingBody(farStart()), portal...)
		require.Equal(t, http.StatusCreated, resp.StatusCode, body)
		path := fmt.Sprintf("/api/v1/bookings/%d", idOf(body))

		resp, _ = env.do(t, http.MethodPost, path+"/dispute", map[string]any{"reason": "x"}, portal...)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = env.do(t, http.MethodPost, path+"/cancel", map[string]any{"actor": "admin"}, portal...)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, body = env.do(t, http.MethodPost, path+"/cancel", map[string]any{"actor": "admin", "reason": "fleet down"}, ops...)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, models.StatusCancelled, body["status"])

		resp, _ = env.do(t, http.MethodGet, "/api/v1/equipment", nil, "x-api-key", "legacy", "x-api-extra", "legacy-extra")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRateLimit(t *testing.T) {
	cfg := openAPI()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodGet, "/api/v1/equipment", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/api/v1/equipment", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, errRateLimited.Error(), body["error"])
}
