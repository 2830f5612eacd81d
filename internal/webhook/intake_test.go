package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intakeFixture struct {
	handler  http.Handler
	outcomes []Outcome
	reached  int
	lastBody string
	last     Delivery
}

func newIntakeFixture(t *testing.T, origins ...string) *intakeFixture {
	t.Helper()
	f := &intakeFixture{}
	in, err := NewIntake(IntakeConfig{
		Secret:         "whsec_test",
		Verifier:       Verifier{Clock: fixedClock},
		AllowedOrigins: origins,
		MaxBodyBytes:   256,
		Observer: func(_ *http.Request, _ string, o Outcome) {
			f.outcomes = append(f.outcomes, o)
		},
	})
	require.NoError(t, err)

	f.handler = in.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.reached++
		body, _ := io.ReadAll(r.Body)
		f.lastBody = string(body)
		f.last, _ = DeliveryFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func signedRequest(body, id string) *http.Request {
	ts := strconv.FormatInt(now.Unix(), 10)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(body))
	r.Header.Set("X-Webhook-Signature", "sha256="+Sign([]byte(body), "whsec_test", ts))
	r.Header.Set("X-Webhook-Timestamp", ts)
	r.Header.Set("X-Webhook-Id", id)
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestIntakeAcceptsThenRejectsDuplicate(t *testing.T) {
	f := newIntakeFixture(t)
	body := `{"event_type":"order.cancelled","data":{"order_id":"1","reason":"fraud"}}`

	rec := serve(f.handler, signedRequest(body, "evt_123"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.reached)
	assert.Equal(t, body, f.lastBody)
	assert.Equal(t, "evt_123", f.last.ID)
	assert.Equal(t, now.Unix(), f.last.Timestamp.Unix())

	rec = serve(f.handler, signedRequest(body, "evt_123"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"Duplicate webhook"}`, rec.Body.String())
	assert.Equal(t, 1, f.reached)

	// A different, validly signed payload under the same id is still a replay.
	rec = serve(f.handler, signedRequest(`{"event_type":"x","data":{}}`, "evt_123"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, []Outcome{OutcomeAccepted, OutcomeDuplicate, OutcomeDuplicate}, f.outcomes)
}

func TestIntakeRejectsBadSignature(t *testing.T) {
	f := newIntakeFixture(t)
	r := signedRequest(`{"a":1}`, "evt_1")
	r.Header.Set("X-Webhook-Signature", Sign([]byte(`{"a":1}`), "other", r.Header.Get("X-Webhook-Timestamp")))

	rec := serve(f.handler, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())
	assert.Equal(t, 0, f.reached)

	// A rejected delivery does not burn its id.
	rec = serve(f.handler, signedRequest(`{"a":1}`, "evt_1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntakeRejectsStaleTimestamp(t *testing.T) {
	f := newIntakeFixture(t)
	body := `{"a":1}`
	ts := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("X-Webhook-Signature", Sign([]byte(body), "whsec_test", ts))
	r.Header.Set("X-Webhook-Timestamp", ts)
	r.Header.Set("X-Webhook-Id", "evt_old")

	rec := serve(f.handler, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, []Outcome{OutcomeInvalid}, f.outcomes)
}

func TestIntakeTreatsMalformedAuthAsUnauthorized(t *testing.T) {
	f := newIntakeFixture(t)

	badTimestamp := signedRequest(`{"a":1}`, "evt_ts")
	badTimestamp.Header.Set("X-Webhook-Timestamp", "yesterday")
	rec := serve(f.handler, badTimestamp)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())

	shortSignature := signedRequest(`{"a":1}`, "evt_sig")
	shortSignature.Header.Set("X-Webhook-Signature", "sha256=abc123")
	rec = serve(f.handler, shortSignature)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, []Outcome{OutcomeInvalid, OutcomeInvalid}, f.outcomes)
	assert.Equal(t, 0, f.reached)
}

func TestIntakeRequiresHeaders(t *testing.T) {
	for _, header := range []string{"X-Webhook-Signature", "X-Webhook-Timestamp", "X-Webhook-Id"} {
		t.Run(header, func(t *testing.T) {
			f := newIntakeFixture(t)
			r := signedRequest(`{}`, "evt")
			r.Header.Del(header)

			rec := serve(f.handler, r)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"Webhook processing failed"}`, rec.Body.String())
			assert.Equal(t, 0, f.reached)
		})
	}
}

func TestIntakeMethodAndSize(t *testing.T) {
	f := newIntakeFixture(t)

	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = serve(f.handler, signedRequest(strings.Repeat("x", 300), "big"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, f.reached)
}

func TestSecureHeaders(t *testing.T) {
	f := newIntakeFixture(t)
	rec := serve(f.handler, signedRequest(`{}`, "a"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	f = newIntakeFixture(t, "https://partner.example", "https://other.example")
	rec = serve(f.handler, signedRequest(`{}`, "b"))
	assert.Equal(t, "https://partner.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-webhook-signature")

	f = newIntakeFixture(t, "*")
	rec = serve(f.handler, signedRequest(`{}`, "c"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewIntakeRequiresSecret(t *testing.T) {
	_, err := NewIntake(IntakeConfig{})
	assert.Error(t, err)
}
