package hmacauth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := computeSignature("secret", ts, []byte(body))

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, "deadbeef")
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignerRoundTripsThroughVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	body := []byte(`{"signature":"0xabc"}`)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(string(body)))
	(&Signer{Secret: "shared", Now: clock}).Sign(req, body)

	if req.Header.Get(headerSignature) == "" || req.Header.Get(headerTimestamp) == "" {
		t.Fatalf("expected signature headers to be set")
	}

	v := &Verifier{Secret: "shared", MaxSkew: time.Minute, Now: clock}
	if err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSignerWithoutSecretLeavesRequestAlone(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	var s *Signer
	s.Sign(req, nil)
	(&Signer{}).Sign(req, nil)
	if req.Header.Get(headerSignature) != "" {
		t.Fatalf("unexpected signature header")
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := `{}`
	ts := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, computeSignature("secret", ts, []byte(body)))
	req.Header.Set(headerTimestamp, ts)

	if err := v.verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestVerifyRequiresBothHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	req.Header.Set(headerTimestamp, ts)
	if err := v.verify(req); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	req.Header.Set(headerSignature, computeSignature("secret", ts, []byte("{}")))
	if err := v.verify(req); err != ErrMissingTimestamp {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
}
