package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"marketsteps/internal/config"
	"marketsteps/internal/engine"
	"marketsteps/internal/generator"
	"marketsteps/internal/idempotency"
	"marketsteps/internal/networks"
	"marketsteps/internal/steps"
	"marketsteps/internal/wallet/wallettest"
)

const (
	testSecret     = "test-secret"
	testCollection = "0x00000000000000000000000000000000000000aa"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	table, err := networks.NewTable(networks.Network{ChainID: 137, Name: "polygon", ExplorerURL: "https://polygonscan.com"})
	if err != nil {
		t.Fatalf("network table: %v", err)
	}
	return &config.AppConfig{
		ChainID:  137,
		Networks: table,
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			PendingDir:        t.TempDir(),
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		},
	}
}

type stubGenerator struct {
	mu    sync.Mutex
	errs  []error
	calls int
	reqs  []generator.Request
}

func (g *stubGenerator) Generate(_ context.Context, req generator.Request) (steps.Sequence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reqs = append(g.reqs, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return steps.Sequence{{Kind: steps.KindBuy}}, nil
}

type stubRunner struct {
	mu    sync.Mutex
	res   engine.Result
	err   error
	calls int
	ecs   []engine.ExecutionContext
}

func (r *stubRunner) Execute(_ context.Context, _ steps.Sequence, ec engine.ExecutionContext) (engine.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.ecs = append(r.ecs, ec)
	return r.res, r.err
}

func newTestServer(t *testing.T, cfg *config.AppConfig, gen *stubGenerator, run *stubRunner) *Server {
	t.Helper()
	return NewServer(cfg, Deps{
		Generator: gen,
		Engine:    run,
		Wallet:    wallettest.New(137),
		Store:     idempotency.NewMemoryStore(),
	})
}

func signedRequest(t *testing.T, secret, key string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", computeSignatureForTest(secret, ts, payload))
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	return req
}

func buyBody() map[string]any {
	return map[string]any{
		"intent":            "buy",
		"collectionAddress": testCollection,
		"orderId":           "42",
	}
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestActionIdempotency(t *testing.T) {
	cfg := testConfig(t)
	hash := common.HexToHash("0xabc")
	gen := &stubGenerator{}
	run := &stubRunner{res: engine.Result{
		Final:   steps.StepResult{Type: steps.ResultTransaction, Kind: steps.KindBuy, TxHash: &hash, Confirmed: true},
		OrderID: "order-1",
	}}
	srv := newTestServer(t, cfg, gen, run)

	rec := serve(srv, signedRequest(t, testSecret, "key-1", buyBody()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	var resp actionResponse
	if err := json.Unmarshal(first, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != statusSucceeded || resp.OrderID != "order-1" || resp.TxHash != hash.Hex() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.ExplorerURL != "https://polygonscan.com/tx/"+hash.Hex() {
		t.Fatalf("explorer url = %q", resp.ExplorerURL)
	}
	if resp.RunID == "" || rec.Header().Get("X-Run-Id") != resp.RunID {
		t.Fatalf("run id not propagated")
	}

	rec = serve(srv, signedRequest(t, testSecret, "key-1", buyBody()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec.Code)
	}
	if !bytes.Equal(first, rec.Body.Bytes()) {
		t.Fatalf("expected identical payload on replay")
	}
	if run.calls != 1 || gen.calls != 1 {
		t.Fatalf("replay re-ran the action: generate=%d execute=%d", gen.calls, run.calls)
	}

	if got := gen.reqs[0]; got.Intent != generator.IntentBuy || got.OrderID != "42" || got.Actor != wallettest.New(137).Account {
		t.Fatalf("unexpected generator request %+v", got)
	}
	if ec := run.ecs[0]; ec.ChainID != 137 || ec.RunID != resp.RunID {
		t.Fatalf("unexpected execution context %+v", ec)
	}
}

func TestActionRequiresSignatureAndKey(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg, &stubGenerator{}, &stubRunner{})

	if rec := serve(srv, signedRequest(t, "wrong-secret", "key-1", buyBody())); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature got %d", rec.Code)
	}
	if rec := serve(srv, signedRequest(t, testSecret, "", buyBody())); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key got %d", rec.Code)
	}
}

func TestActionRejectsBadRequests(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown intent":   {"intent": "mint", "collectionAddress": testCollection},
		"bad collection":   {"intent": "buy", "collectionAddress": "nope", "orderId": "1"},
		"unconfigured net": {"intent": "buy", "collectionAddress": testCollection, "orderId": "1", "chainId": 1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			gen := &stubGenerator{}
			srv := newTestServer(t, testConfig(t), gen, &stubRunner{})
			rec := serve(srv, signedRequest(t, testSecret, "k-"+name, body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
			if gen.calls != 0 {
				t.Fatalf("generator should not run")
			}
		})
	}
}

func TestActionStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid step", &steps.InvalidStepError{Reason: "no executable step"}, http.StatusBadRequest},
		{"user rejected", &steps.UserRejectedRequestError{Err: errors.New("denied")}, http.StatusConflict},
		{"chain switch", &steps.ChainSwitchError{CurrentChainID: 1, RequiredChainID: 137, Err: errors.New("boom")}, http.StatusConflict},
		{"signature", &steps.TransactionSignatureError{Kind: steps.KindSignMessage, Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{"execution", &steps.TransactionExecutionError{Kind: steps.KindBuy, Err: steps.ErrTransactionReverted}, http.StatusUnprocessableEntity},
		{"internal", errors.New("wallet is required"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			store := idempotency.NewMemoryStore()
			srv := NewServer(cfg, Deps{
				Generator: &stubGenerator{},
				Engine:    &stubRunner{err: tc.err},
				Wallet:    wallettest.New(137),
				Store:     store,
			})
			rec := serve(srv, signedRequest(t, testSecret, "key", buyBody()))
			if rec.Code != tc.code {
				t.Fatalf("expected %d got %d", tc.code, rec.Code)
			}

			var resp actionResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != statusFailed || resp.Error == nil || resp.Error.Class != steps.ClassOf(tc.err) {
				t.Fatalf("unexpected response %+v", resp)
			}

			cached, err := store.Get(context.Background(), "key")
			if err != nil {
				t.Fatalf("store get: %v", err)
			}
			if tc.code >= http.StatusInternalServerError && cached != nil {
				t.Fatalf("server errors must not be cached")
			}
			if tc.code < http.StatusInternalServerError && (cached == nil || cached.StatusCode != tc.code) {
				t.Fatalf("expected cached %d, got %+v", tc.code, cached)
			}
		})
	}
}

func TestActionConfirmationPendingIsJournaled(t *testing.T) {
	cfg := testConfig(t)
	hash := common.HexToHash("0xfeed")
	run := &stubRunner{err: &steps.TransactionConfirmationError{TxHash: hash, Err: errors.New("timed out")}}
	srv := newTestServer(t, cfg, &stubGenerator{}, run)

	rec := serve(srv, signedRequest(t, testSecret, "key/pending", buyBody()))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}

	var resp actionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != statusPending || resp.TxHash != hash.Hex() || resp.Error.Retryable {
		t.Fatalf("unexpected response %+v", resp)
	}

	entries, err := os.ReadDir(cfg.Service.PendingDir)
	if err != nil {
		t.Fatalf("read pending dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one pending entry, got %d", len(entries))
	}
	if got := testutil.ToFloat64(srv.metrics.pendingDepth); got != 1 {
		t.Fatalf("pending gauge = %v", got)
	}

	// a replay must not broadcast a second transaction
	rec = serve(srv, signedRequest(t, testSecret, "key/pending", buyBody()))
	if rec.Code != http.StatusAccepted || run.calls != 1 {
		t.Fatalf("expected cached 202, got %d after %d runs", rec.Code, run.calls)
	}
}

func TestGenerateRetriesOnlyGenerationErrors(t *testing.T) {
	genErr := &steps.StepGenerationError{Intent: "buy", Err: errors.New("503")}

	t.Run("recovers", func(t *testing.T) {
		gen := &stubGenerator{errs: []error{genErr, genErr}}
		run := &stubRunner{}
		srv := newTestServer(t, testConfig(t), gen, run)
		rec := serve(srv, signedRequest(t, testSecret, "key", buyBody()))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", rec.Code)
		}
		if gen.calls != 3 || run.calls != 1 {
			t.Fatalf("generate=%d execute=%d", gen.calls, run.calls)
		}
		if got := testutil.ToFloat64(srv.metrics.generateAttempts.WithLabelValues("retry")); got != 2 {
			t.Fatalf("retry counter = %v", got)
		}
	})

	t.Run("exhausts", func(t *testing.T) {
		gen := &stubGenerator{errs: []error{genErr, genErr, genErr}}
		run := &stubRunner{}
		srv := newTestServer(t, testConfig(t), gen, run)
		rec := serve(srv, signedRequest(t, testSecret, "key", buyBody()))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502 got %d", rec.Code)
		}
		if gen.calls != 3 || run.calls != 0 {
			t.Fatalf("generate=%d execute=%d", gen.calls, run.calls)
		}
		if cached, _ := srv.store.Get(context.Background(), "key"); cached != nil {
			t.Fatalf("502 must stay retryable")
		}
	})

	t.Run("does not retry invalid input", func(t *testing.T) {
		gen := &stubGenerator{errs: []error{generator.ErrInvalidRequest}}
		srv := newTestServer(t, testConfig(t), gen, &stubRunner{})
		rec := serve(srv, signedRequest(t, testSecret, "key", buyBody()))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 got %d", rec.Code)
		}
		if gen.calls != 1 {
			t.Fatalf("expected a single attempt, got %d", gen.calls)
		}
	})
}

// gatedStore snapshots the second Get and returns it only once gate closes,
// simulating a lookup that loses the race against a finishing run.
type gatedStore struct {
	idempotency.Store
	mu   sync.Mutex
	gets int
	gate chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	g.mu.Lock()
	g.gets++
	n := g.gets
	g.mu.Unlock()

	rec, err := g.Store.Get(ctx, key)
	if n == 2 {
		<-g.gate
	}
	return rec, err
}

type blockingRunner struct {
	stubRunner
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Execute(ctx context.Context, seq steps.Sequence, ec engine.ExecutionContext) (engine.Result, error) {
	close(r.started)
	<-r.release
	return r.stubRunner.Execute(ctx, seq, ec)
}

func TestActionSameKeyWhileRunningDoesNotRunTwice(t *testing.T) {
	cfg := testConfig(t)
	store := &gatedStore{Store: idempotency.NewMemoryStore(), gate: make(chan struct{})}
	run := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer(cfg, Deps{
		Generator: &stubGenerator{},
		Engine:    run,
		Wallet:    wallettest.New(137),
		Store:     store,
	})

	reqA := signedRequest(t, testSecret, "dup", buyBody())
	reqB := signedRequest(t, testSecret, "dup", buyBody())

	first := make(chan int, 1)
	go func() { first <- serve(srv, reqA).Code }()
	<-run.started

	second := make(chan int, 1)
	go func() { second <- serve(srv, reqB).Code }()

	// let the first run finish and save before the second lookup returns
	time.Sleep(20 * time.Millisecond)
	close(run.release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request: expected 200 got %d", code)
	}
	close(store.gate)

	code := <-second
	if code != http.StatusConflict && code != http.StatusOK {
		t.Fatalf("second request: unexpected status %d", code)
	}
	if run.calls != 1 {
		t.Fatalf("action ran %d times for one idempotency key", run.calls)
	}
}

func TestHealthReportsDegradedWallet(t *testing.T) {
	cfg := testConfig(t)
	w := wallettest.New(137)
	srv := NewServer(cfg, Deps{
		Generator: &stubGenerator{},
		Engine:    &stubRunner{},
		Wallet:    w,
		Store:     idempotency.NewMemoryStore(),
	})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}

	w.ChainErr = errors.New("provider down")
	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != "degraded" {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func computeSignatureForTest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
