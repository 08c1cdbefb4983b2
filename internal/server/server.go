package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"marketsteps/internal/config"
	"marketsteps/internal/engine"
	"marketsteps/internal/generator"
	"marketsteps/internal/hmacauth"
	"marketsteps/internal/idempotency"
	"marketsteps/internal/logging"
	"marketsteps/internal/marketplace"
	"marketsteps/internal/steps"
	"marketsteps/internal/wallet"
)

// StepGenerator is satisfied by *generator.Generator.
type StepGenerator interface {
	Generate(ctx context.Context, req generator.Request) (steps.Sequence, error)
}

// Runner is satisfied by *engine.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, seq steps.Sequence, ec engine.ExecutionContext) (engine.Result, error)
}

type Deps struct {
	Generator StepGenerator
	Engine    Runner
	Wallet    wallet.Wallet
	Store     idempotency.Store
	Logger    *slog.Logger
	// Registry is shared with the engine metrics; nil creates a private one.
	Registry *prometheus.Registry
}

type Server struct {
	cfg            *config.AppConfig
	generator      StepGenerator
	engine         Runner
	wallet         wallet.Wallet
	store          idempotency.Store
	hmac           *hmacauth.Verifier
	httpServer     *http.Server
	metrics        *metricsRegistry
	log            *slog.Logger
	inFlight       sync.Map
	storeHealthFn  func(context.Context) error
	walletHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logging.Discard()
	}
	metrics := newMetricsRegistry(d.Registry)

	s := &Server{
		cfg:       cfg,
		generator: d.Generator,
		engine:    d.Engine,
		wallet:    d.Wallet,
		store:     d.Store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
		log:     log,
	}

	if checker, ok := d.Store.(interface{ Ping(context.Context) error }); ok {
		s.storeHealthFn = checker.Ping
	}
	if checker, ok := d.Wallet.(interface{ Ping(context.Context) error }); ok {
		s.walletHealthFn = checker.Ping
	} else if d.Wallet != nil {
		s.walletHealthFn = func(ctx context.Context) error {
			_, err := d.Wallet.ChainID(ctx)
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/actions", s.hmac.Middleware(http.HandlerFunc(s.handleActions)))
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.updatePendingDepth()
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type actionRequest struct {
	Intent            string                     `json:"intent"`
	ChainID           uint64                     `json:"chainId,omitempty"`
	CollectionAddress string                     `json:"collectionAddress"`
	OrderID           string                     `json:"orderId,omitempty"`
	Quantity          string                     `json:"quantity,omitempty"`
	ContractType      string                     `json:"contractType,omitempty"`
	WalletKind        string                     `json:"walletKind,omitempty"`
	Marketplace       string                     `json:"marketplace,omitempty"`
	Order             *marketplace.CreateRequest `json:"order,omitempty"`
	Fees              []marketplace.Fee          `json:"fees,omitempty"`
}

type actionError struct {
	Class     steps.Class `json:"class"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type actionResponse struct {
	RunID       string             `json:"runId"`
	Status      string             `json:"status"`
	Result      *steps.StepResult  `json:"result,omitempty"`
	OrderID     string             `json:"orderId,omitempty"`
	Steps       []steps.StepResult `json:"steps,omitempty"`
	TxHash      string             `json:"txHash,omitempty"`
	ExplorerURL string             `json:"explorerUrl,omitempty"`
	Error       *actionError       `json:"error,omitempty"`
}

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusPending   = "pending"
)

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Claim the key before reading the store so a run that finishes between
	// the two cannot be repeated.
	if _, busy := s.inFlight.LoadOrStore(key, struct{}{}); busy {
		http.Error(w, "a request with this idempotency key is in progress", http.StatusConflict)
		return
	}
	defer s.inFlight.Delete(key)

	if existing, err := s.store.Get(ctx, key); err != nil {
		s.log.WarnContext(ctx, "idempotency lookup failed", "key", key, "error", err)
	} else if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Run-Id", existing.RunID)
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incAction("", "cached")
		return
	}

	var payload actionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	genReq, chainID, err := s.buildRequest(payload)
	if err != nil {
		s.metrics.incAction(payload.Intent, string(steps.ClassOf(err)))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()
	log := s.log.With("run_id", runID, "intent", genReq.Intent, "request_id", r.Header.Get("X-Request-Id"))

	seq, err := s.generateWithRetry(ctx, genReq, log)
	var res engine.Result
	if err == nil {
		res, err = s.engine.Execute(ctx, seq, engine.ExecutionContext{
			ChainID:      chainID,
			Wallet:       s.wallet,
			Logger:       log,
			WaitForFinal: s.cfg.Confirmation.WaitForFinal,
			RunID:        runID,
		})
	}
	res.RunID = runID

	code, body := s.respond(res, chainID, err)
	if code == http.StatusAccepted {
		s.writePending(key, body, chainID, err)
	}
	if code < http.StatusInternalServerError {
		now := time.Now()
		record := idempotency.Record{
			RunID:      runID,
			StatusCode: code,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			log.ErrorContext(ctx, "idempotency save failed", "key", key, "error", err)
		}
	}

	s.metrics.incAction(string(genReq.Intent), string(steps.ClassOf(err)))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Run-Id", runID)
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) buildRequest(p actionRequest) (generator.Request, uint64, error) {
	intent, err := generator.ParseIntent(p.Intent)
	if err != nil {
		return generator.Request{}, 0, err
	}
	if !common.IsHexAddress(p.CollectionAddress) {
		return generator.Request{}, 0, errors.New("collectionAddress must be a hex address")
	}
	chainID := p.ChainID
	if chainID == 0 {
		chainID = s.cfg.ChainID
	}
	if !s.cfg.Networks.Has(chainID) {
		return generator.Request{}, 0, fmt.Errorf("chainId %d is not configured", chainID)
	}
	var actor common.Address
	if s.wallet != nil {
		actor = s.wallet.Address()
	}
	return generator.Request{
		Intent:            intent,
		CollectionAddress: common.HexToAddress(p.CollectionAddress),
		Actor:             actor,
		WalletKind:        marketplace.WalletKind(p.WalletKind),
		Marketplace:       marketplace.Kind(p.Marketplace),
		OrderID:           p.OrderID,
		Quantity:          p.Quantity,
		ContractType:      marketplace.ContractType(p.ContractType),
		Order:             p.Order,
		Fees:              p.Fees,
	}, chainID, nil
}

// respond maps the run outcome onto an HTTP status and body.
func (s *Server) respond(res engine.Result, chainID uint64, err error) (int, []byte) {
	resp := actionResponse{RunID: res.RunID, Steps: res.Steps}
	code := http.StatusOK

	if err == nil {
		final := res.Final
		resp.Status = statusSucceeded
		resp.Result = &final
		resp.OrderID = res.OrderID
		if final.TxHash != nil {
			resp.TxHash = final.TxHash.Hex()
			resp.ExplorerURL = s.explorerURL(chainID, resp.TxHash)
		}
	} else {
		class := steps.ClassOf(err)
		resp.Status = statusFailed
		resp.Error = &actionError{Class: class, Message: err.Error(), Retryable: steps.Retryable(err)}
		code = statusFor(class, err)

		var confirmErr *steps.TransactionConfirmationError
		if errors.As(err, &confirmErr) {
			resp.Status = statusPending
			resp.TxHash = confirmErr.TxHash.Hex()
			resp.ExplorerURL = s.explorerURL(chainID, resp.TxHash)
		}
	}

	body, _ := json.Marshal(resp)
	return code, body
}

func statusFor(class steps.Class, err error) int {
	switch class {
	case steps.ClassUnknownIntent, steps.ClassInvalidStep:
		return http.StatusBadRequest
	case steps.ClassUserRejected, steps.ClassChainSwitch:
		return http.StatusConflict
	case steps.ClassGeneration:
		return http.StatusBadGateway
	case steps.ClassConfirmation:
		return http.StatusAccepted
	case steps.ClassSignature, steps.ClassExecution:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, generator.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) explorerURL(chainID uint64, txHash string) string {
	net, err := s.cfg.Networks.Lookup(chainID)
	if err != nil {
		return ""
	}
	return net.TxURL(txHash)
}

// generateWithRetry retries only StepGenerationError; every other failure is
// returned as is.
func (s *Server) generateWithRetry(ctx context.Context, req generator.Request, log *slog.Logger) (steps.Sequence, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		seq, err := s.generator.Generate(ctx, req)
		if err == nil {
			s.metrics.incGenerate("success")
			return seq, nil
		}
		var genErr *steps.StepGenerationError
		if !errors.As(err, &genErr) || i == attempts {
			s.metrics.incGenerate("failed")
			return nil, err
		}

		s.metrics.incGenerate("retry")
		log.WarnContext(ctx, "step generation failed, retrying", "attempt", i, "error", err)
		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(s.cfg.Retry.BackoffMultiplier)
		}
	}

	return nil, errors.New("exhausted retries")
}

// writePending journals a run whose transaction may still land so an
// operator can reconcile it against the explorer.
func (s *Server) writePending(key string, response []byte, chainID uint64, runErr error) {
	dir := s.cfg.Service.PendingDir
	if dir == "" {
		return
	}

	entry := struct {
		Timestamp      time.Time       `json:"timestamp"`
		IdempotencyKey string          `json:"idempotencyKey"`
		ChainID        uint64          `json:"chainId"`
		Response       json.RawMessage `json:"response"`
		Error          string          `json:"error"`
	}{
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: key,
		ChainID:        chainID,
		Response:       response,
		Error:          runErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error("pending journal marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("pending journal mkdir failed", "error", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), sanitize(key))
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o600); err != nil {
		s.log.Error("pending journal write failed", "error", err)
	}

	s.updatePendingDepth()
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

func (s *Server) updatePendingDepth() int {
	depth := s.currentPendingDepth()
	if s.metrics != nil {
		s.metrics.setPendingDepth(depth)
	}
	return depth
}

func (s *Server) currentPendingDepth() int {
	if s.cfg.Service.PendingDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.PendingDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("pending journal read failed", "error", err)
		}
		return 0
	}
	return len(entries)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func checkDependency(ctx context.Context, fn func(context.Context) error) dependencyHealth {
	if fn == nil {
		return dependencyHealth{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	walletInfo := checkDependency(ctx, s.walletHealthFn)
	storeInfo := checkDependency(ctx, s.storeHealthFn)
	healthy := walletInfo.Connected && storeInfo.Connected

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status       string           `json:"status"`
		Wallet       dependencyHealth `json:"wallet"`
		Store        dependencyHealth `json:"store"`
		PendingDepth int              `json:"pending_depth"`
	}{
		Status:       status,
		Wallet:       walletInfo,
		Store:        storeInfo,
		PendingDepth: s.updatePendingDepth(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
