// Package postnotify tells a backend about a step's artifact once it exists.
//
// The request body and the response interpretation are chosen from a closed
// set of strategies keyed by the step's execution mode.
package postnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketsteps/internal/hmacauth"
	"marketsteps/internal/logging"
	"marketsteps/internal/steps"
)

const maxResponseBytes = 1 << 20

// Response is what the backend reported back.
type Response struct {
	OrderID string `json:"orderId,omitempty"`
}

// StatusError is returned for a non-2xx answer.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("post %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

type Config struct {
	Timeout time.Duration
	// RatePerSecond bounds outbound notifications; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Secret        string
}

type Notifier struct {
	client  *http.Client
	limiter *rate.Limiter
	signer  *hmacauth.Signer
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	n := &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		signer: &hmacauth.Signer{Secret: cfg.Secret},
		log:    log,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return n
}

// Notify sends result's artifact to the step's post endpoint. Steps without a
// post action return a zero Response.
func (n *Notifier) Notify(ctx context.Context, step *steps.Step, result steps.StepResult) (Response, error) {
	if step.Post == nil {
		return Response{}, nil
	}
	strat, ok := strategies[step.ExecutionMode]
	if !ok {
		return Response{}, &steps.InvalidStepError{Kind: step.Kind, Reason: fmt.Sprintf("unknown execution mode %q", step.ExecutionMode)}
	}
	method, err := postMethod(step.Post.Method)
	if err != nil {
		return Response{}, &steps.InvalidStepError{Kind: step.Kind, Err: err}
	}
	if step.Post.Endpoint == "" {
		return Response{}, &steps.InvalidStepError{Kind: step.Kind, Reason: "post action has no endpoint"}
	}

	body, err := strat.body(step.Post.Body, result)
	if err != nil {
		return Response{}, &steps.InvalidStepError{Kind: step.Kind, Err: err}
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, step.Post.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.signer.Sign(req, body)

	resp, err := n.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("post %s: %w", step.Post.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read post response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{Endpoint: step.Post.Endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	out, err := strat.parse(raw)
	if err != nil {
		return Response{}, fmt.Errorf("decode post response: %w", err)
	}
	n.log.DebugContext(ctx, "post notification delivered",
		"kind", step.Kind, "endpoint", step.Post.Endpoint, "order_id", out.OrderID)
	return out, nil
}

func postMethod(m string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(m)) {
	case "", http.MethodPost:
		return http.MethodPost, nil
	case http.MethodPut:
		return http.MethodPut, nil
	case http.MethodPatch:
		return http.MethodPatch, nil
	default:
		return "", fmt.Errorf("unsupported post method %q", m)
	}
}

// strategy builds the request body and interprets the response for one mode.
type strategy interface {
	body(template json.RawMessage, result steps.StepResult) ([]byte, error)
	parse(raw []byte) (Response, error)
}

var strategies = map[steps.ExecutionMode]strategy{
	steps.ModePlain: plainStrategy{},
	steps.ModeOrder: orderStrategy{},
}

// plainStrategy injects the artifact and only checks the status code.
type plainStrategy struct{}

func (plainStrategy) body(template json.RawMessage, result steps.StepResult) ([]byte, error) {
	fields, err := templateFields(template)
	if err != nil {
		return nil, err
	}
	fields[artifactKey(result)] = result.Artifact()
	return json.Marshal(fields)
}

func (plainStrategy) parse([]byte) (Response, error) {
	return Response{}, nil
}

// orderStrategy registers an order: the artifact is injected and the order id,
// when present, is read back.
type orderStrategy struct{}

func (orderStrategy) body(template json.RawMessage, result steps.StepResult) ([]byte, error) {
	fields, err := templateFields(template)
	if err != nil {
		return nil, err
	}
	fields[artifactKey(result)] = result.Artifact()
	fields["executeType"] = string(steps.ModeOrder)
	return json.Marshal(fields)
}

func (orderStrategy) parse(raw []byte) (Response, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Response{}, nil
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, err
	}
	return out, nil
}

func artifactKey(result steps.StepResult) string {
	if result.Type == steps.ResultSignature {
		return "signature"
	}
	return "txHash"
}

func templateFields(template json.RawMessage) (map[string]any, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(template)) == 0 || string(bytes.TrimSpace(template)) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(template, &fields); err != nil {
		return nil, fmt.Errorf("post body template must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
