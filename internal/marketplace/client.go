// Package marketplace is the client of the order-construction service.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"marketsteps/internal/steps"
)

const (
	rpcPrefix        = "/rpc/Marketplace/"
	maxResponseBytes = 4 << 20
	schemaURL        = "https://marketsteps.local/schemas/generate-response.json"
)

// responseSchema is the minimum shape a generate response must have before
// its steps are decoded.
const responseSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string"},
          "data": {"type": "string"},
          "to": {"type": "string"},
          "value": {"type": "string"},
          "price": {"type": "string"},
          "post": {
            "type": ["object", "null"],
            "required": ["endpoint"],
            "properties": {
              "endpoint": {"type": "string", "minLength": 1},
              "method": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var ErrMalformedResponse = errors.New("malformed generate response")

// ServiceError is a non-2xx answer from the service.
type ServiceError struct {
	Method     string
	StatusCode int
	Code       int    `json:"code"`
	Name       string `json:"error"`
	Msg        string `json:"msg"`
}

func (e *ServiceError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (status %d, code %d)", e.Method, e.Msg, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Method, e.StatusCode)
}

type Config struct {
	BaseURL   string
	AccessKey string
	Timeout   time.Duration
	// RatePerSecond bounds outbound calls; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// HTTPClient speaks the service's JSON RPC dialect: POST /rpc/Marketplace/<Method>.
type HTTPClient struct {
	baseURL   string
	accessKey string
	http      *http.Client
	limiter   *rate.Limiter
	schema    *jsonschema.Schema
}

var _ Service = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("marketplace base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("load response schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}

	client := &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accessKey: cfg.AccessKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		schema:    schema,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return client, nil
}

func (c *HTTPClient) GenerateBuy(ctx context.Context, args BuyArgs) (steps.Sequence, error) {
	return c.generate(ctx, "GenerateBuyTransaction", args)
}

func (c *HTTPClient) GenerateSell(ctx context.Context, args SellArgs) (steps.Sequence, error) {
	return c.generate(ctx, "GenerateSellTransaction", args)
}

func (c *HTTPClient) GenerateListing(ctx context.Context, args ListingArgs) (steps.Sequence, error) {
	return c.generate(ctx, "GenerateListingTransaction", args)
}

func (c *HTTPClient) GenerateOffer(ctx context.Context, args OfferArgs) (steps.Sequence, error) {
	return c.generate(ctx, "GenerateOfferTransaction", args)
}

func (c *HTTPClient) GenerateCancel(ctx context.Context, args CancelArgs) (steps.Sequence, error) {
	return c.generate(ctx, "GenerateCancelTransaction", args)
}

func (c *HTTPClient) generate(ctx context.Context, method string, args any) (steps.Sequence, error) {
	raw, err := c.call(ctx, method, args)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", method, ErrMalformedResponse, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", method, ErrMalformedResponse, err)
	}

	var out struct {
		Steps steps.Sequence `json:"steps"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", method, ErrMalformedResponse, err)
	}
	return out.Steps, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, args any) ([]byte, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPrefix+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessKey != "" {
		req.Header.Set("X-Access-Key", c.accessKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		svcErr := &ServiceError{Method: method, StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, svcErr)
		return nil, svcErr
	}
	return raw, nil
}
