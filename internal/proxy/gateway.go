// Package proxy implements the metering reverse proxy's single route:
// POST /v1/messages. The Gateway authenticates the caller, checks spendable
// balance, forwards the request to the upstream Anthropic API using a
// privileged shared key, and meters the response — all while delivering
// response bytes to the client byte-for-byte identical to what upstream sent.
package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/metering-proxy/internal/auth"
	"github.com/nulpointcorp/metering-proxy/internal/balance"
	"github.com/nulpointcorp/metering-proxy/internal/billing"
	"github.com/nulpointcorp/metering-proxy/internal/logger"
	"github.com/nulpointcorp/metering-proxy/internal/metrics"
	"github.com/nulpointcorp/metering-proxy/internal/pricing"
	"github.com/nulpointcorp/metering-proxy/internal/sse"
	"github.com/nulpointcorp/metering-proxy/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const defaultUpstreamURL = "https://api.anthropic.com/v1/messages"

// forwardedHeaders are copied from the inbound request to the upstream
// request verbatim when present, in addition to the always-set x-api-key
// and content-type.
var forwardedHeaders = []string{"anthropic-version", "anthropic-beta", "content-type"}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// HTTPClient is used to forward requests to the upstream API.
	// Defaults to a client with a 120s timeout (covers long completions).
	HTTPClient *http.Client

	// UpstreamURL overrides the upstream Messages endpoint. Defaults to
	// "https://api.anthropic.com/v1/messages".
	UpstreamURL string

	// Breaker wraps the upstream FORWARD step with a circuit breaker.
	// Nil disables circuit breaking.
	Breaker *CircuitBreaker

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// ReqLogger receives one RequestLog entry per request outcome.
	// Nil disables request logging.
	ReqLogger *logger.Logger

	// CORSOrigins configures the CORS middleware's allowlist. Nil or
	// []string{"*"} allows any origin.
	CORSOrigins []string

	// Health is consulted by the /readiness route. Nil makes /readiness
	// report a static "ok". /health never consults it.
	Health *HealthChecker
}

// Gateway is component C6: it orchestrates the token verifier, balance
// cache, upstream forward, SSE/JSON metering split, and usage reporter for
// every inbound POST /v1/messages.
type Gateway struct {
	verifier *auth.Verifier
	balance  *balance.Cache
	reporter *billing.Reporter

	httpClient     *http.Client
	upstreamURL    string
	upstreamAPIKey string
	cb             *CircuitBreaker
	log            *slog.Logger
	metrics        *metrics.Registry
	reqLogger      *logger.Logger
	corsOrigins    []string
	health         *HealthChecker
}

// NewGateway creates a Gateway with default settings.
func NewGateway(verifier *auth.Verifier, bal *balance.Cache, reporter *billing.Reporter, upstreamAPIKey string) *Gateway {
	return NewGatewayWithOptions(verifier, bal, reporter, upstreamAPIKey, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(
	verifier *auth.Verifier,
	bal *balance.Cache,
	reporter *billing.Reporter,
	upstreamAPIKey string,
	opts GatewayOptions,
) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	upstreamURL := opts.UpstreamURL
	if upstreamURL == "" {
		upstreamURL = defaultUpstreamURL
	}

	return &Gateway{
		verifier:       verifier,
		balance:        bal,
		reporter:       reporter,
		httpClient:     client,
		upstreamURL:    upstreamURL,
		upstreamAPIKey: upstreamAPIKey,
		cb:             opts.Breaker,
		log:            log,
		metrics:        opts.Metrics,
		reqLogger:      opts.ReqLogger,
		corsOrigins:    opts.CORSOrigins,
		health:         opts.Health,
	}
}

// SetHealth wires a health checker after construction.
func (g *Gateway) SetHealth(hc *HealthChecker) {
	g.health = hc
}

// HandleMessages implements the full AUTH_CHECK → BALANCE_CHECK → FORWARD →
// BRANCH_ON_CONTENT_TYPE state machine for POST /v1/messages.
func (g *Gateway) HandleMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if streaming || g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("messages", ctx.Response.StatusCode(), time.Since(start))
	}()

	// AUTH_CHECK
	credential := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
	if credential == "" {
		apierr.MissingCredential(ctx)
		g.recordGated("unauthorized")
		return
	}

	principal, err := g.verifier.Verify(credential)
	if err != nil {
		apierr.InvalidCredential(ctx, err.Error())
		g.recordGated("unauthorized")
		g.log.WarnContext(ctx, "auth_check_failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		return
	}

	// BALANCE_CHECK
	balRes := g.balance.Check(ctx, principal.UserID, credential)
	if g.metrics != nil && balRes.Source != "" {
		g.metrics.RecordBalanceCache(balRes.Source)
	}
	if !balRes.OK {
		if balRes.ServiceUnavailable {
			apierr.BillingUnavailable(ctx)
			g.recordGated("billing_unavailable")
		} else {
			apierr.InsufficientBalance(ctx)
			g.recordGated("insufficient_balance")
		}
		return
	}

	// FORWARD
	body := ctx.PostBody()
	requestModel := extractRequestModel(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.upstreamURL, bytes.NewReader(body))
	if err != nil {
		g.log.ErrorContext(ctx, "forward_build_request_failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.UpstreamUnreachable(ctx)
		g.recordGated("upstream_unreachable")
		return
	}
	req.Header.Set("x-api-key", g.upstreamAPIKey)
	req.Header.Set("content-type", "application/json")
	for _, h := range forwardedHeaders {
		if v := ctx.Request.Header.Peek(h); len(v) > 0 {
			req.Header.Set(h, string(v))
		}
	}

	if g.cb != nil && !g.cb.Allow(upstreamBreaker) {
		apierr.UpstreamUnreachable(ctx)
		g.recordGated("upstream_unreachable")
		return
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if g.cb != nil {
			g.cb.RecordFailure(upstreamBreaker)
		}
		g.log.ErrorContext(ctx, "forward_failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.UpstreamUnreachable(ctx)
		g.recordGated("upstream_unreachable")
		return
	}
	defer resp.Body.Close()
	if g.cb != nil {
		g.cb.RecordSuccess(upstreamBreaker)
	}
	g.recordGated("forwarded")

	// Response headers passthrough.
	ctx.SetStatusCode(resp.StatusCode)
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		ctx.SetContentType(contentType)
	}
	for name, vals := range resp.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ratelimit") || lower == "request-id" {
			for _, v := range vals {
				ctx.Response.Header.Add(name, v)
			}
		}
	}

	cacheHit := balRes.Source == "hit"

	// BRANCH_ON_CONTENT_TYPE
	if !strings.Contains(contentType, "text/event-stream") {
		g.handleJSONPath(ctx, resp, principal.UserID, credential, requestModel, reqID, resp.StatusCode, cacheHit, start)
		return
	}

	streaming = true
	g.handleStreamPath(ctx, resp, principal.UserID, credential, requestModel, reqID, cacheHit, start)
}

// handleJSONPath buffers the whole upstream body, writes it to the client
// unchanged, and — for 2xx JSON responses with non-zero usage — meters it.
func (g *Gateway) handleJSONPath(ctx *fasthttp.RequestCtx, resp *http.Response, userID, credential, requestModel, reqID string, status int, cacheHit bool, start time.Time) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.log.ErrorContext(ctx, "read_upstream_body_failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
	}
	ctx.SetBody(data)

	if status < 200 || status >= 300 || !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return
	}

	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              uint32 `json:"input_tokens"`
			OutputTokens             uint32 `json:"output_tokens"`
			CacheReadInputTokens     uint32 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens uint32 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		g.log.WarnContext(ctx, "meter_json_parse_failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		return
	}

	model := parsed.Model
	if model == "" {
		model = requestModel
	}
	usage := pricing.Usage{
		InputTokens:         parsed.Usage.InputTokens,
		OutputTokens:        parsed.Usage.OutputTokens,
		CacheReadTokens:     parsed.Usage.CacheReadInputTokens,
		CacheCreationTokens: parsed.Usage.CacheCreationInputTokens,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return
	}
	g.meter(userID, credential, model, usage, reqID, status, cacheHit, start)
}

// handleStreamPath pipes upstream bytes to the client immediately through
// an SSE extractor, then meters the accumulated usage once the stream ends.
func (g *Gateway) handleStreamPath(ctx *fasthttp.RequestCtx, resp *http.Response, userID, credential, requestModel, reqID string, cacheHit bool, start time.Time) {
	status := resp.StatusCode
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer resp.Body.Close()

		extractor := sse.New()
		buf := make([]byte, 32*1024)
		var total int

		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if _, werr := w.Write(chunk); werr != nil {
					break
				}
				if ferr := w.Flush(); ferr != nil {
					break
				}
				extractor.PushChunk(chunk)
				total += n
			}
			if readErr != nil {
				break
			}
		}
		extractor.Finish()

		if g.metrics != nil {
			g.metrics.AddSSEBytes(total)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("messages", status, time.Since(start))
		}

		usage := extractor.GetUsage()
		model := extractor.GetModel()
		if model == "" {
			model = requestModel
		}
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			return
		}
		g.meter(userID, credential, model, pricing.Usage{
			InputTokens:         usage.InputTokens,
			OutputTokens:        usage.OutputTokens,
			CacheReadTokens:     usage.CacheReadTokens,
			CacheCreationTokens: usage.CacheCreationTokens,
		}, reqID, status, cacheHit, start)
	})
}

// meter computes cost, fires the usage report, and records metrics/logs.
// Called at most once per response with non-zero usage — the METER contract.
func (g *Gateway) meter(userID, credential, model string, usage pricing.Usage, reqID string, status int, cacheHit bool, start time.Time) {
	cost := pricing.Cost(model, usage)

	g.reporter.Report(credential, billing.UsageReport{
		UserID:              userID,
		Model:               model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		Cost:                cost,
	})

	if g.metrics != nil {
		g.metrics.AddUsage(usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheCreationTokens, cost)
	}

	g.logRequest(reqID, userID, model, usage.InputTokens, usage.OutputTokens, cost, status, cacheHit, time.Since(start))
}

func (g *Gateway) recordGated(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordGatedOutcome(outcome)
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, userID, model string, inputTokens, outputTokens uint32, cost float64, status int, cacheHit bool, latency time.Duration) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		UserID:       userID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		LatencyMs:    uint16(latency.Milliseconds()),
		Status:       uint16(status),
		CacheHit:     cacheHit,
		CreatedAt:    time.Now(),
	})
}

// extractRequestModel best-effort parses the request body's "model" field,
// used only as a billing fallback identifier when upstream doesn't report one.
func extractRequestModel(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}
