// Package apierr writes the proxy's client-facing error envelope.
//
// The wire shape is intentionally small: {"error": string, "details"?: string}.
// It is the only error format the request handler emits — upstream error
// bodies are passed through untouched rather than wrapped in this envelope.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Body is the JSON error envelope returned to clients.
type Body struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Write writes status and {"error": message} (plus optional details) as the
// response body.
func Write(ctx *fasthttp.RequestCtx, status int, message string, details ...string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b := Body{Error: message}
	if len(details) > 0 {
		b.Details = details[0]
	}
	body, _ := json.Marshal(b)
	ctx.SetBody(body)
}

// MissingCredential writes the 401 returned when x-api-key is absent.
func MissingCredential(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "Missing x-api-key header")
}

// InvalidCredential writes the 401 returned when token verification fails.
func InvalidCredential(ctx *fasthttp.RequestCtx, reason string) {
	Write(ctx, fasthttp.StatusUnauthorized, "Invalid or expired token", reason)
}

// InsufficientBalance writes the 402 returned when the user's balance snapshot
// is not usable.
func InsufficientBalance(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "Insufficient balance")
}

// BillingUnavailable writes the 503 returned when the billing service is
// unreachable and no stale snapshot can cover the request.
func BillingUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "Billing service unavailable")
}

// UpstreamUnreachable writes the 502 returned on a FORWARD transport failure.
func UpstreamUnreachable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "Failed to reach Anthropic API")
}

// InternalError writes a 500 for unexpected handler failures.
func InternalError(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error")
}
