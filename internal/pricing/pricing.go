// Package pricing maps Claude model identifiers to per-million-token USD
// prices and computes the cost of a metered usage record.
package pricing

// ModelPricing holds USD-per-million-token rates for one model.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Usage holds the token counts extracted from an upstream response.
type Usage struct {
	InputTokens         uint32
	OutputTokens        uint32
	CacheReadTokens     uint32
	CacheCreationTokens uint32
}

// defaultRow is used for any model id absent from table.
var defaultRow = ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}

// table maps the named set of Claude model aliases seen across the example
// pack to their per-million-token USD rates. Dated snapshot ids resolve to
// the same row as their alias since Anthropic does not reprice dated
// snapshots independently of the family they belong to.
var table = map[string]ModelPricing{
	"claude-opus-4-6":            {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-opus-4-1":            {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-opus-4-20250514":     {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-sonnet-4-6":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-5":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-20250514":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-7-sonnet-20250219": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-sonnet-20241022": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku-4-5":           {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
	"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheWrite: 0.3},
}

// Lookup returns the pricing row for model, falling back to the default row
// for unknown ids. The bool reports whether model had an exact table entry.
func Lookup(model string) (ModelPricing, bool) {
	row, ok := table[model]
	if !ok {
		return defaultRow, false
	}
	return row, true
}

// Cost computes the USD cost of usage for model using double-precision
// arithmetic; callers should compare results with a tolerance, not exact
// equality.
func Cost(model string, usage Usage) float64 {
	row, _ := Lookup(model)
	return (float64(usage.InputTokens)*row.Input +
		float64(usage.OutputTokens)*row.Output +
		float64(usage.CacheReadTokens)*row.CacheRead +
		float64(usage.CacheCreationTokens)*row.CacheWrite) / 1_000_000
}
