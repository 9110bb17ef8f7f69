package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStartThenDeltaAccumulatesUsage(t *testing.T) {
	e := New()

	e.PushChunk([]byte(`data: {"type":"message_start","message":{"model":"claude-sonnet-4-6-20250514","usage":{"input_tokens":500,"cache_read_input_tokens":100}}}` + "\n\n"))
	e.PushChunk([]byte(`data: {"type":"message_delta","usage":{"output_tokens":150}}` + "\n\n"))
	e.PushChunk([]byte("data: [DONE]\n\n"))
	e.Finish()

	usage := e.GetUsage()
	assert.Equal(t, uint32(500), usage.InputTokens)
	assert.Equal(t, uint32(150), usage.OutputTokens)
	assert.Equal(t, uint32(100), usage.CacheReadTokens)
	assert.Equal(t, "claude-sonnet-4-6-20250514", e.GetModel())
}

func TestMessageDeltaOverwritesNotAccumulates(t *testing.T) {
	e := New()
	e.PushChunk([]byte(`data: {"type":"message_delta","usage":{"output_tokens":10}}` + "\n"))
	e.PushChunk([]byte(`data: {"type":"message_delta","usage":{"output_tokens":25}}` + "\n"))
	assert.Equal(t, uint32(25), e.GetUsage().OutputTokens)
}

func TestUnparseableEventIsIgnoredSilently(t *testing.T) {
	e := New()
	e.PushChunk([]byte("data: {not json\n"))
	e.PushChunk([]byte(`data: {"type":"message_start","message":{"model":"m","usage":{"input_tokens":5}}}` + "\n"))
	assert.Equal(t, uint32(5), e.GetUsage().InputTokens)
}

func TestNonDataLinesAreIgnored(t *testing.T) {
	e := New()
	e.PushChunk([]byte("event: ping\n"))
	e.PushChunk([]byte(`data: {"type":"message_start","message":{"model":"m","usage":{"input_tokens":5}}}` + "\n"))
	assert.Equal(t, uint32(5), e.GetUsage().InputTokens)
}

func TestFinishFlushesResidualUnterminatedLine(t *testing.T) {
	e := New()
	e.PushChunk([]byte(`data: {"type":"message_start","message":{"model":"m","usage":{"input_tokens":7}}}`))
	assert.Equal(t, uint32(0), e.GetUsage().InputTokens) // no trailing newline yet
	e.Finish()
	assert.Equal(t, uint32(7), e.GetUsage().InputTokens)
}

func TestSplitAcrossChunksStillParses(t *testing.T) {
	e := New()
	full := `data: {"type":"message_start","message":{"model":"m","usage":{"input_tokens":9}}}` + "\n"
	e.PushChunk([]byte(full[:20]))
	e.PushChunk([]byte(full[20:]))
	assert.Equal(t, uint32(9), e.GetUsage().InputTokens)
}

func TestOtherEventTypesIgnoredForUsage(t *testing.T) {
	e := New()
	e.PushChunk([]byte(`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n"))
	usage := e.GetUsage()
	assert.Equal(t, Usage{}, usage)
}
