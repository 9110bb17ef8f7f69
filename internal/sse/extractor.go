// Package sse implements the pass-through Server-Sent Events usage
// extractor: bytes are handed downstream verbatim while a persistent
// line buffer is parsed inline for usage and model fields.
package sse

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Usage accumulates token counts observed across a stream's events.
type Usage struct {
	InputTokens         uint32
	OutputTokens        uint32
	CacheReadTokens     uint32
	CacheCreationTokens uint32
}

var donePayload = []byte("[DONE]")
var dataPrefix = []byte("data: ")

// usageEvent is the subset of upstream SSE JSON payloads the extractor cares
// about. Unknown fields are ignored by encoding/json.
type usageEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens              *uint32 `json:"input_tokens"`
			CacheReadInputTokens     *uint32 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens *uint32 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage *struct {
		OutputTokens             *uint32 `json:"output_tokens"`
		InputTokens              *uint32 `json:"input_tokens"`
		CacheReadInputTokens     *uint32 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens *uint32 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// Extractor parses a byte-for-byte upstream SSE body inline without ever
// delaying or buffering the bytes handed to the downstream sink.
type Extractor struct {
	mu    sync.Mutex
	buf   []byte
	usage Usage
	model string
}

// New creates an Extractor with an empty accumulator.
func New() *Extractor {
	return &Extractor{}
}

// PushChunk feeds one upstream byte chunk into the line parser. Callers are
// responsible for writing chunk to the downstream sink themselves, before or
// concurrently with calling PushChunk — this method never blocks on I/O.
func (e *Extractor) PushChunk(chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf = append(e.buf, chunk...)
	for {
		idx := bytes.IndexByte(e.buf, '\n')
		if idx < 0 {
			break
		}
		line := e.buf[:idx]
		e.buf = e.buf[idx+1:]
		e.parseLine(line)
	}
}

// Finish flushes any residual buffered (newline-less) content through the
// line parser. Call once after the upstream body is exhausted.
func (e *Extractor) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) > 0 {
		e.parseLine(e.buf)
		e.buf = nil
	}
}

// GetUsage returns the accumulator's current state. Safe to call at any
// time, including after Finish.
func (e *Extractor) GetUsage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// GetModel returns the most recently observed model string, or "" if none
// was seen.
func (e *Extractor) GetModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// parseLine must be called with e.mu held.
func (e *Extractor) parseLine(line []byte) {
	trimmed := bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(trimmed, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, donePayload) {
		return
	}

	var ev usageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return // silent per the contract: parse failures never affect passthrough
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			if ev.Message.Model != "" {
				e.model = ev.Message.Model
			}
			if u := ev.Message.Usage; u != nil {
				if u.InputTokens != nil {
					e.usage.InputTokens = *u.InputTokens
				}
				if u.CacheReadInputTokens != nil {
					e.usage.CacheReadTokens = *u.CacheReadInputTokens
				}
				if u.CacheCreationInputTokens != nil {
					e.usage.CacheCreationTokens = *u.CacheCreationInputTokens
				}
			}
		}
	case "message_delta":
		if u := ev.Usage; u != nil {
			if u.OutputTokens != nil {
				e.usage.OutputTokens = *u.OutputTokens
			}
			if u.InputTokens != nil {
				e.usage.InputTokens = *u.InputTokens
			}
			if u.CacheReadInputTokens != nil {
				e.usage.CacheReadTokens = *u.CacheReadInputTokens
			}
			if u.CacheCreationInputTokens != nil {
				e.usage.CacheCreationTokens = *u.CacheCreationInputTokens
			}
		}
	}
}
