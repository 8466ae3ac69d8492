package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Sentinel lines framing the authoritative agent result on stdout.
const (
	OutputStartSentinel = "---NANOCLAW_OUTPUT_START---"
	OutputEndSentinel   = "---NANOCLAW_OUTPUT_END---"
)

// AgentResult is the JSON the agent prints between the sentinels.
type AgentResult struct {
	Status       string `json:"status"` // "success" | "error"
	Result       *string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ParseOutput extracts the agent result from raw stdout. Debug lines may
// precede the sentinel window; if no window exists, the last non-empty line
// is tried as bare JSON.
func ParseOutput(stdout string) AgentResult {
	payload, ok := sentinelWindow(stdout)
	if !ok {
		payload = lastNonEmptyLine(stdout)
	}

	var res AgentResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil || res.Status == "" {
		detail := strings.TrimSpace(payload)
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return AgentResult{
			Status: "error",
			Error:  fmt.Sprintf("Failed to parse container output: %s", detail),
		}
	}
	return res
}

func sentinelWindow(stdout string) (string, bool) {
	start := strings.LastIndex(stdout, OutputStartSentinel)
	if start < 0 {
		return "", false
	}
	rest := stdout[start+len(OutputStartSentinel):]
	end := strings.Index(rest, OutputEndSentinel)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// boundedBuffer accumulates stream output up to a byte limit; further data
// is dropped and the truncation flag recorded.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report full consumption so the pipe never stalls.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
