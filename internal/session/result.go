package session

import (
	"bytes"
	"encoding/json"

	"github.com/throw-if-null/covalent/internal/api"
)

// resultEnvelope is the structured single-object result the agent emits at
// the end of a call. Everything else on the channel is progress noise that
// is preserved verbatim in the iteration's raw output.
type resultEnvelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Result       string  `json:"result"`
	Usage        struct {
		InputTokens              int `json:"input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		OutputTokens             int `json:"output_tokens"`
	} `json:"usage"`
	PermissionDenials []json.RawMessage `json:"permission_denials"`
}

const (
	subtypeSuccess  = "success"
	subtypeMaxTurns = "error_max_turns"
)

// parseResult scans accumulated output for the last well-formed result
// object. Partial trailing lines simply fail to parse and are retried on
// the next drain read.
func parseResult(b []byte) (*resultEnvelope, bool) {
	var found *resultEnvelope
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimSpace(bytes.TrimRight(line, "\r"))
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var env resultEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.Type == "result" {
			e := env
			found = &e
		}
	}
	return found, found != nil
}

// outcome maps the agent's subtype to the tagged outcome kind. The agent
// reports "maximum turns reached" as a non-error status distinct from
// success; collapsing it into either side is the classic way to accept
// incomplete work.
func (r *resultEnvelope) outcome() api.OutcomeKind {
	switch r.Subtype {
	case subtypeSuccess:
		if r.IsError {
			return api.OutcomeCrashed
		}
		return api.OutcomeSuccess
	case subtypeMaxTurns:
		return api.OutcomeMaxTurns
	default:
		return api.OutcomeCrashed
	}
}

func (r *resultEnvelope) tokenUsage() api.TokenUsage {
	return api.TokenUsage{
		Input:      r.Usage.InputTokens,
		CacheWrite: r.Usage.CacheCreationInputTokens,
		CacheRead:  r.Usage.CacheReadInputTokens,
		Output:     r.Usage.OutputTokens,
	}
}

// deniedOperations flattens permission denials into readable strings. The
// agent emits either bare strings or {tool_name, ...} objects depending on
// version.
func (r *resultEnvelope) deniedOperations() []string {
	var out []string
	for _, raw := range r.PermissionDenials {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			ToolName string `json:"tool_name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.ToolName != "" {
			out = append(out, obj.ToolName)
			continue
		}
		out = append(out, string(raw))
	}
	return out
}
