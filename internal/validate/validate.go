// Package validate performs structural checks on one agent exchange. It
// answers only "is this response shaped like work" -- semantic quality is
// the scorer's job.
package validate

import (
	"fmt"
	"strings"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
)

type Result struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// Check runs every structural rule and collects all failures rather than
// stopping at the first, so an escalation shows the operator the full
// picture.
func Check(it api.Iteration, cfg config.ValidateConfig) Result {
	var issues []string

	if it.OutcomeKind.IsProcessError() {
		issues = append(issues, fmt.Sprintf("process-level failure: %s", it.OutcomeKind))
	}
	if strings.TrimSpace(it.RawOutput) == "" {
		issues = append(issues, "empty response body")
	}
	if cfg.RequireMarker != "" && !strings.Contains(it.RawOutput, cfg.RequireMarker) {
		issues = append(issues, fmt.Sprintf("required marker %q not found", cfg.RequireMarker))
	}
	if !cfg.AllowDeniedOps && len(it.DeniedOperations) > 0 {
		issues = append(issues, fmt.Sprintf("agent attempted %d denied operation(s): %s",
			len(it.DeniedOperations), strings.Join(it.DeniedOperations, ", ")))
	}

	return Result{Passed: len(issues) == 0, Issues: issues}
}
