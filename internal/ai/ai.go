// Package ai implements the optional command pre-processing stage: a command
// submitted with use_ai is validated for security risks, optimized, and
// enriched with explanatory context before dispatch.
//
// The backend is any OpenAI-compatible chat-completions API. Backend failures
// never fail the command by themselves: Process degrades to a report that
// carries the original command unchanged and marks itself Degraded, and the
// router dispatches the original text. Only a completed validation reporting
// the command unsafe can block dispatch.
package ai

import (
	"context"
	"errors"
	"time"
)

// ErrBackend is returned when the AI backend cannot be reached or produces an
// unusable response. Callers treat it as recoverable.
var ErrBackend = errors.New("ai: backend failure")

// Validation is the security assessment of a command.
type Validation struct {
	Safe        bool     `json:"safe"`
	RiskLevel   string   `json:"risk_level"`
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
}

// Optimization is a suggested rewrite of the command.
type Optimization struct {
	OptimizedCommand string   `json:"optimized_command"`
	Improvements     []string `json:"improvements"`
	Explanation      string   `json:"explanation"`
}

// Enrichment is explanatory context attached to the command.
type Enrichment struct {
	Purpose         string   `json:"purpose"`
	Components      []string `json:"components"`
	SideEffects     []string `json:"side_effects"`
	Prerequisites   []string `json:"prerequisites"`
	RelatedCommands []string `json:"related_commands"`
}

// Report is the combined pre-processing result. ProcessedCommand is the text
// the router dispatches: the optimized command when optimization succeeded,
// the original otherwise.
type Report struct {
	OriginalCommand  string        `json:"original_command"`
	ProcessedCommand string        `json:"processed_command"`
	Validation       *Validation   `json:"validation,omitempty"`
	Optimization     *Optimization `json:"optimization,omitempty"`
	Enrichment       *Enrichment   `json:"enrichment,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`

	// Degraded is set when the backend failed and the report is a
	// pass-through of the original command.
	Degraded bool `json:"degraded,omitempty"`
}

// Processor is the router-facing contract of the pre-processing stage.
type Processor interface {
	// Process runs the full pipeline. system and execContext describe the
	// target ("Linux", "Server administration") and may be empty.
	Process(ctx context.Context, command, system, execContext string) (*Report, error)
	Enabled() bool
}
