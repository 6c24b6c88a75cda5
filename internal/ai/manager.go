package ai

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSystem  = "Linux"
	defaultContext = "Server administration"
)

// Manager orchestrates the three pipeline stages against a shared backend
// client. A Manager with no API key configured reports Enabled() == false and
// produces pass-through reports.
type Manager struct {
	client *Client
	logger *zap.Logger
}

// NewManager creates a Manager. client may be nil when AI is not configured.
func NewManager(client *Client, logger *zap.Logger) *Manager {
	return &Manager{client: client, logger: logger.Named("ai")}
}

// Enabled reports whether a backend is configured.
func (m *Manager) Enabled() bool {
	return m.client != nil
}

// Process runs validation, optimization, and enrichment in order.
// Optimization is skipped when validation marks the command unsafe: there is
// no point polishing a command that will be rejected, and the stub keeps the
// report shape stable for clients.
//
// Stage failures degrade rather than abort: a failed stage leaves its slot
// nil (validation gets a conservative "unknown" assessment instead, since a
// missing validation must not read as an endorsement) and the report is
// marked Degraded.
func (m *Manager) Process(ctx context.Context, command, system, execContext string) (*Report, error) {
	if system == "" {
		system = defaultSystem
	}
	if execContext == "" {
		execContext = defaultContext
	}

	report := &Report{
		OriginalCommand:  command,
		ProcessedCommand: command,
		Timestamp:        time.Now().UTC(),
	}

	if !m.Enabled() {
		m.logger.Debug("ai disabled, passing command through")
		report.Degraded = true
		report.Validation = &Validation{
			Safe:      true,
			RiskLevel: "unknown",
			Risks:     []string{"AI validation is disabled"},
		}
		return report, nil
	}

	validation, err := m.validate(ctx, command, system, execContext)
	if err != nil {
		m.logger.Warn("validation stage failed, degrading", zap.Error(err))
		report.Degraded = true
		report.Validation = &Validation{
			Safe:      true,
			RiskLevel: "unknown",
			Risks:     []string{"validation unavailable: " + err.Error()},
		}
	} else {
		report.Validation = validation
	}

	if report.Validation.Safe {
		optimization, err := m.optimize(ctx, command, system, execContext)
		if err != nil {
			m.logger.Warn("optimization stage failed, keeping original command", zap.Error(err))
			report.Degraded = true
		} else {
			report.Optimization = optimization
			if optimization.OptimizedCommand != "" {
				report.ProcessedCommand = optimization.OptimizedCommand
			}
		}
	} else {
		report.Optimization = &Optimization{
			OptimizedCommand: command,
			Explanation:      "optimization skipped: command failed safety validation",
		}
	}

	enrichment, err := m.enrich(ctx, command, system)
	if err != nil {
		m.logger.Warn("enrichment stage failed", zap.Error(err))
		report.Degraded = true
	} else {
		report.Enrichment = enrichment
	}

	return report, nil
}

func (m *Manager) validate(ctx context.Context, command, system, execContext string) (*Validation, error) {
	const systemPrompt = "You are a security expert tasked with validating shell commands. " +
		"Analyze the command for security risks, potential harmful operations, " +
		"and suggest safer alternatives if needed."

	userPrompt := "Please validate the following command for security risks:\n\n" +
		"Command: " + command + "\n\n" +
		"Target system: " + system + "\n\n" +
		"Execution context: " + execContext + "\n\n" +
		"Provide your analysis in JSON format with the following fields:\n" +
		"- safe: boolean indicating if the command is safe to execute\n" +
		"- risk_level: low, medium, or high\n" +
		"- risks: array of identified risks\n" +
		"- suggestions: array of safer alternatives or improvements\n"

	var result Validation
	if err := m.client.CompleteJSON(ctx, systemPrompt, userPrompt, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) optimize(ctx context.Context, command, system, execContext string) (*Optimization, error) {
	const systemPrompt = "You are an expert in shell commands and system administration. " +
		"Optimize the given command for better performance, readability, and safety " +
		"without changing its intent."

	userPrompt := "Please optimize the following command:\n\n" +
		"Command: " + command + "\n\n" +
		"Target system: " + system + "\n\n" +
		"Execution context: " + execContext + "\n\n" +
		"Provide your result in JSON format with the following fields:\n" +
		"- optimized_command: the improved command (or the original if no improvement applies)\n" +
		"- improvements: array of changes made\n" +
		"- explanation: short explanation of the optimization\n"

	var result Optimization
	if err := m.client.CompleteJSON(ctx, systemPrompt, userPrompt, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) enrich(ctx context.Context, command, system string) (*Enrichment, error) {
	const systemPrompt = "You are an expert in shell commands. Explain what the given " +
		"command does, broken down into its components, with side effects and prerequisites."

	userPrompt := "Please explain the following command:\n\n" +
		"Command: " + command + "\n\n" +
		"Target system: " + system + "\n\n" +
		"Provide your result in JSON format with the following fields:\n" +
		"- purpose: one-sentence description of what the command does\n" +
		"- components: array describing each part of the command\n" +
		"- side_effects: array of side effects on the system\n" +
		"- prerequisites: array of conditions required for the command to work\n" +
		"- related_commands: array of related or alternative commands\n"

	var result Enrichment
	if err := m.client.CompleteJSON(ctx, systemPrompt, userPrompt, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
