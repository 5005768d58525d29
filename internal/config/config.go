package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Agent      AgentConfig      `toml:"agent"`
	Scorer     ScorerConfig     `toml:"scorer"`
	Confidence ConfidenceConfig `toml:"confidence"`
	Decision   DecisionConfig   `toml:"decision"`
	Budget     BudgetConfig     `toml:"budget"`
	Escalation EscalationConfig `toml:"escalation"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Validate   ValidateConfig   `toml:"validate"`
}

type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	MaxConcurrent  int    `toml:"max_concurrent"`
}

type AgentConfig struct {
	// Command is the argv prefix for the supervised agent binary; call
	// flags (output format, max turns, resume token) are appended per send.
	Command []string `toml:"command"`
	// PlainPipes opts out of the pty channel. The default agent refuses
	// persistent multi-turn use over plain pipes, so leave this unset
	// unless the configured agent tolerates them.
	PlainPipes     bool `toml:"plain_pipes"`
	TimeoutSeconds int  `toml:"timeout_seconds"`
	MaxTurns       int  `toml:"max_turns"`
	// TurnCeiling caps max-turns growth across retries.
	TurnCeiling        int `toml:"turn_ceiling"`
	ContextWindow      int `toml:"context_window"`
	TerminateGraceSecs int `toml:"terminate_grace_seconds"`
}

type ScorerConfig struct {
	Disabled       bool     `toml:"disabled"`
	Command        []string `toml:"command"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

type ConfidenceConfig struct {
	QualityWeight float64 `toml:"quality_weight"`
	HistoryWeight float64 `toml:"history_weight"`
	// UnverifiedCeiling caps combined confidence when the scorer was
	// unavailable.
	UnverifiedCeiling int `toml:"unverified_ceiling"`
}

type DecisionConfig struct {
	ProceedThreshold int  `toml:"proceed_threshold"`
	RetryThreshold   int  `toml:"retry_threshold"`
	MaxRetries       int  `toml:"max_retries"`
	HardStop         bool `toml:"hard_stop"`
}

type BudgetConfig struct {
	MonitorRatio float64 `toml:"monitor_ratio"`
	RotateRatio  float64 `toml:"rotate_ratio"`
}

type EscalationConfig struct {
	// Headless resolves every breakpoint as abort immediately: fail-safe
	// when no human channel exists.
	Headless       bool `toml:"headless"`
	PollIntervalMS int  `toml:"poll_interval_ms"`
	TimeoutMinutes int  `toml:"timeout_minutes"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

type ValidateConfig struct {
	// RequireMarker, when non-empty, must appear in the agent's result text.
	RequireMarker string `toml:"require_marker"`
	// AllowDeniedOps stops denied operations from failing validation.
	AllowDeniedOps bool `toml:"allow_denied_ops"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           7421,
			PollIntervalMS: 250,
			MaxConcurrent:  4,
		},
		Agent: AgentConfig{
			Command:            []string{"claude", "-p", "--output-format", "json"},
			TimeoutSeconds:     900,
			MaxTurns:           20,
			TurnCeiling:        80,
			ContextWindow:      200_000,
			TerminateGraceSecs: 5,
		},
		Scorer: ScorerConfig{
			Command:        []string{"opencode", "run", "--agent", "review"},
			TimeoutSeconds: 120,
		},
		Confidence: ConfidenceConfig{
			QualityWeight:     0.7,
			HistoryWeight:     0.3,
			UnverifiedCeiling: 60,
		},
		Decision: DecisionConfig{
			ProceedThreshold: 80,
			RetryThreshold:   40,
			MaxRetries:       3,
			HardStop:         false,
		},
		Budget: BudgetConfig{
			MonitorRatio: 0.70,
			RotateRatio:  0.85,
		},
		Escalation: EscalationConfig{
			Headless:       false,
			PollIntervalMS: 500,
			TimeoutMinutes: 0,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "http://127.0.0.1:4318",
		},
		Validate: ValidateConfig{},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, ".covalent", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	if err := Validate(res.Config); err != nil {
		res.ParseError = err
	}
	return res
}

// Validate rejects configurations the decision engine cannot act on sanely.
func Validate(c Config) error {
	if c.Decision.ProceedThreshold < 0 || c.Decision.ProceedThreshold > 100 {
		return fmt.Errorf("%w: proceed_threshold out of range", ErrInvalid)
	}
	if c.Decision.RetryThreshold < 0 || c.Decision.RetryThreshold > c.Decision.ProceedThreshold {
		return fmt.Errorf("%w: retry_threshold must be within [0, proceed_threshold]", ErrInvalid)
	}
	if c.Budget.RotateRatio <= 0 || c.Budget.RotateRatio > 1 {
		return fmt.Errorf("%w: rotate_ratio must be in (0,1]", ErrInvalid)
	}
	if c.Budget.MonitorRatio < 0 || c.Budget.MonitorRatio > c.Budget.RotateRatio {
		return fmt.Errorf("%w: monitor_ratio must be within [0, rotate_ratio]", ErrInvalid)
	}
	if c.Confidence.QualityWeight < 0 || c.Confidence.HistoryWeight < 0 ||
		c.Confidence.QualityWeight+c.Confidence.HistoryWeight == 0 {
		return fmt.Errorf("%w: confidence weights must be non-negative and not both zero", ErrInvalid)
	}
	if c.Agent.TurnCeiling < c.Agent.MaxTurns {
		return fmt.Errorf("%w: turn_ceiling below max_turns", ErrInvalid)
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("%w: agent command is empty", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	if cfg.Server.PollIntervalMS != 0 {
		def.Server.PollIntervalMS = cfg.Server.PollIntervalMS
	}
	if cfg.Server.MaxConcurrent != 0 {
		def.Server.MaxConcurrent = cfg.Server.MaxConcurrent
	}
	// Agent
	if len(cfg.Agent.Command) != 0 {
		def.Agent.Command = cfg.Agent.Command
	}
	def.Agent.PlainPipes = cfg.Agent.PlainPipes
	if cfg.Agent.TimeoutSeconds != 0 {
		def.Agent.TimeoutSeconds = cfg.Agent.TimeoutSeconds
	}
	if cfg.Agent.MaxTurns != 0 {
		def.Agent.MaxTurns = cfg.Agent.MaxTurns
	}
	if cfg.Agent.TurnCeiling != 0 {
		def.Agent.TurnCeiling = cfg.Agent.TurnCeiling
	}
	if cfg.Agent.ContextWindow != 0 {
		def.Agent.ContextWindow = cfg.Agent.ContextWindow
	}
	if cfg.Agent.TerminateGraceSecs != 0 {
		def.Agent.TerminateGraceSecs = cfg.Agent.TerminateGraceSecs
	}
	// Scorer
	def.Scorer.Disabled = cfg.Scorer.Disabled
	if len(cfg.Scorer.Command) != 0 {
		def.Scorer.Command = cfg.Scorer.Command
	}
	if cfg.Scorer.TimeoutSeconds != 0 {
		def.Scorer.TimeoutSeconds = cfg.Scorer.TimeoutSeconds
	}
	// Confidence
	if cfg.Confidence.QualityWeight != 0 {
		def.Confidence.QualityWeight = cfg.Confidence.QualityWeight
	}
	if cfg.Confidence.HistoryWeight != 0 {
		def.Confidence.HistoryWeight = cfg.Confidence.HistoryWeight
	}
	if cfg.Confidence.UnverifiedCeiling != 0 {
		def.Confidence.UnverifiedCeiling = cfg.Confidence.UnverifiedCeiling
	}
	// Decision
	if cfg.Decision.ProceedThreshold != 0 {
		def.Decision.ProceedThreshold = cfg.Decision.ProceedThreshold
	}
	if cfg.Decision.RetryThreshold != 0 {
		def.Decision.RetryThreshold = cfg.Decision.RetryThreshold
	}
	if cfg.Decision.MaxRetries != 0 {
		def.Decision.MaxRetries = cfg.Decision.MaxRetries
	}
	def.Decision.HardStop = cfg.Decision.HardStop
	// Budget
	if cfg.Budget.MonitorRatio != 0 {
		def.Budget.MonitorRatio = cfg.Budget.MonitorRatio
	}
	if cfg.Budget.RotateRatio != 0 {
		def.Budget.RotateRatio = cfg.Budget.RotateRatio
	}
	// Escalation
	def.Escalation.Headless = cfg.Escalation.Headless
	if cfg.Escalation.PollIntervalMS != 0 {
		def.Escalation.PollIntervalMS = cfg.Escalation.PollIntervalMS
	}
	if cfg.Escalation.TimeoutMinutes != 0 {
		def.Escalation.TimeoutMinutes = cfg.Escalation.TimeoutMinutes
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	// Validate
	if cfg.Validate.RequireMarker != "" {
		def.Validate.RequireMarker = cfg.Validate.RequireMarker
	}
	def.Validate.AllowDeniedOps = cfg.Validate.AllowDeniedOps
	return def
}
