package api

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7421
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskEscalated TaskStatus = "escalated"
	TaskAborted   TaskStatus = "aborted"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskAborted, TaskCancelled:
		return true
	default:
		return false
	}
}

type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionReady        SessionState = "ready"
	SessionBusy         SessionState = "busy"
	SessionError        SessionState = "error"
	SessionTerminated   SessionState = "terminated"
)

// OutcomeKind classifies one agent exchange. MaxTurns is deliberately its
// own kind: the agent reports exhausting its internal turn budget with a
// success-shaped payload, and treating it as success silently accepts
// incomplete work.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeMaxTurns  OutcomeKind = "max_turns_reached"
	OutcomeTimeout   OutcomeKind = "error_timeout"
	OutcomeCrashed   OutcomeKind = "error_crashed"
	OutcomeMalformed OutcomeKind = "error_malformed"
)

// IsProcessError reports whether the outcome is a process-level failure
// (as opposed to success or the max-turns signal).
func (k OutcomeKind) IsProcessError() bool {
	switch k {
	case OutcomeTimeout, OutcomeCrashed, OutcomeMalformed:
		return true
	default:
		return false
	}
}

// TokenUsage is one per-call token report from the agent. The agent never
// reports a running total; cumulative accounting lives in the budget table.
type TokenUsage struct {
	Input      int `json:"input_tokens"`
	CacheWrite int `json:"cache_write_tokens"`
	CacheRead  int `json:"cache_read_tokens"`
	Output     int `json:"output_tokens"`
}

// Total counts every token kind against context capacity. Cache reads are
// cheaper to bill but still occupy the window.
func (u TokenUsage) Total() int {
	return u.Input + u.CacheWrite + u.CacheRead + u.Output
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:      u.Input + o.Input,
		CacheWrite: u.CacheWrite + o.CacheWrite,
		CacheRead:  u.CacheRead + o.CacheRead,
		Output:     u.Output + o.Output,
	}
}

type Task struct {
	TaskID          string     `json:"task_id"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	MaxTurns        int        `json:"max_turns"`
	ArtifactsRoot   string     `json:"artifacts_root"`
	ActiveSessionID *string    `json:"active_session_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
	LatestDecision  *Decision  `json:"latest_decision,omitempty"`
}

type Session struct {
	SessionID    string       `json:"session_id"`
	TaskID       string       `json:"task_id"`
	AgentToken   string       `json:"agent_session_token,omitempty"`
	State        SessionState `json:"state"`
	StartedAt    string       `json:"started_at"`
	LastActiveAt string       `json:"last_active_at"`
}

// Iteration is one prompt/response exchange. RawOutput is byte-exact agent
// output; rows are append-only and never mutated after insert.
type Iteration struct {
	ID                 int64       `json:"id"`
	SessionID          string      `json:"session_id"`
	TaskID             string      `json:"task_id"`
	Prompt             string      `json:"prompt"`
	RawOutput          string      `json:"raw_output"`
	OutcomeKind        OutcomeKind `json:"outcome_kind"`
	TurnsUsed          int         `json:"turns_used"`
	Usage              TokenUsage  `json:"usage"`
	CostUSD            float64     `json:"cost_usd"`
	DeniedOperations   []string    `json:"denied_operations,omitempty"`
	QualityScore       *int        `json:"quality_score,omitempty"`
	QualityUnavailable bool        `json:"quality_unavailable,omitempty"`
	DurationMS         int64       `json:"duration_ms"`
	CreatedAt          string      `json:"created_at"`
}

type DecisionOutcome string

const (
	DecisionProceed  DecisionOutcome = "proceed"
	DecisionRetry    DecisionOutcome = "retry"
	DecisionRotate   DecisionOutcome = "rotate"
	DecisionEscalate DecisionOutcome = "escalate"
	DecisionAbort    DecisionOutcome = "abort"
)

// Decision is one state-machine transition with its deciding inputs
// snapshotted. Append-only audit record, durable before it is acted on.
type Decision struct {
	ID          int64           `json:"id"`
	TaskID      string          `json:"task_id"`
	IterationID *int64          `json:"iteration_id,omitempty"`
	Outcome     DecisionOutcome `json:"outcome"`
	Reason      string          `json:"reason"`
	Confidence  int             `json:"confidence"`
	UsageRatio  float64         `json:"usage_ratio"`
	RetryCount  int             `json:"retry_count"`
	Thresholds  string          `json:"thresholds,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

type Directive string

const (
	DirectiveApprove Directive = "approve"
	DirectiveModify  Directive = "modify"
	DirectiveAbort   Directive = "abort"
)

func ValidDirective(d Directive) bool {
	switch d {
	case DirectiveApprove, DirectiveModify, DirectiveAbort:
		return true
	default:
		return false
	}
}

// Breakpoint is a durable, blocking request for human judgment. The owning
// task stays escalated until Directive is recorded.
type Breakpoint struct {
	BreakpointID string     `json:"breakpoint_id"`
	TaskID       string     `json:"task_id"`
	Trigger      string     `json:"trigger"`
	Context      string     `json:"context,omitempty"`
	Directive    *Directive `json:"directive,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    string     `json:"created_at"`
	ResolvedAt   string     `json:"resolved_at,omitempty"`
}

type Checkpoint struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	RetryCount int    `json:"retry_count"`
	Budget     string `json:"budget"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at"`
}

type CreateTaskRequest struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	MaxTurns    int    `json:"max_turns,omitempty"`
}

type RespondRequest struct {
	Directive Directive `json:"directive"`
	Note      string    `json:"note,omitempty"`
}
