package domain

// Order statuses. "failed" means awaiting retry once the backoff elapses;
// "failed_terminal" means the retry budget is exhausted and the order is final.
const (
	StatusPending        = "pending"
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusFailedTerminal = "failed_terminal"
)

// Decision verdicts and sources.
const (
	DecisionApproved            = "approved"
	DecisionRejected            = "rejected"
	DecisionRequiresImprovement = "requires_improvement"

	SourceAutomated = "automated"
	SourceHuman     = "human"
)

type Order struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	Status        string `json:"status" enum:"pending,in_progress,completed,failed,failed_terminal"`
	AttemptCount  int    `json:"attempt_count"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"` // epoch ms; 0 when unscheduled
	LockedBy      string `json:"locked_by,omitempty"`
	LockedUntil   int64  `json:"locked_until,omitempty"` // epoch ms; 0 when unleased
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further automatic transition can occur.
func (o Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailedTerminal
}

// Leased reports whether the order holds a live lease at the given instant.
func (o Order) Leased(nowMs int64) bool {
	return o.LockedBy != "" && o.LockedUntil > nowMs
}

type LogLine struct {
	TS      string `json:"ts" format:"date-time"`
	Level   string `json:"level" enum:"debug,info,warn,error"`
	Message string `json:"message"`
}

// ExecutionResult is the output of one executor attempt, persisted under the
// order id. ResultID identifies this particular attempt for the human
// decision channel.
type ExecutionResult struct {
	ResultID    string         `json:"result_id"`
	OrderID     string         `json:"order_id"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Logs        []LogLine      `json:"logs,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	Environment string         `json:"environment,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// ErrorLogCount counts error-level log lines.
func (r ExecutionResult) ErrorLogCount() int {
	n := 0
	for _, l := range r.Logs {
		if l.Level == "error" {
			n++
		}
	}
	return n
}

// ApprovalRecord is immutable once created. A feedback-loop re-evaluation
// appends a new record for the same result; it never rewrites an old one.
type ApprovalRecord struct {
	ID           string   `json:"id"`
	ResultID     string   `json:"result_id"`
	OrderID      string   `json:"order_id"`
	Decision     string   `json:"decision" enum:"approved,rejected,requires_improvement"`
	Source       string   `json:"source" enum:"automated,human"`
	Feedback     string   `json:"feedback,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
