package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderline/internal/approval"
	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// Custom holds detection funcs for risk checks declared with kind
	// "custom"; unreferenced checks are simply never detected.
	Custom map[string]approval.CustomCheckFunc
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SubmitOptions are parameters for submitting an order.
type SubmitOptions struct {
	ID          string
	Description string
	ActorID     string
}

func (e Engine) SubmitOrder(ctx context.Context, opts SubmitOptions) (domain.Order, error) {
	if e.Config == nil {
		return domain.Order{}, errors.New("config not loaded")
	}
	if opts.Description == "" {
		return domain.Order{}, errors.New("description is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	o := domain.Order{
		ID:          id,
		Description: opts.Description,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "order.submitted", "order", o.ID, opts.ActorID, events.EventPayload{"status": o.Status}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ClaimOrder acquires the lease and bumps the attempt counter in one
// transaction, so an attempt is counted exactly once per claim-execute cycle
// no matter how the execution ends. Returns repo.ErrNotClaimable when the
// lease race is lost; callers skip the order, they do not error.
func (e Engine) ClaimOrder(ctx context.Context, orderID, workerID string) (domain.Order, error) {
	if e.Config == nil {
		return domain.Order{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.AcquireLease(ctx, tx, orderID, workerID, e.Config.Processor.LeaseDurationMs, e.nowMs(), e.nowStr())
	if err != nil {
		return domain.Order{}, err
	}
	o.AttemptCount++
	o.LastError = ""
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.claimed", "order", o.ID, workerID, events.EventPayload{
		"attempt":      o.AttemptCount,
		"locked_until": o.LockedUntil,
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// CompleteOrder marks the order completed, persists the execution result and
// appends the automated approval verdict.
func (e Engine) CompleteOrder(ctx context.Context, o domain.Order, res domain.ExecutionResult, workerID string) (domain.ExecutionResult, domain.ApprovalRecord, error) {
	if e.Config == nil {
		return res, domain.ApprovalRecord{}, errors.New("config not loaded")
	}
	now := e.nowStr()
	res.OrderID = o.ID
	if res.ResultID == "" {
		res.ResultID = uuid.New().String()
	}
	res.CreatedAt = now

	outcome := approval.Decide(res, e.Config.Approval, e.Custom, nil)
	record := outcome.Record(uuid.New().String(), now, res)

	o.Status = domain.StatusCompleted
	o.LastError = ""
	o.NextAttemptAt = 0
	o.LockedBy = ""
	o.LockedUntil = 0
	o.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, record, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return res, record, err
	}
	if err := e.Repo.SetResult(ctx, tx, res); err != nil {
		return res, record, err
	}
	if err := e.Repo.InsertApproval(ctx, tx, record); err != nil {
		return res, record, err
	}
	if err := e.Events.Append(ctx, tx, "order.completed", "order", o.ID, workerID, events.EventPayload{
		"result_id": res.ResultID,
		"attempt":   o.AttemptCount,
	}); err != nil {
		return res, record, err
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", "approval", record.ID, workerID, events.EventPayload{
		"decision": record.Decision,
		"source":   record.Source,
	}); err != nil {
		return res, record, err
	}
	if err := tx.Commit(); err != nil {
		return res, record, err
	}
	return res, record, nil
}

// FailOrder applies the retry policy after a failed attempt. Below the
// attempt cap the order backs off exponentially and becomes claimable again
// once next_attempt_at elapses; at the cap it goes failed_terminal and is
// never reclaimed. A result from the failed attempt, if any, is persisted for
// inspection but produces no approval record.
func (e Engine) FailOrder(ctx context.Context, o domain.Order, execErr error, res *domain.ExecutionResult, workerID string) (domain.Order, error) {
	if e.Config == nil {
		return o, errors.New("config not loaded")
	}
	p := e.Config.Processor
	now := e.nowStr()
	nowMs := e.nowMs()

	o.LastError = execErr.Error()
	o.LockedBy = ""
	o.LockedUntil = 0
	o.UpdatedAt = now

	evtType := "order.failed"
	if o.AttemptCount >= p.MaxAttempts {
		o.Status = domain.StatusFailedTerminal
		o.NextAttemptAt = 0
		evtType = "order.failed_terminal"
	} else {
		o.Status = domain.StatusFailed
		o.NextAttemptAt = nowMs + Backoff(o.AttemptCount, p.RetryBaseMs, p.RetryMaxMs)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if res != nil {
		res.OrderID = o.ID
		if res.ResultID == "" {
			res.ResultID = uuid.New().String()
		}
		res.CreatedAt = now
		if err := e.Repo.SetResult(ctx, tx, *res); err != nil {
			return o, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, "order", o.ID, workerID, events.EventPayload{
		"attempt":         o.AttemptCount,
		"error":           o.LastError,
		"next_attempt_at": o.NextAttemptAt,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// Backoff returns min(base * 2^(attempt-1), max) in milliseconds.
func Backoff(attempt int, baseMs, maxMs int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 overflows anything useful; shortcut straight to the cap.
	if attempt > 62 {
		return maxMs
	}
	d := baseMs << (attempt - 1)
	if d <= 0 || d > maxMs {
		return maxMs
	}
	return d
}

// ReleaseOrder abandons a claim without resolving the order.
func (e Engine) ReleaseOrder(ctx context.Context, orderID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReleaseLease(ctx, tx, orderID, e.nowStr()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lease.released", "order", orderID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// HumanDecide resolves the result with the given resultID under a human
// decision. The human verdict wins unconditionally and is recorded as a new
// immutable approval record; the order status follows the verdict unless the
// order is already terminal.
func (e Engine) HumanDecide(ctx context.Context, resultID, decision, feedback, actorID string) (domain.ApprovalRecord, error) {
	if e.Config == nil {
		return domain.ApprovalRecord{}, errors.New("config not loaded")
	}
	switch decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionRequiresImprovement:
	default:
		return domain.ApprovalRecord{}, fmt.Errorf("invalid decision %q", decision)
	}
	res, err := e.Repo.FindResultByResultID(ctx, resultID)
	if err != nil {
		return domain.ApprovalRecord{}, err
	}

	now := e.nowStr()
	nowMs := e.nowMs()
	outcome := approval.Decide(res, e.Config.Approval, e.Custom, &approval.HumanDecision{Decision: decision, Feedback: feedback})
	record := outcome.Record(uuid.New().String(), now, res)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return record, err
	}
	defer tx.Rollback()

	// Re-read under the transaction so the verdict applies to the order's
	// current state, not a snapshot taken before the tx began.
	o, err := e.Repo.GetOrderTx(ctx, tx, res.OrderID)
	if err != nil {
		return record, err
	}
	if !o.Terminal() {
		switch decision {
		case domain.DecisionApproved:
			o.Status = domain.StatusCompleted
			o.LastError = ""
			o.NextAttemptAt = 0
		case domain.DecisionRejected:
			o.Status = domain.StatusFailedTerminal
			o.LastError = "rejected by human review"
			o.NextAttemptAt = 0
		case domain.DecisionRequiresImprovement:
			o.Status = domain.StatusFailed
			o.NextAttemptAt = nowMs
		}
		// A live lease stays with its holder; the verdict must not open the
		// order to a second concurrent execution.
		if !o.Leased(nowMs) {
			o.LockedBy = ""
			o.LockedUntil = 0
		}
		o.UpdatedAt = now
		if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
			return record, err
		}
	}
	if err := e.Repo.InsertApproval(ctx, tx, record); err != nil {
		return record, err
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", "approval", record.ID, actorID, events.EventPayload{
		"decision":  record.Decision,
		"source":    record.Source,
		"result_id": resultID,
	}); err != nil {
		return record, err
	}
	if err := tx.Commit(); err != nil {
		return record, err
	}
	return record, nil
}

// Reevaluate re-runs the decision function against the stored result and
// appends a fresh approval record. Existing records are never mutated; this
// is the feedback loop for improved results.
func (e Engine) Reevaluate(ctx context.Context, resultID, actorID string) (domain.ApprovalRecord, error) {
	if e.Config == nil {
		return domain.ApprovalRecord{}, errors.New("config not loaded")
	}
	res, err := e.Repo.FindResultByResultID(ctx, resultID)
	if err != nil {
		return domain.ApprovalRecord{}, err
	}
	now := e.nowStr()
	outcome := approval.Decide(res, e.Config.Approval, e.Custom, nil)
	record := outcome.Record(uuid.New().String(), now, res)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return record, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, record); err != nil {
		return record, err
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", "approval", record.ID, actorID, events.EventPayload{
		"decision":  record.Decision,
		"source":    record.Source,
		"result_id": resultID,
	}); err != nil {
		return record, err
	}
	if err := tx.Commit(); err != nil {
		return record, err
	}
	return record, nil
}
