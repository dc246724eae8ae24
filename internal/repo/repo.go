package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"orderline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrNotClaimable signals a lost lease race or an order that is no longer
// eligible. Callers skip the order; this is control flow, not a failure.
var ErrNotClaimable = errors.New("order not claimable")

const orderColumns = `id,description,status,attempt_count,last_error,next_attempt_at,locked_by,locked_until,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (domain.Order, error) {
	var o domain.Order
	var lastError, lockedBy sql.NullString
	err := row.Scan(&o.ID, &o.Description, &o.Status, &o.AttemptCount, &lastError, &o.NextAttemptAt, &lockedBy, &o.LockedUntil, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if lastError.Valid {
		o.LastError = lastError.String
	}
	if lockedBy.Valid {
		o.LockedBy = lockedBy.String
	}
	return o, nil
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Description, o.Status, o.AttemptCount, nullable(o.LastError), o.NextAttemptAt, nullable(o.LockedBy), o.LockedUntil, o.CreatedAt, o.UpdatedAt)
	return err
}

// UpdateOrder writes the whole record back. Field-level merging is the
// caller's responsibility; the store does not merge.
func (r Repo) UpdateOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET description=?, status=?, attempt_count=?, last_error=?, next_attempt_at=?, locked_by=?, locked_until=?, updated_at=? WHERE id=?`,
		o.Description, o.Status, o.AttemptCount, nullable(o.LastError), o.NextAttemptAt, nullable(o.LockedBy), o.LockedUntil, o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

type OrderFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// DueOrders returns orders eligible for a claim at nowMs: not terminal,
// backoff elapsed, and any previous lease expired. An in_progress order with
// an expired lease is due; that is how a crashed worker's claim is recovered.
func (r Repo) DueOrders(ctx context.Context, nowMs int64) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
WHERE status NOT IN (?,?) AND next_attempt_at <= ? AND locked_until <= ?
ORDER BY next_attempt_at ASC, created_at ASC, id ASC`,
		domain.StatusCompleted, domain.StatusFailedTerminal, nowMs, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// AcquireLease is the check-and-set at the heart of the pipeline. It re-reads
// the order inside the caller's transaction, fails with ErrNotClaimable if the
// order is terminal or another holder's lease is still live, and otherwise
// marks it in_progress under the new lease.
func (r Repo) AcquireLease(ctx context.Context, tx *sql.Tx, id, holderID string, leaseDurationMs, nowMs int64, updatedAt string) (domain.Order, error) {
	o, err := r.GetOrderTx(ctx, tx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Terminal() {
		return domain.Order{}, ErrNotClaimable
	}
	if o.Leased(nowMs) {
		return domain.Order{}, ErrNotClaimable
	}
	o.Status = domain.StatusInProgress
	o.LockedBy = holderID
	o.LockedUntil = nowMs + leaseDurationMs
	o.UpdatedAt = updatedAt
	if err := r.UpdateOrder(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ReleaseLease clears the lease fields without touching status. Used when a
// caller abandons an order without resolving it.
func (r Repo) ReleaseLease(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET locked_by=NULL, locked_until=0, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// SetResult upserts the latest execution result for an order. One result row
// exists per order; each attempt replaces it under a fresh result id.
func (r Repo) SetResult(ctx context.Context, tx *sql.Tx, res domain.ExecutionResult) error {
	output, err := marshalJSON(res.Output)
	if err != nil {
		return fmt.Errorf("marshal result output: %w", err)
	}
	logs, err := marshalJSON(res.Logs)
	if err != nil {
		return fmt.Errorf("marshal result logs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO results(order_id,result_id,success,output_json,logs_json,elapsed_ms,environment,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(order_id) DO UPDATE SET result_id=excluded.result_id, success=excluded.success, output_json=excluded.output_json, logs_json=excluded.logs_json, elapsed_ms=excluded.elapsed_ms, environment=excluded.environment, created_at=excluded.created_at`,
		res.OrderID, res.ResultID, boolToInt(res.Success), output, logs, res.ElapsedMs, nullable(res.Environment), res.CreatedAt)
	return err
}

func (r Repo) GetResult(ctx context.Context, orderID string) (domain.ExecutionResult, error) {
	return scanResult(r.DB.QueryRowContext(ctx, `SELECT order_id,result_id,success,output_json,logs_json,elapsed_ms,environment,created_at FROM results WHERE order_id=?`, orderID))
}

func (r Repo) FindResultByResultID(ctx context.Context, resultID string) (domain.ExecutionResult, error) {
	return scanResult(r.DB.QueryRowContext(ctx, `SELECT order_id,result_id,success,output_json,logs_json,elapsed_ms,environment,created_at FROM results WHERE result_id=?`, resultID))
}

func scanResult(row scanner) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	var success int
	var output, logs, environment sql.NullString
	err := row.Scan(&res.OrderID, &res.ResultID, &success, &output, &logs, &res.ElapsedMs, &environment, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Success = success != 0
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &res.Output); err != nil {
			return res, fmt.Errorf("decode result output: %w", err)
		}
	}
	if logs.Valid && logs.String != "" {
		if err := json.Unmarshal([]byte(logs.String), &res.Logs); err != nil {
			return res, fmt.Errorf("decode result logs: %w", err)
		}
	}
	if environment.Valid {
		res.Environment = environment.String
	}
	return res, nil
}

// InsertApproval appends an immutable approval record.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRecord) error {
	reqs, err := marshalJSON(a.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approvals(id,result_id,order_id,decision,source,feedback,requirements_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ResultID, a.OrderID, a.Decision, a.Source, nullable(a.Feedback), reqs, a.CreatedAt)
	return err
}

func (r Repo) ListApprovalsByOrder(ctx context.Context, orderID string) ([]domain.ApprovalRecord, error) {
	return r.listApprovals(ctx, "order_id", orderID)
}

func (r Repo) ListApprovalsByResult(ctx context.Context, resultID string) ([]domain.ApprovalRecord, error) {
	return r.listApprovals(ctx, "result_id", resultID)
}

func (r Repo) listApprovals(ctx context.Context, column, value string) ([]domain.ApprovalRecord, error) {
	query := fmt.Sprintf(`SELECT id,result_id,order_id,decision,source,feedback,requirements_json,created_at FROM approvals WHERE %s=? ORDER BY created_at ASC, id ASC`, column)
	rows, err := r.DB.QueryContext(ctx, query, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRecord
	for rows.Next() {
		var a domain.ApprovalRecord
		var feedback, reqs sql.NullString
		if err := rows.Scan(&a.ID, &a.ResultID, &a.OrderID, &a.Decision, &a.Source, &feedback, &reqs, &a.CreatedAt); err != nil {
			return nil, err
		}
		if feedback.Valid {
			a.Feedback = feedback.String
		}
		if reqs.Valid && reqs.String != "" {
			if err := json.Unmarshal([]byte(reqs.String), &a.Requirements); err != nil {
				return nil, fmt.Errorf("decode requirements: %w", err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
