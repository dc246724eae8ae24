package server

import (
	"orderline/internal/domain"
)

// Request payloads

type SubmitOrderRequest struct {
	ID          *string `json:"id,omitempty"`
	Description string  `json:"description"`
}

type HumanDecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected,requires_improvement"`
	Feedback string `json:"feedback,omitempty"`
}

// Response payloads

type OrderResponse struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	Status        string `json:"status" enum:"pending,in_progress,completed,failed,failed_terminal"`
	AttemptCount  int    `json:"attempt_count"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	LockedBy      string `json:"locked_by,omitempty"`
	LockedUntil   int64  `json:"locked_until,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type ResultResponse struct {
	ResultID    string           `json:"result_id"`
	OrderID     string           `json:"order_id"`
	Success     bool             `json:"success"`
	Output      map[string]any   `json:"output,omitempty"`
	Logs        []domain.LogLine `json:"logs,omitempty"`
	ElapsedMs   int64            `json:"elapsed_ms"`
	Environment string           `json:"environment,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

type ApprovalResponse struct {
	ID           string   `json:"id"`
	ResultID     string   `json:"result_id"`
	OrderID      string   `json:"order_id"`
	Decision     string   `json:"decision" enum:"approved,rejected,requires_improvement"`
	Source       string   `json:"source" enum:"automated,human"`
	Feedback     string   `json:"feedback,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse(o)
}

func resultResponse(r domain.ExecutionResult) ResultResponse {
	return ResultResponse(r)
}

func approvalResponse(a domain.ApprovalRecord) ApprovalResponse {
	return ApprovalResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func mapOrders(in []domain.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(in))
	for _, o := range in {
		out = append(out, orderResponse(o))
	}
	return out
}

func mapApprovals(in []domain.ApprovalRecord) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(in))
	for _, a := range in {
		out = append(out, approvalResponse(a))
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}
