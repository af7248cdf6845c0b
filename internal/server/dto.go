package server

import (
	"threadline/internal/domain"
	"threadline/internal/orchestrator"
)

// Request payloads

type CreateThreadRequest struct {
	Title          string  `json:"title,omitempty"`
	SphereID       *string `json:"sphere_id,omitempty"`
	FoundingIntent string  `json:"founding_intent"`
}

type UpdateThreadRequest struct {
	Title    *string `json:"title,omitempty"`
	SphereID *string `json:"sphere_id,omitempty"`
}

type RefineIntentRequest struct {
	Intent string `json:"intent"`
}

type AppendEventRequest struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActionType string         `json:"action_type,omitempty"`
	Impact     string         `json:"impact,omitempty" enum:"low,medium,high,critical"`
}

type RecordDecisionRequest struct {
	Title     string `json:"title"`
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale,omitempty"`
}

type CreateActionRequest struct {
	ActionType string `json:"action_type"`
	Impact     string `json:"impact,omitempty" enum:"low,medium,high,critical"`
	Title      string `json:"title"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

type RejectCheckpointRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RespondPointRequest struct {
	ResponseType string `json:"response_type" enum:"VALIDATE,REDIRECT,REJECT,COMMENT,DEFER"`
	Response     string `json:"response,omitempty"`
}

type ReceiveSignalRequest struct {
	Level      string   `json:"level" enum:"WARN,CORRECT,PAUSE,BLOCK,ESCALATE"`
	Criterion  string   `json:"criterion"`
	Scope      []string `json:"scope,omitempty"`
	Confidence float64  `json:"confidence"`
	Origin     string   `json:"origin,omitempty"`
}

type DecideRequest struct {
	ThreadID string                     `json:"thread_id"`
	Scores   orchestrator.SegmentScores `json:"scores"`
	Budgets  orchestrator.Budgets       `json:"budgets"`
}

type SegmentBatchRequest struct {
	ThreadID    string               `json:"thread_id"`
	Content     string               `json:"content"`
	ContentType string               `json:"content_type" enum:"document,code,workflow,spatial,default"`
	Budgets     orchestrator.Budgets `json:"budgets"`
}

// Response payloads

type ThreadResponse struct {
	ID                 string `json:"id"`
	IdentityID         string `json:"identity_id"`
	SphereID           string `json:"sphere_id,omitempty"`
	Title              string `json:"title,omitempty"`
	FoundingIntent     string `json:"founding_intent"`
	CurrentIntent      string `json:"current_intent"`
	Status             string `json:"status" enum:"active,paused,archived"`
	EventCount         int64  `json:"event_count"`
	DecisionCount      int64  `json:"decision_count"`
	ActionCount        int64  `json:"action_count"`
	PendingActionCount int64  `json:"pending_action_count"`
	LastSequence       int64  `json:"last_sequence"`
	CreatedAt          string `json:"created_at" format:"date-time"`
	UpdatedAt          string `json:"updated_at" format:"date-time"`
}

func threadResponse(t domain.Thread) ThreadResponse {
	return ThreadResponse{
		ID:                 t.ID,
		IdentityID:         t.IdentityID,
		SphereID:           t.SphereID,
		Title:              t.Title,
		FoundingIntent:     t.FoundingIntent,
		CurrentIntent:      t.CurrentIntent,
		Status:             t.Status,
		EventCount:         t.EventCount,
		DecisionCount:      t.DecisionCount,
		ActionCount:        t.ActionCount,
		PendingActionCount: t.PendingActionCount,
		LastSequence:       t.LastSequence,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func mapThreads(items []domain.Thread) []ThreadResponse {
	res := make([]ThreadResponse, 0, len(items))
	for _, t := range items {
		res = append(res, threadResponse(t))
	}
	return res
}

type paginatedThreads struct {
	Items      []ThreadResponse `json:"items"`
	NextCursor *string          `json:"next_cursor,omitempty"`
}

type eventPageResponse struct {
	Items   []domain.Event `json:"items"`
	Total   int64          `json:"total"`
	HasMore bool           `json:"has_more"`
}

type checkpointListResponse struct {
	Items []checkpointResponse `json:"items"`
}

type checkpointResponse struct {
	domain.Checkpoint
	Aging string `json:"aging" enum:"green,yellow,red,blink,expired"`
}

type pointListResponse struct {
	Items []domain.DecisionPoint `json:"items"`
}

type sweepResponse struct {
	Scanned   int `json:"scanned"`
	Promoted  int `json:"promoted"`
	Archived  int `json:"archived"`
	Reminders int `json:"reminders"`
}

type signalAck struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
