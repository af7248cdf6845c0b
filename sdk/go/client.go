package threadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Threadline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Thread represents the API thread model (partial).
type Thread struct {
	ID             string `json:"id"`
	IdentityID     string `json:"identity_id"`
	SphereID       string `json:"sphere_id"`
	Title          string `json:"title"`
	FoundingIntent string `json:"founding_intent"`
	CurrentIntent  string `json:"current_intent"`
	Status         string `json:"status"`
	EventCount     int64  `json:"event_count"`
	LastSequence   int64  `json:"last_sequence"`
}

// Event represents a log entry.
type Event struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Actor          string         `json:"actor"`
	CreatedAt      string         `json:"created_at"`
}

// Action represents a thread action.
type Action struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	ActionType string `json:"action_type"`
	Impact     string `json:"impact"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

// Checkpoint represents a pending or resolved approval gate.
type Checkpoint struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	ActionType string `json:"action_type"`
	Impact     string `json:"impact"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	Aging      string `json:"aging"`
}

// DecisionPoint represents an open question awaiting a human response.
type DecisionPoint struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	PointType  string `json:"point_type"`
	Title      string `json:"title"`
	Suggestion string `json:"suggestion"`
	AgingLevel string `json:"aging_level"`
	IsActive   bool   `json:"is_active"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CheckpointPendingError is returned when a mutation is held behind a freshly
// created checkpoint (HTTP 423). It is an expected outcome, not a failure:
// approve or reject the checkpoint and retry the call.
type CheckpointPendingError struct {
	CheckpointID string
	Checkpoint   *Checkpoint
}

func (e *CheckpointPendingError) Error() string {
	return fmt.Sprintf("checkpoint %s pending approval", e.CheckpointID)
}

// PaginatedThreads wraps list responses with cursors.
type PaginatedThreads struct {
	Items      []Thread `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// EventPage wraps a page of a thread's log.
type EventPage struct {
	Items   []Event `json:"items"`
	Total   int64   `json:"total"`
	HasMore bool    `json:"has_more"`
}

// CreateThread creates a thread with its founding intent.
func (c *Client) CreateThread(ctx context.Context, title, foundingIntent string) (Thread, error) {
	body := map[string]any{
		"title":           title,
		"founding_intent": foundingIntent,
	}
	var resp Thread
	err := c.do(ctx, http.MethodPost, "v0/threads", body, &resp)
	return resp, err
}

// Threads returns a paginated thread listing.
func (c *Client) Threads(ctx context.Context, status, cursor string, limit int) (PaginatedThreads, error) {
	endpoint := "v0/threads"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedThreads
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Thread fetches a thread by id.
func (c *Client) Thread(ctx context.Context, id string) (Thread, error) {
	var resp Thread
	err := c.do(ctx, http.MethodGet, "v0/threads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RefineIntent updates the mutable current intent.
func (c *Client) RefineIntent(ctx context.Context, threadID, intent string) (Thread, error) {
	var resp Thread
	endpoint := fmt.Sprintf("v0/threads/%s/refine-intent", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"intent": intent}, &resp)
	return resp, err
}

// AppendEvent appends one event to a thread's log. When the event describes a
// gated action the call returns a CheckpointPendingError instead of an event.
func (c *Client) AppendEvent(ctx context.Context, threadID, evtType string, payload map[string]any, actionType, impact string) (Event, error) {
	body := map[string]any{
		"type":    evtType,
		"payload": payload,
	}
	if actionType != "" {
		body["action_type"] = actionType
		body["impact"] = impact
	}
	var resp struct {
		Event      Event       `json:"event"`
		Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/threads/%s/events", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	if err != nil {
		return Event{}, err
	}
	return resp.Event, nil
}

// Events returns a page of a thread's log in ascending sequence order.
func (c *Client) Events(ctx context.Context, threadID string, afterSeq int64, limit int) (EventPage, error) {
	endpoint := fmt.Sprintf("v0/threads/%s/events", url.PathEscape(threadID))
	params := url.Values{}
	if afterSeq > 0 {
		params.Set("after", fmt.Sprint(afterSeq))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAction opens a pending action, subject to the checkpoint gate.
func (c *Client) CreateAction(ctx context.Context, threadID, actionType, impact, title string) (Action, error) {
	body := map[string]any{
		"action_type": actionType,
		"impact":      impact,
		"title":       title,
	}
	var resp struct {
		Action     Action      `json:"action"`
		Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/threads/%s/actions", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	if err != nil {
		return Action{}, err
	}
	return resp.Action, nil
}

// CompleteAction performs the pending->completed transition.
func (c *Client) CompleteAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/complete", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Checkpoints lists checkpoints, optionally filtered by status.
func (c *Client) Checkpoints(ctx context.Context, status string) ([]Checkpoint, error) {
	endpoint := "v0/checkpoints"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Checkpoint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApproveCheckpoint resolves a pending checkpoint as approved.
func (c *Client) ApproveCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectCheckpoint resolves a pending checkpoint as rejected.
func (c *Client) RejectCheckpoint(ctx context.Context, id, reason string) (Checkpoint, error) {
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Points lists decision points.
func (c *Client) Points(ctx context.Context, activeOnly bool) ([]DecisionPoint, error) {
	endpoint := "v0/points"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp struct {
		Items []DecisionPoint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RespondPoint answers a decision point (VALIDATE, REDIRECT, REJECT, COMMENT,
// DEFER).
func (c *Client) RespondPoint(ctx context.Context, id, responseType, message string) (DecisionPoint, error) {
	body := map[string]any{
		"response_type": responseType,
		"response":      message,
	}
	var resp DecisionPoint
	endpoint := fmt.Sprintf("v0/points/%s/respond", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PushSignal queues a governance signal for the next orchestrator decision.
func (c *Client) PushSignal(ctx context.Context, level, criterion string, scope []string, confidence float64, origin string) error {
	body := map[string]any{
		"level":      level,
		"criterion":  criterion,
		"scope":      scope,
		"confidence": confidence,
		"origin":     origin,
	}
	return c.do(ctx, http.MethodPost, "v0/signals", body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusLocked {
		var held struct {
			Checkpoint *Checkpoint `json:"checkpoint"`
		}
		b, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(b, &held)
		return &CheckpointPendingError{
			CheckpointID: resp.Header.Get("X-Checkpoint-Id"),
			Checkpoint:   held.Checkpoint,
		}
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
