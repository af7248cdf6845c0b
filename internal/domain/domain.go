package domain

type Thread struct {
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

type Event struct {
	ID             string  `json:"id"`
	ThreadID       string  `json:"thread_id"`
	SequenceNumber int64   `json:"sequence_number"`
	Type           string  `json:"type"`
	Payload        string  `json:"payload_json"`
	ParentEventID  *string `json:"parent_event_id,omitempty"`
	Actor          string  `json:"actor"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Decision struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	EventID   string `json:"event_id"`
	Title     string `json:"title"`
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale,omitempty"`
	DecidedBy string `json:"decided_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Action struct {
	ID          string  `json:"id"`
	ThreadID    string  `json:"thread_id"`
	EventID     string  `json:"event_id"`
	ActionType  string  `json:"action_type"`
	Impact      string  `json:"impact" enum:"low,medium,high,critical"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"pending,completed"`
	AssignedTo  string  `json:"assigned_to,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Snapshot struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Summary        string `json:"summary"`
	DecisionsJSON  string `json:"decisions_json,omitempty"`
	ActionsJSON    string `json:"actions_json,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Checkpoint struct {
	ID          string  `json:"id"`
	IdentityID  string  `json:"identity_id"`
	ThreadID    string  `json:"thread_id,omitempty"`
	ActionType  string  `json:"action_type"`
	Impact      string  `json:"impact,omitempty"`
	RequestedBy string  `json:"requested_by"`
	ContextJSON string  `json:"context_json,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,rejected,expired"`
	Reason      string  `json:"reason,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
}

type DecisionPoint struct {
	ID            string  `json:"id"`
	IdentityID    string  `json:"identity_id"`
	ThreadID      string  `json:"thread_id,omitempty"`
	PointType     string  `json:"point_type" enum:"checkpoint,backlog,orchestrator_block"`
	RefID         string  `json:"ref_id,omitempty"`
	Title         string  `json:"title"`
	ContextJSON   string  `json:"context_json,omitempty"`
	Suggestion    string  `json:"suggestion,omitempty"`
	AgingLevel    string  `json:"aging_level" enum:"green,yellow,red,blink,archive"`
	ReminderCount int     `json:"reminder_count"`
	IsActive      bool    `json:"is_active"`
	IsArchived    bool    `json:"is_archived"`
	ArchiveReason string  `json:"archive_reason,omitempty"`
	ResponseType  *string `json:"response_type,omitempty"`
	UserResponse  *string `json:"user_response,omitempty"`
	AgingAnchor   string  `json:"aging_anchor" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	RespondedAt   *string `json:"responded_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
