package store

import "time"

// Agent is the agent registration entity.
type Agent struct {
	AgentUUID            string
	ExternalID           string
	DisplayName          string
	EndpointURL          string
	Capabilities         []string
	MaxConcurrent         int
	Status               string // online | degraded | offline
	WSConnected          bool
	LastHeartbeat        *time.Time
	TeamUUID             string
	RegisteredByUser     string
	AuthSecretHash       string
	AuthSecretCiphertext string
	SoftDeletedAt        *time.Time
}

const (
	AgentStatusOnline   = "online"
	AgentStatusDegraded = "degraded"
	AgentStatusOffline  = "offline"
)

// Team is the team entity.
type Team struct {
	TeamUUID   string
	Name       string
	OwnerUser  string
	MaxAgents  int
	ArchivedAt *time.Time
}

// TeamMember is a row of the team membership set.
type TeamMember struct {
	TeamUUID string
	UserUUID string
	Role     string // owner | admin | member
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// StageDefinition is one node of a workflow's DAG, embedded in
// WorkflowRun.Definition.
type StageDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Capability    string         `json:"capability"`
	InputTemplate map[string]any `json:"input_template"`
	Dependencies  []string       `json:"dependencies"`
	RetryConfig   RetryConfig    `json:"retry_config"`
}

// RetryConfig controls per-stage retry/fallback behavior.
type RetryConfig struct {
	MaxRetries int `json:"max_retries"`
	BackoffMs  int `json:"backoff_ms"`
	TimeoutMs  int `json:"timeout_ms"`
}

// WorkflowDefinition is the DAG of stages for one workflow.
type WorkflowDefinition struct {
	Stages []StageDefinition `json:"stages"`
}

// WorkflowRun is the workflow run entity.
type WorkflowRun struct {
	RunID        string
	UserUUID     string
	WorkflowName string
	Definition   WorkflowDefinition
	Input        map[string]any
	Status       string // queued | in_progress | completed | failed
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// StageExecution is the stage execution entity.
type StageExecution struct {
	RunID           string
	StageID         string
	Status          string // in_progress | completed | failed
	AgentIDResolved string
	InputResolved   map[string]any
	Output          map[string]any
	ErrorMessage    string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ExecutionTimeMs int
}

const (
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
)

// KanbanTask is the kanban task entity.
type KanbanTask struct {
	TaskUUID       string
	TeamUUID       string
	Title          string
	Description    string
	Status         string // backlog | todo | in_progress | review | done
	Priority       string // low | medium | high | critical
	Tags           []string
	AssignedAgent  string
	CreatedByAgent string
	CreatedByUser  string
	DependsOn      []string
	InputMapping   map[string]any
	TimeoutMs      *int
	RetryCount     int
	MaxRetries     int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProgressCurrent *int
	ProgressTotal   *int
	ProgressMessage string
	Output          map[string]any
	LastError       string
}

const (
	TaskStatusBacklog    = "backlog"
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusDone       = "done"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ApprovalGate is the approval gate entity.
type ApprovalGate struct {
	GateUUID         string
	TeamUUID         string
	Title            string
	Status           string // pending | approved | rejected | expired
	Approvers        []string
	RequestedByAgent string
	RequestedByUser  string
	TaskUUID         string
	ExpiresAt        *time.Time
	RespondedBy      string
	ResponseNote     string
}

const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// ResourceLock is the resource lock entity.
type ResourceLock struct {
	LockUUID         string
	ResourceType     string
	ResourceID       string
	OwnerAgent       string
	Status           string // active | released | expired
	ConflictStrategy string // fail | queue | merge | escalate
	ContentHash      string
	Version          int
	AcquiredAt       time.Time
	ExpiresAt        time.Time
	ReleasedAt       *time.Time
}

const (
	LockActive   = "active"
	LockReleased = "released"
	LockExpired  = "expired"
)

const (
	ConflictFail     = "fail"
	ConflictQueue    = "queue"
	ConflictMerge    = "merge"
	ConflictEscalate = "escalate"
)

// AuditSignature is the optional RS256 signature block on an AuditRecord.
type AuditSignature struct {
	Algorithm string
	Signer    string
	Value     string
	Timestamp time.Time
}

// AuditRecord is the append-only audit record entity.
type AuditRecord struct {
	AuditUUID  string
	RunID      string
	StageID    string
	AgentID    string
	Action     string // execute | retry | fail
	Status     string
	InputHash  string
	OutputHash string
	LoggedAt   time.Time
	Signature  *AuditSignature
}

const (
	AuditActionExecute = "execute"
	AuditActionRetry   = "retry"
	AuditActionFail    = "fail"
)

// Webhook is the webhook entity.
type Webhook struct {
	WebhookUUID string
	TeamUUID    string
	URL         string
	Secret      string
	Events      []string
	Active      bool
}

// WebhookDelivery is the webhook delivery entity.
type WebhookDelivery struct {
	DeliveryUUID string
	WebhookUUID  string
	Status       string // pending | success | failed | dead_letter
	Attempts     int
	MaxAttempts  int
	NextRetryAt  *time.Time
	ResponseCode *int
	Payload      map[string]any
}

const (
	DeliveryPending    = "pending"
	DeliverySuccess    = "success"
	DeliveryFailed     = "failed"
	DeliveryDeadLetter = "dead_letter"
)

// AgentVersion is the agent version entity.
type AgentVersion struct {
	VersionUUID      string
	AgentUUID        string
	Version          string
	Endpoint         string
	Capabilities     []string
	Status           string // draft | active | canary | inactive | rolled_back
	TrafficPercent   int
	ErrorRatePer1000 int
	ErrorThreshold   int
	IsRollbackTarget bool
}

const (
	VersionDraft      = "draft"
	VersionActive     = "active"
	VersionCanary     = "canary"
	VersionInactive   = "inactive"
	VersionRolledBack = "rolled_back"
)
