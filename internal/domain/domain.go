package domain

// Report lifecycle statuses. Only the workflow machine may write them.
const (
	ReportReceived              = "received"
	ReportPendingClassification = "pending_classification"
	ReportClassified            = "classified"
	ReportAssignedToDepartment  = "assigned_to_department"
	ReportAssignedToOfficer     = "assigned_to_officer"
	ReportAssignmentRejected    = "assignment_rejected"
	ReportAcknowledged          = "acknowledged"
	ReportInProgress            = "in_progress"
	ReportPendingVerification   = "pending_verification"
	ReportResolved              = "resolved"
	ReportClosed                = "closed"
	ReportRejected              = "rejected"
	ReportDuplicate             = "duplicate"
	ReportOnHold                = "on_hold"
	ReportReopened              = "reopened"
)

// Task statuses. A distinct value space from report statuses; the coupling
// between the two lives in ReportStatusFor, nowhere else.
const (
	TaskAssigned            = "assigned"
	TaskAcknowledged        = "acknowledged"
	TaskInProgress          = "in_progress"
	TaskPendingVerification = "pending_verification"
	TaskResolved            = "resolved"
	TaskRejected            = "rejected"
	TaskOnHold              = "on_hold"
)

// ReportStatusFor maps a task status to the report status that must hold while
// the task is in it. Returns "" for unknown task statuses.
func ReportStatusFor(taskStatus string) string {
	switch taskStatus {
	case TaskAssigned:
		return ReportAssignedToOfficer
	case TaskAcknowledged:
		return ReportAcknowledged
	case TaskInProgress:
		return ReportInProgress
	case TaskPendingVerification:
		return ReportPendingVerification
	case TaskResolved:
		return ReportResolved
	case TaskRejected:
		return ReportAssignmentRejected
	case TaskOnHold:
		return ReportOnHold
	}
	return ""
}

// SLA compliance states for a task.
const (
	SLACompliant = "compliant"
	SLAWarning   = "warning"
	SLAViolated  = "violated"
)

// Escalation levels, ordered. A chain only moves up one level at a time.
const (
	EscalationLevel1 = 1
	EscalationLevel2 = 2
	EscalationLevel3 = 3
)

// Escalation reasons.
const (
	ReasonSLABreach        = "sla_breach"
	ReasonUnresolved       = "unresolved"
	ReasonQualityIssue     = "quality_issue"
	ReasonCitizenComplaint = "citizen_complaint"
	ReasonVIPAttention     = "vip_attention"
	ReasonCriticalPriority = "critical_priority"
)

// Escalation statuses.
const (
	EscalationEscalated    = "escalated"
	EscalationAcknowledged = "acknowledged"
	EscalationUnderReview  = "under_review"
	EscalationActionTaken  = "action_taken"
	EscalationResolved     = "resolved"
	EscalationDeEscalated  = "de_escalated"
)

// Officer roles, also the escalation authority ladder.
const (
	RoleOfficer        = "officer"
	RoleDepartmentHead = "department_head"
	RoleCityManager    = "city_manager"
	RoleAdministrator  = "administrator"
)

type Report struct {
	ID             string   `json:"id"`
	ReporterID     string   `json:"reporter_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       *string  `json:"category,omitempty"`
	Severity       string   `json:"severity" enum:"low,medium,high,critical"`
	Status         string   `json:"status" enum:"received,pending_classification,classified,assigned_to_department,assigned_to_officer,assignment_rejected,acknowledged,in_progress,pending_verification,resolved,closed,rejected,duplicate,on_hold,reopened"`
	Department     *string  `json:"department_id,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	NeedsReview    bool     `json:"needs_review"`
	RejectedReason *string  `json:"rejected_reason,omitempty"`
	RejectedAt     *string  `json:"rejected_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string  `json:"id"`
	ReportID       string  `json:"report_id"`
	AssigneeID     string  `json:"assignee_id"`
	Status         string  `json:"status" enum:"assigned,acknowledged,in_progress,pending_verification,resolved,rejected,on_hold"`
	Priority       string  `json:"priority" enum:"low,medium,high,critical"`
	SLADeadline    *string `json:"sla_deadline,omitempty" format:"date-time"`
	SLAState       string  `json:"sla_state" enum:"compliant,warning,violated"`
	ViolationCount int     `json:"violation_count"`
	ProofJSON      *string `json:"proof_json,omitempty"`
	RejectedReason *string `json:"rejected_reason,omitempty"`
	LastActivityAt string  `json:"last_activity_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// OpenTask reports whether a task status still occupies the report's
// single open-task slot.
func OpenTask(status string) bool {
	return status != TaskResolved && status != TaskRejected
}

type Escalation struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Level     int    `json:"level" minimum:"1" maximum:"3"`
	Reason    string `json:"reason" enum:"sla_breach,unresolved,quality_issue,citizen_complaint,vip_attention,critical_priority"`
	Status    string `json:"status" enum:"escalated,acknowledged,under_review,action_taken,resolved,de_escalated"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Open reports whether the escalation chain is still active.
func (e Escalation) Open() bool {
	return e.Status != EscalationResolved && e.Status != EscalationDeEscalated
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	Priority    string `json:"priority" enum:"low,normal,high,critical"`
	Read        bool   `json:"read"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Department struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type Officer struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Department *string `json:"department_id,omitempty"`
	Role       string  `json:"role" enum:"officer,department_head,city_manager,administrator"`
	Active     bool    `json:"active"`
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

// QueueItem is an intake-queue entry as seen by the pipeline status surface.
type QueueItem struct {
	ReportID   string `json:"report_id"`
	EnqueuedAt string `json:"enqueued_at" format:"date-time"`
	Retries    int    `json:"retries"`
}
