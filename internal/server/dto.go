package server

// Request payloads

type SubmitReportRequest struct {
	ReporterID  string  `json:"reporter_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Severity    *string `json:"severity,omitempty" enum:"low,medium,high,critical"`
}

type AssignReportRequest struct {
	OfficerID    string  `json:"officer_id"`
	DepartmentID *string `json:"department_id,omitempty"`
	Priority     *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type TransitionRequestBody struct {
	EntityKind   string            `json:"entity_kind" enum:"report,task"`
	EntityID     string            `json:"entity_id"`
	TargetStatus string            `json:"target_status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type EscalateRequest struct {
	Reason string `json:"reason" enum:"sla_breach,unresolved,quality_issue,citizen_complaint,vip_attention,critical_priority"`
}

type EscalationStatusRequest struct {
	Status string `json:"status" enum:"acknowledged,under_review,action_taken,resolved,de_escalated"`
}

// Response payloads

type SubmitReportResponse struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
	Queued   bool   `json:"queued"`
}

type DeadLetterEntry struct {
	ReportID string `json:"report_id"`
	Reason   string `json:"reason,omitempty"`
}

type NotificationCountResponse struct {
	Unread int `json:"unread"`
}
