// Package assign holds the assignment resolver: pure decision logic with no
// store access. Callers gather the load table, the resolver only decides.
package assign

import (
	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// Input is everything the resolver looks at.
type Input struct {
	Category   string
	Confidence float64
	Threshold  float64
	// Department mapped to the category; nil when no mapping exists.
	Department *domain.Department
	// Active field officers of that department with open-task counts.
	Officers []repo.OfficerLoad
}

// Decision is the resolver verdict. When AutoAssign is false the report goes
// to the needs-review backlog for manual routing; low-confidence auto-routing
// is worse than a short manual-review delay.
type Decision struct {
	AutoAssign   bool
	DepartmentID string
	OfficerID    string
	Reason       string
}

// Decide picks the least-loaded active officer in the mapped department when
// confidence clears the threshold, and routes to manual review otherwise.
func Decide(in Input) Decision {
	if in.Confidence < in.Threshold {
		return Decision{Reason: "confidence below auto-assign threshold"}
	}
	if in.Department == nil {
		return Decision{Reason: "no department mapped for category " + in.Category}
	}
	var best *repo.OfficerLoad
	for i := range in.Officers {
		o := &in.Officers[i]
		if !o.Officer.Active || o.Officer.Role != domain.RoleOfficer {
			continue
		}
		if best == nil || o.OpenTasks < best.OpenTasks {
			best = o
		}
	}
	if best == nil {
		return Decision{Reason: "no active officers in department " + in.Department.ID}
	}
	return Decision{
		AutoAssign:   true,
		DepartmentID: in.Department.ID,
		OfficerID:    best.Officer.ID,
	}
}

// PriorityFor maps report severity to task priority.
func PriorityFor(severity string) string {
	switch severity {
	case "low", "medium", "high", "critical":
		return severity
	}
	return "medium"
}
