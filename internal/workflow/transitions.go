package workflow

import "civicflow/internal/domain"

// reportTransitions is the explicit allowed-transition table for reports.
// Statuses driven by an open task are not listed as reachable here; those
// moves go through the task side of the machine (see Transition).
var reportTransitions = map[string][]string{
	domain.ReportReceived:              {domain.ReportPendingClassification, domain.ReportDuplicate, domain.ReportRejected},
	domain.ReportPendingClassification: {domain.ReportClassified, domain.ReportDuplicate, domain.ReportRejected},
	domain.ReportClassified:            {domain.ReportAssignedToDepartment, domain.ReportDuplicate, domain.ReportRejected, domain.ReportOnHold},
	domain.ReportAssignedToDepartment:  {domain.ReportAssignedToOfficer},
	domain.ReportAssignedToOfficer:     {domain.ReportAcknowledged, domain.ReportAssignmentRejected, domain.ReportOnHold},
	domain.ReportAssignmentRejected:    {domain.ReportAssignedToDepartment, domain.ReportRejected, domain.ReportDuplicate},
	domain.ReportAcknowledged:          {domain.ReportInProgress, domain.ReportOnHold},
	domain.ReportInProgress:            {domain.ReportPendingVerification, domain.ReportOnHold},
	domain.ReportPendingVerification:   {domain.ReportResolved, domain.ReportInProgress},
	domain.ReportResolved:              {domain.ReportClosed, domain.ReportReopened},
	domain.ReportClosed:                {domain.ReportReopened},
	// A directly held report has no task (holds with a task go through the
	// task table), so resuming returns it to the assignment flow.
	domain.ReportOnHold:   {domain.ReportClassified},
	domain.ReportReopened: {domain.ReportAssignedToDepartment},
}

// taskTransitions is the explicit allowed-transition table for tasks.
var taskTransitions = map[string][]string{
	domain.TaskAssigned:            {domain.TaskAcknowledged, domain.TaskRejected, domain.TaskOnHold},
	domain.TaskAcknowledged:        {domain.TaskInProgress, domain.TaskRejected, domain.TaskOnHold},
	domain.TaskInProgress:          {domain.TaskPendingVerification, domain.TaskOnHold},
	domain.TaskPendingVerification: {domain.TaskResolved, domain.TaskInProgress},
	domain.TaskOnHold:              {domain.TaskInProgress},
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReportTransitionAllowed reports whether the (current, requested) pair is in
// the report table.
func ReportTransitionAllowed(from, to string) bool {
	return allowed(reportTransitions, from, to)
}

// TaskTransitionAllowed reports whether the (current, requested) pair is in
// the task table.
func TaskTransitionAllowed(from, to string) bool {
	return allowed(taskTransitions, from, to)
}
