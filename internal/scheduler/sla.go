// Package scheduler holds the periodic jobs: the SLA checker and the
// stale-work detector, plus the runner that executes them under a
// distributed lock.
package scheduler

import (
	"context"
	"log"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/escalation"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

const slaActor = "system:sla-scheduler"

// SLAChecker recomputes SLA states for open tasks with a deadline. State is
// derived purely from the clock and the frozen deadline, so a missed run
// self-corrects on the next one.
type SLAChecker struct {
	Machine     *workflow.Machine
	Repo        repo.Repo
	Escalations *escalation.Manager
	Config      *config.Config
	Now         func() time.Time
}

// StateFor derives the SLA state of a deadline at instant now.
func (c *SLAChecker) StateFor(deadline, now time.Time) string {
	switch {
	case !now.Before(deadline):
		return domain.SLAViolated
	case !now.Before(deadline.Add(-c.Config.SLA.WarningWindow.Std())):
		return domain.SLAWarning
	default:
		return domain.SLACompliant
	}
}

// RunOnce scans all candidates once. Per-task failures are logged and the
// scan continues; one broken row must not starve the rest of the fleet.
func (c *SLAChecker) RunOnce(ctx context.Context) error {
	tasks, err := c.Repo.ListSLACandidates(ctx)
	if err != nil {
		return err
	}
	now := c.Now().UTC()
	for _, t := range tasks {
		if t.SLADeadline == nil {
			continue
		}
		deadline, err := time.Parse(time.RFC3339, *t.SLADeadline)
		if err != nil {
			log.Printf("sla: task %s has unparsable deadline %q: %v", t.ID, *t.SLADeadline, err)
			continue
		}
		state := c.StateFor(deadline, now)
		if state == t.SLAState {
			continue
		}
		_, firstViolation, err := c.Machine.RecordSLAState(ctx, t.ID, state, slaActor)
		if err != nil {
			log.Printf("sla: record state for task %s: %v", t.ID, err)
			continue
		}
		log.Printf("sla: task %s %s -> %s", t.ID, t.SLAState, state)
		if firstViolation {
			c.escalateBreach(ctx, t.ID)
		}
	}
	return nil
}

// escalateBreach opens or advances the escalation chain on a fresh violation.
// An already-open chain from an earlier breach is advanced, not duplicated.
func (c *SLAChecker) escalateBreach(ctx context.Context, taskID string) {
	esc, err := c.Escalations.Escalate(ctx, taskID, domain.ReasonSLABreach, slaActor)
	if err != nil {
		if errs.IsConflict(err) {
			return
		}
		log.Printf("sla: escalate task %s: %v", taskID, err)
		return
	}
	log.Printf("sla: task %s escalated to level %d", taskID, esc.Level)
}
