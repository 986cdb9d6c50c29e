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
)

const staleActor = "system:stale-detector"

// StaleChecker escalates open tasks with no recorded activity past the
// configured threshold. Activity means a task transition; SLA state changes
// do not count.
type StaleChecker struct {
	Repo        repo.Repo
	Escalations *escalation.Manager
	Config      *config.Config
	Now         func() time.Time
}

func (c *StaleChecker) RunOnce(ctx context.Context) error {
	cutoff := c.Now().UTC().Add(-c.Config.Stale.Threshold.Std()).Format(time.RFC3339)
	tasks, err := c.Repo.ListStaleTasks(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		esc, err := c.Escalations.Escalate(ctx, t.ID, domain.ReasonUnresolved, staleActor)
		if err != nil {
			if errs.IsConflict(err) {
				continue
			}
			log.Printf("stale: escalate task %s: %v", t.ID, err)
			continue
		}
		log.Printf("stale: task %s idle since %s, escalated to level %d", t.ID, t.LastActivityAt, esc.Level)
	}
	return nil
}
