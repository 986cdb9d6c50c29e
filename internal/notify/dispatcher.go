// Package notify fans lifecycle and escalation events out as notification
// rows. It is strictly best-effort: a failure here is logged and swallowed,
// never propagated to the transition or escalation that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

type Dispatcher struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) *Dispatcher {
	return &Dispatcher{Repo: r, Now: time.Now}
}

type target struct {
	recipientID string
	priority    string
}

// Dispatch persists one notification row per recipient for the event.
// Dispatch never returns an error; delivery transport is someone else's
// problem and a lost notification must not affect the workflow.
func (d *Dispatcher) Dispatch(ev workflow.Emitted) {
	targets := d.targetsFor(ev)
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("notify: marshal payload for %s: %v", ev.Type, err)
		payload = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := d.Now().UTC().Format(time.RFC3339)
	for _, t := range targets {
		if t.recipientID == "" {
			continue
		}
		n := domain.Notification{
			ID:          uuid.New().String(),
			RecipientID: t.recipientID,
			Type:        ev.Type,
			Priority:    t.priority,
			PayloadJSON: string(payload),
			CreatedAt:   now,
		}
		if err := d.Repo.InsertNotification(ctx, n); err != nil {
			log.Printf("notify: dispatch %s to %s: %v", ev.Type, t.recipientID, err)
		}
	}
}

func (d *Dispatcher) targetsFor(ev workflow.Emitted) []target {
	str := func(key string) string {
		if v, ok := ev.Payload[key].(string); ok {
			return v
		}
		return ""
	}
	switch ev.Type {
	case "report.submitted":
		return []target{{str("reporter_id"), "normal"}}
	case "report.classified":
		if review, _ := ev.Payload["needs_review"].(bool); review {
			return []target{{d.adminID(), "normal"}}
		}
		return nil
	case "task.assigned":
		return []target{
			{str("assignee_id"), "high"},
			{str("reporter_id"), "normal"},
		}
	case "task.rejected":
		return []target{{d.adminID(), "high"}}
	case "task.acknowledged", "task.in_progress", "task.pending_verification", "task.on_hold":
		return []target{{str("reporter_id"), "normal"}}
	case "task.resolved":
		return []target{{str("reporter_id"), "high"}}
	case "report.transitioned":
		return []target{{str("reporter_id"), "normal"}}
	case "task.sla.warning":
		return []target{{str("assignee_id"), "high"}}
	case "task.sla.violated":
		return []target{{str("assignee_id"), "critical"}}
	case "escalation.created", "escalation.advanced":
		priority := "high"
		if lvl, ok := ev.Payload["level"].(int); ok && lvl >= domain.EscalationLevel3 {
			priority = "critical"
		}
		return []target{{str("authority_id"), priority}}
	case "escalation.resolved", "escalation.de_escalated":
		return []target{{str("authority_id"), "normal"}}
	}
	return nil
}

func (d *Dispatcher) adminID() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	admin, err := d.Repo.OfficerByRole(ctx, domain.RoleAdministrator)
	if err != nil {
		log.Printf("notify: lookup administrator: %v", err)
		return ""
	}
	return admin.ID
}
