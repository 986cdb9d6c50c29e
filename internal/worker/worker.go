// Package worker runs the classification pipeline: dequeue a report id,
// classify its text, resolve an assignment and apply it through the workflow
// machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"civicflow/internal/assign"
	"civicflow/internal/classifier"
	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/queue"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

const workerActor = "system:classification-worker"

type Worker struct {
	Machine    *workflow.Machine
	Repo       repo.Repo
	Queue      *queue.Intake
	Classifier classifier.Classifier
	Config     *config.Config
	Now        func() time.Time
}

func New(m *workflow.Machine, q *queue.Intake, c classifier.Classifier, cfg *config.Config) *Worker {
	return &Worker{
		Machine:    m,
		Repo:       m.Repo,
		Queue:      q,
		Classifier: c,
		Config:     cfg,
		Now:        time.Now,
	}
}

// Run consumes the intake queue until ctx is cancelled. An item picked up
// before cancellation is still finished and acknowledged; only the loop
// stops. The heartbeat goroutine keeps the liveness key fresh for the whole
// run.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	log.Printf("worker: started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker: stopping")
			return nil
		default:
		}
		item, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: dequeue: %v", err)
			continue
		}
		if item == nil {
			continue
		}
		// Finish the in-flight item even when shutdown started mid-dequeue.
		itemCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		w.handle(itemCtx, item)
		cancel()
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.Config.Worker.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if err := w.Queue.Heartbeat(ctx); err != nil {
		log.Printf("worker: heartbeat: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.Heartbeat(ctx); err != nil {
				log.Printf("worker: heartbeat: %v", err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, item *domain.QueueItem) {
	err := w.Process(ctx, item.ReportID)
	switch {
	case err == nil:
		if err := w.Queue.Ack(ctx, item.ReportID); err != nil {
			log.Printf("worker: ack %s: %v", item.ReportID, err)
		}
	case errs.IsTransient(err):
		retries, rerr := w.Queue.Requeue(ctx, item.ReportID)
		if rerr != nil {
			log.Printf("worker: requeue %s: %v", item.ReportID, rerr)
			return
		}
		if retries > w.Config.Queue.MaxRetries {
			log.Printf("worker: report %s exhausted %d retries: %v", item.ReportID, retries-1, err)
			if derr := w.Queue.DeadLetter(ctx, item.ReportID, err.Error()); derr != nil {
				log.Printf("worker: dead-letter %s: %v", item.ReportID, derr)
			}
			return
		}
		log.Printf("worker: report %s retry %d/%d: %v", item.ReportID, retries, w.Config.Queue.MaxRetries, err)
	default:
		log.Printf("worker: report %s failed permanently: %v", item.ReportID, err)
		if derr := w.Queue.DeadLetter(ctx, item.ReportID, err.Error()); derr != nil {
			log.Printf("worker: dead-letter %s: %v", item.ReportID, derr)
		}
	}
}

// Process classifies and routes one report. Reports no longer awaiting
// classification are skipped without error, which makes duplicate queue
// deliveries harmless. The classifier call happens before any store write so
// a transient classifier failure leaves the report untouched.
func (w *Worker) Process(ctx context.Context, reportID string) error {
	rep, err := w.Repo.GetReport(ctx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Printf("worker: report %s vanished, discarding", reportID)
		return nil
	}
	if err != nil {
		return errs.Transient(fmt.Errorf("load report %s: %w", reportID, err))
	}
	if rep.Status != domain.ReportPendingClassification {
		log.Printf("worker: report %s already %s, skipping", reportID, rep.Status)
		return nil
	}

	verdict, err := w.Classifier.Classify(ctx, rep.Title+"\n\n"+rep.Description)
	if err != nil {
		return err
	}

	decision, err := w.resolve(ctx, rep, verdict)
	if err != nil {
		return err
	}

	if _, err := w.Machine.RecordClassification(ctx, rep.ID, verdict.Category, verdict.Confidence, !decision.AutoAssign, workerActor); err != nil {
		if errs.IsConflict(err) {
			log.Printf("worker: report %s classified concurrently, skipping", rep.ID)
			return nil
		}
		return err
	}
	if !decision.AutoAssign {
		log.Printf("worker: report %s routed to review: %s", rep.ID, decision.Reason)
		return nil
	}

	deadline := w.Now().UTC().Add(w.Config.SLAWindow(verdict.Category))
	_, err = w.Machine.AssignToOfficer(ctx, workflow.AssignOptions{
		ReportID:     rep.ID,
		DepartmentID: decision.DepartmentID,
		OfficerID:    decision.OfficerID,
		Priority:     assign.PriorityFor(rep.Severity),
		SLADeadline:  deadline,
		ActorID:      workerActor,
	})
	if errs.IsConflict(err) {
		log.Printf("worker: report %s assigned concurrently, skipping", rep.ID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("worker: report %s -> %s (officer %s, deadline %s)",
		rep.ID, decision.DepartmentID, decision.OfficerID, deadline.Format(time.RFC3339))
	return nil
}

func (w *Worker) resolve(ctx context.Context, rep domain.Report, verdict classifier.Result) (assign.Decision, error) {
	in := assign.Input{
		Category:   verdict.Category,
		Confidence: verdict.Confidence,
		Threshold:  w.Config.Assignment.AutoAssignThreshold,
	}
	dept, err := w.Repo.GetDepartmentByCategory(ctx, verdict.Category)
	switch {
	case err == nil:
		in.Department = &dept
	case errors.Is(err, repo.ErrNotFound):
		// leaves Department nil, resolver routes to review
	default:
		return assign.Decision{}, errs.Transient(fmt.Errorf("lookup department for %s: %w", verdict.Category, err))
	}
	if in.Department != nil {
		loads, err := w.Repo.ListOfficerLoads(ctx, dept.ID)
		if err != nil {
			return assign.Decision{}, errs.Transient(fmt.Errorf("list officer loads: %w", err))
		}
		in.Officers = loads
	}
	return assign.Decide(in), nil
}
