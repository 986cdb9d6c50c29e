package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appconfig "civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/escalation"
	"civicflow/internal/migrate"
	"civicflow/internal/queue"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

type testServer struct {
	URL     string
	Machine *workflow.Machine
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := appconfig.Default()
	machine := workflow.New(conn)
	machine.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	escalations := escalation.New(conn)
	escalations.Now = machine.Now
	intake := queue.New(rdb, cfg.Queue.MaxRetries, 100*time.Millisecond, time.Minute)

	handler, err := New(Config{
		Machine:     machine,
		Escalations: escalations,
		Queue:       intake,
		Repo:        repo.Repo{DB: conn},
		App:         cfg,
		BasePath:    "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Machine: machine,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rdb.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestSubmitReportQueuesForClassification(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"reporter_id": "citizen-1",
		"title":       "Streetlight out on 5th Ave",
		"severity":    "high",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created SubmitReportResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != domain.ReportPendingClassification || !created.Queued {
		t.Fatalf("response = %+v, want pending_classification queued", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/pipeline/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", res.StatusCode, string(data))
	}
	var st queue.PipelineStatus
	_ = json.Unmarshal(data, &st)
	if st.QueueLength != 1 {
		t.Fatalf("queue length = %d, want 1", st.QueueLength)
	}
}

func TestSubmitReportRequiresTitle(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"reporter_id": "citizen-1",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAssignAndTransitionFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	ctx := context.Background()

	rep, err := srv.Machine.SubmitReport(ctx, "citizen-1", "Pothole", "", "high", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Machine.RecordClassification(ctx, rep.ID, "roads", 0.95, false, "system:test"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/assign", map[string]any{
		"officer_id": "off-roads-1",
	}, map[string]string{"X-Actor-ID": "admin"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)
	if task.AssigneeID != "off-roads-1" {
		t.Fatalf("assignee = %s", task.AssigneeID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transitions", map[string]any{
		"entity_kind":   "task",
		"entity_id":     task.ID,
		"target_status": "acknowledged",
	}, map[string]string{"X-Actor-ID": "off-roads-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var result workflow.Result
	_ = json.Unmarshal(data, &result)
	if result.Report == nil || result.Report.Status != domain.ReportAcknowledged {
		t.Fatalf("result = %+v, want report acknowledged", result)
	}
}

func TestAssignFallsBackToOfficerDepartment(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	rep, err := srv.Machine.SubmitReport(ctx, "citizen-1", "Graffiti on underpass", "", "low", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	// "graffiti" has no department mapping; the officer's department fills in.
	if _, err := srv.Machine.RecordClassification(ctx, rep.ID, "graffiti", 0.55, true, "system:test"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/assign", map[string]any{
		"officer_id": "off-sanitation-1",
	}, map[string]string{"X-Actor-ID": "admin"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	got, err := srv.Machine.Repo.GetReport(ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Department == nil || *got.Department != "dept-sanitation" {
		t.Fatalf("department = %v, want dept-sanitation", got.Department)
	}
}

func TestIllegalTransitionReturnsConflictEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	ctx := context.Background()

	rep, err := srv.Machine.SubmitReport(ctx, "citizen-1", "Pothole", "", "high", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Machine.RecordClassification(ctx, rep.ID, "roads", 0.95, false, "system:test"); err != nil {
		t.Fatal(err)
	}
	task, err := srv.Machine.AssignToOfficer(ctx, workflow.AssignOptions{
		ReportID: rep.ID, DepartmentID: "dept-roads", OfficerID: "off-roads-1",
		SLADeadline: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), ActorID: "system:test",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transitions", map[string]any{
		"entity_kind":   "task",
		"entity_id":     task.ID,
		"target_status": "resolved",
		"metadata":      map[string]string{"proof_json": `{"photo":"x"}`},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("code = %s, want conflict", envelope.Error.Code)
	}
	if envelope.Error.Details["current"] != "assigned" || envelope.Error.Details["requested"] != "resolved" {
		t.Fatalf("details = %+v", envelope.Error.Details)
	}
}

func TestGetReportNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reports/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestNeedsReviewListing(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	rep, err := srv.Machine.SubmitReport(ctx, "citizen-1", "Weird smell", "", "low", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Machine.RecordClassification(ctx, rep.ID, "sanitation", 0.41, true, "system:test"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reports/needs-review", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var items []domain.Report
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].ID != rep.ID {
		t.Fatalf("items = %+v, want the flagged report", items)
	}
}

func TestEscalationEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	ctx := context.Background()

	rep, err := srv.Machine.SubmitReport(ctx, "citizen-1", "Flooding", "", "critical", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Machine.RecordClassification(ctx, rep.ID, "water", 0.95, false, "system:test"); err != nil {
		t.Fatal(err)
	}
	task, err := srv.Machine.AssignToOfficer(ctx, workflow.AssignOptions{
		ReportID: rep.ID, DepartmentID: "dept-water", OfficerID: "off-water-1",
		SLADeadline: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), ActorID: "system:test",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/escalate", map[string]any{
		"reason": "citizen_complaint",
	}, map[string]string{"X-Actor-ID": "admin"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("escalate status %d: %s", res.StatusCode, string(data))
	}
	var esc domain.Escalation
	_ = json.Unmarshal(data, &esc)
	if esc.Level != 1 {
		t.Fatalf("level = %d, want 1", esc.Level)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+esc.ID+"/status", map[string]any{
		"status": "acknowledged",
	}, map[string]string{"X-Actor-ID": "head-water"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &esc)
	if esc.Status != domain.EscalationAcknowledged {
		t.Fatalf("status = %s, want acknowledged", esc.Status)
	}
}
