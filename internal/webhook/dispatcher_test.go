package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mend/internal/collab"
	"mend/internal/command"
	"mend/internal/orchestrator"
	queuemem "mend/internal/queue/memory"
	"mend/internal/task"
	taskmem "mend/internal/task/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecrets = StaticSecrets{
	task.ProviderCodeHost:      []byte("codehost-secret"),
	task.ProviderIssueTracker:  []byte("tracker-secret"),
	task.ProviderChat:          []byte("chat-secret"),
	task.ProviderErrorReporter: []byte("report-secret"),
}

func newTestMux(t *testing.T) (*gin.Engine, *orchestrator.Service) {
	t.Helper()
	svc := orchestrator.New(taskmem.New(nil), queuemem.New(queuemem.Options{}),
		collab.RecorderSet(&collab.Recorder{}), nil, nil, 0)
	d := NewDispatcher(svc, command.NewRouter(svc), testSecrets, nil, []string{"mend-bot"})
	engine := gin.New()
	d.Mount(engine)
	return engine, svc
}

func deliver(engine *gin.Engine, path string, body []byte, hdrs http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, vs := range hdrs {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func issueOpenedBody(eventID string) []byte {
	return []byte(`{
		"event_id": "` + eventID + `",
		"action": "opened",
		"organization": {"id": "org-1"},
		"sender": {"login": "alice"},
		"repository": {"full_name": "acme/api"},
		"issue": {"number": 7, "title": "crash on startup"}
	}`)
}

func TestMountedEndpointPaths(t *testing.T) {
	engine, _ := newTestMux(t)

	want := []string{
		"/webhooks/code-host",
		"/webhooks/issue-tracker",
		"/webhooks/chat",
		"/webhooks/error-reporter",
	}
	mounted := map[string]bool{}
	for _, route := range engine.Routes() {
		if route.Method == http.MethodPost {
			mounted[route.Path] = true
		}
	}
	for _, path := range want {
		if !mounted[path] {
			t.Fatalf("no POST route at %s; mounted %v", path, mounted)
		}
	}
}

func TestDispatcherEnqueuesSignedDelivery(t *testing.T) {
	engine, svc := newTestMux(t)
	body := issueOpenedBody("ev-1")
	sig := signHMAC(testSecrets[task.ProviderCodeHost], body)

	w := deliver(engine, "/webhooks/code-host", body,
		headers("X-Hook-Event", "issues", "X-Hook-Signature", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	taskID, _ := out["task_id"].(string)
	if out["status"] != "accepted" || taskID == "" {
		t.Fatalf("response = %v", out)
	}

	created, err := svc.Store().Get(t.Context(), taskID)
	if err != nil {
		t.Fatalf("get created task: %v", err)
	}
	if created.Kind != task.KindEnrich || created.Origin.Actor != "alice" {
		t.Fatalf("task = %+v", created)
	}
}

func TestDispatcherDeduplicatesRedelivery(t *testing.T) {
	engine, _ := newTestMux(t)
	body := issueOpenedBody("ev-1")
	hdrs := headers("X-Hook-Event", "issues",
		"X-Hook-Signature", signHMAC(testSecrets[task.ProviderCodeHost], body))

	first := decode(t, deliver(engine, "/webhooks/code-host", body, hdrs))
	second := decode(t, deliver(engine, "/webhooks/code-host", body, hdrs))

	if second["status"] != "duplicate" {
		t.Fatalf("redelivery status = %v", second["status"])
	}
	if second["task_id"] != first["task_id"] {
		t.Fatalf("redelivery task %v != original %v", second["task_id"], first["task_id"])
	}
}

func TestDispatcherRejectsBadSignature(t *testing.T) {
	engine, _ := newTestMux(t)
	body := issueOpenedBody("ev-1")

	w := deliver(engine, "/webhooks/code-host", body,
		headers("X-Hook-Event", "issues", "X-Hook-Signature", signHMAC([]byte("wrong"), body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestDispatcherIgnoresOwnIdentity(t *testing.T) {
	engine, svc := newTestMux(t)
	body := []byte(`{
		"event_id": "ev-1",
		"action": "created",
		"organization": {"id": "org-1"},
		"sender": {"login": "Mend-Bot"},
		"repository": {"full_name": "acme/api"},
		"comment": {"body": "@agent plan ready"}
	}`)
	sig := signHMAC(testSecrets[task.ProviderCodeHost], body)

	w := deliver(engine, "/webhooks/code-host", body,
		headers("X-Hook-Event", "issue_comment", "X-Hook-Signature", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	if out["status"] != "ignored" {
		t.Fatalf("response = %v", out)
	}

	page, err := svc.Store().List(t.Context(), task.Filter{}, "", 10)
	if err != nil || len(page.Tasks) != 0 {
		t.Fatalf("bot event created tasks: %+v, %v", page.Tasks, err)
	}
}

func TestDispatcherRoutesChatCommand(t *testing.T) {
	engine, _ := newTestMux(t)
	body := []byte(`{"event_id":"ev-1","team_id":"team-1","user":"alice","text":"@agent help"}`)
	ts, sig := signTimestamped(testSecrets[task.ProviderChat], body, time.Now())

	w := deliver(engine, "/webhooks/chat", body,
		headers("X-Chat-Timestamp", ts, "X-Chat-Signature", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["status"] != "ok" || out["message"] == "" {
		t.Fatalf("response = %v", out)
	}
}

func TestDispatcherAcknowledgesCommandRefusals(t *testing.T) {
	engine, _ := newTestMux(t)
	body := []byte(`{
		"event_id": "ev-1",
		"action": "created",
		"organization": {"id": "org-1"},
		"sender": {"login": "alice"},
		"repository": {"full_name": "acme/api"},
		"comment": {"body": "@agent approve"}
	}`)
	sig := signHMAC(testSecrets[task.ProviderCodeHost], body)

	// No task exists for the repo; the surface gets the refusal, the provider
	// gets a 200 so it does not retry.
	w := deliver(engine, "/webhooks/code-host", body,
		headers("X-Hook-Event", "issue_comment", "X-Hook-Signature", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	if out["status"] != "error" {
		t.Fatalf("response = %v", out)
	}
}
