package webhook

import (
	"context"
	"net/http"
	"testing"

	"mend/internal/command"
	"mend/internal/task"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestCodeHostParseComment(t *testing.T) {
	h := &CodeHostHandler{}
	body := []byte(`{
		"event_id": "ev-1",
		"action": "created",
		"organization": {"id": "org-1"},
		"sender": {"login": "alice"},
		"repository": {"full_name": "acme/api"},
		"pull_request": {"head_ref": "fix/timeout"},
		"comment": {"body": "@agent approve"}
	}`)

	ev, err := h.Parse(body, headers("X-Hook-Event", "issue_comment"))
	if err != nil || ev == nil {
		t.Fatalf("parse: %v, %v", ev, err)
	}
	if ev.Provider != task.ProviderCodeHost || ev.Surface != command.SurfacePRComment {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Repo != "acme/api" || ev.Ref != "fix/timeout" || ev.CommandText != "@agent approve" {
		t.Fatalf("event = %+v", ev)
	}
	if !h.ShouldProcess(ev) {
		t.Fatalf("mentioned comment should process")
	}

	// Edited comments and unrelated event types are dropped at parse.
	if ev, _ := h.Parse([]byte(`{"action":"edited"}`), headers("X-Hook-Event", "issue_comment")); ev != nil {
		t.Fatalf("edited comment parsed to %+v", ev)
	}
	if ev, _ := h.Parse(body, headers("X-Hook-Event", "push")); ev != nil {
		t.Fatalf("push event parsed to %+v", ev)
	}
}

func TestCodeHostParseIssueOpened(t *testing.T) {
	h := &CodeHostHandler{}
	body := []byte(`{
		"action": "opened",
		"organization": {"id": "org-1"},
		"sender": {"login": "alice"},
		"repository": {"full_name": "acme/api"},
		"issue": {"number": 7, "title": "crash on startup"}
	}`)

	ev, err := h.Parse(body, headers("X-Hook-Event", "issues", "X-Hook-Delivery", "delivery-7"))
	if err != nil || ev == nil {
		t.Fatalf("parse: %v, %v", ev, err)
	}
	if ev.Kind != task.KindEnrich || ev.Priority != task.PriorityNormal {
		t.Fatalf("event = %+v", ev)
	}
	// The delivery header backs up a payload without its own event id.
	if ev.EventID != "delivery-7" {
		t.Fatalf("event id = %q", ev.EventID)
	}

	action, err := h.Handle(context.Background(), ev)
	if err != nil || action.Type != ActionEnqueueTask {
		t.Fatalf("handle = %+v, %v", action, err)
	}
}

func TestCodeHostShouldProcessFiltersChatter(t *testing.T) {
	h := &CodeHostHandler{}
	if h.ShouldProcess(&Event{Repo: "acme/api", CommandText: "looks good to me"}) {
		t.Fatalf("unaddressed comment should be ignored")
	}
	if h.ShouldProcess(&Event{CommandText: "@agent approve"}) {
		t.Fatalf("event without repo should be ignored")
	}
}

func TestIssueTrackerParseLabeled(t *testing.T) {
	h := &IssueTrackerHandler{}
	parse := func(label, priority string) *Event {
		t.Helper()
		body := []byte(`{
			"event_id": "ev-1",
			"event": "labeled",
			"organization_id": "org-1",
			"author": "bob",
			"label": "` + label + `",
			"ticket": {"key": "API-7", "repo": "acme/api", "ref": "main", "priority": "` + priority + `"}
		}`)
		ev, err := h.Parse(body, headers())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return ev
	}

	ev := parse(FixLabel, "blocker")
	if ev == nil || ev.Kind != task.KindFix || ev.Priority != task.PriorityCritical {
		t.Fatalf("blocker event = %+v", ev)
	}
	if ev := parse(FixLabel, "high"); ev.Priority != task.PriorityHigh {
		t.Fatalf("high event = %+v", ev)
	}
	if ev := parse(FixLabel, "low"); ev.Priority != task.PriorityLow {
		t.Fatalf("low event = %+v", ev)
	}
	if ev := parse(FixLabel, ""); ev.Priority != task.PriorityNormal {
		t.Fatalf("default event = %+v", ev)
	}

	// Other labels are not for us.
	if ev := parse("needs-triage", "high"); ev != nil {
		t.Fatalf("foreign label parsed to %+v", ev)
	}
}

func TestIssueTrackerParseComment(t *testing.T) {
	h := &IssueTrackerHandler{}
	body := []byte(`{
		"event_id": "ev-2",
		"event": "comment_created",
		"author": "bob",
		"ticket": {"key": "API-7", "repo": "acme/api", "ref": "main"},
		"comment": {"body": "@agent status"}
	}`)

	ev, err := h.Parse(body, headers())
	if err != nil || ev == nil {
		t.Fatalf("parse: %v, %v", ev, err)
	}
	if ev.Surface != command.SurfaceTicket || ev.CommandText != "@agent status" {
		t.Fatalf("event = %+v", ev)
	}
	action, err := h.Handle(context.Background(), ev)
	if err != nil || action.Type != ActionCommand {
		t.Fatalf("handle = %+v, %v", action, err)
	}
}

func TestIssueTrackerOptionalSecret(t *testing.T) {
	h := &IssueTrackerHandler{}
	body := []byte(`{"event_id":"ev-1"}`)

	// No secret on file and no signature: accepted.
	if err := h.Verify(nil, body, headers()); err != nil {
		t.Fatalf("unsigned delivery without secret: %v", err)
	}
	// A configured secret makes the signature mandatory.
	secret := []byte("s3cret")
	if err := h.Verify(secret, body, headers()); err == nil {
		t.Fatalf("unsigned delivery with secret accepted")
	}
	// A signature with no secret on file cannot verify.
	if err := h.Verify(nil, body, headers("X-Tracker-Signature", "deadbeef")); err == nil {
		t.Fatalf("signed delivery without secret accepted")
	}
	if err := h.Verify(secret, body, headers("X-Tracker-Signature", signHMAC(secret, body))); err != nil {
		t.Fatalf("signed delivery rejected: %v", err)
	}
}

func TestChatShouldProcessRequiresCommand(t *testing.T) {
	h := &ChatHandler{}
	body := []byte(`{"event_id":"ev-1","team_id":"team-1","user":"alice","text":"@agent approve","repo":"acme/api"}`)
	ev, err := h.Parse(body, headers())
	if err != nil || ev == nil || ev.Surface != command.SurfaceChat {
		t.Fatalf("parse: %v, %v", ev, err)
	}
	if !h.ShouldProcess(ev) {
		t.Fatalf("command text should process")
	}
	if h.ShouldProcess(&Event{CommandText: "hey everyone, lunch?"}) {
		t.Fatalf("small talk should be ignored")
	}
}

func TestErrorReporterParse(t *testing.T) {
	h := &ErrorReporterHandler{}
	body := []byte(`{
		"alert_id": "alert-9",
		"organization_id": "org-1",
		"project": "api",
		"title": "NilPointerException in handler",
		"level": "fatal",
		"repo": "acme/api",
		"ref": "main"
	}`)

	ev, err := h.Parse(body, headers())
	if err != nil || ev == nil {
		t.Fatalf("parse: %v, %v", ev, err)
	}
	if ev.Kind != task.KindEnrich || ev.Priority != task.PriorityHigh || ev.Actor != "alert:api" {
		t.Fatalf("event = %+v", ev)
	}
	if !h.ShouldProcess(ev) {
		t.Fatalf("alert with repo should process")
	}
	if h.ShouldProcess(&Event{Repo: "acme/api"}) {
		t.Fatalf("alert without id should be ignored")
	}
}

func TestErrorReporterOptionalSecret(t *testing.T) {
	h := &ErrorReporterHandler{}
	body := []byte(`{"alert_id":"alert-9"}`)

	// No secret on file and no signature: accepted.
	if err := h.Verify(nil, body, headers()); err != nil {
		t.Fatalf("unsigned delivery without secret: %v", err)
	}
	// A configured secret makes the signature mandatory.
	secret := []byte("s3cret")
	if err := h.Verify(secret, body, headers()); err == nil {
		t.Fatalf("unsigned delivery with secret accepted")
	}
	if err := h.Verify(secret, body, headers("X-Report-Signature", signHMAC(secret, body))); err != nil {
		t.Fatalf("signed delivery rejected: %v", err)
	}
}
