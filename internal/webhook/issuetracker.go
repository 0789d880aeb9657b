package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"mend/internal/command"
	"mend/internal/task"
)

// FixLabel is the tracker label that asks for an autonomous fix.
const FixLabel = "AI-Fix"

func init() {
	Register(&IssueTrackerHandler{})
}

// IssueTrackerHandler consumes ticket events: adding the fix label creates a
// fix task, ticket comments become commands on the ticket surface. The shared
// secret is optional: installations without one deliver unsigned.
type IssueTrackerHandler struct{}

type issueTrackerPayload struct {
	EventID        string `json:"event_id"`
	Event          string `json:"event"` // labeled, comment_created
	OrganizationID string `json:"organization_id"`
	Author         string `json:"author"`
	Label          string `json:"label"`
	Ticket         struct {
		Key      string `json:"key"`
		Repo     string `json:"repo"`
		Ref      string `json:"ref"`
		Priority string `json:"priority"`
	} `json:"ticket"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

func (h *IssueTrackerHandler) Meta() Meta {
	return Meta{
		Name:        "issue-tracker",
		Path:        "/webhooks/issue-tracker",
		Description: "ticket labels and comments from the issue tracker",
		Enabled:     true,
	}
}

func (h *IssueTrackerHandler) Verify(secret, body []byte, headers http.Header) error {
	sig := headers.Get("X-Tracker-Signature")
	if len(secret) == 0 && sig == "" {
		return nil
	}
	return VerifyHMAC(secret, body, sig)
}

func (h *IssueTrackerHandler) Parse(body []byte, headers http.Header) (*Event, error) {
	var p issueTrackerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	ev := &Event{
		Provider:       task.ProviderIssueTracker,
		OrganizationID: p.OrganizationID,
		EventID:        p.EventID,
		Actor:          p.Author,
		Surface:        command.SurfaceTicket,
		Repo:           p.Ticket.Repo,
		Ref:            p.Ticket.Ref,
	}

	switch p.Event {
	case "labeled":
		if p.Label != FixLabel {
			return nil, nil
		}
		ev.Kind = task.KindFix
		ev.Priority = trackerPriority(p.Ticket.Priority)
	case "comment_created":
		ev.CommandText = p.Comment.Body
	default:
		return nil, nil
	}
	return ev, nil
}

func trackerPriority(p string) task.Priority {
	switch p {
	case "blocker", "critical":
		return task.PriorityCritical
	case "major", "high":
		return task.PriorityHigh
	case "minor", "low":
		return task.PriorityLow
	default:
		return task.PriorityNormal
	}
}

func (h *IssueTrackerHandler) ShouldProcess(ev *Event) bool {
	return ev.Repo != ""
}

func (h *IssueTrackerHandler) Handle(ctx context.Context, ev *Event) (Action, error) {
	if ev.CommandText != "" {
		return Action{Type: ActionCommand}, nil
	}
	return Action{Type: ActionEnqueueTask}, nil
}
