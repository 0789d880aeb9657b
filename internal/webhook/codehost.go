package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"mend/internal/command"
	"mend/internal/task"
)

func init() {
	Register(&CodeHostHandler{})
}

// CodeHostHandler consumes code-host deliveries: pull request comments and
// review comments become commands, newly opened issues become enrich tasks.
type CodeHostHandler struct{}

type codeHostPayload struct {
	EventID      string `json:"event_id"`
	Action       string `json:"action"`
	Organization struct {
		ID string `json:"id"`
	} `json:"organization"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		HeadRef string `json:"head_ref"`
	} `json:"pull_request"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

func (h *CodeHostHandler) Meta() Meta {
	return Meta{
		Name:        "code-host",
		Path:        "/webhooks/code-host",
		Description: "pull request comments and issue events from the code host",
		Enabled:     true,
	}
}

func (h *CodeHostHandler) Verify(secret, body []byte, headers http.Header) error {
	return VerifyHMAC(secret, body, headers.Get("X-Hook-Signature"))
}

func (h *CodeHostHandler) Parse(body []byte, headers http.Header) (*Event, error) {
	eventType := headers.Get("X-Hook-Event")
	switch eventType {
	case "issue_comment", "pull_request_review_comment", "issues":
	default:
		return nil, nil
	}

	var p codeHostPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	ev := &Event{
		Provider:       task.ProviderCodeHost,
		OrganizationID: p.Organization.ID,
		EventID:        p.EventID,
		Actor:          p.Sender.Login,
		Repo:           p.Repository.FullName,
		Ref:            p.PullRequest.HeadRef,
	}
	if ev.EventID == "" {
		ev.EventID = headers.Get("X-Hook-Delivery")
	}

	switch eventType {
	case "issue_comment", "pull_request_review_comment":
		if p.Action != "created" {
			return nil, nil
		}
		ev.Surface = command.SurfacePRComment
		ev.CommandText = p.Comment.Body
	case "issues":
		if p.Action != "opened" {
			return nil, nil
		}
		ev.Kind = task.KindEnrich
		ev.Priority = task.PriorityNormal
	}
	return ev, nil
}

func (h *CodeHostHandler) ShouldProcess(ev *Event) bool {
	if ev.Repo == "" {
		return false
	}
	// Comment bodies that never mention us are ordinary review chatter.
	if ev.CommandText != "" && !strings.Contains(strings.ToLower(ev.CommandText), "@") {
		return false
	}
	return true
}

func (h *CodeHostHandler) Handle(ctx context.Context, ev *Event) (Action, error) {
	if ev.CommandText != "" {
		return Action{Type: ActionCommand}, nil
	}
	return Action{Type: ActionEnqueueTask}, nil
}
