package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"mend/internal/task"
)

func init() {
	Register(&ErrorReporterHandler{})
}

// ErrorReporterHandler turns production alerts into enrich tasks. The shared
// secret is optional for this provider: with no secret on file, unsigned
// deliveries are accepted.
type ErrorReporterHandler struct{}

type errorReporterPayload struct {
	AlertID        string `json:"alert_id"`
	OrganizationID string `json:"organization_id"`
	Project        string `json:"project"`
	Title          string `json:"title"`
	Level          string `json:"level"` // fatal, error, warning, info
	Repo           string `json:"repo"`
	Ref            string `json:"ref"`
}

func (h *ErrorReporterHandler) Meta() Meta {
	return Meta{
		Name:        "error-reporter",
		Path:        "/webhooks/error-reporter",
		Description: "production alerts from the error reporter",
		Enabled:     true,
	}
}

func (h *ErrorReporterHandler) Verify(secret, body []byte, headers http.Header) error {
	sig := headers.Get("X-Report-Signature")
	if len(secret) == 0 && sig == "" {
		return nil
	}
	return VerifyHMAC(secret, body, sig)
}

func (h *ErrorReporterHandler) Parse(body []byte, headers http.Header) (*Event, error) {
	var p errorReporterPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	priority := task.PriorityNormal
	if p.Level == "fatal" || p.Level == "error" {
		priority = task.PriorityHigh
	}
	return &Event{
		Provider:       task.ProviderErrorReporter,
		OrganizationID: p.OrganizationID,
		EventID:        p.AlertID,
		Actor:          "alert:" + p.Project,
		Repo:           p.Repo,
		Ref:            p.Ref,
		Kind:           task.KindEnrich,
		Priority:       priority,
	}, nil
}

func (h *ErrorReporterHandler) ShouldProcess(ev *Event) bool {
	return ev.Repo != "" && ev.EventID != ""
}

func (h *ErrorReporterHandler) Handle(ctx context.Context, ev *Event) (Action, error) {
	return Action{Type: ActionEnqueueTask}, nil
}
