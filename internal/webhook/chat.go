package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mend/internal/clock"
	"mend/internal/command"
	"mend/internal/task"
)

func init() {
	Register(&ChatHandler{Clock: clock.System()})
}

// ChatHandler consumes chat messages addressed to the bot. The provider signs
// "v0:<timestamp>:<body>" and deliveries outside the replay window are
// rejected even when the signature checks out.
type ChatHandler struct {
	Clock clock.Clock
}

type chatPayload struct {
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id"`
	User    string `json:"user"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
}

func (h *ChatHandler) Meta() Meta {
	return Meta{
		Name:        "chat",
		Path:        "/webhooks/chat",
		Description: "slash commands and mentions from chat",
		Enabled:     true,
	}
}

func (h *ChatHandler) Verify(secret, body []byte, headers http.Header) error {
	now := time.Now()
	if h.Clock != nil {
		now = h.Clock.Now()
	}
	return VerifyTimestamped(secret, body,
		headers.Get("X-Chat-Timestamp"), headers.Get("X-Chat-Signature"), now)
}

func (h *ChatHandler) Parse(body []byte, headers http.Header) (*Event, error) {
	var p chatPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, nil
	}
	return &Event{
		Provider:       task.ProviderChat,
		OrganizationID: p.TeamID,
		EventID:        p.EventID,
		Actor:          p.User,
		Surface:        command.SurfaceChat,
		Repo:           p.Repo,
		Ref:            p.Ref,
		CommandText:    p.Text,
	}, nil
}

func (h *ChatHandler) ShouldProcess(ev *Event) bool {
	return command.Parse(ev.CommandText) != nil
}

func (h *ChatHandler) Handle(ctx context.Context, ev *Event) (Action, error) {
	return Action{Type: ActionCommand}, nil
}
