// Package webhook hosts the plugin framework turning signed provider
// deliveries into task creations and command transitions.
//
// Handlers register themselves from init hooks into a package-level table;
// the dispatcher binds every enabled handler to its declared HTTP path at
// boot. The set of handlers is closed at build time.
package webhook

import (
	"context"
	"net/http"
	"sync"

	"mend/internal/command"
	"mend/internal/task"
)

// Meta describes one registered handler.
type Meta struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Event is the provider-neutral record a handler normalizes a payload into.
type Event struct {
	Provider       task.Provider
	OrganizationID string
	EventID        string
	Actor          string
	Surface        command.Surface

	Repo string
	Ref  string

	// Kind and Priority are set when the event should create a task.
	Kind     task.Kind
	Priority task.Priority

	// CommandText is set when the event carries free-form command text.
	CommandText string
}

// ActionType classifies what the dispatcher should do with an event.
type ActionType int

const (
	// ActionIgnored means the event requires nothing.
	ActionIgnored ActionType = iota
	// ActionEnqueueTask means create and enqueue a task from the event.
	ActionEnqueueTask
	// ActionCommand means route the event's command text to the router.
	ActionCommand
)

// Action is a handler's decision for one event.
type Action struct {
	Type ActionType
}

// Handler is one webhook plugin.
type Handler interface {
	// Meta returns the handler's registration record.
	Meta() Meta

	// Verify checks the request signature against the installation secret.
	// A nil error means the payload is authentic. Handlers whose provider
	// sends no signature accept an empty secret.
	Verify(secret []byte, body []byte, headers http.Header) error

	// Parse normalizes the payload. A nil event means the delivery is not
	// one this handler cares about.
	Parse(body []byte, headers http.Header) (*Event, error)

	// ShouldProcess filters normalized events; loop prevention happens in
	// the dispatcher, provider-specific filtering here.
	ShouldProcess(ev *Event) bool

	// Handle decides the action for an event.
	Handle(ctx context.Context, ev *Event) (Action, error)
}

// SecretResolver looks up the webhook secret for a tenant.
type SecretResolver interface {
	WebhookSecret(ctx context.Context, provider task.Provider, organizationID string) ([]byte, error)
}

var (
	registryMu sync.Mutex
	registry   []Handler
)

// Register adds a handler to the boot-time table. Called from init hooks.
func Register(h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, h)
}

// Handlers returns the registered handler set.
func Handlers() []Handler {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Handler, len(registry))
	copy(out, registry)
	return out
}
