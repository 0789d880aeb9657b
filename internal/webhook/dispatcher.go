package webhook

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mend/internal/command"
	"mend/internal/faults"
	"mend/internal/logging"
	"mend/internal/observability"
	"mend/internal/orchestrator"
	"mend/internal/task"
)

// maxPayloadBytes caps how much of a delivery body the dispatcher reads.
const maxPayloadBytes = 5 << 20

// Dispatcher binds registered handlers to HTTP routes and applies their
// decisions through the orchestrator and command router.
type Dispatcher struct {
	svc     *orchestrator.Service
	router  *command.Router
	secrets SecretResolver
	metrics *observability.Metrics
	logger  logging.Logger

	// botIdentities is the lowercase actor list whose events are dropped to
	// keep the orchestrator from reacting to its own output.
	botIdentities map[string]struct{}
}

// NewDispatcher constructs a dispatcher over the registered handler table.
func NewDispatcher(svc *orchestrator.Service, router *command.Router, secrets SecretResolver, metrics *observability.Metrics, botIdentities []string) *Dispatcher {
	if metrics == nil {
		metrics = observability.Default()
	}
	bots := make(map[string]struct{}, len(botIdentities))
	for _, id := range botIdentities {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			bots[id] = struct{}{}
		}
	}
	return &Dispatcher{
		svc:           svc,
		router:        router,
		secrets:       secrets,
		metrics:       metrics,
		logger:        logging.NewComponentLogger("WebhookDispatcher"),
		botIdentities: bots,
	}
}

// Mount registers one POST route per enabled handler.
func (d *Dispatcher) Mount(r gin.IRouter) {
	for _, h := range Handlers() {
		meta := h.Meta()
		if !meta.Enabled {
			continue
		}
		handler := h
		r.POST(meta.Path, func(c *gin.Context) {
			d.handle(c, handler)
		})
		d.logger.Info("mounted %s at %s", meta.Name, meta.Path)
	}
}

// HandlerMetas reports the registered handler table for the read API.
func (d *Dispatcher) HandlerMetas() []Meta {
	handlers := Handlers()
	metas := make([]Meta, 0, len(handlers))
	for _, h := range handlers {
		metas = append(metas, h.Meta())
	}
	return metas
}

func (d *Dispatcher) handle(c *gin.Context, h Handler) {
	name := h.Meta().Name

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		d.respond(c, name, http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
		return
	}

	ev, err := h.Parse(body, c.Request.Header)
	if err != nil {
		d.respond(c, name, http.StatusBadRequest, gin.H{"status": "error", "message": "malformed payload"})
		return
	}
	if ev == nil {
		d.respond(c, name, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	// The tenant comes from the payload, so the secret lookup runs on
	// unverified data; nothing is trusted until Verify passes.
	secret, err := d.secrets.WebhookSecret(c.Request.Context(), ev.Provider, ev.OrganizationID)
	if err != nil && !faults.Is(err, faults.KindNotFound) {
		d.respond(c, name, http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}
	if err := h.Verify(secret, body, c.Request.Header); err != nil {
		d.logger.Warn("%s: rejected delivery %s: %v", name, ev.EventID, err)
		d.respond(c, name, http.StatusUnauthorized, gin.H{"status": "error", "message": "signature verification failed"})
		return
	}

	if _, isBot := d.botIdentities[strings.ToLower(ev.Actor)]; isBot {
		d.respond(c, name, http.StatusOK, gin.H{"status": "ignored", "message": "own identity"})
		return
	}
	if !h.ShouldProcess(ev) {
		d.respond(c, name, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	action, err := h.Handle(c.Request.Context(), ev)
	if err != nil {
		d.respond(c, name, http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	switch action.Type {
	case ActionEnqueueTask:
		d.enqueueTask(c, name, ev)
	case ActionCommand:
		d.routeCommand(c, name, ev)
	default:
		d.respond(c, name, http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (d *Dispatcher) enqueueTask(c *gin.Context, name string, ev *Event) {
	t, duplicate, err := d.svc.CreateTask(c.Request.Context(), orchestrator.CreateParams{
		Origin: task.Origin{
			Provider:       ev.Provider,
			OrganizationID: ev.OrganizationID,
			EventID:        ev.EventID,
			Actor:          ev.Actor,
			Surface:        string(ev.Surface),
		},
		Target:   task.Target{Repo: ev.Repo, Ref: ev.Ref},
		Kind:     ev.Kind,
		Priority: ev.Priority,
	})
	if err != nil {
		switch {
		case faults.Is(err, faults.KindQuotaExhausted):
			d.respond(c, name, http.StatusServiceUnavailable, gin.H{"status": "error", "message": "queue at capacity"})
		case faults.Is(err, faults.KindValidation):
			d.respond(c, name, http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		default:
			d.logger.Error("%s: create task for %s failed: %v", name, ev.EventID, err)
			d.respond(c, name, http.StatusInternalServerError, gin.H{"status": "error"})
		}
		return
	}
	status := "accepted"
	if duplicate {
		status = "duplicate"
	}
	d.respond(c, name, http.StatusOK, gin.H{"status": status, "task_id": t.TaskID})
}

func (d *Dispatcher) routeCommand(c *gin.Context, name string, ev *Event) {
	cmd := command.Parse(ev.CommandText)
	res, err := d.router.Execute(c.Request.Context(), cmd, command.Context{
		Surface:        ev.Surface,
		Provider:       ev.Provider,
		OrganizationID: ev.OrganizationID,
		EventID:        ev.EventID,
		Actor:          ev.Actor,
		Repo:           ev.Repo,
		Ref:            ev.Ref,
	})
	if err != nil {
		switch {
		case faults.Is(err, faults.KindNotFound), faults.Is(err, faults.KindValidation),
			faults.Is(err, faults.KindIllegalTransition):
			// Surface-facing refusals still acknowledge the delivery.
			d.respond(c, name, http.StatusOK, gin.H{"status": "error", "message": err.Error()})
		default:
			d.logger.Error("%s: command from %s failed: %v", name, ev.Actor, err)
			d.respond(c, name, http.StatusInternalServerError, gin.H{"status": "error"})
		}
		return
	}
	d.respond(c, name, http.StatusOK, res)
}

func (d *Dispatcher) respond(c *gin.Context, name string, code int, body any) {
	d.metrics.WebhooksReceived.WithLabelValues(name, http.StatusText(code)).Inc()
	c.JSON(code, body)
}
