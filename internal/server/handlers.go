package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mend/internal/faults"
	"mend/internal/queue"
	"mend/internal/task"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	defaultLogPage  = 500
	maxLogPage      = 5000
)

func statusCodeFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindIllegalTransition:
		return http.StatusConflict
	case faults.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleAgents(c *gin.Context) {
	var metas any
	if s.dispatcher != nil {
		metas = s.dispatcher.HandlerMetas()
	}
	respondOK(c, gin.H{"webhooks": metas})
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := task.Filter{
		Provider: task.Provider(c.Query("provider")),
		Actor:    c.Query("actor"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				filter.Statuses = append(filter.Statuses, task.Status(part))
			}
		}
	}
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, faults.New(faults.KindValidation, "since must be RFC3339"))
			return
		}
		filter.Since = ts
	}
	if raw := c.Query("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, faults.New(faults.KindValidation, "until must be RFC3339"))
			return
		}
		filter.Until = ts
	}

	limit := intQuery(c, "limit", defaultPageSize)
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}

	page, err := s.svc.Store().List(c.Request.Context(), filter, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	respondOK(c, gin.H{
		"tasks":       page.Tasks,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")
	t, err := s.svc.Store().Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	execs, err := s.svc.Store().Executions(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	respondOK(c, gin.H{"task": t, "executions": execs})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	t, err := s.svc.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	respondOK(c, gin.H{
		"task_id":    t.TaskID,
		"status":     t.Status,
		"attempts":   t.Attempts,
		"last_error": t.LastError,
		"plan_ref":   t.PlanRef,
		"pr_ref":     t.PRRef,
		"updated_at": t.UpdatedAt,
	})
}

func (s *Server) handleTaskTransitions(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.svc.Store().Get(c.Request.Context(), id); err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	trs, err := s.svc.Store().Transitions(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	respondOK(c, gin.H{"transitions": trs})
}

// handleTaskLogs pages a task's log. follow=true waits briefly for new
// entries before answering, so clients can long-poll the tail.
func (s *Server) handleTaskLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.svc.Store().Get(c.Request.Context(), id); err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}

	offset := int64Query(c, "offset", 0)
	limit := intQuery(c, "limit", defaultLogPage)
	if limit < 1 || limit > maxLogPage {
		limit = defaultLogPage
	}

	res, err := s.logs.Read(c.Request.Context(), id, offset, limit)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}

	if len(res.Entries) == 0 && c.Query("follow") == "true" {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) && c.Request.Context().Err() == nil {
			time.Sleep(500 * time.Millisecond)
			res, err = s.logs.Read(c.Request.Context(), id, offset, limit)
			if err != nil {
				respondError(c, statusCodeFor(err), err)
				return
			}
			if len(res.Entries) > 0 {
				break
			}
		}
	}
	respondOK(c, res)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	name := queue.Name(c.Param("name"))
	if !name.Valid() {
		respondError(c, http.StatusBadRequest, faults.New(faults.KindValidation, "unknown queue %q", name))
		return
	}
	stats, err := s.svc.Queue().Stats(c.Request.Context(), name)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	dead, err := s.svc.Queue().DeadLetters(c.Request.Context(), name)
	if err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}
	respondOK(c, gin.H{"stats": stats, "dead_letters": dead})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func int64Query(c *gin.Context, key string, def int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
