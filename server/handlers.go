package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/pulse/queue"
	"github.com/teranos/backtestq/pulse/service"
)

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.getState()
	status := http.StatusOK
	if state != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	respond(c, status, healthResponse{Status: stateString(state), Clients: s.ClientCount()})
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req service.EnqueueRequest
	if !s.bind(c, &req) {
		return
	}
	job, err := s.svc.Enqueue(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.svc.GetJob(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

func (s *Server) handleListMine(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	page, err := s.svc.ListOwnerJobs(c.Request.Context(), callerFrom(c), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, page)
}

func (s *Server) handleListAll(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	filter.OwnerID = c.Query("owner")
	page, err := s.svc.ListAllJobs(c.Request.Context(), callerFrom(c), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, page)
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.svc.GetStats(c.Request.Context(), callerFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if !s.bindOptional(c, &req) {
		return
	}
	job, err := s.svc.Cancel(c.Request.Context(), callerFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

type retryRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleRetry(c *gin.Context) {
	var req retryRequest
	if !s.bindOptional(c, &req) {
		return
	}
	job, err := s.svc.Retry(c.Request.Context(), callerFrom(c), c.Param("id"), req.Priority)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleUpdatePriority(c *gin.Context) {
	var req priorityRequest
	if !s.bind(c, &req) {
		return
	}
	if req.Priority == nil {
		s.respondError(c, errors.NewValidationError("priority is required"))
		return
	}
	job, err := s.svc.UpdatePriority(c.Request.Context(), callerFrom(c), c.Param("id"), *req.Priority)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

type scheduleRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (s *Server) handleReschedule(c *gin.Context) {
	var req scheduleRequest
	if !s.bind(c, &req) {
		return
	}
	if req.ScheduledFor == nil {
		s.respondError(c, errors.NewValidationError("scheduled_for is required"))
		return
	}
	job, err := s.svc.Reschedule(c.Request.Context(), callerFrom(c), c.Param("id"), *req.ScheduledFor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

type bulkRequest struct {
	IDs []string `json:"ids"`
	service.BulkOp
}

func (s *Server) handleBulk(c *gin.Context) {
	var req bulkRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.BulkOperation(c.Request.Context(), callerFrom(c), req.IDs, req.BulkOp)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (s *Server) handleHistory(c *gin.Context) {
	days, err := queryInt(c, "days", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	page, err := s.svc.GetHistory(c.Request.Context(), callerFrom(c), days, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, page)
}

func (s *Server) handleAnalytics(c *gin.Context) {
	days, err := queryInt(c, "days", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	a, err := s.svc.GetAnalytics(c.Request.Context(), callerFrom(c), days)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, a)
}

type cleanupResponse struct {
	Deleted    int64 `json:"deleted"`
	DaysToKeep int   `json:"days_to_keep"`
}

func (s *Server) handleCleanup(c *gin.Context) {
	days, err := queryInt(c, "daysToKeep", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	deleted, err := s.svc.CleanupCompleted(c.Request.Context(), callerFrom(c), days)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, cleanupResponse{Deleted: deleted, DaysToKeep: days})
}

// bind decodes a required JSON body
func (s *Server) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.respondError(c, errors.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

// bindOptional decodes a JSON body if one was sent
func (s *Server) bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(c, errors.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

// parseFilter reads status, from, to, limit and offset from the query string
func parseFilter(c *gin.Context) (queue.Filter, error) {
	var f queue.Filter

	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := queue.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.CreatedAfter, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NewValidationError("%s must be RFC3339, got %q", key, raw)
	}
	return &t, nil
}
