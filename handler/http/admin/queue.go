package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
)

// QueueStats godoc
// @Summary Task counts by status and type
// @Tags queue
// @Produce json
// @Success 200 {object} queue.Stats
// @Router /queue/stats [get]
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, stats)
}

type TaskListResponse struct {
	Tasks  []queue.Task `json:"tasks"`
	Total  int64        `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// ListTasks godoc
// @Summary Paginated task listing
// @Tags queue
// @Param status query string false "Task status"
// @Param task_type query string false "Task type"
// @Param entity_kind query string false "job or candidate"
// @Param entity_id query string false "Entity ID"
// @Param offset query int false "Offset"
// @Param limit query int false "Page size"
// @Produce json
// @Success 200 {object} TaskListResponse
// @Failure 400 {object} ErrorResponse
// @Router /queue/tasks [get]
func (h *Handler) ListTasks(c *gin.Context) {
	params, err := listParams(c)
	if err != nil {
		sendError(c, err)
		return
	}
	tasks, total, err := h.queue.List(c.Request.Context(), params)
	if err != nil {
		sendError(c, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	sendJSON(c, http.StatusOK, TaskListResponse{Tasks: tasks, Total: total, Offset: params.Offset, Limit: params.Limit})
}

func listParams(c *gin.Context) (queue.ListParams, error) {
	var p queue.ListParams
	if s := c.Query("status"); s != "" {
		status := queue.TaskStatus(s)
		known := false
		for _, st := range queue.TaskStatuses {
			if st == status {
				known = true
			}
		}
		if !known {
			return p, invalid("unknown status: " + s)
		}
		p.Status = status
	}
	if s := c.Query("task_type"); s != "" {
		t, err := queue.ParseTaskType(s)
		if err != nil {
			return p, invalid(err.Error())
		}
		p.TaskType = t
	}
	if s := c.Query("entity_kind"); s != "" {
		k, err := entity.ParseKind(s)
		if err != nil {
			return p, invalid(err.Error())
		}
		p.EntityKind = k
	}
	p.EntityID = c.Query("entity_id")

	var err error
	if p.Offset, err = intQuery(c, "offset", 0); err != nil {
		return p, err
	}
	if p.Limit, err = intQuery(c, "limit", 50); err != nil {
		return p, err
	}
	return p, nil
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, invalid(key + " must be a non-negative integer")
	}
	return n, nil
}

func taskID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, invalid("invalid task id")
	}
	return id, nil
}

func (h *Handler) GetTask(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		sendError(c, err)
		return
	}
	task, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, task)
}

func (h *Handler) DeleteTask(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		sendError(c, err)
		return
	}
	if err := h.queue.Delete(c.Request.Context(), id); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type EnqueueRequest struct {
	Kind     string `json:"kind" binding:"required"`
	ID       string `json:"id" binding:"required"`
	TaskType string `json:"task_type"`
}

type EnqueueResponse struct {
	Task    *queue.Task `json:"task,omitempty"`
	Created bool        `json:"created"`
}

// Enqueue godoc
// @Summary Schedule one entity at elevated priority
// @Tags queue
// @Accept json
// @Param request body EnqueueRequest true "Entity reference"
// @Produce json
// @Success 201 {object} EnqueueResponse
// @Success 200 {object} EnqueueResponse "already scheduled"
// @Failure 400 {object} ErrorResponse
// @Router /queue/enqueue [post]
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, invalid("invalid request format: "+err.Error()))
		return
	}
	kind, err := entity.ParseKind(req.Kind)
	if err != nil {
		sendError(c, invalid(err.Error()))
		return
	}
	taskType := queue.TaskTypeGenerateEmbedding
	if req.TaskType != "" {
		if taskType, err = queue.ParseTaskType(req.TaskType); err != nil {
			sendError(c, invalid(err.Error()))
			return
		}
	}

	task, created, err := h.queue.EnqueueEntity(c.Request.Context(), entity.Ref{Kind: kind, ID: req.ID}, taskType)
	if err != nil {
		sendError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	sendJSON(c, status, EnqueueResponse{Task: task, Created: created})
}

type ReenqueueRequest struct {
	Kinds []string `json:"kinds"`
}

func (h *Handler) ReenqueueAll(c *gin.Context) {
	var req ReenqueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, invalid("invalid request format: "+err.Error()))
			return
		}
	}
	kinds := make([]entity.Kind, 0, len(req.Kinds))
	for _, s := range req.Kinds {
		k, err := entity.ParseKind(s)
		if err != nil {
			sendError(c, invalid(err.Error()))
			return
		}
		kinds = append(kinds, k)
	}

	res, err := h.queue.ReenqueueAll(c.Request.Context(), h.entities, kinds, 500, nil)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, res)
}

func (h *Handler) RetryFailed(c *gin.Context) {
	n, err := h.queue.RetryFailed(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"requeued": n})
}

type PurgeRequest struct {
	Days int `json:"days" binding:"required,min=1,max=36500"`
}

// Purge godoc
// @Summary Delete terminal tasks older than N days
// @Tags queue
// @Accept json
// @Param request body PurgeRequest true "Retention in days"
// @Produce json
// @Failure 400 {object} ErrorResponse
// @Router /queue/purge [post]
func (h *Handler) Purge(c *gin.Context) {
	var req PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, invalid(fmt.Sprintf("days must be between 1 and %d", queue.MaxRetentionDays)))
		return
	}
	n, err := h.queue.Purge(c.Request.Context(), time.Duration(req.Days)*24*time.Hour)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"purged": n})
}
