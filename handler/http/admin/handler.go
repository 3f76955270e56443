package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
	"jobmatch/src/core/queue"
	"jobmatch/src/core/registry"
)

// QueueService is the queue surface exposed to operators
type QueueService interface {
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context, params queue.ListParams) ([]queue.Task, int64, error)
	Get(ctx context.Context, id int64) (*queue.Task, error)
	Delete(ctx context.Context, id int64) error
	EnqueueEntity(ctx context.Context, ref entity.Ref, taskType queue.TaskType) (*queue.Task, bool, error)
	ReenqueueAll(ctx context.Context, lister queue.EntityLister, kinds []entity.Kind, batchSize int, progress func(n int)) (queue.ReenqueueResult, error)
	RetryFailed(ctx context.Context) (int, error)
	Purge(ctx context.Context, retention time.Duration) (int, error)
}

type WorkerService interface {
	ListAll(ctx context.Context) ([]registry.WorkerRecord, error)
	ListAlive(ctx context.Context, deadThreshold time.Duration) ([]registry.WorkerRecord, error)
}

type MatchService interface {
	GetTopMatches(ctx context.Context, jobID string, limit int) ([]matching.MatchRecord, error)
	GetTopMatchesForCandidate(ctx context.Context, candidateID string, limit int) ([]matching.MatchRecord, error)
	RecordContact(ctx context.Context, jobID, candidateID, method string) error
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type Handler struct {
	queue    QueueService
	workers  WorkerService
	matches  MatchService
	entities queue.EntityLister
	health   HealthCheck
}

func NewHandler(q QueueService, workers WorkerService, matches MatchService, entities queue.EntityLister, health HealthCheck) *Handler {
	return &Handler{
		queue:    q,
		workers:  workers,
		matches:  matches,
		entities: entities,
		health:   health,
	}
}

// RegisterRoutes registers all admin API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	// Queue routes
	v1.GET("/queue/stats", h.QueueStats)
	v1.GET("/queue/tasks", h.ListTasks)
	v1.GET("/queue/tasks/:id", h.GetTask)
	v1.DELETE("/queue/tasks/:id", h.DeleteTask)
	v1.POST("/queue/enqueue", h.Enqueue)
	v1.POST("/queue/reenqueue-all", h.ReenqueueAll)
	v1.POST("/queue/retry-failed", h.RetryFailed)
	v1.POST("/queue/purge", h.Purge)

	// Worker routes
	v1.GET("/workers", h.ListWorkers)
	v1.GET("/workers/alive", h.ListAliveWorkers)

	// Match routes
	v1.GET("/jobs/:id/matches", h.JobMatches)
	v1.GET("/candidates/:id/matches", h.CandidateMatches)
	v1.POST("/jobs/:id/matches/:candidateId/contact", h.RecordContact)

	// System routes
	v1.GET("/health", h.CheckHealth)
}

// Common error response structure
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// validationError marks a request the caller has to fix
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func invalid(msg string) error {
	return &validationError{msg: msg}
}

func sendError(c *gin.Context, err error) {
	var code string
	var status int
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		code = "INVALID_ARGUMENT"
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, matching.ErrMatchNotFound),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, entity.ErrNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	default:
		code = "INTERNAL_ERROR"
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
