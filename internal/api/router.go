package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/consent"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/errorlog"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/scheduler"
)

// SchedulerService runs and reports publish cycles.
type SchedulerService interface {
	RunCycle(ctx context.Context) (*scheduler.CycleSummary, error)
	GetSchedulerStatus(ctx context.Context) (*domain.SchedulerStatus, error)
}

// PostStore creates and reads scheduled items.
type PostStore interface {
	Create(ctx context.Context, item *domain.ScheduledItem) error
	GetByID(ctx context.Context, id string) (*domain.ScheduledItem, error)
}

// MessageService is the delivery tracker surface.
type MessageService interface {
	CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.TrackedMessage, error)
	GetMessage(ctx context.Context, id string) (*domain.TrackedMessage, error)
	GetHistory(ctx context.Context, id string) ([]domain.StatusChange, error)
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate, metadata domain.Metadata) (*domain.TrackedMessage, error)
	LogFailure(ctx context.Context, id, reason string) (*domain.TrackedMessage, error)
	MarkForRetry(ctx context.Context, id string, maxRetries int) (bool, error)
	GetPendingRetries(ctx context.Context) ([]domain.TrackedMessage, error)
	GetBulkStatus(ctx context.Context, batchID string) (*domain.BulkStatus, error)
	GetDeliveryReport(ctx context.Context, filter domain.MessageFilter, limit int) (*domain.DeliveryReport, error)
	GetStatistics(ctx context.Context, r delivery.DateRange) (*domain.MessageStatistics, error)
}

// ConsentService is the consent gate surface.
type ConsentService interface {
	Status(ctx context.Context, destination string) (*consent.State, error)
	OptIn(ctx context.Context, destination, leadID, method string) error
	OptOut(ctx context.Context, destination, reason string) error
	HandleUnsubscribeKeyword(ctx context.Context, destination, keyword string) error
	ReConsent(ctx context.Context, destination string) error
	ListOptedOut(ctx context.Context, limit int) ([]domain.ConsentRecord, error)
	ListBlocked(ctx context.Context) ([]domain.ConsentRecord, error)
	ValidateCompliance(ctx context.Context, destination string) domain.Compliance
}

// RateLimitService is the rate limiter surface.
type RateLimitService interface {
	Status(ctx context.Context, actor string) (*ratelimit.Status, error)
	CanSendMessage(ctx context.Context, actor, destination string) (ratelimit.Decision, error)
	PauseMessaging(ctx context.Context, actor, reason string, resumeAt *time.Time) error
	ResumeMessaging(ctx context.Context, actor string) error
}

// Dependencies are the services behind the routes. Routes of a nil service
// are not registered.
type Dependencies struct {
	Scheduler         SchedulerService
	Runner            *scheduler.Runner
	Posts             PostStore
	Messages          MessageService
	Consent           ConsentService
	Limits            RateLimitService
	Events            *errorlog.Log
	Metrics           http.Handler
	MessageMaxRetries int
}

// Handler serves the API routes.
type Handler struct {
	deps Dependencies
	now  func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps, now: time.Now}
}

// RegisterRoutes mounts /metrics and the /api/v1 routes on router.
func (h *Handler) RegisterRoutes(router *gin.Engine, jwtSecret string) {
	if h.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}

	v1 := protectedGroup(router, "/api/v1", jwtSecret)

	if h.deps.Scheduler != nil {
		sched := v1.Group("/scheduler")
		sched.GET("/status", h.getSchedulerStatus)
		sched.POST("/run", h.runCycle)
	}

	if h.deps.Posts != nil {
		posts := v1.Group("/posts")
		posts.POST("", h.createPost)
		posts.GET("/:id", h.getPost)
	}

	if h.deps.Messages != nil {
		messages := v1.Group("/messages")
		messages.POST("", h.createMessage)
		messages.GET("/retries", h.getPendingRetries) // before /:id
		messages.GET("/batches/:batch_id", h.getBulkStatus)
		messages.GET("/:id", h.getMessage)
		messages.GET("/:id/history", h.getMessageHistory)
		messages.POST("/:id/status", h.updateMessageStatus)
		messages.POST("/:id/failure", h.logMessageFailure)
		messages.POST("/:id/retry", h.markMessageForRetry)

		reports := v1.Group("/reports")
		reports.GET("/delivery", h.getDeliveryReport)
		reports.GET("/statistics", h.getStatistics)
	}

	if h.deps.Events != nil {
		logs := v1.Group("/logs")
		logs.GET("", h.getRecentLogs)
		logs.GET("/summary", h.getErrorSummary)
		logs.GET("/metrics", h.getOperationMetrics)
		logs.GET("/report/:platform", h.getErrorReport)
	}

	if h.deps.Limits != nil {
		limits := v1.Group("/rate-limits")
		limits.GET("/:actor", h.getRateStatus)
		limits.GET("/:actor/check", h.checkRate)
		limits.POST("/:actor/pause", h.pauseMessaging)
		limits.POST("/:actor/resume", h.resumeMessaging)
	}

	if h.deps.Consent != nil {
		c := v1.Group("/consent")
		c.GET("/opted-out", h.listOptedOut) // before /:destination
		c.GET("/blocked", h.listBlocked)
		c.GET("/:destination", h.getConsent)
		c.GET("/:destination/compliance", h.validateCompliance)
		c.POST("/:destination/opt-in", h.optIn)
		c.POST("/:destination/opt-out", h.optOut)
		c.POST("/:destination/unsubscribe", h.unsubscribe)
		c.POST("/:destination/reconsent", h.reConsent)
	}
}
