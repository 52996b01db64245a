package handlers

import (
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/possync/internal/cache"
	"example.com/backstage/services/possync/internal/jobs"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// jobStatusCacheTTL bounds how stale a cached job status read may be.
const jobStatusCacheTTL = 5 * time.Second

// ImportHandler exposes the producer side of the import queue to the bot
// layer: enqueue a request and read a job's status by id.
type ImportHandler struct {
	store  *jobs.Store
	cache  *cache.RedisCache
	tracer tracing.Tracer
}

// NewImportHandler creates a new import handler.
func NewImportHandler(store *jobs.Store, jobCache *cache.RedisCache, tracer tracing.Tracer) *ImportHandler {
	return &ImportHandler{
		store:  store,
		cache:  jobCache,
		tracer: tracer,
	}
}

// EnqueueRequest represents an incoming import request.
type EnqueueRequest struct {
	RequestedBy string   `json:"requested_by"`
	PeriodFrom  string   `json:"period_from" binding:"required"`
	PeriodTo    string   `json:"period_to" binding:"required"`
	OutletIDs   []string `json:"outlet_ids"`
}

// HandleEnqueue accepts an import request and queues it.
func (h *ImportHandler) HandleEnqueue(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-enqueue-import-job")
	defer h.tracer.EndTransaction(txn)

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	from, err := time.Parse("2006-01-02", req.PeriodFrom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period_from must be YYYY-MM-DD"})
		return
	}
	to, err := time.Parse("2006-01-02", req.PeriodTo)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period_to must be YYYY-MM-DD"})
		return
	}

	h.tracer.AddAttribute(txn, "requested_by", req.RequestedBy)

	result, err := h.store.Enqueue(c, req.RequestedBy, from, to, req.OutletIDs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue import job")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// HandleGetJob returns one job's status and result by id.
func (h *ImportHandler) HandleGetJob(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-import-job")
	defer h.tracer.EndTransaction(txn)

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	var cached models.ImportJob
	if h.cache.Get(c, cache.JobCacheKey(uint(id)), &cached) == nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	job, err := h.store.GetJob(c, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to load import job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	if err := h.cache.Set(c, cache.JobCacheKey(job.ID), job, jobStatusCacheTTL); err != nil {
		log.Warn().Err(err).Msg("Failed to cache job status")
	}

	c.JSON(http.StatusOK, job)
}

// RegisterRoutes registers the handler's routes.
func (h *ImportHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/import-jobs", h.HandleEnqueue)
	router.GET("/import-jobs/:id", h.HandleGetJob)
}
