package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/dto"
	"github.com/BarkinBalci/engagement-rollup-service/internal/service"
)

type Handler struct {
	querier service.RollupQuerier
	router  *gin.Engine
	log     *zap.Logger
}

func NewHandler(querier service.RollupQuerier, log *zap.Logger) *Handler {
	h := &Handler{
		querier: querier,
		router:  gin.Default(),
		log:     log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.GET("/sessions/:session_id", h.getSessionRollup)
	h.router.GET("/users", h.getUserRollups)
	h.router.GET("/lag", h.getLag)
	h.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// healthCheck handles health check requests
// @Summary Health check
// @Description Check if the engine and its storage are reachable
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} dto.ErrorResponse
// @Router /health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	if err := h.querier.Health(c.Request.Context()); err != nil {
		h.log.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   "storage_unavailable",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// getSessionRollup handles GET /sessions/:session_id
// @Summary Get a session rollup
// @Description Read one session's rollup, merging in-memory state with the stored snapshot
// @Tags rollups
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} dto.SessionRollupResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 502 {object} dto.ErrorResponse
// @Router /sessions/{session_id} [get]
func (h *Handler) getSessionRollup(c *gin.Context) {
	sessionID := c.Param("session_id")

	rollup, err := h.querier.GetSessionRollup(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err, zap.String("session_id", sessionID))
		return
	}

	c.JSON(http.StatusOK, rollup)
}

// getUserRollups handles GET /users
// @Summary List user rollups
// @Description Read an ordered page of user rollups with optional region and min_sessions filters
// @Tags rollups
// @Produce json
// @Param region query string false "Region filter" example:"US"
// @Param min_sessions query int false "Minimum session count" example:"5"
// @Param limit query int false "Page size (max 1000)" example:"100"
// @Param page_token query string false "Continuation token from a previous page"
// @Success 200 {object} dto.GetUserRollupsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 502 {object} dto.ErrorResponse
// @Router /users [get]
func (h *Handler) getUserRollups(c *gin.Context) {
	var req dto.GetUserRollupsRequest

	if err := c.ShouldBindQuery(&req); err != nil {
		h.log.Warn("Invalid user rollups request", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	response, err := h.querier.GetUserRollups(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err, zap.String("region", req.Region))
		return
	}

	c.JSON(http.StatusOK, response)
}

// getLag handles GET /lag
// @Summary Flush lag report
// @Description Report unflushed rollup counts and degradation per shard
// @Tags health
// @Produce json
// @Success 200 {object} dto.LagResponse
// @Router /lag [get]
func (h *Handler) getLag(c *gin.Context) {
	c.JSON(http.StatusOK, h.querier.Lag())
}

// respondError maps the domain error taxonomy onto HTTP statuses.
// Storage failures are surfaced as 502, never as a partial result.
func (h *Handler) respondError(c *gin.Context, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, domain.ErrMalformed):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	case errors.Is(err, domain.ErrStorage):
		h.log.Error("Storage read failed", append(fields, zap.Error(err))...)
		c.JSON(http.StatusBadGateway, dto.ErrorResponse{
			Error:   "storage_unavailable",
			Message: err.Error(),
		})
	default:
		h.log.Error("Query failed", append(fields, zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}
