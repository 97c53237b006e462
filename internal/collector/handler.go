package collector

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hearthbeat/internal/logger"
	"hearthbeat/pkg/errors"
	"hearthbeat/pkg/models"
)

type BaseHandler struct {
	Service *Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	{
		v1.POST("/events", h.IngestBatch)
	}
}

// IngestBatch accepts one client batch. A non-2xx response means the whole
// batch failed and the client will retry it unchanged.
func (h *Handler) IngestBatch(c *gin.Context) {
	var batch models.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	if len(batch.Events) == 0 {
		c.JSON(http.StatusOK, IngestResult{})
		return
	}

	result, err := h.Service.Ingest(c.Request.Context(), batch)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
