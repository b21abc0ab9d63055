package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/phrase-grounder/internal/api/middleware"
	"github.com/menta2k/phrase-grounder/pkg/detection"
	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

// EngineStatus reports whether the generation engine can serve requests
type EngineStatus interface {
	Ready() bool
	Name() string
}

type DetectionHandler struct {
	engine    EngineStatus
	detector  detection.ObjectDetector
	processor *processing.Processor
}

func NewDetectionHandler(eng EngineStatus, detector detection.ObjectDetector) *DetectionHandler {
	return &DetectionHandler{
		engine:    eng,
		detector:  detector,
		processor: processing.NewProcessor(),
	}
}

// GET /
func (h *DetectionHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, types.StatusResponse{Status: h.engine.Name() + " API is running"})
}

// POST /detect-objects
func (h *DetectionHandler) DetectObjects(c *gin.Context) {
	log := slog.With("request_id", middleware.RequestID(c))

	if !h.engine.Ready() {
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Detail: "Model not loaded."})
		return
	}

	var req types.DetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: "Invalid request body: " + err.Error()})
		return
	}

	img, err := h.processor.DecodeBase64Image(req.ImageB64)
	if err != nil {
		log.Warn("rejecting undecodable image", "error", err, "payload_len", len(req.ImageB64))
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: fmt.Sprintf("Invalid base64 image data: %v", err)})
		return
	}

	size := processing.SizeOf(img)
	log.Info("detecting objects", "width", size.Width, "height", size.Height)

	result, err := h.detector.DetectObjects(c.Request.Context(), img)
	if err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Detail: "Model not loaded."})
			return
		}
		log.Error("object detection failed", "error", err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Detail: fmt.Sprintf("An error occurred during object detection: %v", err)})
		return
	}

	if result.Objects == nil {
		result.Objects = []types.BoundingBox{}
	}
	c.JSON(http.StatusOK, result)
}
