package api

import (
	"github.com/gin-gonic/gin"

	"github.com/menta2k/phrase-grounder/internal/api/handler"
	"github.com/menta2k/phrase-grounder/internal/api/middleware"
	"github.com/menta2k/phrase-grounder/pkg/detection"
)

func SetupRouter(eng handler.EngineStatus, detector detection.ObjectDetector) *gin.Engine {
	r := gin.New()
	if gin.Mode() == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.CORS())

	h := handler.NewDetectionHandler(eng, detector)
	r.GET("/", h.Status)
	r.POST("/detect-objects", h.DetectObjects)

	return r
}
