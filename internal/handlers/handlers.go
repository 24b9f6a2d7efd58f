// Package handlers exposes the capture and submission flows over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/palm-id/internal/acquisition"
	"github.com/example/palm-id/internal/auth"
	"github.com/example/palm-id/internal/enrollment"
	"github.com/example/palm-id/internal/usecase"
)

// MaxUploadSize bounds a single captured photo.
const MaxUploadSize = 10 << 20

const multipartOverhead = 1 << 20

var allowedImageTypes = map[string]struct{}{
	"image/png":                {},
	"image/jpeg":               {},
	"image/gif":                {},
	"image/webp":               {},
	"image/x-portable-anymap":  {},
	"image/x-portable-bitmap":  {},
	"image/x-portable-graymap": {},
	"image/x-portable-pixmap":  {},
}

// PalmService is the use case surface the routes depend on.
type PalmService interface {
	StartSession(owner string) (enrollment.Status, error)
	SessionStatus(owner, sessionID string) (enrollment.Status, error)
	SetSessionName(owner, sessionID, name string) (enrollment.Status, error)
	Capture(ctx context.Context, owner, sessionID string, data []byte) (enrollment.CaptureResult, error)
	SubmitEnrollment(ctx context.Context, owner, sessionID string) (string, error)
	EndSession(owner, sessionID string) error
	Recognize(ctx context.Context, owner string, data []byte) (usecase.RecognitionTicket, error)
	GetSubmission(ctx context.Context, owner, requestID string) (*usecase.SubmissionStatus, error)
	GetMetricsSummary(ctx context.Context, owner string) (*usecase.MetricsSummary, error)
}

type nameRequest struct {
	Name string `json:"name"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PalmService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	api.POST("/sessions", func(c *gin.Context) {
		st, err := svc.StartSession(operator(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, st)
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		st, err := svc.SessionStatus(operator(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.PUT("/sessions/:id/name", func(c *gin.Context) {
		var body nameRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		st, err := svc.SetSessionName(operator(c), c.Param("id"), body.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.POST("/sessions/:id/captures", func(c *gin.Context) {
		data, ok := readUpload(c)
		if !ok {
			return
		}
		res, err := svc.Capture(c.Request.Context(), operator(c), c.Param("id"), data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":   res.RequestID,
			"side":         res.Side.String(),
			"hands":        res.Hands,
			"inference_ms": res.Elapsed.Milliseconds(),
			"session":      res.Status,
		})
	})

	api.POST("/sessions/:id/submit", func(c *gin.Context) {
		requestID, err := svc.SubmitEnrollment(c.Request.Context(), operator(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "state": usecase.StateProcessing})
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := svc.EndSession(operator(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/recognize", func(c *gin.Context) {
		data, ok := readUpload(c)
		if !ok {
			return
		}
		ticket, err := svc.Recognize(c.Request.Context(), operator(c), data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"request_id":   ticket.RequestID,
			"side":         ticket.Side.String(),
			"hands":        ticket.Hands,
			"inference_ms": ticket.InferenceTime.Milliseconds(),
			"state":        usecase.StateProcessing,
		})
	})

	api.GET("/submissions/:id", func(c *gin.Context) {
		st, err := svc.GetSubmission(c.Request.Context(), operator(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context(), operator(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func operator(c *gin.Context) string {
	id, _ := auth.OperatorID(c.Request.Context())
	return id
}

// readUpload returns the "image" form file. It writes the error response itself.
func readUpload(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}

	contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
	if _, ok := allowedImageTypes[contentType]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

func writeError(c *gin.Context, err error) {
	var (
		notReady *usecase.NotReadyError
		failure  *acquisition.DetectionFailure
	)
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, enrollment.ErrSessionClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, usecase.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
	case errors.As(err, &notReady):
		c.JSON(http.StatusConflict, gin.H{"error": notReady.Hint})
	case errors.Is(err, acquisition.ErrNoDetection), errors.Is(err, acquisition.ErrUndecodable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": acquisition.UserMessage(err)})
	case errors.As(err, &failure):
		c.JSON(http.StatusBadGateway, gin.H{"error": acquisition.UserMessage(err)})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RequestLogger writes one structured access log line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request handled",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
