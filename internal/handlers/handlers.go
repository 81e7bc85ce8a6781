package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/medcheck/internal/auth"
	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/reference"
	"github.com/example/medcheck/internal/repository"
	"github.com/example/medcheck/internal/usecase"
)

// MaxUploadSize caps the accepted image size in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed on top of MaxUploadSize for form
// boundaries and metadata fields.
const multipartOverhead = 1 << 20

// CheckService is the subset of the check use case the HTTP layer calls.
type CheckService interface {
	Check(ctx context.Context, userID string, imageBytes []byte, meta usecase.Metadata) (*usecase.CheckResult, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.CheckRecord, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetArtifact(ctx context.Context, userID, requestID string) ([]byte, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every route but
// /health runs behind authMiddleware.
func RegisterRoutes(router *gin.Engine, svc CheckService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	protected.POST("/check", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
				respondError(c, http.StatusRequestEntityTooLarge, "upload_too_large", "image exceeds maximum upload size")
				return
			}
			respondError(c, http.StatusBadRequest, "missing_file", "image file is required")
			return
		}
		if file.Size > MaxUploadSize {
			respondError(c, http.StatusRequestEntityTooLarge, "upload_too_large", "image exceeds maximum upload size")
			return
		}
		if !isImageContentType(file.Header.Get("Content-Type")) {
			respondError(c, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported image content type")
			return
		}

		var meta usecase.Metadata
		if err := c.ShouldBind(&meta); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_metadata", err.Error())
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, http.StatusBadRequest, "missing_file", "unable to open image")
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "internal_error", "failed to read image")
			return
		}

		result, err := svc.Check(c.Request.Context(), subject(c), data, meta)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, checkResponse(result))
	})

	protected.GET("/checks/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		record, err := svc.GetResult(c.Request.Context(), subject(c), requestID)
		if errors.Is(err, usecase.ErrInProgress) {
			c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, recordResponse(record))
	})

	protected.GET("/checks/:id/duplicates", func(c *gin.Context) {
		report, err := svc.GetDuplicateReport(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id": d.RequestID,
				"label":      d.Label,
				"checked_at": d.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha256":     report.Request.SHA256Hash,
			"duplicates": duplicates,
		})
	})

	protected.GET("/checks/:id/artifact", func(c *gin.Context) {
		data, err := svc.GetArtifact(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, http.DetectContentType(data), data)
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func subject(c *gin.Context) string {
	if userID, ok := auth.GetUserID(c.Request.Context()); ok {
		return userID
	}
	return auth.AnonymousSubject
}

func isImageContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return strings.HasPrefix(contentType, "image/") && len(contentType) > len("image/")
}

func checkResponse(result *usecase.CheckResult) gin.H {
	body := gin.H{
		"request_id":     result.RequestID,
		"label":          result.Label,
		"img_score_real": result.FusedReal,
		"img_score_fake": result.FusedFake,
		"checked_at":     result.CheckedAt.UTC().Format(time.RFC3339),
	}
	if result.Assessment != nil {
		body["details"] = gin.H{
			"structural_real": result.Assessment.Authentic.Structural,
			"structural_fake": result.Assessment.Counterfeit.Structural,
			"feature_real":    result.Assessment.Authentic.Feature,
			"feature_fake":    result.Assessment.Counterfeit.Feature,
			"format":          result.Assessment.Format,
		}
	}
	addMetadata(body, result.Metadata)
	return body
}

func recordResponse(record *repository.CheckRecord) gin.H {
	body := gin.H{
		"request_id":     record.RequestID,
		"user_id":        record.UserID,
		"label":          record.Label,
		"img_score_real": record.FusedReal,
		"img_score_fake": record.FusedFake,
		"sha256":         record.SHA256Hash,
		"artifact":       record.ArtifactName,
		"checked_at":     record.CreatedAt.UTC().Format(time.RFC3339),
	}
	addMetadata(body, usecase.Metadata{
		QRPayload:       record.QRPayload,
		MedicineID:      record.MedicineID,
		BatchNo:         record.BatchNo,
		MedicineName:    record.MedicineName,
		Manufacturer:    record.Manufacturer,
		ManufactureDate: record.ManufactureDate,
		ExpiryDate:      record.ExpiryDate,
	})
	return body
}

func addMetadata(body gin.H, meta usecase.Metadata) {
	body["qr_payload"] = meta.QRPayload
	body["medicine_id"] = meta.MedicineID
	body["batch_no"] = meta.BatchNo
	body["medicine_name"] = meta.MedicineName
	body["manufacturer"] = meta.Manufacturer
	body["manufacture_date"] = meta.ManufactureDate
	body["expiry_date"] = meta.ExpiryDate
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, imaging.ErrImageTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, "image_too_large", "image dimensions exceed the pixel limit")
	case errors.Is(err, imaging.ErrUnreadableImage):
		respondError(c, http.StatusUnprocessableEntity, "unreadable_image", "uploaded file is not a readable image")
	case errors.Is(err, reference.ErrReferenceUnavailable):
		respondError(c, http.StatusServiceUnavailable, "reference_unavailable", "reference images are unavailable")
	case errors.Is(err, usecase.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "result not found")
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
