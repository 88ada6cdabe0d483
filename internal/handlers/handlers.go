package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Brownie44l1/cane-disease-api/internal/predictor"
)

// multipartOverhead is the allowance for boundaries and part headers on top
// of the image itself.
const multipartOverhead = 64 << 10

// Predictor is satisfied by *predictor.Service.
type Predictor interface {
	Predict(ctx context.Context, imageData []byte) (predictor.Result, error)
	MaxBytes() int64
}

type Handler struct {
	predictor Predictor
	log       zerolog.Logger
}

func NewHandler(p Predictor, log zerolog.Logger) *Handler {
	return &Handler{
		predictor: p,
		log:       log,
	}
}

// Health answers liveness checks and is never cached.
func (h *Handler) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Predict handles POST /predict with a multipart "image" file field.
func (h *Handler) Predict(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.predictor.MaxBytes()+multipartOverhead)
	}

	imageData, err := h.readImage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.predictor.Predict(c.Request.Context(), imageData)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().
		Str("disease", result.Label).
		Float32("probability", result.Probability).
		Msg("prediction served")
	c.JSON(http.StatusOK, PredictionResponse{
		Disease:     result.Label,
		Probability: result.Probability,
	})
}

func (h *Handler) readImage(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.Join(predictor.ErrImageTooLarge, err)
		}
		// A file input left empty is sent with filename="" and lands in the
		// value map instead of the file map.
		if form := c.Request.MultipartForm; errors.Is(err, http.ErrMissingFile) && form != nil && len(form.Value["image"]) > 0 {
			return nil, predictor.ErrInvalidImage
		}
		h.log.Debug().Err(err).Str("remote_addr", c.ClientIP()).Msg("no image field in request")
		return nil, predictor.ErrNoImage
	}

	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			h.log.Warn().Err(err).Msg("failed to close uploaded file")
		}
	}()

	h.log.Debug().Str("filename", header.Filename).Int64("size", header.Size).Msg("received file")
	return io.ReadAll(f)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("prediction failed")
	} else {
		h.log.Warn().Err(err).Int("status", status).Msg("prediction rejected")
	}
	c.JSON(status, ErrorResponse{Error: msg})
}

// errorResponse maps every predictor error variant to a status and body.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, predictor.ErrNoImage):
		return http.StatusBadRequest, "No image provided"
	case errors.Is(err, predictor.ErrInvalidImage):
		return http.StatusBadRequest, "Invalid image file"
	case errors.Is(err, predictor.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, "Image too large"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
