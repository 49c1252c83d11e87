package tracking

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raybit/mailmate/internal/pkg/httputil"
	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/store"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the tracking pixel and the manual open endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{trackingID}", h.HandleOpen)
	r.Post("/manual/{trackingID}", h.HandleManualOpen)
	return r
}

// HandleOpen records an open and serves the pixel. The pixel is served no
// matter what: a broken image inside a recipient's mail client would reveal
// that tracking exists, so storage failures only get logged.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	first, err := h.svc.RecordOpen(r.Context(), trackingID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Debug("tracking: open for unknown token", "trackingId", trackingID)
	case err != nil:
		logger.Error("tracking: recording open failed", "trackingId", trackingID, "error", err.Error())
	case first:
		logger.Info("tracking: email opened", "trackingId", trackingID, "ip", realIP(r), "userAgent", r.UserAgent())
	default:
		logger.Debug("tracking: repeat open", "trackingId", trackingID)
	}

	h.servePixel(w)
}

// HandleManualOpen marks a message opened on request, for clients that block
// images. Unlike the pixel it reports what actually happened.
func (h *Handler) HandleManualOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	first, err := h.svc.RecordOpen(r.Context(), trackingID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "No tracked email found for this tracking ID")
		return
	}
	if err != nil {
		logger.Error("tracking: manual open failed", "trackingId", trackingID, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}

	if !first {
		httputil.OK(w, map[string]interface{}{
			"success": false,
			"message": "Email already marked as opened",
		})
		return
	}

	logger.Info("tracking: email manually marked opened", "trackingId", trackingID)
	httputil.OK(w, map[string]interface{}{
		"success":    true,
		"message":    "Email marked as opened",
		"trackingId": trackingID,
	})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
