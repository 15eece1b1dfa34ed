package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keybroker/internal/errors"
	"keybroker/internal/middleware"
	"keybroker/internal/services"
)

// KeyHandler serves the certificate and the two-step key exchange.
type KeyHandler struct {
	service      *services.KeyService
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewKeyHandler creates a new key handler
func NewKeyHandler(service *services.KeyService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		service:      service,
		validator:    middleware.NewValidator(),
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "keys")),
	}
}

// KeyExchangeRequest is the body of POST /api/keys. Payload is base64.
type KeyExchangeRequest struct {
	URI     string `json:"uri" validate:"required"`
	Payload []byte `json:"payload"`
}

// Bind implements the render.Binder interface
func (k *KeyExchangeRequest) Bind(r *http.Request) error {
	return nil
}

// KeyExchangeResponse carries the license service's response as base64.
type KeyExchangeResponse struct {
	ID        string `json:"id"`
	ContentID string `json:"content_id"`
	Response  []byte `json:"response"`
}

// CertificateRoutes returns the certificate routes. The reset route runs
// behind admin, which must authenticate the operator.
func (h *KeyHandler) CertificateRoutes(admin func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetCertificate)
	r.Get("/status", h.GetCertificateStatus)
	r.With(admin).Post("/reset", h.ResetCertificate)
	return r
}

// GetCertificate handles GET /api/certificate
func (h *KeyHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.service.Certificate(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(cert)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cert)
}

// GetCertificateStatus handles GET /api/certificate/status
func (h *KeyHandler) GetCertificateStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.CertificateStatus())
}

// ResetCertificate handles POST /api/certificate/reset
func (h *KeyHandler) ResetCertificate(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "certificate reset requested",
		slog.String("request_id", middleware.GetRequestID(r.Context())),
		slog.String("remote_addr", r.RemoteAddr))
	render.JSON(w, r, h.service.ResetCertificate(r.Context()))
}

// ExchangeKey handles POST /api/keys
func (h *KeyHandler) ExchangeKey(w http.ResponseWriter, r *http.Request) {
	var req KeyExchangeRequest
	if err := render.Bind(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.HandleError(w, r, apierrors.ErrRequestTooLarge)
			return
		}
		h.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Exchange(r.Context(), req.URI, req.Payload)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, KeyExchangeResponse{
		ID:        resp.RequestID,
		ContentID: resp.ContentID.String(),
		Response:  resp.Payload,
	})
}

var _ render.Binder = (*KeyExchangeRequest)(nil)
