// Package api exposes the capto HTTP surface: registration, login, checkout,
// payment webhooks, and the entitlement-gated inference routes.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	gatehttp "github.com/iacapto/capto/middleware/http"
	"github.com/iacapto/capto/pkg/entitlement"
)

const statusOK = "ok"

// Handler serves the capto API
type Handler struct {
	config   Config
	validate *validator.Validate
	logger   zerolog.Logger
	router   chi.Router
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	validate := validator.New()
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	h := &Handler{
		config:   config,
		validate: validate,
		logger:   config.Logger.With().Str("component", "api").Logger(),
	}
	h.router = h.routes()
	return h, nil
}

// Router returns the chi router with every route and middleware mounted
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	gate := gatehttp.Middleware(gatehttp.Config{
		Gate:         h.config.Gate,
		GetEmail:     gatehttp.FromJSONBody(gatehttp.DefaultEmailField, h.config.MaxBodyBytes),
		OnDenied:     h.denied,
		OnBadRequest: h.writeError,
		OnError:      h.writeError,
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/create-checkout-session", h.CreateCheckoutSession)
		// The webhook reads its own raw body and enforces its own method and size.
		r.Handle("/stripe-webhook", h.config.Webhook)
		r.With(gate).Post("/analyze", h.Analyze)
		r.With(gate).Post("/generate-speech", h.GenerateSpeech)
	})

	return r
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Status reports liveness
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: statusOK, Message: h.config.StatusMessage})
}

// Register creates a user and its payment-provider customer
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.config.Directory.Register(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, UserResponse{User: user})
}

// Login returns the stored user with lazy expiry applied
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.config.Gate.Login(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UserResponse{User: user})
}

// CreateCheckoutSession starts a hosted checkout for a registered user
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	url, err := h.config.Checkout.CreateSession(r.Context(), req.Plan, req.UserEmail)
	if err != nil {
		// An unknown buyer is a bad checkout request, not a missing resource.
		if errors.Is(err, entitlement.ErrUserNotFound) {
			err = fmt.Errorf("%w: %w", entitlement.ErrValidation, err)
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// Analyze runs chart analysis for an entitled user
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	image, err := decodeImage(req.ImageData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	analysis, err := h.config.Inference.AnalyzeImage(r.Context(), image, req.MimeType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AnalyzeResponse{Analysis: analysis})
}

// GenerateSpeech synthesizes text for an entitled user
func (h *Handler) GenerateSpeech(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	audio, err := h.config.Inference.SynthesizeSpeech(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SpeechResponse{AudioContent: base64.StdEncoding.EncodeToString(audio)})
}

// decodeImage accepts plain base64 or a data URL
func decodeImage(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		if _, payload, ok := strings.Cut(data, ","); ok {
			data = payload
		}
	}
	image, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: imageData is not valid base64", entitlement.ErrValidation)
	}
	return image, nil
}

// decode reads a size-bounded JSON body into dst and validates it
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w (max %d bytes)", gatehttp.ErrBodyTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON body", entitlement.ErrValidation)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// denied answers unknown and unentitled callers alike
func (h *Handler) denied(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Info().Err(err).Str("path", r.URL.Path).Msg("access denied")
	h.writeJSON(w, http.StatusForbidden, ErrorResponse{Error: gatehttp.DeniedMessage, Code: entitlement.KindEntitlement})
}

// writeError maps err to a status and writes the error body
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := entitlement.KindOf(err)
	status := StatusFor(kind)
	if errors.Is(err, gatehttp.ErrBodyTooLarge) {
		kind, status = entitlement.KindValidation, http.StatusRequestEntityTooLarge
	}

	event := h.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("path", r.URL.Path).
		Str("code", string(kind)).
		Int("status", status).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request failed")

	h.writeJSON(w, status, ErrorResponse{Error: publicMessage(kind, err), Code: kind})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode response")
	}
}
