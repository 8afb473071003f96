// Package inference defines the AI collaborator behind the gated operations:
// chart image analysis and speech synthesis.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iacapto/capto/pkg/entitlement"
)

var (
	// ErrNotConfigured is returned when no inference backend is configured
	ErrNotConfigured = fmt.Errorf("%w: inference not configured", entitlement.ErrUpstream)

	// ErrEmptyResponse is returned when the model returns no usable content
	ErrEmptyResponse = fmt.Errorf("%w: empty inference response", entitlement.ErrUpstream)

	// ErrMalformedResponse is returned when the model output does not match the analysis schema
	ErrMalformedResponse = fmt.Errorf("%w: malformed inference response", entitlement.ErrUpstream)
)

// Recommendation values the analysis model is instructed to choose from
const (
	RecommendationBuy  = "Compra"
	RecommendationSell = "Venda"
	RecommendationWait = "Aguardar"
)

// Analysis is the structured reading of a candlestick chart
type Analysis struct {
	Asset          string    `json:"asset"`
	Timeframe      string    `json:"timeframe"`
	Patterns       []string  `json:"patterns"`
	Summary        string    `json:"summary"`
	EntryTime      EntryTime `json:"entryTime"`
	Recommendation string    `json:"recommendation"`
}

// EntryTime holds the main entry and up to two re-entries as "HH:mm"
type EntryTime struct {
	Main      string   `json:"main"`
	Reentries []string `json:"reentries"`
}

// Service is the AI inference collaborator
type Service interface {
	// AnalyzeImage reads a chart screenshot and returns the structured analysis
	AnalyzeImage(ctx context.Context, image []byte, mimeType string) (*Analysis, error)

	// SynthesizeSpeech renders text as audio and returns the raw audio bytes
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
}

// ValidateImage checks an image payload before it is sent to a model
func ValidateImage(image []byte, mimeType string) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: image data is required", entitlement.ErrValidation)
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return fmt.Errorf("%w: unsupported mime type %q", entitlement.ErrValidation, mimeType)
	}
	return nil
}

// ValidateText checks a speech synthesis input
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", entitlement.ErrValidation)
	}
	return nil
}

// Unavailable is the Service used when no backend is configured.
// Every call fails with ErrNotConfigured.
type Unavailable struct{}

func (Unavailable) AnalyzeImage(context.Context, []byte, string) (*Analysis, error) {
	return nil, ErrNotConfigured
}

func (Unavailable) SynthesizeSpeech(context.Context, string) ([]byte, error) {
	return nil, ErrNotConfigured
}

// IsNotConfigured reports whether err stems from a missing inference backend
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}
