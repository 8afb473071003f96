// Package gemini implements inference.Service on the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/pkg/inference"
)

const (
	DefaultAnalysisModel = "gemini-2.5-pro"
	DefaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	DefaultVoice         = "Kore"
	DefaultTimeout       = 60 * time.Second

	speechPrompt = "Diga com uma voz clara e profissional: "
)

// Config holds the Gemini settings
type Config struct {
	// APIKey is the Gemini Developer API key (required)
	APIKey string

	// AnalysisModel analyzes chart images (default: DefaultAnalysisModel)
	AnalysisModel string

	// SpeechModel synthesizes audio (default: DefaultSpeechModel)
	SpeechModel string

	// Voice is the prebuilt TTS voice (default: DefaultVoice)
	Voice string

	// Timeout bounds each generation call (default: DefaultTimeout)
	Timeout time.Duration

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger
}

// generator is the part of *genai.Models the service calls
type generator interface {
	GenerateContent(
		ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Service implements inference.Service
type Service struct {
	models        generator
	analysisModel string
	speechModel   string
	voice         string
	timeout       time.Duration
	logger        entitlement.Logger
}

var _ inference.Service = (*Service)(nil)

// New creates a Gemini-backed inference service
func New(ctx context.Context, config Config) (*Service, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, inference.ErrNotConfigured
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newService(client.Models, config), nil
}

func newService(models generator, config Config) *Service {
	if config.AnalysisModel == "" {
		config.AnalysisModel = DefaultAnalysisModel
	}
	if config.SpeechModel == "" {
		config.SpeechModel = DefaultSpeechModel
	}
	if config.Voice == "" {
		config.Voice = DefaultVoice
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	return &Service{
		models:        models,
		analysisModel: config.AnalysisModel,
		speechModel:   config.SpeechModel,
		voice:         config.Voice,
		timeout:       config.Timeout,
		logger:        config.Logger,
	}
}

// AnalyzeImage implements inference.Service
func (s *Service) AnalyzeImage(ctx context.Context, image []byte, mimeType string) (*inference.Analysis, error) {
	if err := inference.ValidateImage(image, mimeType); err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromBytes(image, mimeType)}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(analysisInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    analysisSchema(),
	}

	resp, err := s.generate(ctx, s.analysisModel, contents, config)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, inference.ErrEmptyResponse
	}

	var analysis inference.Analysis
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &analysis); err != nil {
		s.logger.Warn("analysis response is not valid JSON",
			entitlement.Field{Key: "model", Value: s.analysisModel}, entitlement.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("%w: %v", inference.ErrMalformedResponse, err)
	}
	return &analysis, nil
}

// SynthesizeSpeech implements inference.Service
func (s *Service) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	if err := inference.ValidateText(text); err != nil {
		return nil, err
	}

	contents := []*genai.Content{genai.NewContentFromText(speechPrompt+text, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	resp, err := s.generate(ctx, s.speechModel, contents, config)
	if err != nil {
		return nil, err
	}

	audio := firstInlineData(resp)
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: no audio returned", inference.ErrEmptyResponse)
	}
	return audio, nil
}

func (s *Service) generate(
	ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.models.GenerateContent(callCtx, model, contents, config)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("inference timed out",
				entitlement.Field{Key: "model", Value: model}, entitlement.Field{Key: "elapsed", Value: elapsed.String()})
			return nil, fmt.Errorf("%w: %s after %s", entitlement.ErrUpstreamTimeout, model, s.timeout)
		}

		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			s.logger.Error("inference request rejected",
				entitlement.Field{Key: "model", Value: model},
				entitlement.Field{Key: "status_code", Value: apiErr.Code},
				entitlement.Field{Key: "error", Value: apiErr.Message})
			return nil, fmt.Errorf("%w: %s returned %d: %s", entitlement.ErrUpstream, model, apiErr.Code, apiErr.Message)
		}

		s.logger.Error("inference request failed",
			entitlement.Field{Key: "model", Value: model}, entitlement.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("%w: %s: %v", entitlement.ErrUpstream, model, err)
	}
	if resp == nil {
		return nil, inference.ErrEmptyResponse
	}

	s.logger.Debug("inference completed",
		entitlement.Field{Key: "model", Value: model}, entitlement.Field{Key: "elapsed", Value: elapsed.String()})
	return resp, nil
}

func firstInlineData(resp *genai.GenerateContentResponse) []byte {
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data
			}
		}
	}
	return nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
