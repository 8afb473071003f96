package api

import (
	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/pkg/inference"
)

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EmailRequest is the body of register and login
type EmailRequest struct {
	Email string `json:"email" validate:"required"`
}

// UserResponse wraps a user record
type UserResponse struct {
	User *entitlement.User `json:"user"`
}

// CheckoutRequest is the body of create-checkout-session
type CheckoutRequest struct {
	Plan      entitlement.Plan `json:"plan" validate:"required"`
	UserEmail string           `json:"userEmail" validate:"required"`
}

// CheckoutResponse carries the hosted checkout redirect
type CheckoutResponse struct {
	URL string `json:"url"`
}

// AnalyzeRequest is the body of the image analysis route.
// ImageData is standard base64, optionally with a data URL prefix.
type AnalyzeRequest struct {
	UserEmail string `json:"userEmail" validate:"required"`
	ImageData string `json:"imageData" validate:"required"`
	MimeType  string `json:"mimeType" validate:"required"`
}

// AnalyzeResponse wraps the model's analysis
type AnalyzeResponse struct {
	Analysis *inference.Analysis `json:"analysis"`
}

// SpeechRequest is the body of the speech route
type SpeechRequest struct {
	UserEmail string `json:"userEmail" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

// SpeechResponse carries base64-encoded audio
type SpeechResponse struct {
	AudioContent string `json:"audioContent"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  entitlement.Kind `json:"code"`
}
