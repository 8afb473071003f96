package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/iacapto/capto/pkg/entitlement"
)

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind entitlement.Kind) int {
	switch kind {
	case entitlement.KindValidation, entitlement.KindDuplicate, entitlement.KindSignature:
		return http.StatusBadRequest
	case entitlement.KindNotFound:
		return http.StatusNotFound
	case entitlement.KindEntitlement:
		return http.StatusForbidden
	case entitlement.KindUpstream:
		return http.StatusBadGateway
	case entitlement.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// validationError flattens validator output into an ErrValidation
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: %s is %s", entitlement.ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", entitlement.ErrValidation, err)
}

// publicMessage hides internal failure detail from clients
func publicMessage(kind entitlement.Kind, err error) string {
	switch kind {
	case entitlement.KindInternal:
		return "internal server error"
	case entitlement.KindUpstream:
		return "upstream provider error"
	case entitlement.KindUpstreamTimeout:
		return "upstream provider timeout"
	default:
		return err.Error()
	}
}
