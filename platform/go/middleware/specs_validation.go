package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
)

var errNoPrincipal = errors.New("operation requires an authenticated principal")

// OpenAPIValidator validates requests against the contract before they reach a handler.
// Security requirements are satisfied by the principal resolved earlier in the chain.
func OpenAPIValidator(doc *openapi3.T) func(http.Handler) http.Handler {
	return oapimiddleware.OapiRequestValidatorWithOptions(doc, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: AuthenticateFromPrincipal,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			kind := apperr.KindInvalidArgs
			problemType := apperr.ProblemTypeValidation
			title := "Invalid request"
			if statusCode == http.StatusUnauthorized {
				kind = apperr.KindUnauthenticated
				problemType = apperr.ProblemTypeUnauthenticated
				title = "Authentication required"
			}
			apperr.WriteProblem(w, apperr.Problem{
				Type:   problemType,
				Title:  title,
				Status: statusCode,
				Detail: message,
				Kind:   kind,
			})
		},
	})
}

// AuthenticateFromPrincipal accepts any declared scheme once auth.Resolve attached a principal.
func AuthenticateFromPrincipal(ctx context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil || input.RequestValidationInput == nil || input.RequestValidationInput.Request == nil {
		return errNoPrincipal
	}
	if !platformauth.PrincipalFromContext(input.RequestValidationInput.Request.Context()).Authenticated() {
		return errNoPrincipal
	}
	return nil
}
