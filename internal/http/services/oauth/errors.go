package oauth

import (
	"fmt"
	"net/http"
)

// Error es el error tipado del token endpoint: código OAuth2 + descripción
// + status HTTP. Las fallas de validación y de política se recuperan
// localmente a uno de estos valores; nada escapa sin tipar a la capa HTTP.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	HTTPStatus  int    `json:"-"`
	Err         error  `json:"-"` // causa original, solo para logs
}

// Error implementa la interfaz error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

// Unwrap permite acceder a la causa original.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDescription devuelve una COPIA con otra descripción (no muta las
// variables globales base).
func (e *Error) WithDescription(desc string) *Error {
	ne := *e
	ne.Description = desc
	return &ne
}

// WithCause devuelve una COPIA con la causa original adjunta.
func (e *Error) WithCause(err error) *Error {
	ne := *e
	ne.Err = err
	return &ne
}

// FromError normaliza un error genérico a *Error. Lo que no sea un *Error
// del taxón se vuelve server_error conservando la causa.
func FromError(err error) *Error {
	if oe, ok := err.(*Error); ok {
		return oe
	}
	return ErrServerError.WithCause(err)
}

// Taxonomía de errores del token endpoint (RFC 6749 / 8628 / CIBA).
var (
	ErrInvalidRequest = &Error{
		Code:        "invalid_request",
		Description: "The request is missing a required parameter or is otherwise malformed.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrInvalidGrant = &Error{
		Code:        "invalid_grant",
		Description: "The provided authorization grant is invalid, expired or revoked.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrInvalidClient = &Error{
		Code:        "invalid_client",
		Description: "Client authentication failed.",
		HTTPStatus:  http.StatusUnauthorized,
	}

	ErrUnauthorizedClient = &Error{
		Code:        "unauthorized_client",
		Description: "The client is not authorized to use this grant type.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrDisabledClient = &Error{
		Code:        "disabled_client",
		Description: "The client is disabled.",
		HTTPStatus:  http.StatusForbidden,
	}

	ErrAccessDenied = &Error{
		Code:        "access_denied",
		Description: "The end-user denied the authorization request.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrExpiredToken = &Error{
		Code:        "expired_token",
		Description: "The auth_req_id or device_code has expired.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrAuthorizationPending = &Error{
		Code:        "authorization_pending",
		Description: "The authorization request is still pending.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrSlowDown = &Error{
		Code:        "slow_down",
		Description: "Polling too frequently; back off by the polling interval.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrInvalidDPoPProof = &Error{
		Code:        "invalid_dpop_proof",
		Description: "The DPoP proof is missing, malformed or failed validation.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrUnsupportedGrantType = &Error{
		Code:        "unsupported_grant_type",
		Description: "The grant type is not supported by this server.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrInvalidScope = &Error{
		Code:        "invalid_scope",
		Description: "The requested scope exceeds what the grant allows.",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrServerError = &Error{
		Code:        "server_error",
		Description: "The authorization server encountered an unexpected condition.",
		HTTPStatus:  http.StatusInternalServerError,
	}
)
