// Package apperr defines the error taxonomy shared by the domain services and
// its translation to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Code string

const (
	CodeValidation      Code = "validation"
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeExpired         Code = "expired"
	CodeUpstream        Code = "upstream"
	CodeInternal        Code = "internal"
)

// Error carries a taxonomy code and a client-safe message. Err, when set, is
// the underlying cause and is only logged.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func Validation(msg string) *Error      { return New(CodeValidation, msg) }
func Unauthenticated(msg string) *Error { return New(CodeUnauthenticated, msg) }
func Forbidden(msg string) *Error       { return New(CodeForbidden, msg) }
func NotFound(msg string) *Error        { return New(CodeNotFound, msg) }
func Conflict(msg string) *Error        { return New(CodeConflict, msg) }
func Expired(msg string) *Error         { return New(CodeExpired, msg) }

// CodeOf returns the taxonomy code of err, or CodeInternal when err does not
// carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StatusResponse is the JSON body written for every failed request.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HTTPErrorHandler renders taxonomy errors and echo errors as StatusResponse
// bodies. Internal errors are logged and their message is not exposed.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := "internal server error"

		var he *echo.HTTPError
		var ae *Error
		switch {
		case errors.As(err, &ae):
			status = HTTPStatus(ae.Code)
			if ae.Code != CodeInternal {
				msg = ae.Message
			}
		case errors.As(err, &he):
			status = he.Code
			msg = fmt.Sprintf("%v", he.Message)
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
		}

		body := StatusResponse{Status: "failure", Message: msg}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
