// Package respond implements the JSON envelope used by every API endpoint.
// Successful responses carry {statusCode, data, message, success:true};
// failures carry {statusCode, message, errors[], success:false}.
package respond

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Body is the success envelope.
type Body struct {
	StatusCode int         `json:"statusCode"`
	Data       interface{} `json:"data,omitempty"`
	Message    string      `json:"message"`
	Success    bool        `json:"success"`
}

// ErrorBody is the failure envelope.
type ErrorBody struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"message"`
	Errors     []string `json:"errors"`
	Success    bool     `json:"success"`
}

// JSON writes a success envelope with the given status.
func JSON(c echo.Context, status int, data interface{}, message string) error {
	return c.JSON(status, &Body{
		StatusCode: status,
		Data:       data,
		Message:    message,
		Success:    true,
	})
}

// OK writes a 200 success envelope.
func OK(c echo.Context, data interface{}, message string) error {
	return JSON(c, http.StatusOK, data, message)
}

// Created writes a 201 success envelope.
func Created(c echo.Context, data interface{}, message string) error {
	return JSON(c, http.StatusCreated, data, message)
}

// Error writes a failure envelope with the given status.
func Error(c echo.Context, status int, message string, details ...string) error {
	errs := details
	if errs == nil {
		errs = []string{}
	}
	return c.JSON(status, &ErrorBody{
		StatusCode: status,
		Message:    message,
		Errors:     errs,
		Success:    false,
	})
}

// HTTPErrorHandler converts unhandled errors (including echo.HTTPError from
// middleware) into the failure envelope so that every response on the wire has
// a uniform shape.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	_ = Error(c, status, message)
}
