package api

import (
	"errors"
	"net/http"
)

// HTTPError carries a response status through the handler chain to the error renderer.
type HTTPError struct {
	Status  int
	Message string
	Err     error
	Stack   []byte
}

// NewHTTPError builds an HTTPError. An empty message defaults to the status text.
func NewHTTPError(status int, message string) *HTTPError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{Status: status, Message: message}
}

// WrapHTTPError attaches a cause to a new HTTPError.
func WrapHTTPError(status int, message string, err error) *HTTPError {
	e := NewHTTPError(status, message)
	e.Err = err
	return e
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// StatusOf returns the status carried by err, or 500.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status >= 400 {
		return httpErr.Status
	}
	return http.StatusInternalServerError
}
