// Package apperr defines the error taxonomy shared by the routing and image packages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNoFallback       = errors.New("no fallback available")
	ErrConflictingRoute = errors.New("conflicting page and app route")
)

// ValidationError is a user-facing request validation failure (HTTP 400).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UpstreamError reports a failed or timed out upstream fetch.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ImageError is an image optimizer policy failure carrying the HTTP status
// and the message written to the client.
type ImageError struct {
	Status  int
	Message string
}

func (e *ImageError) Error() string { return e.Message }

// DecodeError marks a request whose URL could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to decode param: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// StaticSendError is returned by the static file sender. Status is the
// status the sender would have produced.
type StaticSendError struct {
	Status int
	Err    error
}

func (e *StaticSendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("static: %d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
	}
	return fmt.Sprintf("static: %d %s", e.Status, http.StatusText(e.Status))
}

func (e *StaticSendError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or fallback.
func StatusOf(err error, fallback int) int {
	var (
		ve *ValidationError
		ue *UpstreamError
		ie *ImageError
		de *DecodeError
		se *StaticSendError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &de):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		return ue.Status
	case errors.As(err, &ie):
		return ie.Status
	case errors.As(err, &se):
		return se.Status
	}
	return fallback
}
