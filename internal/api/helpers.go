package api

import (
	"errors"
	"io"
	"net/http"

	goccyjson "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

// writeAPIError maps one of this package's sentinel errors to the status
// and error type OpenAI clients expect, falling back to a generic 500
// for anything else.
func writeAPIError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "", "")
	case errors.Is(err, ErrRateLimited):
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error(), "", "")
	case errors.Is(err, ErrInvalidRequest):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "", "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// decodeJSON decodes a request body with goccy/go-json, which is a
// drop-in faster replacement for encoding/json's Decoder.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := goccyjson.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func marshalJSON(v any) ([]byte, error) {
	return goccyjson.Marshal(v)
}
