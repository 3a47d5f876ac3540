package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON error envelope returned by every endpoint.
type Body struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
	Cause   string      `json:"cause,omitempty"`
	Stack   []string    `json:"stack,omitempty"`
}

// HTTPErrorHandler renders errors as {"error": Body}. Causes and stacks are
// included only when dev is true.
func HTTPErrorHandler(logger zerolog.Logger, dev bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err, dev)

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, map[string]Body{"error": body})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func render(err error, dev bool) (int, Body) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		body := Body{Code: httpCode(he.Code), Message: msg}
		if dev && he.Internal != nil {
			body.Cause = he.Internal.Error()
		}
		return he.Code, body
	}

	kind := KindOf(err)
	status := HTTPStatus(kind)
	body := Body{Code: string(kind), Message: err.Error(), Detail: DetailOf(err)}

	if kind == KindPersistence {
		body.Message = "internal server error"
	}
	if dev {
		body.Cause = err.Error()
		var ae *Error
		if errors.As(err, &ae) {
			body.Stack = ae.Stack()
		}
	}
	return status, body
}

func httpCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(KindValidation)
	case http.StatusNotFound:
		return string(KindNotFound)
	case http.StatusConflict:
		return string(KindConflict)
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}

func requestID(c echo.Context) string {
	if id, ok := c.Get("request_id").(string); ok {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
