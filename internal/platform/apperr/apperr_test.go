package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var errThingNotFound = New(KindNotFound, "thing not found")

type windowError struct{}

func (windowError) Error() string { return "outside window" }
func (windowError) ErrorKind() Kind { return KindScheduleViolation }
func (windowError) ErrorDetail() interface{} { return map[string]string{"window": "08:00-12:00"} }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"sentinel", errThingNotFound, KindNotFound},
		{"wrapped sentinel", fmt.Errorf("get: %w", errThingNotFound), KindNotFound},
		{"typed", windowError{}, KindScheduleViolation},
		{"wrapped typed", fmt.Errorf("book: %w", windowError{}), KindScheduleViolation},
		{"unclassified", errors.New("disk on fire"), KindPersistence},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:          http.StatusBadRequest,
		KindScheduleViolation:   http.StatusBadRequest,
		KindNotFound:            http.StatusNotFound,
		KindConflict:            http.StatusConflict,
		KindUpstreamUnavailable: http.StatusBadGateway,
		KindPersistence:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWithDetail_KeepsIdentity(t *testing.T) {
	err := errThingNotFound.WithDetail(map[string]int{"id": 1})
	if !errors.Is(err, errThingNotFound) {
		t.Error("expected errors.Is to match the sentinel")
	}
	if errThingNotFound.Detail != nil {
		t.Error("sentinel must not be mutated")
	}
	if DetailOf(err) == nil {
		t.Error("expected detail")
	}
	if err.Error() != "thing not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestPersistence_RecordsStack(t *testing.T) {
	err := Persistence("insert slot", errors.New("connection reset"))
	if err.Kind != KindPersistence {
		t.Errorf("unexpected kind %s", err.Kind)
	}
	if len(err.Stack()) == 0 {
		t.Error("expected a recorded stack")
	}
	if err.Error() != "insert slot: connection reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func serveError(t *testing.T, err error, dev bool) (*httptest.ResponseRecorder, Body) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop(), dev)(err, c)

	var env map[string]Body
	if jerr := json.Unmarshal(rec.Body.Bytes(), &env); jerr != nil {
		t.Fatalf("decode response: %v", jerr)
	}
	return rec, env["error"]
}

func TestHTTPErrorHandler_Conflict(t *testing.T) {
	rec, body := serveError(t, New(KindConflict, "slot overlaps an existing slot"), false)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if body.Code != "conflict" {
		t.Errorf("unexpected code %q", body.Code)
	}
}

func TestHTTPErrorHandler_ScheduleViolationDetail(t *testing.T) {
	rec, body := serveError(t, windowError{}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if body.Detail == nil {
		t.Error("expected detail in body")
	}
}

func TestHTTPErrorHandler_PersistenceHidesCauseOutsideDev(t *testing.T) {
	err := Persistence("insert slot", errors.New("password authentication failed"))

	rec, body := serveError(t, err, false)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if body.Message != "internal server error" {
		t.Errorf("unexpected message %q", body.Message)
	}
	if body.Cause != "" || len(body.Stack) != 0 {
		t.Error("cause and stack must be hidden outside development")
	}

	_, devBody := serveError(t, err, true)
	if devBody.Cause == "" || len(devBody.Stack) == 0 {
		t.Error("expected cause and stack in development")
	}
}

func TestHTTPErrorHandler_EchoHTTPError(t *testing.T) {
	rec, body := serveError(t, echo.NewHTTPError(http.StatusBadRequest, "invalid id"), false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if body.Message != "invalid id" || body.Code != "validation" {
		t.Errorf("unexpected body %+v", body)
	}
}
