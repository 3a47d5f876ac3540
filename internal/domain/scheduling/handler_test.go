package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop(), false)
	return NewHandler(f.svc), f, e
}

// call runs handler against a request and renders any returned error through
// the application error handler, like the router would.
func call(e *echo.Echo, handler echo.HandlerFunc, method, body string, params ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		c.SetParamNames("id")
		c.SetParamValues(params...)
	}
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error apperr.Body `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

func TestHandler_CreateSlot(t *testing.T) {
	h, f, e := newTestHandler()
	body := `{"room_assignment_id":"` + f.room.ID.String() + `","start_time":"2024-03-04T10:00:00-05:00","duration_minutes":30}`

	rec := call(e, h.CreateSlot, http.MethodPost, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sl Slot
	if err := json.Unmarshal(rec.Body.Bytes(), &sl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sl.ID == uuid.Nil || sl.Occupied {
		t.Errorf("unexpected slot: %+v", sl)
	}
}

func TestHandler_CreateSlot_Errors(t *testing.T) {
	h, f, e := newTestHandler()
	room := f.room.ID.String()
	f.slot(t, monday(10, 0), 30)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing fields", `{}`, http.StatusBadRequest, "validation"},
		{"unknown field", `{"room_assignment_id":"` + room + `","start":"x"}`, http.StatusBadRequest, "validation"},
		{"occupied supplied", `{"room_assignment_id":"` + room + `","start_time":"2024-03-04T12:00:00-05:00","duration_minutes":30,"occupied":true}`, http.StatusBadRequest, "validation"},
		{"scenario A", `{"room_assignment_id":"` + room + `","start_time":"2024-03-04T16:45:00-05:00","duration_minutes":30}`, http.StatusBadRequest, "schedule_violation"},
		{"scenario C", `{"room_assignment_id":"` + room + `","start_time":"2024-03-04T10:15:00-05:00","duration_minutes":30}`, http.StatusConflict, "conflict"},
		{"unknown room", `{"room_assignment_id":"` + uuid.New().String() + `","start_time":"2024-03-04T12:00:00-05:00","duration_minutes":30}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(e, h.CreateSlot, http.MethodPost, tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestHandler_CreateSlot_ConflictDetail(t *testing.T) {
	h, f, e := newTestHandler()
	existing := f.slot(t, monday(10, 0), 30)
	body := `{"room_assignment_id":"` + f.room.ID.String() + `","start_time":"2024-03-04T10:15:00-05:00","duration_minutes":30}`

	rec := call(e, h.CreateSlot, http.MethodPost, body)
	var resp struct {
		Error struct {
			Detail struct {
				ExistingSlot Slot `json:"existing_slot"`
			} `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Detail.ExistingSlot.ID != existing.ID {
		t.Errorf("expected existing slot %s in detail, got %s", existing.ID, rec.Body.String())
	}
}

func TestHandler_GetSlot(t *testing.T) {
	h, f, e := newTestHandler()
	sl := f.slot(t, monday(10, 0), 30)

	if rec := call(e, h.GetSlot, http.MethodGet, "", sl.ID.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := call(e, h.GetSlot, http.MethodGet, "", uuid.New().String()); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := call(e, h.GetSlot, http.MethodGet, "", "not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListSlots(t *testing.T) {
	h, f, e := newTestHandler()
	f.slot(t, monday(10, 0), 30)
	f.slot(t, monday(11, 0), 30)

	req := httptest.NewRequest(http.MethodGet, "/?room_assignment_id="+f.room.ID.String()+"&free=true&limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []Slot `json:"data"`
		Total   int    `json:"total"`
		HasMore bool   `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("unexpected page: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/?from=yesterday", nil)
	c = e.NewContext(req, httptest.NewRecorder())
	if err := h.ListSlots(c); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for bad from, got %v", err)
	}
}

func TestHandler_UpdateSlot(t *testing.T) {
	h, f, e := newTestHandler()
	sl := f.slot(t, monday(10, 0), 30)

	rec := call(e, h.UpdateSlot, http.MethodPatch, `{"note":"bring referral"}`, sl.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = call(e, h.UpdateSlot, http.MethodPatch, `{"occupied":true}`, sl.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for occupied patch, got %d", rec.Code)
	}
	rec = call(e, h.UpdateSlot, http.MethodPatch, `{"ocupado":true}`, sl.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rec.Code)
	}
	rec = call(e, h.UpdateSlot, http.MethodPatch, `{}`, sl.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty patch, got %d", rec.Code)
	}
}

func TestHandler_DeleteSlot_ScenariosDE(t *testing.T) {
	h, f, e := newTestHandler()
	free := f.slot(t, monday(10, 0), 30)
	booked := f.slot(t, monday(11, 0), 30)
	f.book(t, booked, uuid.New())

	if rec := call(e, h.DeleteSlot, http.MethodDelete, "", free.ID.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec := call(e, h.DeleteSlot, http.MethodDelete, "", booked.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if _, ok := f.slots.slots[booked.ID]; !ok {
		t.Error("occupied slot must persist")
	}
	if rec := call(e, h.DeleteSlot, http.MethodDelete, "", uuid.New().String()); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_CreateAppointment(t *testing.T) {
	h, f, e := newTestHandler()
	sl := f.slot(t, monday(10, 0), 30)
	body := `{"disponibilidad_id":"` + sl.ID.String() + `","doctor_id":"` + f.doctorID.String() +
		`","patient_id":"` + uuid.New().String() + `","room_assignment_id":"` + f.room.ID.String() + `"}`

	rec := call(e, h.CreateAppointment, http.MethodPost, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Appointment struct {
			ID     uuid.UUID `json:"id"`
			SlotID uuid.UUID `json:"slot_id"`
			Status string    `json:"status"`
		} `json:"appointment"`
		Calendar struct {
			Status string `json:"status"`
		} `json:"calendar"`
		Notifications []json.RawMessage `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Appointment.SlotID != sl.ID || resp.Appointment.Status != "booked" {
		t.Errorf("unexpected appointment: %+v", resp.Appointment)
	}
	if resp.Calendar.Status != "created" || len(resp.Notifications) != 1 {
		t.Errorf("expected side-effect outcomes in response, got %s", rec.Body.String())
	}

	// Second booking of the same slot.
	rec = call(e, h.CreateAppointment, http.MethodPost, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_CreateAppointment_Validation(t *testing.T) {
	h, _, e := newTestHandler()
	rec := call(e, h.CreateAppointment, http.MethodPost, `{"doctor_id":"`+uuid.New().String()+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Detail struct {
				Fields []string `json:"fields"`
			} `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]bool{"patient_id": true, "room_assignment_id": true}
	for _, f := range body.Error.Detail.Fields {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Errorf("missing fields in detail: %v (got %v)", want, body.Error.Detail.Fields)
	}
}

func TestHandler_CancelAppointment(t *testing.T) {
	h, f, e := newTestHandler()
	sl := f.slot(t, monday(10, 0), 30)
	a := f.book(t, sl, uuid.New())

	rec := call(e, h.CancelAppointment, http.MethodPatch, `{"motivo_cancelacion":"viaje"}`, a.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored := f.appts.appts[a.ID]
	if stored.CancellationReason == nil || *stored.CancellationReason != "viaje" {
		t.Errorf("expected reason to be stored, got %v", stored.CancellationReason)
	}

	rec = call(e, h.CancelAppointment, http.MethodPatch, "", a.ID.String())
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second cancel, got %d", rec.Code)
	}
}

func TestHandler_CancelAppointment_NoBody(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())

	if rec := call(e, h.CancelAppointment, http.MethodPatch, "", a.ID.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200 without a reason, got %d", rec.Code)
	}
}

func TestHandler_OutcomeEndpoints(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())
	b := f.book(t, f.slot(t, monday(11, 0), 30), uuid.New())

	if rec := call(e, h.MarkAttended, http.MethodPatch, "", a.ID.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := call(e, h.MarkNoShow, http.MethodPatch, "", a.ID.String()); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for conflicting outcome, got %d", rec.Code)
	}
	if rec := call(e, h.MarkNoShow, http.MethodPatch, "", b.ID.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec := call(e, h.UpdateAppointment, http.MethodPatch, `{"diagnosis":"migraine","observations":"rest"}`, a.ID.String())
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = call(e, h.UpdateAppointment, http.MethodPatch, `{"diagnostico":"x"}`, a.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHandler_UpdateAppointment_CannotTouchOutcome(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())
	if rec := call(e, h.MarkAttended, http.MethodPatch, "", a.ID.String()); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for _, body := range []string{`{"attended":false}`, `{"no_show":true}`, `{"no_show":false}`} {
		rec := call(e, h.UpdateAppointment, http.MethodPatch, body, a.ID.String())
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
	if got := f.appts.appts[a.ID]; !got.Attended || got.NoShow {
		t.Errorf("expected outcome to be unchanged, got attended=%v no_show=%v", got.Attended, got.NoShow)
	}

	rec := call(e, h.UpdateAppointment, http.MethodPatch, `{"for_proxy":true}`, a.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for proxy without a name, got %d", rec.Code)
	}
}

func TestHandler_CancelAppointment_WithOutcome(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())
	if rec := call(e, h.MarkNoShow, http.MethodPatch, "", a.ID.String()); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec := call(e, h.CancelAppointment, http.MethodPatch, "", a.ID.String())
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.appts.appts[a.ID].Cancelled {
		t.Error("no-show appointment must not be cancelled")
	}
}

func TestHandler_NoShows_ScenarioF(t *testing.T) {
	h, f, e := newTestHandler()
	patient := uuid.New()
	for i := 0; i < 3; i++ {
		a := f.book(t, f.slot(t, monday(10+i, 0), 30), patient)
		if _, err := f.svc.MarkNoShow(context.Background(), a.ID); err != nil {
			t.Fatalf("MarkNoShow: %v", err)
		}
	}

	rec := call(e, h.NoShows, http.MethodGet, "", patient.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["no_shows"] != float64(3) || body["debe_pagar"] != true {
		t.Errorf("unexpected summary: %v", body)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/availability":               false,
		"GET /api/v1/availability":                false,
		"GET /api/v1/availability/:id":            false,
		"PATCH /api/v1/availability/:id":          false,
		"DELETE /api/v1/availability/:id":         false,
		"POST /api/v1/appointments":               false,
		"GET /api/v1/appointments/:id":            false,
		"PATCH /api/v1/appointments/:id":          false,
		"PATCH /api/v1/appointments/:id/cancel":   false,
		"PATCH /api/v1/appointments/:id/attended": false,
		"PATCH /api/v1/appointments/:id/no-show":  false,
		"GET /api/v1/appointments/:id/no-shows":   false,
		"GET /api/v1/doctors/:id/working-hours":   false,
		"GET /api/v1/patients/:id/appointments":   false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
