package scheduling

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/auth"
	"github.com/fabianesquiveldDev/backend-sub000/pkg/pagination"
)

var validate = newValidator()

// newValidator reports failing fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return &ValidationError{Fields: fields}
	}
	return &ValidationError{Fields: []string{"body"}}
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every authenticated clinic role
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist, auth.RolePatient))
	readGroup.GET("/availability", h.ListSlots)
	readGroup.GET("/availability/:id", h.GetSlot)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/doctors/:id/working-hours", h.ListWorkingHours)

	// Slot management – staff only
	slotGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist))
	slotGroup.POST("/availability", h.CreateSlot)
	slotGroup.PATCH("/availability/:id", h.UpdateSlot)
	slotGroup.DELETE("/availability/:id", h.DeleteSlot)
	// :id is the patient id here; echo needs one param name per path segment.
	slotGroup.GET("/appointments/:id/no-shows", h.NoShows)
	slotGroup.GET("/patients/:id/appointments", h.ListPatientAppointments)

	// Booking – patients book and cancel their own appointments
	bookGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePatient))
	bookGroup.POST("/appointments", h.CreateAppointment)
	bookGroup.PATCH("/appointments/:id/cancel", h.CancelAppointment)

	// Clinical updates – doctors
	clinicalGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	clinicalGroup.PATCH("/appointments/:id", h.UpdateAppointment)
	clinicalGroup.PATCH("/appointments/:id/attended", h.MarkAttended)
	clinicalGroup.PATCH("/appointments/:id/no-show", h.MarkNoShow)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, &ValidationError{Fields: []string{name}}
	}
	return id, nil
}

// decodeStrict decodes a JSON body rejecting unknown fields, so a typo in a
// patch is an error instead of a silent no-op. An empty body decodes to the
// zero value.
func decodeStrict(c echo.Context, v interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return &ValidationError{Fields: []string{"body"}}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var field string
		switch {
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field = strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		default:
			var te *json.UnmarshalTypeError
			if errors.As(err, &te) && te.Field != "" {
				field = te.Field
			} else {
				field = "body"
			}
		}
		return &ValidationError{Fields: []string{field}}
	}
	return nil
}

// -- Slot Handlers --

type createSlotRequest struct {
	RoomAssignmentID uuid.UUID `json:"room_assignment_id" validate:"required"`
	StartTime        time.Time `json:"start_time" validate:"required"`
	DurationMinutes  int       `json:"duration_minutes" validate:"required,min=1,max=1440"`
	Occupied         *bool     `json:"occupied"`
	Cancelled        bool      `json:"cancelled"`
	Note             *string   `json:"note" validate:"omitempty,max=500"`
	ReasonForVisit   *string   `json:"reason_for_visit" validate:"omitempty,max=500"`
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var req createSlotRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	sl := &Slot{
		RoomAssignmentID: req.RoomAssignmentID,
		StartTime:        req.StartTime,
		DurationMinutes:  req.DurationMinutes,
		Occupied:         req.Occupied != nil && *req.Occupied,
		Cancelled:        req.Cancelled,
		Note:             req.Note,
		ReasonForVisit:   req.ReasonForVisit,
	}
	if err := h.svc.CreateSlot(c.Request().Context(), sl); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sl)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sl, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sl)
}

func (h *Handler) ListSlots(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f SlotFilter
	if v := c.QueryParam("room_assignment_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return &ValidationError{Fields: []string{"room_assignment_id"}}
		}
		f.RoomAssignmentID = &id
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return &ValidationError{Fields: []string{name}}
			}
			*dst = &t
		}
	}
	if v := c.QueryParam("free"); v != "" {
		free, err := strconv.ParseBool(v)
		if err != nil {
			return &ValidationError{Fields: []string{"free"}}
		}
		f.FreeOnly = free
	}

	items, total, err := h.svc.ListSlots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type updateSlotRequest struct {
	SlotPatch
	Occupied *bool `json:"occupied,omitempty"`
}

func (h *Handler) UpdateSlot(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req updateSlotRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if req.Occupied != nil {
		return ErrOccupiedIsDerived
	}
	sl, err := h.svc.UpdateSlot(c.Request().Context(), id, req.SlotPatch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sl)
}

func (h *Handler) DeleteSlot(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sl, err := h.svc.DeleteSlot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sl)
}

func (h *Handler) ListWorkingHours(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListWorkingHours(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// -- Appointment Handlers --

type createAppointmentRequest struct {
	SlotID           uuid.UUID `json:"slot_id"`
	DisponibilidadID uuid.UUID `json:"disponibilidad_id"`
	DoctorID         uuid.UUID `json:"doctor_id" validate:"required"`
	PatientID        uuid.UUID `json:"patient_id" validate:"required"`
	RoomAssignmentID uuid.UUID `json:"room_assignment_id" validate:"required"`
	ForProxy         bool      `json:"for_proxy"`
	ProxyName        *string   `json:"proxy_name" validate:"omitempty,max=200"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	slotID := req.SlotID
	if slotID == uuid.Nil {
		slotID = req.DisponibilidadID
	}

	res, err := h.svc.CreateAppointment(c.Request().Context(), NewAppointment{
		DoctorID:         req.DoctorID,
		PatientID:        req.PatientID,
		SlotID:           slotID,
		RoomAssignmentID: req.RoomAssignmentID,
		ForProxy:         req.ForProxy,
		ProxyName:        req.ProxyName,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointmentsByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type cancelAppointmentRequest struct {
	Reason       *string `json:"motivo_cancelacion" validate:"omitempty,max=500"`
	ReasonAltKey *string `json:"reason" validate:"omitempty,max=500"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelAppointmentRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	reason := req.Reason
	if reason == nil {
		reason = req.ReasonAltKey
	}
	res, err := h.svc.CancelAppointment(c.Request().Context(), id, reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// clinicalPatchRequest leaves out attended and no_show; outcomes are set only
// through the /attended and /no-show routes.
type clinicalPatchRequest struct {
	Diagnosis    *string `json:"diagnosis" validate:"omitempty,max=4000"`
	Observations *string `json:"observations" validate:"omitempty,max=4000"`
	ForProxy     *bool   `json:"for_proxy"`
	ProxyName    *string `json:"proxy_name" validate:"omitempty,max=200"`
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req clinicalPatchRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, AppointmentPatch{
		Diagnosis:    req.Diagnosis,
		Observations: req.Observations,
		ForProxy:     req.ForProxy,
		ProxyName:    req.ProxyName,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkAttended(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.MarkAttended(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) NoShows(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sum, err := h.svc.NoShowSummary(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}
