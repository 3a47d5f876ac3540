package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Test doubles --

type emailCall struct {
	To      string
	Subject string
	Body    string
}

type mockEmailSender struct {
	mu    sync.Mutex
	calls []emailCall
	fail  bool
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, _, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{To: to, Subject: subject, Body: body})
	if m.fail {
		return errors.New("smtp relay down")
	}
	return nil
}

func (m *mockEmailSender) Calls() []emailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]emailCall(nil), m.calls...)
}

type mockPushSender struct {
	mu     sync.Mutex
	tokens []string
	fail   bool
}

func (m *mockPushSender) SendPush(_ context.Context, token, _, _ string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	if m.fail {
		return errors.New("gateway timeout")
	}
	return nil
}

type mockDirectory struct {
	contacts map[uuid.UUID]*Contact
}

func (m *mockDirectory) Lookup(_ context.Context, id uuid.UUID) (*Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrUnknownRecipient
	}
	return c, nil
}

func strPtr(s string) *string { return &s }

func newTestDirectory() (*mockDirectory, uuid.UUID, uuid.UUID) {
	patient, doctor := uuid.New(), uuid.New()
	return &mockDirectory{contacts: map[uuid.UUID]*Contact{
		patient: {UserID: patient, FullName: "Ana Ruiz", Email: strPtr("ana@example.com"), PushToken: strPtr("tok-ana")},
		doctor:  {UserID: doctor, FullName: "Dr. Mora", Email: strPtr("mora@example.com")},
	}}, patient, doctor
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	r, err := e.Render(EventAppointmentBooked, map[string]string{
		"recipient_name": "Ana", "date": "2024-03-04", "time": "10:00", "room": "204",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Subject != "Appointment confirmed for 2024-03-04" {
		t.Errorf("unexpected subject %q", r.Subject)
	}
	if !strings.Contains(r.Body, "Hello Ana") || !strings.Contains(r.Body, "room 204") {
		t.Errorf("unexpected body %q", r.Body)
	}
}

func TestTemplateEngine_MissingPlaceholderKept(t *testing.T) {
	r, err := NewTemplateEngine().Render(EventAppointmentCancelled, map[string]string{"date": "2024-03-04"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(r.Body, "{{reason}}") {
		t.Errorf("expected unfilled placeholder to remain, got %q", r.Body)
	}
}

func TestTemplateEngine_UnknownEvent(t *testing.T) {
	if _, err := NewTemplateEngine().Render("appointment.moved", nil); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestDispatcher_Notify_AllChannels(t *testing.T) {
	dir, patient, _ := newTestDirectory()
	email, push := &mockEmailSender{}, &mockPushSender{}
	d := NewDispatcher(dir, zerolog.Nop(), WithEmail(email), WithPush(push))

	out := d.Notify(context.Background(), EventAppointmentReminder, patient, map[string]string{"date": "2024-03-05"})
	if out.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%s)", out.Status, out.Error)
	}
	if len(out.Channels) != 2 {
		t.Errorf("expected 2 channel results, got %d", len(out.Channels))
	}
	calls := email.Calls()
	if len(calls) != 1 || calls[0].To != "ana@example.com" {
		t.Fatalf("unexpected email calls %+v", calls)
	}
	if !strings.Contains(calls[0].Body, "Ana Ruiz") {
		t.Errorf("expected recipient name in body, got %q", calls[0].Body)
	}
}

func TestDispatcher_Notify_UnknownRecipientFails(t *testing.T) {
	dir, _, _ := newTestDirectory()
	d := NewDispatcher(dir, zerolog.Nop(), WithEmail(&mockEmailSender{}))

	out := d.Notify(context.Background(), EventAppointmentBooked, uuid.New(), nil)
	if !out.Failed() {
		t.Errorf("expected failed outcome, got %s", out.Status)
	}
}

func TestDispatcher_Notify_NoChannelsSkipped(t *testing.T) {
	dir, _, doctor := newTestDirectory()
	d := NewDispatcher(dir, zerolog.Nop(), WithPush(&mockPushSender{}))

	out := d.Notify(context.Background(), EventAppointmentBooked, doctor, nil)
	if out.Status != StatusSkipped {
		t.Errorf("expected skipped for a doctor without push token, got %s", out.Status)
	}
}

func TestDispatcher_NotifyAll_IsolatesFailures(t *testing.T) {
	dir, patient, doctor := newTestDirectory()
	unknown := uuid.New()
	email := &mockEmailSender{}
	d := NewDispatcher(dir, zerolog.Nop(), WithEmail(email))

	outs := d.NotifyAll(context.Background(), EventAppointmentCancelled, []uuid.UUID{unknown, patient, doctor}, nil)
	if len(outs) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outs))
	}
	if !outs[0].Failed() {
		t.Error("expected unknown recipient to fail")
	}
	if outs[1].Status != StatusSent || outs[2].Status != StatusSent {
		t.Errorf("expected remaining recipients to be notified: %+v", outs)
	}
	if len(email.Calls()) != 2 {
		t.Errorf("expected 2 emails, got %d", len(email.Calls()))
	}
}

func TestDispatcher_Notify_PartialDeliveryCountsAsSent(t *testing.T) {
	dir, patient, _ := newTestDirectory()
	d := NewDispatcher(dir, zerolog.Nop(), WithEmail(&mockEmailSender{fail: true}), WithPush(&mockPushSender{}))

	out := d.Notify(context.Background(), EventAppointmentBooked, patient, nil)
	if out.Status != StatusSent {
		t.Errorf("expected sent when push succeeded, got %s", out.Status)
	}

	d = NewDispatcher(dir, zerolog.Nop(), WithEmail(&mockEmailSender{fail: true}), WithPush(&mockPushSender{fail: true}))
	if out := d.Notify(context.Background(), EventAppointmentBooked, patient, nil); !out.Failed() {
		t.Errorf("expected failed when every channel failed, got %s", out.Status)
	}
}

func TestHTTPEmailSender(t *testing.T) {
	var payload emailPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "k" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTPEmailSender(srv.URL, "k", "citas@clinic.example", "Clinic", time.Second)
	if err := s.SendEmail(context.Background(), "ana@example.com", "", "Hi", "Body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.To[0]["name"] != "ana" {
		t.Errorf("expected derived recipient name, got %q", payload.To[0]["name"])
	}
	if err := s.SendEmail(context.Background(), "not-an-email", "", "Hi", "Body"); err == nil {
		t.Error("expected invalid address error")
	}
}

func TestHTTPPushSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPPushSender(srv.URL, "", time.Second)
	if err := s.SendPush(context.Background(), "tok", "t", "b", nil); err == nil {
		t.Error("expected error for 502")
	}
}
