package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPEmailSender posts to a transactional email API (Brevo's v3 smtp/email
// shape: sender, to, subject, htmlContent; key in the api-key header).
type HTTPEmailSender struct {
	url         string
	apiKey      string
	senderEmail string
	senderName  string
	client      *http.Client
}

func NewHTTPEmailSender(url, apiKey, senderEmail, senderName string, timeout time.Duration) *HTTPEmailSender {
	return &HTTPEmailSender{
		url:         url,
		apiKey:      apiKey,
		senderEmail: senderEmail,
		senderName:  senderName,
		client:      &http.Client{Timeout: timeout},
	}
}

type emailPayload struct {
	Sender      map[string]string   `json:"sender"`
	To          []map[string]string `json:"to"`
	Subject     string              `json:"subject"`
	HTMLContent string              `json:"htmlContent"`
}

func (s *HTTPEmailSender) SendEmail(ctx context.Context, to, toName, subject, body string) error {
	if !strings.Contains(to, "@") {
		return fmt.Errorf("invalid recipient email %q", to)
	}
	if toName == "" {
		toName = to[:strings.Index(to, "@")]
	}
	return postJSON(ctx, s.client, s.url, map[string]string{"api-key": s.apiKey}, emailPayload{
		Sender:      map[string]string{"name": s.senderName, "email": s.senderEmail},
		To:          []map[string]string{{"email": to, "name": toName}},
		Subject:     subject,
		HTMLContent: "<p>" + body + "</p>",
	})
}

// HTTPPushSender posts to a push gateway that fans out to device tokens.
type HTTPPushSender struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPPushSender(url, apiKey string, timeout time.Duration) *HTTPPushSender {
	return &HTTPPushSender{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type pushPayload struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (s *HTTPPushSender) SendPush(ctx context.Context, token, title, body string, data map[string]string) error {
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}
	return postJSON(ctx, s.client, s.url, headers, pushPayload{To: token, Title: title, Body: body, Data: data})
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// LogSender stands in for an unconfigured gateway in development. It logs
// each message and always succeeds.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, _, subject, _ string) error {
	s.Logger.Info().Str("channel", string(ChannelEmail)).Str("to", to).Str("subject", subject).Msg("email not sent: no gateway configured")
	return nil
}

func (s LogSender) SendPush(_ context.Context, _, title, _ string, data map[string]string) error {
	s.Logger.Info().Str("channel", string(ChannelPush)).Str("title", title).Interface("data", data).Msg("push not sent: no gateway configured")
	return nil
}
