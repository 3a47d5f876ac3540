package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ChannelResult is the delivery result of one channel.
type ChannelResult struct {
	Channel Channel `json:"channel"`
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
}

// Outcome reports what happened for one recipient.
type Outcome struct {
	RecipientID    uuid.UUID       `json:"recipient_id"`
	Event          EventType       `json:"event"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	Channels       []ChannelResult `json:"channels,omitempty"`
	RetryScheduled bool            `json:"retry_scheduled,omitempty"`
}

// Failed reports whether nothing reached the recipient although a channel
// was available or the lookup itself failed.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// Dispatcher renders templates and delivers them on every channel the
// recipient has.
type Dispatcher struct {
	directory Directory
	email     EmailSender
	push      PushSender
	templates *TemplateEngine
	timeout   time.Duration
	logger    zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEmail enables the email channel.
func WithEmail(s EmailSender) DispatcherOption { return func(d *Dispatcher) { d.email = s } }

// WithPush enables the push channel.
func WithPush(s PushSender) DispatcherOption { return func(d *Dispatcher) { d.push = s } }

// WithTemplates replaces the default templates.
func WithTemplates(t *TemplateEngine) DispatcherOption { return func(d *Dispatcher) { d.templates = t } }

// WithTimeout bounds the work done for one recipient.
func WithTimeout(t time.Duration) DispatcherOption { return func(d *Dispatcher) { d.timeout = t } }

func NewDispatcher(dir Directory, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		directory: dir,
		templates: NewTemplateEngine(),
		timeout:   10 * time.Second,
		logger:    logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify delivers event to one recipient. vars fill the template; the
// recipient's name is added as recipient_name.
func (d *Dispatcher) Notify(ctx context.Context, event EventType, recipientID uuid.UUID, vars map[string]string) Outcome {
	out := Outcome{RecipientID: recipientID, Event: event}
	log := d.logger.With().Str("event", string(event)).Str("recipient", recipientID.String()).Logger()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	contact, err := d.directory.Lookup(ctx, recipientID)
	if err != nil {
		log.Warn().Err(err).Msg("notification recipient lookup failed")
		out.Status, out.Error = StatusFailed, err.Error()
		return out
	}

	data := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	data["recipient_name"] = contact.FullName

	msg, err := d.templates.Render(event, data)
	if err != nil {
		log.Error().Err(err).Msg("notification template render failed")
		out.Status, out.Error = StatusFailed, err.Error()
		return out
	}

	if d.email != nil && contact.Email != nil && *contact.Email != "" {
		err := d.email.SendEmail(ctx, *contact.Email, contact.FullName, msg.Subject, msg.Body)
		out.Channels = append(out.Channels, channelResult(ChannelEmail, err))
		if err != nil {
			log.Warn().Err(err).Str("channel", string(ChannelEmail)).Msg("notification delivery failed")
		}
	}
	if d.push != nil && contact.PushToken != nil && *contact.PushToken != "" {
		payload := map[string]string{"event": string(event)}
		if id, ok := vars["appointment_id"]; ok {
			payload["appointment_id"] = id
		}
		err := d.push.SendPush(ctx, *contact.PushToken, msg.PushTitle, msg.PushBody, payload)
		out.Channels = append(out.Channels, channelResult(ChannelPush, err))
		if err != nil {
			log.Warn().Err(err).Str("channel", string(ChannelPush)).Msg("notification delivery failed")
		}
	}

	out.Status = summarize(out.Channels)
	return out
}

// NotifyAll notifies every recipient concurrently. One recipient's failure
// never stops the others. Outcomes keep the order of recipients.
func (d *Dispatcher) NotifyAll(ctx context.Context, event EventType, recipients []uuid.UUID, vars map[string]string) []Outcome {
	outcomes := make([]Outcome, len(recipients))
	var g errgroup.Group
	for i, id := range recipients {
		g.Go(func() error {
			outcomes[i] = d.Notify(ctx, event, id, vars)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func channelResult(ch Channel, err error) ChannelResult {
	if err != nil {
		return ChannelResult{Channel: ch, Status: StatusFailed, Error: err.Error()}
	}
	return ChannelResult{Channel: ch, Status: StatusSent}
}

// summarize is sent when any channel delivered, failed when every attempted
// channel failed and skipped when the recipient has no reachable channel.
func summarize(results []ChannelResult) string {
	if len(results) == 0 {
		return StatusSkipped
	}
	for _, r := range results {
		if r.Status == StatusSent {
			return StatusSent
		}
	}
	return StatusFailed
}
