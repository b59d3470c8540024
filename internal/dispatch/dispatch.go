// Package dispatch consumes platform domain events from NATS and turns
// them into targeted real-time notifications. Subscriptions use a queue
// group so multiple gateway instances split the consumption load; the
// router on each instance still reaches all of that instance's sockets.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/telemetry"
)

const queueGroup = "realtime-dispatch"

// Sender is the slice of the presence router the dispatcher uses.
type Sender interface {
	SendToUser(userID, event string, payload map[string]any)
	SendToTenant(tenantID, event string, payload map[string]any)
	SendToAll(event string, payload map[string]any)
	SendToRoom(roomID, event string, payload map[string]any)
}

// DonationEvent is published by the donation API after a successful payment.
type DonationEvent struct {
	DonationID string  `json:"donationId"`
	TenantID   string  `json:"tenantId"`
	DonorName  string  `json:"donorName"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	ProgramID  string  `json:"programId,omitempty"`
}

// ApplicationEvent is published when an application moves through review.
type ApplicationEvent struct {
	ApplicationID string `json:"applicationId"`
	ApplicantID   string `json:"applicantId"`
	TenantID      string `json:"tenantId"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// ProgramEvent is published when a program is created or updated.
type ProgramEvent struct {
	ProgramID string `json:"programId"`
	TenantID  string `json:"tenantId"`
	Title     string `json:"title"`
	Action    string `json:"action"`
}

// AnnouncementEvent is an operator broadcast to every connected client.
type AnnouncementEvent struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
}

// Dispatcher maps domain events onto presence sends.
type Dispatcher struct {
	sender Sender

	eventCounter  metric.Int64Counter
	eventDuration metric.Float64Histogram
}

func New(sender Sender, meter metric.Meter) *Dispatcher {
	events, _ := meter.Int64Counter("dispatch_events_total",
		metric.WithDescription("Domain events consumed by subject"))
	duration, _ := meter.Float64Histogram("dispatch_duration_seconds",
		metric.WithDescription("Time to route one domain event"))
	return &Dispatcher{sender: sender, eventCounter: events, eventDuration: duration}
}

// Start registers the queue-group subscriptions. Handlers never return
// errors to NATS; a malformed event is logged and dropped.
func (d *Dispatcher) Start(nc *nats.Conn) error {
	subs := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{"donation.received", d.onDonationMsg},
		{"application.status_changed", d.onApplicationMsg},
		{"program.published", d.onProgramMsg},
		{"announcement.broadcast", d.onAnnouncementMsg},
	}
	for _, s := range subs {
		if _, err := nc.QueueSubscribe(s.subject, queueGroup, s.handler); err != nil {
			return err
		}
	}
	slog.Info("Dispatcher ready", "subjects", len(subs), "queue", queueGroup)
	return nil
}

func (d *Dispatcher) onDonationMsg(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "dispatch donation")
	defer span.End()

	var evt DonationEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Invalid donation event", "error", err)
		return
	}
	d.timed(ctx, msg.Subject, func() { d.HandleDonation(ctx, evt) })
}

func (d *Dispatcher) onApplicationMsg(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "dispatch application status")
	defer span.End()

	var evt ApplicationEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Invalid application event", "error", err)
		return
	}
	d.timed(ctx, msg.Subject, func() { d.HandleApplication(ctx, evt) })
}

func (d *Dispatcher) onProgramMsg(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "dispatch program")
	defer span.End()

	var evt ProgramEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Invalid program event", "error", err)
		return
	}
	d.timed(ctx, msg.Subject, func() { d.HandleProgram(ctx, evt) })
}

func (d *Dispatcher) onAnnouncementMsg(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "dispatch announcement")
	defer span.End()

	var evt AnnouncementEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Invalid announcement event", "error", err)
		return
	}
	d.timed(ctx, msg.Subject, func() { d.HandleAnnouncement(ctx, evt) })
}

// HandleDonation notifies the owning organization: its tenant room and
// its live dashboards.
func (d *Dispatcher) HandleDonation(ctx context.Context, evt DonationEvent) {
	payload := map[string]any{
		"donationId": evt.DonationID,
		"donorName":  evt.DonorName,
		"amount":     evt.Amount,
		"currency":   evt.Currency,
	}
	if evt.ProgramID != "" {
		payload["programId"] = evt.ProgramID
	}
	d.sender.SendToTenant(evt.TenantID, "donation:received", payload)
	d.sender.SendToRoom("dashboard:"+evt.TenantID, "dashboard:donation", payload)
	slog.DebugContext(ctx, "Dispatched donation", "tenant", evt.TenantID, "donation", evt.DonationID)
}

// HandleApplication notifies the applicant directly and the reviewing
// organization's tenant room.
func (d *Dispatcher) HandleApplication(ctx context.Context, evt ApplicationEvent) {
	payload := map[string]any{
		"applicationId": evt.ApplicationID,
		"status":        evt.Status,
	}
	if evt.Reason != "" {
		payload["reason"] = evt.Reason
	}
	d.sender.SendToUser(evt.ApplicantID, "application:status", payload)
	d.sender.SendToTenant(evt.TenantID, "application:updated", payload)
	slog.DebugContext(ctx, "Dispatched application status", "applicant", evt.ApplicantID, "status", evt.Status)
}

// HandleProgram notifies the organization's tenant room.
func (d *Dispatcher) HandleProgram(ctx context.Context, evt ProgramEvent) {
	d.sender.SendToTenant(evt.TenantID, "program:"+evt.Action, map[string]any{
		"programId": evt.ProgramID,
		"title":     evt.Title,
	})
}

// HandleAnnouncement broadcasts to every live connection. Everyone is
// auto-joined to the system room, so a plain broadcast reaches exactly
// its audience.
func (d *Dispatcher) HandleAnnouncement(ctx context.Context, evt AnnouncementEvent) {
	d.sender.SendToAll("announcement", map[string]any{
		"title":    evt.Title,
		"body":     evt.Body,
		"severity": evt.Severity,
	})
	slog.InfoContext(ctx, "Dispatched announcement", "title", evt.Title)
}

func (d *Dispatcher) timed(ctx context.Context, subject string, fn func()) {
	start := time.Now()
	fn()
	attrs := metric.WithAttributes(attribute.String("subject", subject))
	d.eventCounter.Add(ctx, 1, attrs)
	d.eventDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
