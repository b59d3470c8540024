package dispatch

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
)

type sent struct {
	kind    string // user, tenant, all, room
	target  string
	event   string
	payload map[string]any
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sent
}

func (f *fakeSender) SendToUser(userID, event string, payload map[string]any) {
	f.record(sent{kind: "user", target: userID, event: event, payload: payload})
}

func (f *fakeSender) SendToTenant(tenantID, event string, payload map[string]any) {
	f.record(sent{kind: "tenant", target: tenantID, event: event, payload: payload})
}

func (f *fakeSender) SendToAll(event string, payload map[string]any) {
	f.record(sent{kind: "all", event: event, payload: payload})
}

func (f *fakeSender) SendToRoom(roomID, event string, payload map[string]any) {
	f.record(sent{kind: "room", target: roomID, event: event, payload: payload})
}

func (f *fakeSender) record(s sent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSender) find(kind, event string) *sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.calls {
		if f.calls[i].kind == kind && f.calls[i].event == event {
			return &f.calls[i]
		}
	}
	return nil
}

func TestDispatcher_Donation(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, otel.Meter("test"))

	d.HandleDonation(context.Background(), DonationEvent{
		DonationID: "d1",
		TenantID:   "org1",
		DonorName:  "Asha",
		Amount:     500,
		Currency:   "INR",
		ProgramID:  "p1",
	})

	got := sender.find("tenant", "donation:received")
	if got == nil {
		t.Fatal("Expected a tenant notification")
	}
	if got.target != "org1" {
		t.Errorf("Expected tenant org1, got %q", got.target)
	}
	if got.payload["amount"] != 500.0 || got.payload["programId"] != "p1" {
		t.Errorf("Unexpected payload: %v", got.payload)
	}

	if dash := sender.find("room", "dashboard:donation"); dash == nil || dash.target != "dashboard:org1" {
		t.Errorf("Expected a dashboard room notification for org1, got %+v", dash)
	}
}

func TestDispatcher_ApplicationStatus(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, otel.Meter("test"))

	d.HandleApplication(context.Background(), ApplicationEvent{
		ApplicationID: "a1",
		ApplicantID:   "u7",
		TenantID:      "org1",
		Status:        "approved",
	})

	got := sender.find("user", "application:status")
	if got == nil {
		t.Fatal("Expected a direct applicant notification")
	}
	if got.target != "u7" || got.payload["status"] != "approved" {
		t.Errorf("Unexpected notification: %+v", got)
	}
	if _, ok := got.payload["reason"]; ok {
		t.Error("Expected no reason field when none was given")
	}

	if sender.find("tenant", "application:updated") == nil {
		t.Error("Expected the reviewing organization to be notified")
	}
}

func TestDispatcher_Program(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, otel.Meter("test"))

	d.HandleProgram(context.Background(), ProgramEvent{
		ProgramID: "p1",
		TenantID:  "org2",
		Title:     "Winter relief",
		Action:    "published",
	})

	got := sender.find("tenant", "program:published")
	if got == nil {
		t.Fatal("Expected a tenant notification")
	}
	if got.target != "org2" || got.payload["title"] != "Winter relief" {
		t.Errorf("Unexpected notification: %+v", got)
	}
}

func TestDispatcher_Announcement(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, otel.Meter("test"))

	d.HandleAnnouncement(context.Background(), AnnouncementEvent{
		Title:    "Maintenance",
		Body:     "Sunday 02:00 UTC",
		Severity: "info",
	})

	got := sender.find("all", "announcement")
	if got == nil {
		t.Fatal("Expected a broadcast")
	}
	if got.payload["title"] != "Maintenance" {
		t.Errorf("Unexpected payload: %v", got.payload)
	}
	if len(sender.calls) != 1 {
		t.Errorf("Expected exactly one send, got %d", len(sender.calls))
	}
}
