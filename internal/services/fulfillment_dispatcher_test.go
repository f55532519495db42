package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/platform/mailer"
	"github.com/keymarket/api/internal/repositories/memory"
)

type stubSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

type stubPublisher struct {
	events []OrderStatusEvent
	err    error
}

func (s *stubPublisher) PublishOrderStatusChanged(_ context.Context, event OrderStatusEvent) (string, error) {
	s.events = append(s.events, event)
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

type stubNotificationRepo struct {
	inserted []domain.Notification
	err      error
}

func (s *stubNotificationRepo) Insert(_ context.Context, notification domain.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, notification)
	return nil
}

// syncRunner runs tasks inline and records their names.
type syncRunner struct {
	names []string
	errs  []error
}

func (r *syncRunner) Go(ctx context.Context, name string, task func(context.Context) error) error {
	r.names = append(r.names, name)
	r.errs = append(r.errs, task(ctx))
	return nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	sideEffects map[string]error
}

func (m *recordingMetrics) RecordTransition(context.Context, string, string) {}
func (m *recordingMetrics) RecordKeysAllocated(context.Context, string, int) {}
func (m *recordingMetrics) RecordSideEffect(_ context.Context, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sideEffects == nil {
		m.sideEffects = map[string]error{}
	}
	m.sideEffects[name] = err
}

func completedChange() StatusChange {
	at := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	return StatusChange{
		Order: domain.Order{
			ID:            "ord_1",
			OrderNumber:   "KM-1001",
			CustomerID:    "c1",
			CustomerEmail: "an@example.com",
			CustomerName:  "An",
			Totals:        domain.OrderTotals{Total: 1_234_000},
			Currency:      "VND",
			Status:        domain.OrderStatusCompleted,
		},
		PreviousStatus: domain.OrderStatusProcessing,
		Status:         domain.OrderStatusCompleted,
		Assignments: []domain.LicenseAssignment{
			{ProductID: "p1", ProductName: "Antivirus Pro", VariantName: "1 PC", Keys: []string{"AAAA-1111", "BBBB-2222"}},
			{ProductID: "p2", ProductName: "VPN", Keys: []string{"CCCC-3333"}},
		},
		OccurredAt: at,
	}
}

func newTestDispatcher(t *testing.T, deps FulfillmentDispatcherDeps) FulfillmentDispatcher {
	t.Helper()
	if deps.Renderer == nil {
		renderer, err := NewStatusEmailRenderer("en", "https://shop.example.com")
		if err != nil {
			t.Fatalf("NewStatusEmailRenderer: %v", err)
		}
		deps.Renderer = renderer
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "01ID" }
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2026, 5, 2, 10, 0, 1, 0, time.UTC) }
	}
	dispatcher, err := NewFulfillmentDispatcher(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentDispatcher: %v", err)
	}
	return dispatcher
}

func TestFulfillmentDispatcherEmailFailureDoesNotBlockNotification(t *testing.T) {
	store := memory.NewStore()
	sender := &stubSender{err: errors.New("smtp down")}
	publisher := &stubPublisher{}
	metrics := &recordingMetrics{}
	var logged []string
	dispatcher := newTestDispatcher(t, FulfillmentDispatcherDeps{
		Notifications: store.Notifications(),
		Email:         sender,
		Events:        publisher,
		Metrics:       metrics,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})

	dispatcher.Dispatch(context.Background(), completedChange())

	notifications := store.Notifications().ListByCustomer(context.Background(), "c1")
	if len(notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifications))
	}
	if notifications[0].ID != "ntf_01ID" {
		t.Fatalf("unexpected notification id %s", notifications[0].ID)
	}
	if notifications[0].Link != "https://shop.example.com/account/orders/ord_1" {
		t.Fatalf("unexpected link %s", notifications[0].Link)
	}
	if !strings.Contains(notifications[0].Message, "KM-1001") {
		t.Fatalf("expected order number in message, got %q", notifications[0].Message)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email attempt, got %d", len(sender.sent))
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected the event to be published despite the email failure")
	}
	if metrics.sideEffects[sideEffectEmail] == nil || metrics.sideEffects[sideEffectNotification] != nil {
		t.Fatalf("unexpected side effect outcomes %+v", metrics.sideEffects)
	}

	found := false
	for _, event := range logged {
		if event == dispatchEventEmailFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be logged, got %v", dispatchEventEmailFailed, logged)
	}
}

func TestFulfillmentDispatcherNotificationFailureStillSendsEmail(t *testing.T) {
	notifications := &stubNotificationRepo{err: errors.New("firestore unavailable")}
	sender := &stubSender{}
	runner := &syncRunner{}
	dispatcher := newTestDispatcher(t, FulfillmentDispatcherDeps{
		Notifications: notifications,
		Email:         sender,
		Runner:        runner,
	})

	dispatcher.Dispatch(context.Background(), completedChange())

	if len(sender.sent) != 1 {
		t.Fatalf("expected email to be sent, got %d", len(sender.sent))
	}
	if got := strings.Join(runner.names, ","); got != "fulfillment.notification,fulfillment.email" {
		t.Fatalf("unexpected tasks %s", got)
	}
	if runner.errs[0] == nil || runner.errs[1] != nil {
		t.Fatalf("unexpected task errors %v", runner.errs)
	}
}

func TestFulfillmentDispatcherGuestOrderSkipsNotification(t *testing.T) {
	notifications := &stubNotificationRepo{}
	sender := &stubSender{}
	dispatcher := newTestDispatcher(t, FulfillmentDispatcherDeps{
		Notifications: notifications,
		Email:         sender,
	})

	change := completedChange()
	change.Order.CustomerID = ""
	dispatcher.Dispatch(context.Background(), change)

	if len(notifications.inserted) != 0 {
		t.Fatalf("guest orders have no account to notify")
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "an@example.com" {
		t.Fatalf("expected guest email, got %+v", sender.sent)
	}
}

func TestFulfillmentDispatcherPublishesEvent(t *testing.T) {
	publisher := &stubPublisher{}
	dispatcher := newTestDispatcher(t, FulfillmentDispatcherDeps{
		Notifications: &stubNotificationRepo{},
		Events:        publisher,
	})

	dispatcher.Dispatch(context.Background(), completedChange())

	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.EventID != "evt_01ID" || event.OrderID != "ord_1" || event.CustomerID != "c1" {
		t.Fatalf("unexpected event identity %+v", event)
	}
	if event.PreviousStatus != "processing" || event.Status != "completed" {
		t.Fatalf("unexpected statuses %+v", event)
	}
	if event.LicenseCount != 3 {
		t.Fatalf("expected 3 licenses, got %d", event.LicenseCount)
	}
}

func TestNewFulfillmentDispatcherValidatesDeps(t *testing.T) {
	if _, err := NewFulfillmentDispatcher(FulfillmentDispatcherDeps{}); err == nil {
		t.Fatalf("expected error without notification repository")
	}
	if _, err := NewFulfillmentDispatcher(FulfillmentDispatcherDeps{Notifications: &stubNotificationRepo{}}); err == nil {
		t.Fatalf("expected error without renderer")
	}
}
