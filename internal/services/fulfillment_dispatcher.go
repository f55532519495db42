package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/platform/mailer"
	"github.com/keymarket/api/internal/repositories"
)

const (
	dispatchEventNotificationFailed = "fulfillment.dispatch.notification.failed"
	dispatchEventEmailFailed        = "fulfillment.dispatch.email.failed"
	dispatchEventPublishFailed      = "fulfillment.dispatch.publish.failed"
	dispatchEventScheduleFailed     = "fulfillment.dispatch.schedule.failed"
	dispatchEventPublished          = "fulfillment.dispatch.published"

	sideEffectNotification = "notification"
	sideEffectEmail        = "email"
	sideEffectPublish      = "publish"

	notificationIDPrefix = "ntf_"
	eventIDPrefix        = "evt_"
)

// FulfillmentDispatcherDeps bundles collaborators required to construct the dispatcher.
// Notifications and Renderer are required; Email and Events are optional.
type FulfillmentDispatcherDeps struct {
	Notifications repositories.NotificationRepository
	Email         mailer.Sender
	Events        OrderEventPublisher
	Renderer      *StatusEmailRenderer
	Runner        TaskRunner
	Metrics       FulfillmentMetrics
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentDispatcher struct {
	notifications repositories.NotificationRepository
	email         mailer.Sender
	events        OrderEventPublisher
	renderer      *StatusEmailRenderer
	runner        TaskRunner
	metrics       FulfillmentMetrics
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ FulfillmentDispatcher = (*fulfillmentDispatcher)(nil)

// NewFulfillmentDispatcher wires dependencies into a FulfillmentDispatcher implementation.
func NewFulfillmentDispatcher(deps FulfillmentDispatcherDeps) (FulfillmentDispatcher, error) {
	if deps.Notifications == nil {
		return nil, errors.New("fulfillment dispatcher: notification repository is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("fulfillment dispatcher: renderer is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &fulfillmentDispatcher{
		notifications: deps.Notifications,
		email:         deps.Email,
		events:        deps.Events,
		renderer:      deps.Renderer,
		runner:        deps.Runner,
		metrics:       deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// Dispatch schedules the notification, the email and the event as independent tasks so a
// failing email never holds back the notification. Without a runner they run inline in
// that order, each with its own error handling.
func (d *fulfillmentDispatcher) Dispatch(ctx context.Context, change StatusChange) {
	if !change.Order.Guest() {
		d.schedule(ctx, change, sideEffectNotification, d.notify)
	}
	if d.email != nil && strings.TrimSpace(change.Order.CustomerEmail) != "" {
		d.schedule(ctx, change, sideEffectEmail, d.sendEmail)
	}
	if d.events != nil {
		d.schedule(ctx, change, sideEffectPublish, d.publish)
	}
}

func (d *fulfillmentDispatcher) schedule(ctx context.Context, change StatusChange, name string, effect func(context.Context, StatusChange) error) {
	task := func(ctx context.Context) error {
		err := effect(ctx, change)
		if d.metrics != nil {
			d.metrics.RecordSideEffect(ctx, name, err)
		}
		return err
	}
	if d.runner == nil {
		_ = task(context.WithoutCancel(ctx))
		return
	}
	if err := d.runner.Go(ctx, "fulfillment."+name, task); err != nil {
		d.logger(ctx, dispatchEventScheduleFailed, map[string]any{
			"orderId": change.Order.ID,
			"effect":  name,
			"error":   err,
		})
	}
}

func (d *fulfillmentDispatcher) notify(ctx context.Context, change StatusChange) error {
	message, link := d.renderer.NotificationMessage(change)
	err := d.notifications.Insert(ctx, domain.Notification{
		ID:         notificationIDPrefix + d.newID(),
		CustomerID: change.Order.CustomerID,
		Message:    message,
		Link:       link,
		CreatedAt:  d.clock(),
	})
	if err != nil {
		d.logger(ctx, dispatchEventNotificationFailed, map[string]any{
			"orderId":    change.Order.ID,
			"customerId": change.Order.CustomerID,
			"error":      err,
		})
	}
	return err
}

func (d *fulfillmentDispatcher) sendEmail(ctx context.Context, change StatusChange) error {
	msg, err := d.renderer.Render(change)
	if err == nil {
		err = d.email.Send(ctx, msg)
	}
	if err != nil {
		d.logger(ctx, dispatchEventEmailFailed, map[string]any{
			"orderId": change.Order.ID,
			"status":  string(change.Status),
			"error":   err,
		})
	}
	return err
}

func (d *fulfillmentDispatcher) publish(ctx context.Context, change StatusChange) error {
	licenses := 0
	for _, assignment := range change.Assignments {
		licenses += len(assignment.Keys)
	}
	event := OrderStatusEvent{
		EventID:        eventIDPrefix + d.newID(),
		OrderID:        change.Order.ID,
		CustomerID:     change.Order.CustomerID,
		PreviousStatus: string(change.PreviousStatus),
		Status:         string(change.Status),
		OccurredAt:     change.OccurredAt.UTC(),
		LicenseCount:   licenses,
	}
	id, err := d.events.PublishOrderStatusChanged(ctx, event)
	if err != nil {
		d.logger(ctx, dispatchEventPublishFailed, map[string]any{
			"orderId": change.Order.ID,
			"status":  event.Status,
			"error":   err,
		})
		return err
	}
	d.logger(ctx, dispatchEventPublished, map[string]any{"orderId": change.Order.ID, "messageId": id})
	return nil
}
