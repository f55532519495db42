package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/keymarket/api/internal/domain"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

// NotificationRepository stores in-app notifications.
type NotificationRepository struct {
	notifications *pfirestore.Collection[notificationDocument]
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository constructs a Firestore-backed notification sink.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	return &NotificationRepository{notifications: pfirestore.NewCollection[notificationDocument](provider, notificationsCollection)}, nil
}

// Insert writes the notification under its id. Ids are generated by the caller so a retried
// dispatch overwrites instead of duplicating.
func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.notifications == nil {
		return errors.New("notification repository not initialised")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return errors.New("notification id is required")
	}
	if strings.TrimSpace(notification.CustomerID) == "" {
		return errors.New("notification customer id is required")
	}
	return r.notifications.Set(ctx, notification.ID, notificationDocument{
		CustomerID: notification.CustomerID,
		Message:    notification.Message,
		Link:       notification.Link,
		Read:       notification.Read,
		CreatedAt:  notification.CreatedAt.UTC(),
	})
}
