package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

type NotificationView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Link      string          `json:"link,omitempty"`
	IsRead    bool            `json:"is_read"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func notificationView(item store.Notification) NotificationView {
	return NotificationView{
		ID:        item.ID,
		Title:     item.Title,
		Message:   item.Message,
		Type:      item.Type,
		Link:      item.Link,
		IsRead:    item.IsRead,
		Metadata:  item.Metadata,
		CreatedAt: item.CreatedAt,
	}
}

func (s *Service) ListNotifications(ctx context.Context, session Session, unreadOnly bool, limit int) ([]NotificationView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.store.ListNotifications(ctx, session.UserID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	views := make([]NotificationView, 0, len(items))
	for _, item := range items {
		views = append(views, notificationView(item))
	}
	return views, nil
}

// MarkNotificationsRead only touches rows owned by the caller.
func (s *Service) MarkNotificationsRead(ctx context.Context, session Session, ids []string) (int, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, invalidArgument("ids is required")
	}
	return s.store.MarkNotificationsRead(ctx, session.UserID, cleaned)
}
