package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/email"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/notify"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/rbac"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/util"
)

type DeleteMessageInput struct {
	ReasonID     string `json:"reason_id"`
	CustomReason string `json:"custom_reason"`
	AdminNotes   string `json:"admin_notes"`
}

type LogActionInput struct {
	ActionType      string `json:"action_type"`
	ContentType     string `json:"content_type"`
	ContentID       string `json:"content_id"`
	ContentTitle    string `json:"content_title"`
	ContentAuthorID string `json:"content_author_id"`
	ReasonID        string `json:"reason_id"`
	CustomReason    string `json:"custom_reason"`
	AdminNotes      string `json:"admin_notes"`
}

type RecordActionInput struct {
	LogActionInput
	NotifyAuthor bool `json:"notify_author"`
}

type ActionLogView struct {
	ID                 string    `json:"id"`
	ActionType         string    `json:"action_type"`
	ContentType        string    `json:"content_type"`
	ContentID          string    `json:"content_id"`
	ContentTitle       string    `json:"content_title,omitempty"`
	ContentAuthorID    string    `json:"content_author_id,omitempty"`
	PerformedByID      string    `json:"performed_by_id"`
	DeletionReasonID   string    `json:"deletion_reason_id,omitempty"`
	CustomReason       string    `json:"custom_reason,omitempty"`
	AdminNotes         string    `json:"admin_notes,omitempty"`
	EvidenceKey        string    `json:"evidence_key,omitempty"`
	IsNotificationSent bool      `json:"is_notification_sent"`
	CreatedAt          time.Time `json:"created_at"`
}

type DeletionReasonView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
}

var actionTypes = map[string]struct{}{
	notify.ActionDelete:  {},
	notify.ActionRestore: {},
	notify.ActionHide:    {},
	notify.ActionWarn:    {},
}

func actionLogView(entry store.ContentActionLogEntry) ActionLogView {
	return ActionLogView{
		ID:                 entry.ID,
		ActionType:         entry.ActionType,
		ContentType:        entry.ContentType,
		ContentID:          entry.ContentID,
		ContentTitle:       entry.ContentTitle,
		ContentAuthorID:    entry.ContentAuthorID,
		PerformedByID:      entry.PerformedByID,
		DeletionReasonID:   entry.DeletionReasonID,
		CustomReason:       entry.CustomReason,
		AdminNotes:         entry.AdminNotes,
		EvidenceKey:        entry.EvidenceKey,
		IsNotificationSent: entry.IsNotificationSent,
		CreatedAt:          entry.CreatedAt,
	}
}

// deletePolicy is the outcome of the capability check for one delete.
type deletePolicy struct {
	moderation bool
	reasonID   string
	custom     string
	notes      string
}

// resolveDeletePolicy picks the author path (forced self-delete reason, no log,
// no notification) or the moderator path (reason required, logged, notified).
func (s *Service) resolveDeletePolicy(ctx context.Context, session Session, authorID string, input DeleteMessageInput) (deletePolicy, error) {
	if authorID == session.UserID {
		return deletePolicy{reasonID: store.SelfDeleteReasonID}, nil
	}
	if !s.Can(session, rbac.ActionModerate) {
		return deletePolicy{}, forbidden()
	}

	policy := deletePolicy{
		moderation: true,
		reasonID:   strings.TrimSpace(input.ReasonID),
		custom:     strings.TrimSpace(input.CustomReason),
		notes:      strings.TrimSpace(input.AdminNotes),
	}
	if policy.reasonID == "" && policy.custom == "" {
		return deletePolicy{}, invalidArgument("reason_id or custom_reason is required")
	}
	if policy.reasonID != "" {
		if err := s.checkReason(ctx, policy.reasonID); err != nil {
			return deletePolicy{}, err
		}
	}
	return policy, nil
}

func (s *Service) checkReason(ctx context.Context, reasonID string) error {
	if reasonID == store.SelfDeleteReasonID {
		return invalidArgument("reason_id is reserved for author deletes")
	}
	reason, err := s.store.GetDeletionReason(ctx, reasonID)
	if errors.Is(err, sql.ErrNoRows) {
		return invalidArgument("unknown reason_id")
	}
	if err != nil {
		return err
	}
	if !reason.IsActive {
		return invalidArgument("reason_id is no longer active")
	}
	return nil
}

// DeleteMessage soft-deletes a message. A moderator delete also snapshots the
// message, appends the action log row in the same transaction and notifies the
// author after commit.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string, input DeleteMessageInput) error {
	current, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return wrapNotFound(err, "Message")
	}
	if current.IsDeleted() {
		return notFound("Message")
	}
	policy, err := s.resolveDeletePolicy(ctx, session, current.AuthorID, input)
	if err != nil {
		return err
	}

	deletion := store.MessageDeletion{
		MessageID:    messageID,
		DeletedByID:  session.UserID,
		ReasonID:     policy.reasonID,
		CustomReason: policy.custom,
	}
	title := notify.Snippet(current.Content)
	if policy.moderation {
		deletion.Log = &store.ContentActionLogEntry{
			ID:               util.NewID("cal"),
			ActionType:       notify.ActionDelete,
			ContentType:      ContentTypeBoardMessage,
			ContentID:        messageID,
			ContentTitle:     title,
			ContentAuthorID:  current.AuthorID,
			PerformedByID:    session.UserID,
			DeletionReasonID: policy.reasonID,
			CustomReason:     policy.custom,
			AdminNotes:       policy.notes,
			EvidenceKey:      s.snapshot(ctx, ContentTypeBoardMessage, current),
		}
	}

	_, entry, err := s.store.SoftDeleteMessage(ctx, deletion)
	if err != nil {
		if deletion.Log != nil {
			s.discardSnapshot(ctx, deletion.Log.EvidenceKey)
		}
		return wrapNotFound(err, "Message")
	}
	s.search.DeleteMessage(messageID)

	if entry != nil {
		if err := s.SendDeletionNotification(ctx, current.AuthorID, *entry, title); err != nil {
			s.logger.Warn("moderation notification failed", "op", "delete message", "message_id", messageID, "action_log_id", entry.ID, "error", err)
		}
	}
	return nil
}

// snapshot stores the pre-delete row as evidence. Failures leave the key empty.
func (s *Service) snapshot(ctx context.Context, contentType string, m store.Message) string {
	if s.archive == nil {
		return ""
	}
	key, err := s.archive.PutSnapshot(ctx, contentType, m.ID, baseView(m))
	if err != nil {
		s.logger.Warn("evidence snapshot failed", "content_type", contentType, "content_id", m.ID, "error", err)
		return ""
	}
	return key
}

// discardSnapshot removes evidence for a delete that did not commit.
func (s *Service) discardSnapshot(ctx context.Context, key string) {
	if s.archive == nil || key == "" {
		return
	}
	if err := s.archive.RemoveSnapshot(ctx, key); err != nil {
		s.logger.Warn("evidence cleanup failed", "evidence_key", key, "error", err)
	}
}

// LogAction appends one row to the action log. Permission is the caller's job.
func (s *Service) LogAction(ctx context.Context, session Session, input LogActionInput) (ActionLogView, error) {
	actionType := strings.TrimSpace(input.ActionType)
	if _, ok := actionTypes[actionType]; !ok {
		return ActionLogView{}, invalidArgument("action_type must be one of delete, restore, hide, warn")
	}
	contentType := strings.TrimSpace(input.ContentType)
	contentID := strings.TrimSpace(input.ContentID)
	if contentType == "" || contentID == "" {
		return ActionLogView{}, invalidArgument("content_type and content_id are required")
	}
	reasonID := strings.TrimSpace(input.ReasonID)
	if reasonID != "" {
		if err := s.checkReason(ctx, reasonID); err != nil {
			return ActionLogView{}, err
		}
	}

	entry, err := s.store.InsertActionLog(ctx, store.ContentActionLogEntry{
		ID:               util.NewID("cal"),
		ActionType:       actionType,
		ContentType:      contentType,
		ContentID:        contentID,
		ContentTitle:     strings.TrimSpace(input.ContentTitle),
		ContentAuthorID:  strings.TrimSpace(input.ContentAuthorID),
		PerformedByID:    session.UserID,
		DeletionReasonID: reasonID,
		CustomReason:     strings.TrimSpace(input.CustomReason),
		AdminNotes:       strings.TrimSpace(input.AdminNotes),
	})
	if err != nil {
		return ActionLogView{}, err
	}
	return actionLogView(entry), nil
}

// RecordAction is the admin entry point for actions taken on content owned by
// other subsystems.
func (s *Service) RecordAction(ctx context.Context, session Session, input RecordActionInput) (ActionLogView, error) {
	if !s.Can(session, rbac.ActionModerate) {
		return ActionLogView{}, forbidden()
	}
	view, err := s.LogAction(ctx, session, input.LogActionInput)
	if err != nil {
		return ActionLogView{}, err
	}
	if !input.NotifyAuthor || view.ContentAuthorID == "" {
		return view, nil
	}
	entry := store.ContentActionLogEntry{
		ID:               view.ID,
		ActionType:       view.ActionType,
		ContentType:      view.ContentType,
		ContentID:        view.ContentID,
		PerformedByID:    view.PerformedByID,
		DeletionReasonID: view.DeletionReasonID,
		CustomReason:     view.CustomReason,
	}
	if err := s.SendDeletionNotification(ctx, view.ContentAuthorID, entry, view.ContentTitle); err != nil {
		s.logger.Warn("moderation notification failed", "op", "record action", "action_log_id", view.ID, "error", err)
		return view, nil
	}
	view.IsNotificationSent = view.ContentAuthorID != session.UserID
	return view, nil
}

// SendDeletionNotification tells the content author about a moderation action
// and flags the log row once the notification row exists. The dedupe key
// makes retries for the same log row a no-op.
func (s *Service) SendDeletionNotification(ctx context.Context, recipientID string, entry store.ContentActionLogEntry, contentTitle string) error {
	if recipientID == "" || recipientID == entry.PerformedByID {
		return nil
	}
	reasonText := entry.CustomReason
	if entry.DeletionReasonID != "" {
		if reason, err := s.store.GetDeletionReason(ctx, entry.DeletionReasonID); err == nil {
			reasonText = reason.Name
		}
	}

	_, err := s.notifier.Notify(ctx, notify.Request{
		Target:   notify.Target{UserID: recipientID},
		Template: notify.ModerationTemplate(entry.ActionType, entry.ContentType, contentTitle, reasonText),
		Metadata: map[string]any{
			"action_log_id": entry.ID,
			"action_type":   entry.ActionType,
			"content_type":  entry.ContentType,
			"content_id":    entry.ContentID,
		},
		ActorID:   entry.PerformedByID,
		DedupeKey: fmt.Sprintf("moderation:%s:%s", entry.ContentID, entry.ID),
	})
	if err != nil {
		return err
	}
	if err := s.store.MarkActionNotificationSent(ctx, entry.ID); err != nil {
		return err
	}
	s.emailAuthor(ctx, recipientID, entry, contentTitle, reasonText)
	return nil
}

// emailAuthor is best-effort and runs in the background.
func (s *Service) emailAuthor(ctx context.Context, recipientID string, entry store.ContentActionLogEntry, contentTitle, reasonText string) {
	if s.mailer == nil {
		return
	}
	author, err := s.store.GetUser(ctx, recipientID)
	if err != nil || author.Email == "" {
		return
	}
	data := email.ModerationNoticeData{
		UserName:     firstNonBlank(author.DisplayName, author.Username),
		Action:       entry.ActionType,
		ContentLabel: notify.ContentLabel(entry.ContentType),
		ContentTitle: contentTitle,
		Reason:       firstNonBlank(reasonText, "not specified"),
	}
	go func() {
		if err := s.mailer.SendModerationNotice(author.Email, data); err != nil {
			s.logger.Warn("moderation email failed", "action_log_id", entry.ID, "user_id", recipientID, "error", err)
		}
	}()
}

func (s *Service) ListDeletionReasons(ctx context.Context) ([]DeletionReasonView, error) {
	reasons, err := s.store.ListDeletionReasons(ctx, false)
	if err != nil {
		return nil, err
	}
	views := make([]DeletionReasonView, 0, len(reasons))
	for _, reason := range reasons {
		views = append(views, DeletionReasonView{
			ID:          reason.ID,
			Name:        reason.Name,
			Description: reason.Description,
			Severity:    reason.Severity,
		})
	}
	return views, nil
}

func (s *Service) ListActionLog(ctx context.Context, session Session, contentType string, limit int) ([]ActionLogView, error) {
	if !s.Can(session, rbac.ActionModerate) {
		return nil, forbidden()
	}
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.store.ListActionLog(ctx, strings.TrimSpace(contentType), limit)
	if err != nil {
		return nil, err
	}
	views := make([]ActionLogView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, actionLogView(entry))
	}
	return views, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
