package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/notify"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/rbac"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/util"
)

type ReactionView struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	EmojiCode string    `json:"emoji_code"`
	CreatedAt time.Time `json:"created_at"`
	User      UserRef   `json:"user"`
}

type ToggleReactionResult struct {
	Action   string        `json:"action"`
	Reaction *ReactionView `json:"reaction,omitempty"`
}

// ToggleReaction adds the caller's emoji to a message or removes it when it is
// already there. Only an add by someone other than the author notifies.
func (s *Service) ToggleReaction(ctx context.Context, session Session, messageID, emojiCode string) (ToggleReactionResult, error) {
	if !s.Can(session, rbac.ActionPost) {
		return ToggleReactionResult{}, forbidden()
	}
	messageID = strings.TrimSpace(messageID)
	emojiCode = strings.TrimSpace(emojiCode)
	if messageID == "" || emojiCode == "" {
		return ToggleReactionResult{}, invalidArgument("message_id and emoji_code are required")
	}

	toggled, err := s.store.ToggleReaction(ctx, store.Reaction{
		ID:        util.NewID("rx"),
		MessageID: messageID,
		UserID:    session.UserID,
		EmojiCode: emojiCode,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ToggleReactionResult{}, conflict("Reaction changed concurrently, retry")
		}
		return ToggleReactionResult{}, wrapNotFound(err, "Message")
	}

	result := ToggleReactionResult{Action: toggled.Action}
	if toggled.Action != store.ReactionAdded || toggled.Reaction == nil {
		return result, nil
	}
	added := toggled.Reaction
	result.Reaction = &ReactionView{
		ID:        added.ID,
		MessageID: added.MessageID,
		UserID:    added.UserID,
		EmojiCode: added.EmojiCode,
		CreatedAt: added.CreatedAt,
		User:      UserRef{ID: session.UserID, Username: session.Username, DisplayName: session.DisplayName},
	}

	if toggled.MessageAuthorID != "" && toggled.MessageAuthorID != session.UserID {
		s.notifyReaction(ctx, session, messageID, emojiCode, toggled.MessageAuthorID)
	}
	return result, nil
}

func (s *Service) notifyReaction(ctx context.Context, session Session, messageID, emojiCode, authorID string) {
	title := ""
	link := ""
	if m, err := s.store.GetMessage(ctx, messageID); err == nil {
		title = notify.Snippet(m.Content)
		link = messageLink(m)
	}
	s.notifyBestEffort(ctx, "reaction", notify.Request{
		Target:    notify.Target{UserID: authorID},
		Template:  notify.ReactionTemplate(displayName(session), emojiCode, title),
		Link:      link,
		Metadata:  map[string]any{"message_id": messageID, "emoji_code": emojiCode, "reactor_id": session.UserID},
		ActorID:   session.UserID,
		DedupeKey: fmt.Sprintf("reaction:%s:%s:%s", messageID, session.UserID, emojiCode),
	})
}
