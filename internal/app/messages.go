package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/notify"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/rbac"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/util"
)

const (
	defaultListLimit = 20
	// ContentTypeBoardMessage tags board messages in the action log.
	ContentTypeBoardMessage = "board_message"
)

type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type ReactionGroup struct {
	EmojiCode string   `json:"emoji_code"`
	Count     int      `json:"count"`
	UserIDs   []string `json:"user_ids"`
}

// MessageView is a message with its author, reactions, mentions and live
// reply count attached.
type MessageView struct {
	ID               string          `json:"id"`
	ChannelID        string          `json:"channel_id"`
	ThreadID         string          `json:"thread_id,omitempty"`
	AuthorID         string          `json:"author_id"`
	Author           *UserRef        `json:"author,omitempty"`
	Content          string          `json:"content"`
	MessageType      string          `json:"message_type"`
	LikeCount        int             `json:"like_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Reactions        []ReactionGroup `json:"reactions"`
	Mentions         []UserRef       `json:"mentions"`
	ThreadReplyCount int             `json:"thread_reply_count"`
}

type ThreadView struct {
	ThreadMessage MessageView   `json:"thread_message"`
	Replies       []MessageView `json:"replies"`
}

type PostMessageInput struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Content   string `json:"content"`
}

type ListMessagesInput struct {
	ChannelID string
	ThreadID  string
	Limit     int
}

func userRef(user store.User) UserRef {
	return UserRef{ID: user.ID, Username: user.Username, DisplayName: user.DisplayName}
}

func baseView(m store.Message) MessageView {
	return MessageView{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		ThreadID:    m.ThreadID,
		AuthorID:    m.AuthorID,
		Content:     m.Content,
		MessageType: m.MessageType,
		LikeCount:   m.LikeCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Reactions:   []ReactionGroup{},
		Mentions:    []UserRef{},
	}
}

// hydrate attaches authors, grouped reactions, mentions and reply counts with
// one query per kind.
func (s *Service) hydrate(ctx context.Context, messages []store.Message) ([]MessageView, error) {
	views := make([]MessageView, 0, len(messages))
	if len(messages) == 0 {
		return views, nil
	}

	ids := make([]string, 0, len(messages))
	rootIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		if m.IsThreadRoot() {
			rootIDs = append(rootIDs, m.ID)
		}
	}

	reactions, err := s.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	mentions, err := s.store.ListMentions(ctx, ids)
	if err != nil {
		return nil, err
	}
	replyCounts, err := s.store.CountThreadReplies(ctx, rootIDs)
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(messages)+len(mentions))
	for _, m := range messages {
		userIDs = append(userIDs, m.AuthorID)
	}
	for _, m := range mentions {
		userIDs = append(userIDs, m.MentionedUserID)
	}
	users, err := s.store.ListUsersByIDs(ctx, distinct(userIDs))
	if err != nil {
		return nil, err
	}
	usersByID := make(map[string]store.User, len(users))
	for _, user := range users {
		usersByID[user.ID] = user
	}

	reactionsByMessage := groupReactions(reactions)
	mentionsByMessage := make(map[string][]UserRef)
	for _, m := range mentions {
		if user, ok := usersByID[m.MentionedUserID]; ok {
			mentionsByMessage[m.MessageID] = append(mentionsByMessage[m.MessageID], userRef(user))
		}
	}

	for _, m := range messages {
		view := baseView(m)
		if author, ok := usersByID[m.AuthorID]; ok {
			ref := userRef(author)
			view.Author = &ref
		}
		if groups, ok := reactionsByMessage[m.ID]; ok {
			view.Reactions = groups
		}
		if refs, ok := mentionsByMessage[m.ID]; ok {
			view.Mentions = refs
		}
		view.ThreadReplyCount = replyCounts[m.ID]
		views = append(views, view)
	}
	return views, nil
}

// groupReactions groups rows per message by emoji, keeping the order in which
// each emoji first appeared.
func groupReactions(reactions []store.Reaction) map[string][]ReactionGroup {
	out := make(map[string][]ReactionGroup)
	for _, r := range reactions {
		groups := out[r.MessageID]
		found := false
		for i := range groups {
			if groups[i].EmojiCode == r.EmojiCode {
				groups[i].Count++
				groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, ReactionGroup{EmojiCode: r.EmojiCode, Count: 1, UserIDs: []string{r.UserID}})
		}
		out[r.MessageID] = groups
	}
	return out
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *Service) hydrateOne(ctx context.Context, m store.Message) (MessageView, error) {
	views, err := s.hydrate(ctx, []store.Message{m})
	if err != nil {
		return MessageView{}, err
	}
	return views[0], nil
}

// PostMessage stores a channel post or thread reply together with its
// mentions, then notifies mentioned users other than the author.
func (s *Service) PostMessage(ctx context.Context, session Session, input PostMessageInput) (MessageView, error) {
	if !s.Can(session, rbac.ActionPost) {
		return MessageView{}, forbidden()
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return MessageView{}, invalidArgument("content is required")
	}
	channelID := strings.TrimSpace(input.ChannelID)
	threadID := strings.TrimSpace(input.ThreadID)
	if channelID == "" && threadID == "" {
		return MessageView{}, invalidArgument("channel_id is required")
	}
	if threadID == "" {
		if _, err := s.store.GetChannel(ctx, channelID); err != nil {
			return MessageView{}, wrapNotFound(err, "Channel")
		}
	}

	resolved, err := s.mentions.Resolve(ctx, content)
	if err != nil {
		return MessageView{}, fmt.Errorf("resolve mentions: %w", err)
	}
	rows := mentionRows(resolved)

	created, inserted, err := s.store.InsertMessage(ctx, store.Message{
		ID:        util.NewID("msg"),
		ChannelID: channelID,
		ThreadID:  threadID,
		AuthorID:  session.UserID,
		Content:   content,
	}, rows)
	if err != nil {
		if threadID != "" {
			return MessageView{}, wrapNotFound(err, "Thread")
		}
		return MessageView{}, wrapNotFound(err, "Channel")
	}

	s.search.IndexMessage(created)
	s.notifyMentions(ctx, session, created, inserted)

	view := baseView(created)
	view.Author = &UserRef{ID: session.UserID, Username: session.Username, DisplayName: session.DisplayName}
	for _, user := range resolved {
		view.Mentions = append(view.Mentions, userRef(user))
	}
	return view, nil
}

// ReplyToThread posts into the thread rooted at rootID; the channel comes from the root.
func (s *Service) ReplyToThread(ctx context.Context, session Session, rootID, content string) (MessageView, error) {
	if strings.TrimSpace(rootID) == "" {
		return MessageView{}, invalidArgument("thread id is required")
	}
	return s.PostMessage(ctx, session, PostMessageInput{ThreadID: rootID, Content: content})
}

func (s *Service) EditMessage(ctx context.Context, session Session, messageID, content string) (MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return MessageView{}, invalidArgument("content is required")
	}
	current, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, wrapNotFound(err, "Message")
	}
	if current.IsDeleted() {
		return MessageView{}, notFound("Message")
	}
	if !s.canManageOwned(session, current.AuthorID, rbac.ActionModerate) {
		return MessageView{}, forbidden()
	}

	resolved, err := s.mentions.Resolve(ctx, content)
	if err != nil {
		return MessageView{}, fmt.Errorf("resolve mentions: %w", err)
	}
	updated, added, err := s.store.UpdateMessageContent(ctx, messageID, content, mentionRows(resolved))
	if err != nil {
		return MessageView{}, wrapNotFound(err, "Message")
	}

	s.search.IndexMessage(updated)
	s.notifyMentions(ctx, session, updated, added)
	return s.hydrateOne(ctx, updated)
}

// ListChannelMessages returns root posts of a channel, or the replies of one
// thread when ThreadID is set. Both are oldest first.
func (s *Service) ListChannelMessages(ctx context.Context, input ListMessagesInput) ([]MessageView, error) {
	channelID := strings.TrimSpace(input.ChannelID)
	threadID := strings.TrimSpace(input.ThreadID)

	if threadID != "" {
		root, err := s.liveRoot(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if channelID != "" && root.ChannelID != channelID {
			return nil, notFound("Thread")
		}
		replies, err := s.store.ListThreadReplies(ctx, threadID)
		if err != nil {
			return nil, err
		}
		return s.hydrate(ctx, replies)
	}

	if channelID == "" {
		return nil, invalidArgument("channel_id is required")
	}
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		return nil, wrapNotFound(err, "Channel")
	}
	messages, err := s.store.ListRootMessages(ctx, channelID, input.Limit)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, messages)
}

// ListRecent returns the newest root posts across the board. This backs the
// "popular" feed, which has always been ordered by recency.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]MessageView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if ceiling := s.cfg.RecentLimitMax; ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	messages, err := s.store.ListRecentRoots(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, messages)
}

func (s *Service) GetThread(ctx context.Context, rootID string) (ThreadView, error) {
	root, err := s.liveRoot(ctx, rootID)
	if err != nil {
		return ThreadView{}, err
	}
	replies, err := s.store.ListThreadReplies(ctx, rootID)
	if err != nil {
		return ThreadView{}, err
	}
	views, err := s.hydrate(ctx, append([]store.Message{root}, replies...))
	if err != nil {
		return ThreadView{}, err
	}
	return ThreadView{ThreadMessage: views[0], Replies: views[1:]}, nil
}

func (s *Service) liveRoot(ctx context.Context, rootID string) (store.Message, error) {
	root, err := s.store.GetMessage(ctx, rootID)
	if err != nil {
		return store.Message{}, wrapNotFound(err, "Thread")
	}
	if root.IsDeleted() || !root.IsThreadRoot() {
		return store.Message{}, notFound("Thread")
	}
	return root, nil
}

func mentionRows(users []store.User) []store.Mention {
	rows := make([]store.Mention, 0, len(users))
	for _, user := range users {
		rows = append(rows, store.Mention{ID: util.NewID("men"), MentionedUserID: user.ID})
	}
	return rows
}

// notifyMentions runs after commit. The author never hears about their own mention.
func (s *Service) notifyMentions(ctx context.Context, session Session, m store.Message, mentions []store.Mention) {
	recipients := make([]string, 0, len(mentions))
	for _, row := range mentions {
		if row.MentionedUserID != session.UserID {
			recipients = append(recipients, row.MentionedUserID)
		}
	}
	if len(recipients) == 0 {
		return
	}

	channelName := m.ChannelID
	if channel, err := s.store.GetChannel(ctx, m.ChannelID); err == nil {
		channelName = channel.Name
	}
	s.notifyBestEffort(ctx, "mention", notify.Request{
		Target:    notify.Target{UserIDs: recipients},
		Template:  notify.MentionTemplate(displayName(session), channelName, notify.Snippet(m.Content)),
		Link:      messageLink(m),
		Metadata:  map[string]any{"message_id": m.ID, "channel_id": m.ChannelID, "author_id": session.UserID},
		ActorID:   session.UserID,
		DedupeKey: "mention:" + m.ID,
	})
}

func displayName(session Session) string {
	if session.DisplayName != "" {
		return session.DisplayName
	}
	return session.Username
}

func messageLink(m store.Message) string {
	if m.ThreadID != "" {
		return fmt.Sprintf("/board/%s/threads/%s#%s", m.ChannelID, m.ThreadID, m.ID)
	}
	return fmt.Sprintf("/board/%s#%s", m.ChannelID, m.ID)
}
