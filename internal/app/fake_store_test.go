package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

// memStore mirrors the PostgresStore contract in memory: sql.ErrNoRows for
// missing rows, store.ErrConflict on unique keys, store.ErrNotEmpty on guarded
// deletes.
type memStore struct {
	mu            sync.Mutex
	clock         time.Time
	pingErr       error
	softDeleteErr error
	users         map[string]store.User
	userOrder     []string
	categories    map[string]*memCategory
	channels      map[string]*memChannel
	messages      map[string]*store.Message
	messageOrder  []string
	reactions     []store.Reaction
	mentions      []store.Mention
	notifications []store.Notification
	reasons       map[string]store.DeletionReason
	actionLog     []store.ContentActionLogEntry
}

type memCategory struct {
	store.Category
	deleted bool
}

type memChannel struct {
	store.Channel
	deleted bool
}

func newMemStore() *memStore {
	ms := &memStore{
		clock:      time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		users:      map[string]store.User{},
		categories: map[string]*memCategory{},
		channels:   map[string]*memChannel{},
		messages:   map[string]*store.Message{},
		reasons:    map[string]store.DeletionReason{},
	}
	for _, r := range []store.DeletionReason{
		{ID: store.SelfDeleteReasonID, Name: "Deleted by author", Severity: "low", IsActive: true},
		{ID: "spam", Name: "Spam", Severity: "medium", IsActive: true},
		{ID: "harassment", Name: "Harassment", Severity: "high", IsActive: true},
		{ID: "retired", Name: "Retired reason", Severity: "low", IsActive: false},
	} {
		ms.reasons[r.ID] = r
	}
	return ms
}

func (m *memStore) now() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) UpsertUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
		if user.Email == "" {
			user.Email = existing.Email
		}
	} else {
		user.CreatedAt = m.now()
		m.userOrder = append(m.userOrder, user.ID)
	}
	user.UpdatedAt = m.now()
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) ListUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.User{}
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func (m *memStore) FindUsersByHandles(_ context.Context, handles []string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]struct{}{}
	for _, h := range handles {
		wanted[strings.ToLower(h)] = struct{}{}
	}
	out := []store.User{}
	for _, id := range m.userOrder {
		user := m.users[id]
		_, byName := wanted[strings.ToLower(user.Username)]
		_, byDisplay := wanted[strings.ToLower(user.DisplayName)]
		if byName || byDisplay {
			out = append(out, user)
		}
	}
	return out, nil
}

func (m *memStore) ListUserIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.userOrder...), nil
}

func (m *memStore) ListCategories(context.Context) ([]store.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Category{}
	for _, c := range m.categories {
		if !c.deleted {
			out = append(out, c.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (m *memStore) GetCategory(_ context.Context, id string) (store.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok || c.deleted {
		return store.Category{}, sql.ErrNoRows
	}
	return c.Category, nil
}

func (m *memStore) InsertCategory(_ context.Context, item store.Category) (store.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxSort := 0
	for _, c := range m.categories {
		if !c.deleted && c.SortOrder > maxSort {
			maxSort = c.SortOrder
		}
	}
	item.SortOrder = maxSort + 1
	item.CreatedAt = m.now()
	item.UpdatedAt = item.CreatedAt
	m.categories[item.ID] = &memCategory{Category: item}
	return item, nil
}

func (m *memStore) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok || c.deleted {
		return sql.ErrNoRows
	}
	for _, ch := range m.channels {
		if ch.CategoryID == id && !ch.deleted {
			return fmt.Errorf("delete category %s: %w", id, store.ErrNotEmpty)
		}
	}
	c.deleted = true
	return nil
}

func (m *memStore) liveMessageCount(channelID string) int {
	n := 0
	for _, msg := range m.messages {
		if msg.ChannelID == channelID && !msg.IsDeleted() {
			n++
		}
	}
	return n
}

func (m *memStore) ListChannels(context.Context) ([]store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Channel{}
	for _, ch := range m.channels {
		cat, ok := m.categories[ch.CategoryID]
		if ch.deleted || !ok || cat.deleted {
			continue
		}
		item := ch.Channel
		item.MessageCount = m.liveMessageCount(ch.ID)
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CategoryID != out[j].CategoryID {
			return out[i].CategoryID < out[j].CategoryID
		}
		return out[i].SortOrder < out[j].SortOrder
	})
	return out, nil
}

func (m *memStore) GetChannel(_ context.Context, id string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok || ch.deleted {
		return store.Channel{}, sql.ErrNoRows
	}
	return ch.Channel, nil
}

func (m *memStore) channelNameTaken(categoryID, name, exceptID string) bool {
	for _, ch := range m.channels {
		if !ch.deleted && ch.ID != exceptID && ch.CategoryID == categoryID && strings.EqualFold(ch.Name, name) {
			return true
		}
	}
	return false
}

func (m *memStore) InsertChannel(_ context.Context, item store.Channel) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.categories[item.CategoryID]
	if !ok || cat.deleted {
		return store.Channel{}, sql.ErrNoRows
	}
	if m.channelNameTaken(item.CategoryID, item.Name, "") {
		return store.Channel{}, fmt.Errorf("insert channel: %w", store.ErrConflict)
	}
	maxSort := 0
	for _, ch := range m.channels {
		if !ch.deleted && ch.CategoryID == item.CategoryID && ch.SortOrder > maxSort {
			maxSort = ch.SortOrder
		}
	}
	item.SortOrder = maxSort + 1
	item.CreatedAt = m.now()
	item.UpdatedAt = item.CreatedAt
	m.channels[item.ID] = &memChannel{Channel: item}
	return item, nil
}

func (m *memStore) UpdateChannel(_ context.Context, id, name, description string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok || ch.deleted {
		return store.Channel{}, sql.ErrNoRows
	}
	if m.channelNameTaken(ch.CategoryID, name, id) {
		return store.Channel{}, fmt.Errorf("update channel: %w", store.ErrConflict)
	}
	ch.Name = name
	ch.Description = description
	ch.UpdatedAt = m.now()
	return ch.Channel, nil
}

func (m *memStore) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok || ch.deleted {
		return sql.ErrNoRows
	}
	if m.liveMessageCount(id) > 0 {
		return fmt.Errorf("delete channel %s: %w", id, store.ErrNotEmpty)
	}
	ch.deleted = true
	return nil
}

func (m *memStore) addMentions(messageID string, mentions []store.Mention) []store.Mention {
	added := []store.Mention{}
	for _, row := range mentions {
		exists := false
		for _, have := range m.mentions {
			if have.MessageID == messageID && have.MentionedUserID == row.MentionedUserID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		row.MessageID = messageID
		row.CreatedAt = m.now()
		m.mentions = append(m.mentions, row)
		added = append(added, row)
	}
	return added
}

func (m *memStore) InsertMessage(_ context.Context, item store.Message, mentions []store.Mention) (store.Message, []store.Mention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ThreadID != "" {
		root, ok := m.messages[item.ThreadID]
		if !ok || root.IsDeleted() {
			return store.Message{}, nil, sql.ErrNoRows
		}
		if !root.IsThreadRoot() {
			return store.Message{}, nil, store.ErrNestedThread
		}
		item.ChannelID = root.ChannelID
		item.MessageType = store.MessageTypeThreadReply
	} else {
		item.MessageType = store.MessageTypeChannel
	}
	ch, ok := m.channels[item.ChannelID]
	if !ok || ch.deleted {
		return store.Message{}, nil, sql.ErrNoRows
	}
	item.CreatedAt = m.now()
	item.UpdatedAt = item.CreatedAt
	stored := item
	m.messages[item.ID] = &stored
	m.messageOrder = append(m.messageOrder, item.ID)
	return item, m.addMentions(item.ID, mentions), nil
}

func (m *memStore) UpdateMessageContent(_ context.Context, id, content string, mentions []store.Mention) (store.Message, []store.Mention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.IsDeleted() {
		return store.Message{}, nil, sql.ErrNoRows
	}
	msg.Content = content
	msg.UpdatedAt = m.now()
	return *msg, m.addMentions(id, mentions), nil
}

func (m *memStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return *msg, nil
}

func (m *memStore) filterMessages(keep func(*store.Message) bool) []store.Message {
	out := []store.Message{}
	for _, id := range m.messageOrder {
		msg := m.messages[id]
		if !msg.IsDeleted() && keep(msg) {
			out = append(out, *msg)
		}
	}
	return out
}

func (m *memStore) ListRootMessages(_ context.Context, channelID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterMessages(func(msg *store.Message) bool { return msg.ChannelID == channelID && msg.IsThreadRoot() })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) ListThreadReplies(_ context.Context, rootID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterMessages(func(msg *store.Message) bool { return msg.ThreadID == rootID }), nil
}

func (m *memStore) ListRecentRoots(_ context.Context, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := m.filterMessages(func(msg *store.Message) bool { return msg.IsThreadRoot() })
	out := []store.Message{}
	for i := len(roots) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, roots[i])
	}
	return out, nil
}

func (m *memStore) CountThreadReplies(_ context.Context, rootIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, rootID := range rootIDs {
		for _, msg := range m.messages {
			if msg.ThreadID == rootID && !msg.IsDeleted() {
				counts[rootID]++
			}
		}
	}
	return counts, nil
}

func (m *memStore) ListMentions(_ context.Context, ids []string) ([]store.Mention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Mention{}
	for _, row := range m.mentions {
		for _, id := range ids {
			if row.MessageID == id {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (m *memStore) SoftDeleteMessage(_ context.Context, deletion store.MessageDeletion) (store.Message, *store.ContentActionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.softDeleteErr != nil {
		return store.Message{}, nil, m.softDeleteErr
	}
	msg, ok := m.messages[deletion.MessageID]
	if !ok || msg.IsDeleted() {
		return store.Message{}, nil, sql.ErrNoRows
	}
	at := m.now()
	msg.DeletedAt = &at
	msg.DeletedByID = deletion.DeletedByID
	msg.DeletionReasonID = deletion.ReasonID
	msg.DeletionCustomReason = deletion.CustomReason
	if deletion.Log == nil {
		return *msg, nil, nil
	}
	entry := m.appendLog(*deletion.Log)
	return *msg, &entry, nil
}

func (m *memStore) ToggleReaction(_ context.Context, item store.Reaction) (store.ReactionToggle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[item.MessageID]
	if !ok || msg.IsDeleted() {
		return store.ReactionToggle{}, sql.ErrNoRows
	}
	result := store.ReactionToggle{MessageAuthorID: msg.AuthorID}
	for i, have := range m.reactions {
		if have.MessageID == item.MessageID && have.UserID == item.UserID && have.EmojiCode == item.EmojiCode {
			m.reactions = append(m.reactions[:i], m.reactions[i+1:]...)
			result.Action = store.ReactionRemoved
			msg.LikeCount = m.reactionCount(item.MessageID)
			return result, nil
		}
	}
	item.CreatedAt = m.now()
	m.reactions = append(m.reactions, item)
	msg.LikeCount = m.reactionCount(item.MessageID)
	result.Action = store.ReactionAdded
	result.Reaction = &item
	return result, nil
}

func (m *memStore) reactionCount(messageID string) int {
	n := 0
	for _, r := range m.reactions {
		if r.MessageID == messageID {
			n++
		}
	}
	return n
}

func (m *memStore) ListReactions(_ context.Context, ids []string) ([]store.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Reaction{}
	for _, r := range m.reactions {
		for _, id := range ids {
			if r.MessageID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (m *memStore) InsertNotifications(_ context.Context, items []store.Notification) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, item := range items {
		duplicate := false
		if item.DedupeKey != "" {
			for _, have := range m.notifications {
				if have.UserID == item.UserID && have.DedupeKey == item.DedupeKey {
					duplicate = true
					break
				}
			}
		}
		if duplicate {
			continue
		}
		item.CreatedAt = m.now()
		m.notifications = append(m.notifications, item)
		written++
	}
	return written, nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Notification{}
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) MarkNotificationsRead(_ context.Context, userID string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for i := range m.notifications {
		for _, id := range ids {
			if m.notifications[i].ID == id && m.notifications[i].UserID == userID && !m.notifications[i].IsRead {
				m.notifications[i].IsRead = true
				updated++
			}
		}
	}
	return updated, nil
}

func (m *memStore) ListDeletionReasons(_ context.Context, includeReserved bool) ([]store.DeletionReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.DeletionReason{}
	for _, r := range m.reasons {
		if r.IsActive && (includeReserved || r.ID != store.SelfDeleteReasonID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetDeletionReason(_ context.Context, id string) (store.DeletionReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reasons[id]
	if !ok {
		return store.DeletionReason{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *memStore) appendLog(entry store.ContentActionLogEntry) store.ContentActionLogEntry {
	entry.CreatedAt = m.now()
	m.actionLog = append(m.actionLog, entry)
	return entry
}

func (m *memStore) InsertActionLog(_ context.Context, entry store.ContentActionLogEntry) (store.ContentActionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLog(entry), nil
}

func (m *memStore) MarkActionNotificationSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.actionLog {
		if m.actionLog[i].ID == id {
			m.actionLog[i].IsNotificationSent = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) ListActionLog(_ context.Context, contentType string, limit int) ([]store.ContentActionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.ContentActionLogEntry{}
	for i := len(m.actionLog) - 1; i >= 0 && len(out) < limit; i-- {
		if contentType == "" || m.actionLog[i].ContentType == contentType {
			out = append(out, m.actionLog[i])
		}
	}
	return out, nil
}

func (m *memStore) notificationsFor(userID string) []store.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Notification{}
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *memStore) mentionsOf(messageID string) []store.Mention {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Mention{}
	for _, row := range m.mentions {
		if row.MessageID == messageID {
			out = append(out, row)
		}
	}
	return out
}
