package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var messageRowColumns = []string{
	"id", "channel_id", "thread_id", "author_id", "content", "message_type", "like_count",
	"created_at", "updated_at", "deleted_at", "deleted_by_id", "deletion_reason_id", "deletion_custom_reason",
}

var actionLogRowColumns = []string{
	"id", "action_type", "content_type", "content_id", "content_title", "content_author_id", "performed_by_id",
	"deletion_reason_id", "custom_reason", "admin_notes", "evidence_key", "is_notification_sent", "created_at",
}

func TestToggleReactionAddsWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT author_id FROM messages`).WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow("author-1"))
	mock.ExpectQuery(`DELETE FROM message_reactions`).WithArgs("msg-1", "user-2", "👍").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO message_reactions`).WithArgs("rx-1", "msg-1", "user-2", "👍").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec(`UPDATE messages\s+SET like_count`).WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := s.ToggleReaction(context.Background(), Reaction{ID: "rx-1", MessageID: "msg-1", UserID: "user-2", EmojiCode: "👍"})
	require.NoError(t, err)
	require.Equal(t, ReactionAdded, result.Action)
	require.Equal(t, "author-1", result.MessageAuthorID)
	require.NotNil(t, result.Reaction)
	require.Equal(t, "user-2", result.Reaction.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleReactionRemovesWhenPresent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT author_id FROM messages`).WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow("author-1"))
	mock.ExpectQuery(`DELETE FROM message_reactions`).WithArgs("msg-1", "user-2", "👍").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rx-old"))
	mock.ExpectExec(`UPDATE messages\s+SET like_count`).WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := s.ToggleReaction(context.Background(), Reaction{ID: "rx-new", MessageID: "msg-1", UserID: "user-2", EmojiCode: "👍"})
	require.NoError(t, err)
	require.Equal(t, ReactionRemoved, result.Action)
	require.Nil(t, result.Reaction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleReactionLosingInsertRaceIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT author_id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow("author-1"))
	mock.ExpectQuery(`DELETE FROM message_reactions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO message_reactions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	mock.ExpectRollback()

	_, err := s.ToggleReaction(context.Background(), Reaction{ID: "rx-1", MessageID: "msg-1", UserID: "user-2", EmojiCode: "👍"})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleReactionOnMissingMessage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT author_id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"author_id"}))
	mock.ExpectRollback()

	_, err := s.ToggleReaction(context.Background(), Reaction{ID: "rx-1", MessageID: "gone", UserID: "user-2", EmojiCode: "👍"})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChannelMapsUniqueViolationToConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM categories`).WithArgs("cat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cat-1"))
	mock.ExpectQuery(`INSERT INTO channels`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := s.InsertChannel(context.Background(), Channel{ID: "ch-1", CategoryID: "cat-1", Name: "chat", CreatedByID: "u1"})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChannelAssignsSortOrder(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM categories`).WithArgs("cat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cat-1"))
	mock.ExpectQuery(`INSERT INTO channels`).WithArgs("ch-1", "cat-1", "chat", nil, "u1").
		WillReturnRows(sqlmock.NewRows([]string{"sort_order", "created_at", "updated_at"}).AddRow(3, now, now))
	mock.ExpectCommit()

	channel, err := s.InsertChannel(context.Background(), Channel{ID: "ch-1", CategoryID: "cat-1", Name: "chat", CreatedByID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 3, channel.SortOrder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChannelRefusesWhenMessagesRemain(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM channels`).WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ch-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages`).WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err := s.DeleteChannel(context.Background(), "ch-1")
	require.ErrorIs(t, err, ErrNotEmpty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCategorySoftDeletesEmptyCategory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM categories`).WithArgs("cat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cat-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM channels`).WithArgs("cat-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE categories SET deleted_at`).WithArgs("cat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteCategory(context.Background(), "cat-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessageReplyUsesRootChannel(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT channel_id, COALESCE\(thread_id, ''\)`).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "thread_id"}).AddRow("ch-root", ""))
	mock.ExpectQuery(`SELECT id FROM channels`).WithArgs("ch-root").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ch-root"))
	mock.ExpectQuery(`INSERT INTO messages`).WithArgs("msg-2", "ch-root", "root-1", "user-b", "hi @a @c", MessageTypeThreadReply).
		WillReturnRows(sqlmock.NewRows([]string{"like_count", "created_at", "updated_at"}).AddRow(0, now, now))
	mock.ExpectQuery(`INSERT INTO mentions`).WithArgs("mn-1", "msg-2", "user-a").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery(`INSERT INTO mentions`).WithArgs("mn-2", "msg-2", "user-c").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	mock.ExpectCommit()

	msg, mentions, err := s.InsertMessage(context.Background(), Message{
		ID:        "msg-2",
		ChannelID: "ch-caller",
		ThreadID:  "root-1",
		AuthorID:  "user-b",
		Content:   "hi @a @c",
	}, []Mention{{ID: "mn-1", MentionedUserID: "user-a"}, {ID: "mn-2", MentionedUserID: "user-c"}})
	require.NoError(t, err)
	require.Equal(t, "ch-root", msg.ChannelID)
	require.Equal(t, MessageTypeThreadReply, msg.MessageType)
	require.Len(t, mentions, 1)
	require.Equal(t, "user-a", mentions[0].MentionedUserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessageRejectsReplyToReply(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT channel_id, COALESCE\(thread_id, ''\)`).WithArgs("reply-1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "thread_id"}).AddRow("ch-1", "root-1"))
	mock.ExpectRollback()

	_, _, err := s.InsertMessage(context.Background(), Message{ID: "m", ChannelID: "ch-1", ThreadID: "reply-1", AuthorID: "u", Content: "x"}, nil)
	require.ErrorIs(t, err, ErrNestedThread)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteMessageAppendsActionLogInSameTx(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE messages\s+SET deleted_at`).WithArgs("msg-1", "admin-1", "spam", nil).
		WillReturnRows(sqlmock.NewRows(messageRowColumns).AddRow(
			"msg-1", "ch-1", "", "author-1", "buy now", MessageTypeChannel, 0,
			now, now, now, "admin-1", "spam", "",
		))
	mock.ExpectQuery(`INSERT INTO content_action_log`).
		WillReturnRows(sqlmock.NewRows(actionLogRowColumns).AddRow(
			"cal-1", "delete", "board_message", "msg-1", "buy now", "author-1", "admin-1",
			"spam", "", "", "", false, now,
		))
	mock.ExpectCommit()

	msg, entry, err := s.SoftDeleteMessage(context.Background(), MessageDeletion{
		MessageID:   "msg-1",
		DeletedByID: "admin-1",
		ReasonID:    "spam",
		Log: &ContentActionLogEntry{
			ID: "cal-1", ActionType: "delete", ContentType: "board_message", ContentID: "msg-1",
			ContentAuthorID: "author-1", PerformedByID: "admin-1", DeletionReasonID: "spam",
		},
	})
	require.NoError(t, err)
	require.True(t, msg.IsDeleted())
	require.Equal(t, "spam", msg.DeletionReasonID)
	require.NotNil(t, entry)
	require.Equal(t, "cal-1", entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteMessageAlreadyDeleted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE messages\s+SET deleted_at`).
		WillReturnRows(sqlmock.NewRows(messageRowColumns))
	mock.ExpectRollback()

	_, _, err := s.SoftDeleteMessage(context.Background(), MessageDeletion{MessageID: "msg-1", DeletedByID: "author-1", ReasonID: SelfDeleteReasonID})
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNotificationsBatchesRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO notifications .* ON CONFLICT \(user_id, dedupe_key\)`).
		WithArgs(
			"n-1", "u-1", "Mentioned", "hi", "mention", "/board", nil, "mention:m1",
			"n-2", "u-2", "Mentioned", "hi", "mention", "/board", `{"k":"v"}`, "mention:m1",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	written, err := s.InsertNotifications(context.Background(), []Notification{
		{ID: "n-1", UserID: "u-1", Title: "Mentioned", Message: "hi", Type: "mention", Link: "/board", DedupeKey: "mention:m1"},
		{ID: "n-2", UserID: "u-2", Title: "Mentioned", Message: "hi", Type: "mention", Link: "/board", DedupeKey: "mention:m1", Metadata: []byte(`{"k":"v"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNotificationsEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	written, err := s.InsertNotifications(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, written)
	require.NoError(t, mock.ExpectationsWereMet())
}
