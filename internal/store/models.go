package store

import (
	"encoding/json"
	"time"
)

const (
	MessageTypeChannel     = "channel"
	MessageTypeThreadReply = "thread_reply"

	// SelfDeleteReasonID is the reserved reason recorded on author-initiated deletes.
	SelfDeleteReasonID = "self-delete"

	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Category struct {
	ID          string
	Name        string
	Description string
	Color       string
	SortOrder   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Channel struct {
	ID           string
	CategoryID   string
	Name         string
	Description  string
	SortOrder    int
	CreatedByID  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

type Message struct {
	ID                   string
	ChannelID            string
	ThreadID             string
	AuthorID             string
	Content              string
	MessageType          string
	LikeCount            int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            *time.Time
	DeletedByID          string
	DeletionReasonID     string
	DeletionCustomReason string
}

func (m Message) IsThreadRoot() bool {
	return m.ThreadID == ""
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	EmojiCode string
	CreatedAt time.Time
}

// ReactionToggle is the outcome of one toggle. Reaction is set only when Action is added.
type ReactionToggle struct {
	Action          string
	Reaction        *Reaction
	MessageAuthorID string
}

type Mention struct {
	ID              string
	MessageID       string
	MentionedUserID string
	CreatedAt       time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	Link      string
	IsRead    bool
	Metadata  json.RawMessage
	DedupeKey string
	CreatedAt time.Time
}

type DeletionReason struct {
	ID          string
	Name        string
	Description string
	Severity    string
	IsActive    bool
}

type ContentActionLogEntry struct {
	ID                 string
	ActionType         string
	ContentType        string
	ContentID          string
	ContentTitle       string
	ContentAuthorID    string
	PerformedByID      string
	DeletionReasonID   string
	CustomReason       string
	AdminNotes         string
	EvidenceKey        string
	IsNotificationSent bool
	CreatedAt          time.Time
}

// MessageDeletion carries the soft-delete fields. When Log is non-nil the
// entry is appended in the same transaction as the delete.
type MessageDeletion struct {
	MessageID    string
	DeletedByID  string
	ReasonID     string
	CustomReason string
	Log          *ContentActionLogEntry
}
