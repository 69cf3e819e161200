package search

import "time"

// Result is a single message hit returned to the caller.
type Result struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	AuthorID  string    `json:"author_id"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ChannelID string // empty = all channels
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// MessageRecord is the data we index for a live board message.
type MessageRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ThreadID  string `json:"threadId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
