package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

type messageIndex interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexMessages(records []MessageRecord) error
	DeleteMessage(id string) error
}

type fallbackSearcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// MessageSource pages live messages by id for a full reindex.
type MessageSource interface {
	ListLiveMessagesAfter(ctx context.Context, afterID string, limit int) ([]store.Message, error)
}

// Service tries Meilisearch first and falls back to PG FTS. Index writes run
// in the background but in call order per message id, so a delete is never
// overtaken by an earlier re-index of the same message.
type Service struct {
	index    messageIndex
	fallback fallbackSearcher

	mu     sync.Mutex
	queues map[string][]indexWrite
}

// indexWrite is either an upsert (record set) or a delete.
type indexWrite struct {
	record *MessageRecord
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func newService(index messageIndex, fallback fallbackSearcher) *Service {
	return &Service{index: index, fallback: fallback}
}

func RecordFromMessage(m store.Message) MessageRecord {
	return MessageRecord{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		ThreadID:  m.ThreadID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Unix(),
	}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		slog.Warn("search: meilisearch error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		slog.Error("search: pgfts error", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "pgfts"}
}

// IndexMessage pushes a message to Meilisearch in the background.
func (s *Service) IndexMessage(m store.Message) {
	if !s.indexReady() {
		return
	}
	record := RecordFromMessage(m)
	s.enqueue(m.ID, indexWrite{record: &record})
}

// DeleteMessage removes a message from the index in the background.
func (s *Service) DeleteMessage(id string) {
	if !s.indexReady() {
		return
	}
	s.enqueue(id, indexWrite{})
}

// enqueue appends to the message's queue and starts a drainer when none is
// running for that id. A present map key means a drainer owns the queue.
func (s *Service) enqueue(id string, w indexWrite) {
	s.mu.Lock()
	if s.queues == nil {
		s.queues = make(map[string][]indexWrite)
	}
	pending, running := s.queues[id]
	s.queues[id] = append(pending, w)
	s.mu.Unlock()
	if !running {
		go s.drain(id)
	}
}

func (s *Service) drain(id string) {
	for {
		s.mu.Lock()
		pending := s.queues[id]
		if len(pending) == 0 {
			delete(s.queues, id)
			s.mu.Unlock()
			return
		}
		w := pending[0]
		s.queues[id] = pending[1:]
		s.mu.Unlock()

		if w.record != nil {
			if err := s.index.IndexMessages([]MessageRecord{*w.record}); err != nil {
				slog.Warn("search: index message", "message_id", id, "error", err)
			}
			continue
		}
		if err := s.index.DeleteMessage(id); err != nil {
			slog.Warn("search: delete message", "message_id", id, "error", err)
		}
	}
}

// ReindexAll pushes every live message into Meilisearch synchronously and
// returns how many records were sent.
func (s *Service) ReindexAll(ctx context.Context, src MessageSource, batchSize int) (int, error) {
	if !s.indexReady() {
		return 0, fmt.Errorf("meilisearch is not available")
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	started := time.Now()
	sent := 0
	after := ""
	for {
		page, err := src.ListLiveMessagesAfter(ctx, after, batchSize)
		if err != nil {
			return sent, err
		}
		if len(page) == 0 {
			break
		}
		records := make([]MessageRecord, 0, len(page))
		for _, m := range page {
			records = append(records, RecordFromMessage(m))
		}
		if err := s.index.IndexMessages(records); err != nil {
			return sent, fmt.Errorf("index batch after %q: %w", after, err)
		}
		sent += len(records)
		after = page[len(page)-1].ID
		if len(page) < batchSize {
			break
		}
	}
	slog.Info("search: reindex complete", "records", sent, "duration_ms", time.Since(started).Milliseconds())
	return sent, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
