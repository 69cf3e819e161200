package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/auth"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	logger := service.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user_id":       session.UserID,
			"username":      session.Username,
			"display_name":  session.DisplayName,
			"role":          session.Role,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "board":
		s.handleBoard(w, r, session, parts[2:])
		return
	case "notifications":
		s.handleNotifications(w, r, session, parts[2:])
		return
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	// Optional dependencies degrade features but never fail readiness.
	for name, err := range s.service.ReadinessChecks(ctx) {
		if err != nil {
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	ctx := r.Context()

	switch parts[0] {
	case "categories":
		if len(parts) == 1 && r.Method == http.MethodGet {
			board, err := s.service.ListBoard(ctx)
			if err != nil {
				s.fail(w, r, "list categories", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"categories": board})
			return
		}
		if len(parts) == 1 && r.Method == http.MethodPost {
			var body CreateCategoryInput
			if !decodeOrFail(w, r, &body) {
				return
			}
			category, err := s.service.CreateCategory(ctx, session, body)
			if err != nil {
				s.fail(w, r, "create category", err)
				return
			}
			writeJSON(w, http.StatusCreated, category)
			return
		}
		if len(parts) == 2 && r.Method == http.MethodDelete {
			if err := s.service.DeleteCategory(ctx, session, parts[1]); err != nil {
				s.fail(w, r, "delete category "+parts[1], err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case "channels":
		if len(parts) == 1 && r.Method == http.MethodPost {
			var body CreateChannelInput
			if !decodeOrFail(w, r, &body) {
				return
			}
			channel, err := s.service.CreateChannel(ctx, session, body)
			if err != nil {
				s.fail(w, r, "create channel", err)
				return
			}
			writeJSON(w, http.StatusCreated, channel)
			return
		}
		if len(parts) == 2 && r.Method == http.MethodPut {
			var body RenameChannelInput
			if !decodeOrFail(w, r, &body) {
				return
			}
			channel, err := s.service.RenameChannel(ctx, session, parts[1], body)
			if err != nil {
				s.fail(w, r, "rename channel "+parts[1], err)
				return
			}
			writeJSON(w, http.StatusOK, channel)
			return
		}
		if len(parts) == 2 && r.Method == http.MethodDelete {
			if err := s.service.DeleteChannel(ctx, session, parts[1]); err != nil {
				s.fail(w, r, "delete channel "+parts[1], err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case "messages":
		s.handleMessages(w, r, session, parts[1:])
		return

	case "threads":
		if len(parts) == 2 && r.Method == http.MethodGet {
			thread, err := s.service.GetThread(ctx, parts[1])
			if err != nil {
				s.fail(w, r, "get thread "+parts[1], err)
				return
			}
			writeJSON(w, http.StatusOK, thread)
			return
		}
		if len(parts) == 3 && parts[2] == "replies" && r.Method == http.MethodPost {
			var body struct {
				Content string `json:"content"`
			}
			if !decodeOrFail(w, r, &body) {
				return
			}
			reply, err := s.service.ReplyToThread(ctx, session, parts[1], body.Content)
			if err != nil {
				s.fail(w, r, "reply to thread "+parts[1], err)
				return
			}
			writeJSON(w, http.StatusCreated, reply)
			return
		}

	case "search":
		if len(parts) == 1 && r.Method == http.MethodGet {
			query := r.URL.Query()
			writeJSON(w, http.StatusOK, s.service.Search(ctx, search.Query{
				Text:      query.Get("q"),
				ChannelID: query.Get("channel_id"),
				Limit:     queryInt(r, "limit"),
				Offset:    queryInt(r, "offset"),
			}))
			return
		}

	case "deletion-reasons":
		if len(parts) == 1 && r.Method == http.MethodGet {
			reasons, err := s.service.ListDeletionReasons(ctx)
			if err != nil {
				s.fail(w, r, "list deletion reasons", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"reasons": reasons})
			return
		}
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 && r.Method == http.MethodGet {
		query := r.URL.Query()
		channelID := strings.TrimSpace(query.Get("channel_id"))
		popular := query.Get("popular") == "true" || query.Get("recent") == "true"
		var (
			messages []MessageView
			err      error
		)
		if popular && channelID == "" {
			messages, err = s.service.ListRecent(ctx, queryInt(r, "limit"))
		} else {
			messages, err = s.service.ListChannelMessages(ctx, ListMessagesInput{
				ChannelID: channelID,
				ThreadID:  query.Get("thread_id"),
				Limit:     queryInt(r, "limit"),
			})
		}
		if err != nil {
			s.fail(w, r, "list messages", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	if len(parts) == 0 && r.Method == http.MethodPost {
		var body PostMessageInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		message, err := s.service.PostMessage(ctx, session, body)
		if err != nil {
			s.fail(w, r, "post message", err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodPut {
		var body struct {
			Content string `json:"content"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		message, err := s.service.EditMessage(ctx, session, parts[0], body.Content)
		if err != nil {
			s.fail(w, r, "edit message "+parts[0], err)
			return
		}
		writeJSON(w, http.StatusOK, message)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodDelete {
		var body DeleteMessageInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		if err := s.service.DeleteMessage(ctx, session, parts[0], body); err != nil {
			s.fail(w, r, "delete message "+parts[0], err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 2 && parts[1] == "reactions" && r.Method == http.MethodPost {
		var body struct {
			EmojiCode string `json:"emoji_code"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		result, err := s.service.ToggleReaction(ctx, session, parts[0], body.EmojiCode)
		if err != nil {
			s.fail(w, r, "toggle reaction "+parts[0], err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListNotifications(r.Context(), session, r.URL.Query().Get("unread") == "true", queryInt(r, "limit"))
		if err != nil {
			s.fail(w, r, "list notifications", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
		return
	}
	if len(parts) == 1 && parts[0] == "read" && r.Method == http.MethodPost {
		var body struct {
			IDs []string `json:"ids"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		updated, err := s.service.MarkNotificationsRead(r.Context(), session, body.IDs)
		if err != nil {
			s.fail(w, r, "mark notifications read", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
		return
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "action-log" && r.Method == http.MethodGet {
		entries, err := s.service.ListActionLog(r.Context(), session, r.URL.Query().Get("content_type"), queryInt(r, "limit"))
		if err != nil {
			s.fail(w, r, "list action log", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}
	if len(parts) == 1 && parts[0] == "actions" && r.Method == http.MethodPost {
		var body RecordActionInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		entry, err := s.service.RecordAction(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, "record action", err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
		return
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		s.fail(w, r, "session lookup", err)
		return Session{}, false
	}
	return session, true
}

// fail writes the mapped error and logs anything the caller cannot act on.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message, details, internal := mapError(err)
	if internal {
		s.logger.Error("request failed",
			"request_id", requestID(r.Context()),
			"op", op,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error(), nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}
