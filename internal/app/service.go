package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/archive"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/auth"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/config"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/email"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/mention"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/notify"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/rbac"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/search"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

// Session is the caller identity resolved from a bearer token.
type Session struct {
	UserID      string
	Username    string
	DisplayName string
	Email       string
	Role        rbac.Role
}

type dataStore interface {
	Ping(context.Context) error
	UpsertUser(context.Context, store.User) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	ListUsersByIDs(context.Context, []string) ([]store.User, error)
	FindUsersByHandles(context.Context, []string) ([]store.User, error)
	ListUserIDs(context.Context) ([]string, error)
	ListCategories(context.Context) ([]store.Category, error)
	GetCategory(context.Context, string) (store.Category, error)
	InsertCategory(context.Context, store.Category) (store.Category, error)
	DeleteCategory(context.Context, string) error
	ListChannels(context.Context) ([]store.Channel, error)
	GetChannel(context.Context, string) (store.Channel, error)
	InsertChannel(context.Context, store.Channel) (store.Channel, error)
	UpdateChannel(context.Context, string, string, string) (store.Channel, error)
	DeleteChannel(context.Context, string) error
	InsertMessage(context.Context, store.Message, []store.Mention) (store.Message, []store.Mention, error)
	UpdateMessageContent(context.Context, string, string, []store.Mention) (store.Message, []store.Mention, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListRootMessages(context.Context, string, int) ([]store.Message, error)
	ListThreadReplies(context.Context, string) ([]store.Message, error)
	ListRecentRoots(context.Context, int) ([]store.Message, error)
	CountThreadReplies(context.Context, []string) (map[string]int, error)
	ListMentions(context.Context, []string) ([]store.Mention, error)
	SoftDeleteMessage(context.Context, store.MessageDeletion) (store.Message, *store.ContentActionLogEntry, error)
	ToggleReaction(context.Context, store.Reaction) (store.ReactionToggle, error)
	ListReactions(context.Context, []string) ([]store.Reaction, error)
	InsertNotifications(context.Context, []store.Notification) (int, error)
	ListNotifications(context.Context, string, bool, int) ([]store.Notification, error)
	MarkNotificationsRead(context.Context, string, []string) (int, error)
	ListDeletionReasons(context.Context, bool) ([]store.DeletionReason, error)
	GetDeletionReason(context.Context, string) (store.DeletionReason, error)
	InsertActionLog(context.Context, store.ContentActionLogEntry) (store.ContentActionLogEntry, error)
	MarkActionNotificationSent(context.Context, string) error
	ListActionLog(context.Context, string, int) ([]store.ContentActionLogEntry, error)
}

type notifier interface {
	Notify(context.Context, notify.Request) (int, error)
}

type messageSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexMessage(store.Message)
	DeleteMessage(string)
}

type evidenceArchive interface {
	PutSnapshot(ctx context.Context, contentType, contentID string, v any) (string, error)
	RemoveSnapshot(ctx context.Context, key string) error
}

type mailer interface {
	IsConfigured() bool
	SendModerationNotice(to string, data email.ModerationNoticeData) error
}

// Pinger is an optional dependency checked by the readiness probe.
type Pinger interface {
	Ping(context.Context) error
}

// Options carries the optional collaborators. Nil fields disable the feature.
type Options struct {
	Deduper notify.Deduper
	Search  *search.Service
	Archive *archive.Archive
	Mailer  *email.Service
	Checks  map[string]Pinger
	Logger  *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	mentions *mention.Resolver
	notifier notifier
	search   messageSearch
	archive  evidenceArchive
	mailer   mailer
	checks   map[string]Pinger
	logger   *slog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		mentions: mention.NewResolver(dataStore),
		notifier: notify.NewEmitter(dataStore, opts.Deduper, cfg.NotifyBatchSize, logger),
		search:   search.NewService(nil, nil),
		checks:   opts.Checks,
		logger:   logger,
	}
	if opts.Search != nil {
		svc.search = opts.Search
	}
	if opts.Archive != nil {
		svc.archive = opts.Archive
	}
	if opts.Mailer != nil && opts.Mailer.IsConfigured() {
		svc.mailer = opts.Mailer
	}
	return svc
}

// SessionFromToken verifies the token and mirrors the caller into users so
// mention lookups and all-user fan-out can see them.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	role := rbac.Normalize(claims.Role)
	user, err := s.store.UpsertUser(ctx, store.User{
		ID:          claims.Sub,
		Username:    strings.TrimSpace(claims.Username),
		DisplayName: strings.TrimSpace(claims.Name),
		Email:       strings.TrimSpace(claims.Email),
		Role:        string(role),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        role,
	}, nil
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Role, action)
}

// canManageOwned is true for the owner of a resource or any role that holds action.
func (s *Service) canManageOwned(session Session, ownerID string, action rbac.Action) bool {
	return (ownerID != "" && ownerID == session.UserID) || s.Can(session, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ReadinessChecks pings the optional dependencies registered at start-up.
func (s *Service) ReadinessChecks(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	return s.search.Search(ctx, q)
}

// notifyBestEffort logs fan-out failures; the primary action has already committed.
func (s *Service) notifyBestEffort(ctx context.Context, op string, req notify.Request) int {
	n, err := s.notifier.Notify(ctx, req)
	if err != nil {
		s.logger.Warn("notification fan-out failed", "op", op, "dedupe_key", req.DedupeKey, "error", err)
	}
	return n
}
