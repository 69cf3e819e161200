package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/rbac"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/util"
)

const defaultCategoryColor = "#3B82F6"

type ChannelView struct {
	ID           string    `json:"id"`
	CategoryID   string    `json:"category_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SortOrder    int       `json:"sort_order"`
	CreatedByID  string    `json:"created_by_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

type CategoryView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Color        string        `json:"color"`
	SortOrder    int           `json:"sort_order"`
	MessageCount int           `json:"message_count"`
	Channels     []ChannelView `json:"channels"`
}

type CreateCategoryInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type CreateChannelInput struct {
	CategoryID  string `json:"category_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RenameChannelInput keeps the current value for any nil field.
type RenameChannelInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// Slugify lowercases name and joins its whitespace-separated words with "-".
func Slugify(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

func channelView(item store.Channel) ChannelView {
	return ChannelView{
		ID:           item.ID,
		CategoryID:   item.CategoryID,
		Name:         item.Name,
		Description:  item.Description,
		SortOrder:    item.SortOrder,
		CreatedByID:  item.CreatedByID,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
		MessageCount: item.MessageCount,
	}
}

func categoryView(item store.Category) CategoryView {
	return CategoryView{
		ID:          item.ID,
		Name:        item.Name,
		Description: item.Description,
		Color:       item.Color,
		SortOrder:   item.SortOrder,
		Channels:    []ChannelView{},
	}
}

// ListBoard returns every live category with its channels and message counts.
func (s *Service) ListBoard(ctx context.Context) ([]CategoryView, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]CategoryView, 0, len(categories))
	index := make(map[string]int, len(categories))
	for _, category := range categories {
		index[category.ID] = len(views)
		views = append(views, categoryView(category))
	}
	for _, channel := range channels {
		i, ok := index[channel.CategoryID]
		if !ok {
			continue
		}
		views[i].Channels = append(views[i].Channels, channelView(channel))
		views[i].MessageCount += channel.MessageCount
	}
	return views, nil
}

func (s *Service) CreateCategory(ctx context.Context, session Session, input CreateCategoryInput) (CategoryView, error) {
	if !s.Can(session, rbac.ActionManage) {
		return CategoryView{}, forbidden()
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return CategoryView{}, invalidArgument("name is required")
	}
	color := strings.TrimSpace(input.Color)
	if color == "" {
		color = defaultCategoryColor
	}
	created, err := s.store.InsertCategory(ctx, store.Category{
		ID:          util.NewID("cat"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Color:       color,
	})
	if err != nil {
		return CategoryView{}, err
	}
	return categoryView(created), nil
}

func (s *Service) DeleteCategory(ctx context.Context, session Session, categoryID string) error {
	if !s.Can(session, rbac.ActionManage) {
		return forbidden()
	}
	err := s.store.DeleteCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotEmpty) {
		return conflict("Category still has channels")
	}
	return err
}

func (s *Service) CreateChannel(ctx context.Context, session Session, input CreateChannelInput) (ChannelView, error) {
	if !s.Can(session, rbac.ActionPost) {
		return ChannelView{}, forbidden()
	}
	categoryID := strings.TrimSpace(input.CategoryID)
	if categoryID == "" {
		return ChannelView{}, invalidArgument("category_id is required")
	}
	slug := Slugify(input.Name)
	if slug == "" {
		return ChannelView{}, invalidArgument("name is required")
	}
	if _, err := s.store.GetCategory(ctx, categoryID); err != nil {
		return ChannelView{}, wrapNotFound(err, "Category")
	}

	created, err := s.store.InsertChannel(ctx, store.Channel{
		ID:          util.NewID("ch"),
		CategoryID:  categoryID,
		Name:        slug,
		Description: strings.TrimSpace(input.Description),
		CreatedByID: session.UserID,
	})
	if err != nil {
		return ChannelView{}, channelWriteError(err, "Category")
	}
	return channelView(created), nil
}

func (s *Service) RenameChannel(ctx context.Context, session Session, channelID string, input RenameChannelInput) (ChannelView, error) {
	current, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return ChannelView{}, wrapNotFound(err, "Channel")
	}
	if !s.canManageOwned(session, current.CreatedByID, rbac.ActionManage) {
		return ChannelView{}, forbidden()
	}

	name := current.Name
	if input.Name != nil {
		name = Slugify(*input.Name)
		if name == "" {
			return ChannelView{}, invalidArgument("name must not be empty")
		}
	}
	description := current.Description
	if input.Description != nil {
		description = strings.TrimSpace(*input.Description)
	}

	updated, err := s.store.UpdateChannel(ctx, channelID, name, description)
	if err != nil {
		return ChannelView{}, channelWriteError(err, "Channel")
	}
	return channelView(updated), nil
}

func (s *Service) DeleteChannel(ctx context.Context, session Session, channelID string) error {
	current, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return wrapNotFound(err, "Channel")
	}
	if !s.canManageOwned(session, current.CreatedByID, rbac.ActionManage) {
		return forbidden()
	}
	err = s.store.DeleteChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotEmpty) {
		return conflict("Channel still has messages")
	}
	return err
}

func channelWriteError(err error, missing string) error {
	if errors.Is(err, store.ErrConflict) {
		return conflict("A channel with this name already exists in the category")
	}
	return wrapNotFound(err, missing)
}
