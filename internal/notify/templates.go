package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	TypeInfo       = "info"
	TypeSuccess    = "success"
	TypeWarning    = "warning"
	TypeError      = "error"
	TypeMention    = "mention"
	TypeReaction   = "reaction"
	TypeModeration = "moderation"
)

var validTypes = map[string]struct{}{
	TypeInfo: {}, TypeSuccess: {}, TypeWarning: {}, TypeError: {},
	TypeMention: {}, TypeReaction: {}, TypeModeration: {},
}

func ValidType(value string) bool {
	_, ok := validTypes[value]
	return ok
}

const (
	ActionDelete  = "delete"
	ActionRestore = "restore"
	ActionHide    = "hide"
	ActionWarn    = "warn"
)

// Template is the rendered title and body of one notification.
type Template struct {
	Title   string
	Message string
	Type    string
}

const snippetRunes = 60

// Snippet shortens content for use as a notification excerpt.
func Snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetRunes-1]) + "…"
}

func MentionTemplate(authorName, channelName, contentTitle string) Template {
	return Template{
		Title:   fmt.Sprintf("%s mentioned you", authorName),
		Message: fmt.Sprintf("%s mentioned you in #%s: \"%s\"", authorName, channelName, contentTitle),
		Type:    TypeMention,
	}
}

func ReactionTemplate(reactorName, emoji, contentTitle string) Template {
	return Template{
		Title:   fmt.Sprintf("%s reacted %s", reactorName, emoji),
		Message: fmt.Sprintf("%s reacted %s to your message \"%s\"", reactorName, emoji, contentTitle),
		Type:    TypeReaction,
	}
}

var contentTypeLabels = map[string]string{
	"board_message": "message",
	"channel":       "channel",
	"category":      "category",
	"event":         "event",
	"review":        "review",
	"cafe":          "cafe post",
	"course":        "course",
}

// ContentLabel is the human name for a content type in notification text.
func ContentLabel(contentType string) string {
	if label, ok := contentTypeLabels[contentType]; ok {
		return label
	}
	if contentType == "" {
		return "content"
	}
	return strings.ReplaceAll(contentType, "_", " ")
}

// ModerationTemplate maps an admin action on a piece of content to the text
// sent to its author. reasonText may be empty for restore.
func ModerationTemplate(actionType, contentType, contentTitle, reasonText string) Template {
	label := ContentLabel(contentType)
	subject := label
	if contentTitle != "" {
		subject = fmt.Sprintf("%s \"%s\"", label, contentTitle)
	}
	reason := ""
	if reasonText != "" {
		reason = fmt.Sprintf(" Reason: %s.", reasonText)
	}

	switch actionType {
	case ActionDelete:
		return Template{
			Title:   fmt.Sprintf("Your %s was removed", label),
			Message: fmt.Sprintf("A moderator removed your %s.%s", subject, reason),
			Type:    TypeModeration,
		}
	case ActionHide:
		return Template{
			Title:   fmt.Sprintf("Your %s was hidden", label),
			Message: fmt.Sprintf("A moderator hid your %s from other members.%s", subject, reason),
			Type:    TypeModeration,
		}
	case ActionWarn:
		return Template{
			Title:   "You received a moderator warning",
			Message: fmt.Sprintf("A moderator flagged your %s.%s Please review the community guidelines.", subject, reason),
			Type:    TypeWarning,
		}
	case ActionRestore:
		return Template{
			Title:   fmt.Sprintf("Your %s was restored", label),
			Message: fmt.Sprintf("A moderator restored your %s.", subject),
			Type:    TypeSuccess,
		}
	default:
		return Template{
			Title:   "Moderation update",
			Message: fmt.Sprintf("A moderator updated your %s.%s", subject, reason),
			Type:    TypeInfo,
		}
	}
}
