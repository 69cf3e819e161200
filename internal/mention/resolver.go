// Package mention extracts @handles from message text and resolves them to
// community users.
//
// A handle is "@" followed by a run of letters, digits or underscores, and it
// must not be glued to a preceding word character (so "a@b.com" is not a
// mention). Handles never contain spaces. Lookup is case-insensitive against
// username first and display name second.
package mention

import (
	"context"
	"regexp"
	"strings"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

var tokenPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_@])@([\p{L}\p{N}_]+)`)

type Directory interface {
	FindUsersByHandles(ctx context.Context, handles []string) ([]store.User, error)
}

type Resolver struct {
	directory Directory
}

func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Tokens returns the distinct handles in order of first appearance, without
// the leading "@". Duplicates are folded case-insensitively.
func Tokens(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, match := range matches {
		token := strings.TrimSpace(match[1])
		key := strings.ToLower(token)
		if token == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// Resolve returns the users mentioned in text, deduplicated by user id and
// ordered by first mention. Unknown handles are ignored.
func (r *Resolver) Resolve(ctx context.Context, text string) ([]store.User, error) {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return []store.User{}, nil
	}
	candidates, err := r.directory.FindUsersByHandles(ctx, tokens)
	if err != nil {
		return nil, err
	}

	byUsername := make(map[string]store.User, len(candidates))
	byDisplayName := make(map[string]store.User, len(candidates))
	for _, user := range candidates {
		if key := strings.ToLower(user.Username); key != "" {
			if _, ok := byUsername[key]; !ok {
				byUsername[key] = user
			}
		}
		if key := strings.ToLower(user.DisplayName); key != "" {
			if _, ok := byDisplayName[key]; !ok {
				byDisplayName[key] = user
			}
		}
	}

	resolved := make([]store.User, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		key := strings.ToLower(token)
		user, ok := byUsername[key]
		if !ok {
			user, ok = byDisplayName[key]
		}
		if !ok {
			continue
		}
		if _, dup := seen[user.ID]; dup {
			continue
		}
		seen[user.ID] = struct{}{}
		resolved = append(resolved, user)
	}
	return resolved, nil
}
