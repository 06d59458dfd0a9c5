package app

import (
	"regexp"
	"strings"

	"threadline/api/internal/store"
)

var (
	explicitMentionPattern = regexp.MustCompile(`@\[([^\]\n]+)\]\(([^)\s]+)\)`)
	bareMentionPattern     = regexp.MustCompile(`(?:^|[^\w@\]])@([A-Za-z0-9][A-Za-z0-9_.\-]{0,63})`)
)

// ParsedMentions holds the raw tokens found in a message body. Explicit
// tokens carry a user id; bare tokens still need a directory lookup.
type ParsedMentions struct {
	Explicit []store.Mention
	Bare     []string
}

// ParseMentions extracts `@[Display Name](userId)` and `@username` tokens.
// Explicit tokens are removed before bare tokens are scanned so a display
// name is never read as a username.
func ParseMentions(text string) ParsedMentions {
	var parsed ParsedMentions
	seenIDs := map[string]bool{}
	for _, match := range explicitMentionPattern.FindAllStringSubmatch(text, -1) {
		userID := strings.TrimSpace(match[2])
		if userID == "" || seenIDs[userID] {
			continue
		}
		seenIDs[userID] = true
		parsed.Explicit = append(parsed.Explicit, store.Mention{
			UserID:      userID,
			DisplayName: strings.TrimSpace(match[1]),
		})
	}

	stripped := explicitMentionPattern.ReplaceAllString(text, " ")
	seenNames := map[string]bool{}
	for _, match := range bareMentionPattern.FindAllStringSubmatch(stripped, -1) {
		username := strings.TrimRight(match[1], ".-")
		key := strings.ToLower(username)
		if username == "" || seenNames[key] {
			continue
		}
		seenNames[key] = true
		parsed.Bare = append(parsed.Bare, username)
	}
	return parsed
}

// mergeMentions dedupes by user id, keeping the first (explicit) entry.
func mergeMentions(groups ...[]store.Mention) []store.Mention {
	seen := map[string]bool{}
	out := make([]store.Mention, 0)
	for _, group := range groups {
		for _, m := range group {
			if m.UserID == "" || seen[m.UserID] {
				continue
			}
			seen[m.UserID] = true
			out = append(out, m)
		}
	}
	return out
}

// newMentionIDs lists ids in current that were not in previous.
func newMentionIDs(previous, current []store.Mention) []string {
	before := map[string]bool{}
	for _, m := range previous {
		before[m.UserID] = true
	}
	out := make([]string, 0)
	for _, m := range current {
		if !before[m.UserID] {
			out = append(out, m.UserID)
		}
	}
	return out
}
