package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sharePattern   = regexp.MustCompile(`(?s)^\s*\[share author='([^']*)' guid='([^']*)'[^\]]*\]`)
	hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&/#])#([\p{L}\p{N}_-]+)`)
	mentionPattern = regexp.MustCompile(`@\{([^}]*)\}`)
)

// ShareBody renders the body of a reshare that quotes a root post.
func ShareBody(author, guid, link, body string) string {
	return fmt.Sprintf("[share author='%s' guid='%s' link='%s']%s[/share]",
		quoteAttr(author), quoteAttr(guid), quoteAttr(link), body)
}

// ParseShare extracts the root author and guid from a body made by
// ShareBody.
func ParseShare(body string) (author, guid string, ok bool) {
	m := sharePattern.FindStringSubmatch(body)
	if m == nil || m[2] == "" {
		return "", "", false
	}
	return m[1], m[2], true
}

func quoteAttr(s string) string {
	return strings.ReplaceAll(s, "'", "&#039;")
}

// Hashtags returns the distinct lowercased #tags of text in order of
// appearance.
func Hashtags(text string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// Mentions returns the handles of @{Name; user@host} and @{user@host}
// mentions.
func Mentions(text string) []string {
	var handles []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		inner := m[1]
		if i := strings.LastIndex(inner, ";"); i >= 0 {
			inner = inner[i+1:]
		}
		handle := strings.ToLower(strings.TrimSpace(inner))
		if !strings.Contains(handle, "@") || seen[handle] {
			continue
		}
		seen[handle] = true
		handles = append(handles, handle)
	}
	return handles
}
