package inbound

import (
	"context"
	"regexp"
	"strings"

	"fedcore/pkg/config"
	"fedcore/pkg/store"
)

// solicited reports whether a pushed top-level post is wanted by this node.
// Posts for a user scope from a followed contact always are; public posts
// are kept when a local user follows the author or the relay rules match.
func (d *Dispatcher) solicited(ctx context.Context, importer Importer, contact *store.Contact, item *store.Item) bool {
	if !importer.public() && contact.IsFollowed() {
		return true
	}
	if followers, err := d.store.FollowersOf(ctx, item.AuthorHandle); err == nil && len(followers) > 0 {
		return true
	}
	if !d.relay.Subscribe || d.relay.Scope == config.RelayScopeNone {
		return false
	}
	if contact.Blocked || contact.Hidden {
		return false
	}
	return wanted(d.relay, item.Tags, item.Body)
}

// wanted applies the relay subscription to a post with the given tags and
// body. Denied tags win over everything.
func wanted(relay config.RelayConfig, tags []string, body string) bool {
	deny := tagSet(relay.DenyTags)
	subscribed := tagSet(relay.ServerTags)

	for _, tag := range tags {
		if deny[strings.ToLower(tag)] {
			return false
		}
	}
	if relay.Scope == config.RelayScopeTags {
		for _, tag := range tags {
			if subscribed[strings.ToLower(tag)] {
				return true
			}
		}
	}

	if relay.Scope == config.RelayScopeTags {
		content := strings.ToLower(body)
		for tag := range subscribed {
			if containsWord(content, tag) {
				return true
			}
		}
	}
	return relay.Scope == config.RelayScopeAll
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t != "" {
			set[t] = true
		}
	}
	return set
}

func containsWord(content, word string) bool {
	re, err := regexp.Compile(`(^|[\s,.:;"'])` + regexp.QuoteMeta(word) + `($|[\s,.:;"'])`)
	return err == nil && re.MatchString(content)
}
