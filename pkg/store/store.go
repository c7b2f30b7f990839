package store

import (
	"context"

	"fedcore/pkg/federation"
)

// ItemStore persists content items. (uid, guid) is unique.
type ItemStore interface {
	InsertItem(ctx context.Context, item *Item) (int64, error)
	UpdateItem(ctx context.Context, item *Item) error
	ItemByID(ctx context.Context, id int64) (*Item, error)
	ItemByGUID(ctx context.Context, uid int64, guid string) (*Item, error)
	// ItemsByGUID returns every copy of guid across all users.
	ItemsByGUID(ctx context.Context, guid string) ([]*Item, error)
	ItemByURI(ctx context.Context, uid int64, uri string) (*Item, error)
	// ThreadItems returns the non-deleted items whose parent is parentURI,
	// excluding the parent itself.
	ThreadItems(ctx context.Context, uid int64, parentURI string) ([]*Item, error)
	MarkItemDeleted(ctx context.Context, id int64) error
	// ReactionExists reports whether author already reacted with verb on target.
	ReactionExists(ctx context.Context, uid int64, author, target, verb string) (bool, error)

	URIKnown(ctx context.Context, uri string) (bool, error)
	PurgeURI(ctx context.Context, uri string) error
}

type ContactStore interface {
	InsertContact(ctx context.Context, c *Contact) (int64, error)
	UpdateContact(ctx context.Context, c *Contact) error
	RemoveContact(ctx context.Context, id int64) error
	ContactByID(ctx context.Context, id int64) (*Contact, error)
	ContactByHandle(ctx context.Context, uid int64, handle string) (*Contact, error)
	// ContactsByHandle returns the contacts for handle in every scope.
	ContactsByHandle(ctx context.Context, handle string) ([]*Contact, error)
	ContactsByURL(ctx context.Context, url string) ([]*Contact, error)
	// FollowersOf returns the user-scope contacts following handle's posts.
	FollowersOf(ctx context.Context, handle string) ([]*Contact, error)
}

type UserStore interface {
	InsertUser(ctx context.Context, u *User) (int64, error)
	UserByUID(ctx context.Context, uid int64) (*User, error)
	UserByGUID(ctx context.Context, guid string) (*User, error)
	UserByNickname(ctx context.Context, nickname string) (*User, error)
	// FirstUser returns the user with the lowest uid.
	FirstUser(ctx context.Context) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
}

type PeerStore interface {
	PeerByHandle(ctx context.Context, handle string) (*Peer, error)
	SavePeer(ctx context.Context, p *Peer) error
	ListPeers(ctx context.Context) ([]*Peer, error)
}

type MailStore interface {
	InsertConversation(ctx context.Context, c *Conversation) (int64, error)
	ConversationByID(ctx context.Context, id int64) (*Conversation, error)
	ConversationByGUID(ctx context.Context, uid int64, guid string) (*Conversation, error)
	InsertMail(ctx context.Context, m *Mail) (int64, error)
	MailByID(ctx context.Context, id int64) (*Mail, error)
	MailByGUID(ctx context.Context, uid int64, guid string) (*Mail, error)
}

type SuggestionStore interface {
	InsertSuggestion(ctx context.Context, s *Suggestion) (int64, error)
	SuggestionByID(ctx context.Context, id int64) (*Suggestion, error)
}

// CounterStore tracks per-item delivery fan-out.
type CounterStore interface {
	IncrementQueued(ctx context.Context, itemID int64, n int) error
	IncrementDone(ctx context.Context, itemID int64, dialect federation.Dialect) error
	IncrementFailed(ctx context.Context, itemID int64) error
	Counters(ctx context.Context, itemID int64) (*DeliveryCounter, error)
}

// Store is the full persistence surface used by the federation core.
type Store interface {
	ItemStore
	ContactStore
	UserStore
	PeerStore
	MailStore
	SuggestionStore
	CounterStore
	Close() error
}
