package store

import (
	"errors"
	"time"

	"fedcore/pkg/federation"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// PublicUID is the shared scope that receives public messages.
const PublicUID int64 = 0

// Relation between a local user and a contact.
type Relation int

const (
	RelationNone Relation = iota
	RelationFollower
	RelationSharing
	RelationFriend
)

func (r Relation) String() string {
	switch r {
	case RelationFollower:
		return "follower"
	case RelationSharing:
		return "sharing"
	case RelationFriend:
		return "friend"
	default:
		return "none"
	}
}

// Gravity classifies an item within its thread.
type Gravity int

const (
	GravityParent Gravity = iota
	GravityComment
	GravityActivity
)

type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityUnlisted
	VisibilityPrivate
)

type ContactType int

const (
	ContactPerson ContactType = iota
	ContactCommunity
	ContactRelay
)

type AccountType int

const (
	AccountNormal AccountType = iota
	AccountSoapbox
	AccountCommunity
)

type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionPush
	DirectionPull
)

// Activity verbs stored on items.
const (
	VerbPost     = "post"
	VerbLike     = "like"
	VerbDislike  = "dislike"
	VerbFollow   = "follow"
	VerbTag      = "tag"
	VerbAnnounce = "announce"
)

// Object types stored on items.
const (
	ObjectPost    = "Post"
	ObjectComment = "Comment"
	ObjectReshare = "Reshare"
)

type User struct {
	UID            int64       `json:"uid"`
	GUID           string      `json:"guid"`
	Nickname       string      `json:"nickname"`
	Handle         string      `json:"handle"`
	Name           string      `json:"name"`
	PrivateKey     string      `json:"private_key"`
	PublicKey      string      `json:"public_key"`
	AccountType    AccountType `json:"account_type"`
	PreviousHandle string      `json:"previous_handle,omitempty"`
	About          string      `json:"about,omitempty"`
	Location       string      `json:"location,omitempty"`
	AvatarURL      string      `json:"avatar_url,omitempty"`
	Keywords       []string    `json:"keywords,omitempty"`
	Created        time.Time   `json:"created"`
}

type Contact struct {
	ID          int64              `json:"id"`
	UID         int64              `json:"uid"`
	Handle      string             `json:"handle"`
	URL         string             `json:"url"`
	Name        string             `json:"name"`
	Nick        string             `json:"nick"`
	Network     federation.Dialect `json:"network"`
	Relation    Relation           `json:"relation"`
	ContactType ContactType        `json:"contact_type"`
	NotifyURL   string             `json:"notify_url,omitempty"`
	BatchURL    string             `json:"batch_url,omitempty"`
	PublicKey   string             `json:"public_key,omitempty"`

	Self     bool `json:"self,omitempty"`
	Blocked  bool `json:"blocked,omitempty"`
	Pending  bool `json:"pending,omitempty"`
	Hidden   bool `json:"hidden,omitempty"`
	Archived bool `json:"archived,omitempty"`

	Location  string   `json:"location,omitempty"`
	About     string   `json:"about,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Sensitive bool     `json:"sensitive,omitempty"`
	Birthday  string   `json:"birthday,omitempty"`

	FailureCount int       `json:"failure_count,omitempty"`
	TermDate     time.Time `json:"term_date,omitempty"`
	LastContact  time.Time `json:"last_contact,omitempty"`
	Updated      time.Time `json:"updated"`
}

// IsFollowed reports whether the local user receives the contact's posts.
func (c *Contact) IsFollowed() bool {
	return c.Relation == RelationSharing || c.Relation == RelationFriend
}

// Peer is the resolved identity of a remote handle.
type Peer struct {
	Handle      string             `json:"handle"`
	GUID        string             `json:"guid"`
	Name        string             `json:"name"`
	ProfileURL  string             `json:"profile_url"`
	BaseURL     string             `json:"base_url"`
	PublicKey   string             `json:"public_key"`
	NotifyURL   string             `json:"notify_url"`
	BatchURL    string             `json:"batch_url"`
	Dialect     federation.Dialect `json:"dialect"`
	Alive       bool               `json:"alive"`
	Failures    int                `json:"failures"`
	LastContact time.Time          `json:"last_contact,omitempty"`
	Updated     time.Time          `json:"updated"`
}

type Item struct {
	ID        int64   `json:"id"`
	UID       int64   `json:"uid"`
	GUID      string  `json:"guid"`
	URI       string  `json:"uri"`
	ParentURI string  `json:"parent_uri"`
	ThrParent string  `json:"thr_parent"`
	Gravity   Gravity `json:"gravity"`
	Verb      string  `json:"verb"`
	// ObjectType is the kind of the target of an activity: Post or Comment.
	ObjectType string `json:"object_type,omitempty"`

	Network    federation.Dialect `json:"network"`
	Origin     bool               `json:"origin"`
	Wall       bool               `json:"wall"`
	Visibility Visibility         `json:"visibility"`
	AllowList  []string           `json:"allow_list,omitempty"`
	DenyList   []string           `json:"deny_list,omitempty"`

	ContactID     int64              `json:"contact_id"`
	AuthorHandle  string             `json:"author_handle"`
	AuthorLink    string             `json:"author_link,omitempty"`
	AuthorDialect federation.Dialect `json:"author_dialect,omitempty"`
	OwnerHandle   string             `json:"owner_handle"`
	OwnerLink     string             `json:"owner_link,omitempty"`

	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Location string   `json:"location,omitempty"`
	Coord    string   `json:"coord,omitempty"`
	Provider string   `json:"provider,omitempty"`

	Created  time.Time `json:"created"`
	Edited   time.Time `json:"edited"`
	Received time.Time `json:"received"`

	Deleted    bool      `json:"deleted,omitempty"`
	Filed      bool      `json:"filed,omitempty"`
	SignedText string    `json:"signed_text,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
}

// IsTopLevel reports whether the item starts its thread.
func (i *Item) IsTopLevel() bool {
	return i.Gravity == GravityParent
}

// IsPrivate reports whether delivery is restricted.
func (i *Item) IsPrivate() bool {
	return i.Visibility == VisibilityPrivate
}

type Conversation struct {
	ID           int64     `json:"id"`
	UID          int64     `json:"uid"`
	GUID         string    `json:"guid"`
	Subject      string    `json:"subject"`
	Creator      string    `json:"creator"`
	Participants string    `json:"participants"`
	Created      time.Time `json:"created"`
}

type Mail struct {
	ID             int64     `json:"id"`
	UID            int64     `json:"uid"`
	GUID           string    `json:"guid"`
	ConversationID int64     `json:"conversation_id"`
	ContactID      int64     `json:"contact_id"`
	AuthorHandle   string    `json:"author_handle"`
	URI            string    `json:"uri"`
	ParentURI      string    `json:"parent_uri"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Created        time.Time `json:"created"`
	Seen           bool      `json:"seen,omitempty"`
}

// Suggestion is a friend suggestion introduced by a local user.
type Suggestion struct {
	ID        int64     `json:"id"`
	UID       int64     `json:"uid"`
	ContactID int64     `json:"contact_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Note      string    `json:"note"`
	Created   time.Time `json:"created"`
}

// DeliveryCounter tracks the outbound fan-out of one item.
type DeliveryCounter struct {
	ItemID    int64                      `json:"item_id"`
	Queued    int                        `json:"queued"`
	Done      int                        `json:"done"`
	Failed    int                        `json:"failed"`
	ByDialect map[federation.Dialect]int `json:"by_dialect,omitempty"`
}
