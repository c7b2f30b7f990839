package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Field is one element of a payload. Elements with children keep them in
// Nested and carry no Value.
type Field struct {
	Name   string  `json:"name"`
	Value  string  `json:"value,omitempty"`
	Nested []Field `json:"nested,omitempty"`
}

// Fields is an ordered element list.
type Fields []Field

// Get returns the value of the first field called name.
func (f Fields) Get(name string) string {
	for _, field := range f {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// Has reports whether a field called name is present.
func (f Fields) Has(name string) bool {
	for _, field := range f {
		if field.Name == name {
			return true
		}
	}
	return false
}

// Nested returns the children of the first field called name.
func (f Fields) Nested(name string) Fields {
	for _, field := range f {
		if field.Name == name {
			return field.Nested
		}
	}
	return nil
}

// All returns every field called name.
func (f Fields) All(name string) []Field {
	var out []Field
	for _, field := range f {
		if field.Name == name {
			out = append(out, field)
		}
	}
	return out
}

// Set replaces the value of name or appends it.
func (f Fields) Set(name, value string) Fields {
	for i := range f {
		if f[i].Name == name {
			f[i].Value = value
			return f
		}
	}
	return append(f, Field{Name: name, Value: value})
}

// EncodeSigned stores relayable fields so they can be relayed verbatim later.
func EncodeSigned(f Fields) string {
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeSigned reverses EncodeSigned.
func DecodeSigned(s string) (Fields, error) {
	var f Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Message is a classified and normalized inbound payload.
type Message struct {
	Kind   Kind
	Legacy bool

	Author string
	GUID   string

	// Fields after alias normalization, without relay signatures.
	Fields Fields

	// SignedText is the ";" joined field values covered by relayable signatures.
	SignedText            string
	AuthorSignature       string
	ParentAuthorSignature string

	Body Payload
}

// Payload is implemented by one struct per Kind.
type Payload interface {
	Kind() Kind
	Fields() Fields
	payload()
}

type Location struct {
	Address string
	Lat     string
	Lng     string
}

type Photo struct {
	GUID       string
	RemoteURL  string
	RemoteName string
	Width      string
	Height     string
}

// URL returns the full image URL.
func (p Photo) URL() string {
	return p.RemoteURL + p.RemoteName
}

type StatusMessage struct {
	Author              string
	GUID                string
	CreatedAt           time.Time
	EditedAt            time.Time
	Public              bool
	Text                string
	ProviderDisplayName string
	Location            *Location
	Photos              []Photo
}

type Reshare struct {
	Author              string
	GUID                string
	CreatedAt           time.Time
	RootAuthor          string
	RootGUID            string
	ProviderDisplayName string
	Public              bool
}

type Comment struct {
	Author           string
	GUID             string
	CreatedAt        time.Time
	EditedAt         time.Time
	ParentGUID       string
	ThreadParentGUID string
	Text             string
	AuthorSignature  string
}

type Like struct {
	Author          string
	GUID            string
	ParentGUID      string
	ParentType      string
	Positive        bool
	AuthorSignature string
}

type Participation struct {
	Author     string
	GUID       string
	ParentGUID string
	ParentType string
}

type Retraction struct {
	Author     string
	TargetGUID string
	TargetType string
}

type Profile struct {
	Author         string
	FirstName      string
	LastName       string
	ImageURL       string
	ImageURLMedium string
	ImageURLSmall  string
	Birthday       string
	Gender         string
	Bio            string
	Location       string
	Searchable     bool
	NSFW           bool
	TagString      string
}

// Name joins first and last name.
func (p Profile) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Keywords splits the tag string on "#".
func (p Profile) Keywords() []string {
	var out []string
	for _, tag := range strings.Split(p.TagString, "#") {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

type Contact struct {
	Author    string
	Recipient string
	Following bool
	Sharing   bool
}

type PrivateMessage struct {
	Author           string
	GUID             string
	ConversationGUID string
	Text             string
	CreatedAt        time.Time
}

type Conversation struct {
	Author       string
	GUID         string
	Subject      string
	CreatedAt    time.Time
	Participants string
	Messages     []PrivateMessage
}

type AccountMigration struct {
	Author    string
	Profile   Profile
	Signature string
}

// NewHandle is the author of the nested profile.
func (a AccountMigration) NewHandle() string {
	return a.Profile.Author
}

// SignedText is the string covered by the migration signature.
func (a AccountMigration) SignedText() string {
	return "AccountMigration:" + a.Author + ":" + a.NewHandle()
}

type AccountDeletion struct {
	Author string
}

// PhotoUpload and PollAnswer are accepted without effect.
type PhotoUpload struct {
	Author string
	GUID   string
}

type PollAnswer struct {
	Author     string
	GUID       string
	ParentGUID string
}

func (*StatusMessage) Kind() Kind    { return KindStatusMessage }
func (*Reshare) Kind() Kind          { return KindReshare }
func (*Comment) Kind() Kind          { return KindComment }
func (*Like) Kind() Kind             { return KindLike }
func (*Participation) Kind() Kind    { return KindParticipation }
func (*Retraction) Kind() Kind       { return KindRetraction }
func (*Profile) Kind() Kind          { return KindProfile }
func (*Contact) Kind() Kind          { return KindContact }
func (*Conversation) Kind() Kind     { return KindConversation }
func (*PrivateMessage) Kind() Kind   { return KindMessage }
func (*AccountMigration) Kind() Kind { return KindAccountMigration }
func (*AccountDeletion) Kind() Kind  { return KindAccountDeletion }
func (*PhotoUpload) Kind() Kind      { return KindPhoto }
func (*PollAnswer) Kind() Kind       { return KindPollParticipation }

func (*StatusMessage) payload()    {}
func (*Reshare) payload()          {}
func (*Comment) payload()          {}
func (*Like) payload()             {}
func (*Participation) payload()    {}
func (*Retraction) payload()       {}
func (*Profile) payload()          {}
func (*Contact) payload()          {}
func (*Conversation) payload()     {}
func (*PrivateMessage) payload()   {}
func (*AccountMigration) payload() {}
func (*AccountDeletion) payload()  {}
func (*PhotoUpload) payload()      {}
func (*PollAnswer) payload()       {}
