package protocol

import (
	"strings"
	"time"
)

// TimeLayout is the UTC timestamp format used on the wire.
const TimeLayout = "2006-01-02T15:04:05Z"

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the wire format and a few looser variants. Unparseable
// input yields the zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

func (s *StatusMessage) Fields() Fields {
	f := Fields{
		{Name: "author", Value: s.Author},
		{Name: "guid", Value: s.GUID},
		{Name: "created_at", Value: FormatTime(s.CreatedAt)},
		{Name: "edited_at", Value: FormatTime(s.EditedAt)},
		{Name: "public", Value: formatBool(s.Public)},
		{Name: "text", Value: s.Text},
		{Name: "provider_display_name", Value: s.ProviderDisplayName},
	}
	if s.Location != nil && s.Location.Lat != "" && s.Location.Lng != "" {
		f = append(f, Field{Name: "location", Nested: Fields{
			{Name: "address", Value: s.Location.Address},
			{Name: "lat", Value: s.Location.Lat},
			{Name: "lng", Value: s.Location.Lng},
		}})
	}
	for _, p := range s.Photos {
		f = append(f, Field{Name: "photo", Nested: Fields{
			{Name: "guid", Value: p.GUID},
			{Name: "author", Value: s.Author},
			{Name: "public", Value: formatBool(s.Public)},
			{Name: "remote_photo_path", Value: p.RemoteURL},
			{Name: "remote_photo_name", Value: p.RemoteName},
			{Name: "status_message_guid", Value: s.GUID},
			{Name: "height", Value: p.Height},
			{Name: "width", Value: p.Width},
		}})
	}
	return f
}

func (r *Reshare) Fields() Fields {
	return Fields{
		{Name: "author", Value: r.Author},
		{Name: "guid", Value: r.GUID},
		{Name: "created_at", Value: FormatTime(r.CreatedAt)},
		{Name: "root_author", Value: r.RootAuthor},
		{Name: "root_guid", Value: r.RootGUID},
		{Name: "provider_display_name", Value: r.ProviderDisplayName},
		{Name: "public", Value: formatBool(r.Public)},
	}
}

func (c *Comment) Fields() Fields {
	f := Fields{
		{Name: "author", Value: c.Author},
		{Name: "guid", Value: c.GUID},
		{Name: "created_at", Value: FormatTime(c.CreatedAt)},
		{Name: "edited_at", Value: FormatTime(c.EditedAt)},
		{Name: "parent_guid", Value: c.ParentGUID},
		{Name: "text", Value: c.Text},
		{Name: "author_signature", Value: c.AuthorSignature},
	}
	// only threaded comments name their direct parent
	if c.ThreadParentGUID != "" {
		f = append(f, Field{Name: "thread_parent_guid", Value: c.ThreadParentGUID})
	}
	return f
}

func (l *Like) Fields() Fields {
	return Fields{
		{Name: "author", Value: l.Author},
		{Name: "guid", Value: l.GUID},
		{Name: "parent_guid", Value: l.ParentGUID},
		{Name: "parent_type", Value: l.ParentType},
		{Name: "positive", Value: formatBool(l.Positive)},
		{Name: "author_signature", Value: l.AuthorSignature},
	}
}

func (p *Participation) Fields() Fields {
	return Fields{
		{Name: "author", Value: p.Author},
		{Name: "guid", Value: p.GUID},
		{Name: "parent_guid", Value: p.ParentGUID},
		{Name: "parent_type", Value: p.ParentType},
	}
}

func (r *Retraction) Fields() Fields {
	return Fields{
		{Name: "author", Value: r.Author},
		{Name: "target_guid", Value: r.TargetGUID},
		{Name: "target_type", Value: r.TargetType},
	}
}

func (p *Profile) Fields() Fields {
	return Fields{
		{Name: "author", Value: p.Author},
		{Name: "first_name", Value: p.FirstName},
		{Name: "last_name", Value: p.LastName},
		{Name: "image_url", Value: p.ImageURL},
		{Name: "image_url_medium", Value: p.ImageURLMedium},
		{Name: "image_url_small", Value: p.ImageURLSmall},
		{Name: "birthday", Value: p.Birthday},
		{Name: "gender", Value: p.Gender},
		{Name: "bio", Value: p.Bio},
		{Name: "location", Value: p.Location},
		{Name: "searchable", Value: formatBool(p.Searchable)},
		{Name: "nsfw", Value: formatBool(p.NSFW)},
		{Name: "tag_string", Value: p.TagString},
	}
}

func (c *Contact) Fields() Fields {
	return Fields{
		{Name: "author", Value: c.Author},
		{Name: "recipient", Value: c.Recipient},
		{Name: "following", Value: formatBool(c.Following)},
		{Name: "sharing", Value: formatBool(c.Sharing)},
	}
}

func (m *PrivateMessage) Fields() Fields {
	return Fields{
		{Name: "author", Value: m.Author},
		{Name: "guid", Value: m.GUID},
		{Name: "conversation_guid", Value: m.ConversationGUID},
		{Name: "text", Value: m.Text},
		{Name: "created_at", Value: FormatTime(m.CreatedAt)},
	}
}

func (c *Conversation) Fields() Fields {
	f := Fields{
		{Name: "author", Value: c.Author},
		{Name: "guid", Value: c.GUID},
		{Name: "subject", Value: c.Subject},
		{Name: "created_at", Value: FormatTime(c.CreatedAt)},
		{Name: "participants", Value: c.Participants},
	}
	for i := range c.Messages {
		f = append(f, Field{Name: "message", Nested: c.Messages[i].Fields()})
	}
	return f
}

func (a *AccountMigration) Fields() Fields {
	return Fields{
		{Name: "author", Value: a.Author},
		{Name: "profile", Nested: a.Profile.Fields()},
		{Name: "signature", Value: a.Signature},
	}
}

func (a *AccountDeletion) Fields() Fields {
	return Fields{{Name: "author", Value: a.Author}}
}

func (p *PhotoUpload) Fields() Fields {
	return Fields{
		{Name: "author", Value: p.Author},
		{Name: "guid", Value: p.GUID},
	}
}

func (p *PollAnswer) Fields() Fields {
	return Fields{
		{Name: "author", Value: p.Author},
		{Name: "guid", Value: p.GUID},
		{Name: "parent_guid", Value: p.ParentGUID},
	}
}

// decodeBody builds the typed payload of kind from normalized fields.
func decodeBody(kind Kind, f Fields) Payload {
	switch kind {
	case KindStatusMessage:
		s := &StatusMessage{
			Author:              lower(f.Get("author")),
			GUID:                f.Get("guid"),
			CreatedAt:           ParseTime(f.Get("created_at")),
			EditedAt:            ParseTime(f.Get("edited_at")),
			Public:              parseBool(f.Get("public"), false),
			Text:                f.Get("text"),
			ProviderDisplayName: f.Get("provider_display_name"),
		}
		if loc := f.Nested("location"); loc != nil {
			s.Location = &Location{Address: loc.Get("address"), Lat: loc.Get("lat"), Lng: loc.Get("lng")}
		}
		for _, p := range f.All("photo") {
			n := Fields(p.Nested)
			s.Photos = append(s.Photos, Photo{
				GUID:       n.Get("guid"),
				RemoteURL:  n.Get("remote_photo_path"),
				RemoteName: n.Get("remote_photo_name"),
				Width:      n.Get("width"),
				Height:     n.Get("height"),
			})
		}
		return s
	case KindReshare:
		return &Reshare{
			Author:              lower(f.Get("author")),
			GUID:                f.Get("guid"),
			CreatedAt:           ParseTime(f.Get("created_at")),
			RootAuthor:          lower(f.Get("root_author")),
			RootGUID:            f.Get("root_guid"),
			ProviderDisplayName: f.Get("provider_display_name"),
			Public:              parseBool(f.Get("public"), true),
		}
	case KindComment:
		return &Comment{
			Author:           lower(f.Get("author")),
			GUID:             f.Get("guid"),
			CreatedAt:        ParseTime(f.Get("created_at")),
			EditedAt:         ParseTime(f.Get("edited_at")),
			ParentGUID:       f.Get("parent_guid"),
			ThreadParentGUID: f.Get("thread_parent_guid"),
			Text:             f.Get("text"),
			AuthorSignature:  f.Get("author_signature"),
		}
	case KindLike:
		return &Like{
			Author:          lower(f.Get("author")),
			GUID:            f.Get("guid"),
			ParentGUID:      f.Get("parent_guid"),
			ParentType:      f.Get("parent_type"),
			Positive:        f.Get("positive") == "true",
			AuthorSignature: f.Get("author_signature"),
		}
	case KindParticipation:
		return &Participation{
			Author:     lower(f.Get("author")),
			GUID:       f.Get("guid"),
			ParentGUID: f.Get("parent_guid"),
			ParentType: f.Get("parent_type"),
		}
	case KindRetraction:
		return &Retraction{
			Author:     lower(f.Get("author")),
			TargetGUID: f.Get("target_guid"),
			TargetType: f.Get("target_type"),
		}
	case KindProfile:
		return decodeProfile(f)
	case KindContact:
		return &Contact{
			Author:    lower(f.Get("author")),
			Recipient: lower(f.Get("recipient")),
			Following: parseBool(f.Get("following"), true),
			Sharing:   parseBool(f.Get("sharing"), true),
		}
	case KindConversation:
		c := &Conversation{
			Author:       lower(f.Get("author")),
			GUID:         f.Get("guid"),
			Subject:      f.Get("subject"),
			CreatedAt:    ParseTime(f.Get("created_at")),
			Participants: f.Get("participants"),
		}
		for _, m := range f.All("message") {
			c.Messages = append(c.Messages, *decodePrivateMessage(m.Nested))
		}
		return c
	case KindMessage:
		return decodePrivateMessage(f)
	case KindAccountMigration:
		return &AccountMigration{
			Author:    lower(f.Get("author")),
			Profile:   *decodeProfile(f.Nested("profile")),
			Signature: f.Get("signature"),
		}
	case KindAccountDeletion:
		return &AccountDeletion{Author: lower(f.Get("author"))}
	case KindPhoto:
		return &PhotoUpload{Author: lower(f.Get("author")), GUID: f.Get("guid")}
	case KindPollParticipation:
		return &PollAnswer{Author: lower(f.Get("author")), GUID: f.Get("guid"), ParentGUID: f.Get("parent_guid")}
	}
	return nil
}

func decodeProfile(f Fields) *Profile {
	return &Profile{
		Author:         lower(f.Get("author")),
		FirstName:      f.Get("first_name"),
		LastName:       f.Get("last_name"),
		ImageURL:       f.Get("image_url"),
		ImageURLMedium: f.Get("image_url_medium"),
		ImageURLSmall:  f.Get("image_url_small"),
		Birthday:       f.Get("birthday"),
		Gender:         f.Get("gender"),
		Bio:            f.Get("bio"),
		Location:       f.Get("location"),
		Searchable:     parseBool(f.Get("searchable"), true),
		NSFW:           parseBool(f.Get("nsfw"), false),
		TagString:      f.Get("tag_string"),
	}
}

func decodePrivateMessage(f Fields) *PrivateMessage {
	return &PrivateMessage{
		Author:           lower(f.Get("author")),
		GUID:             f.Get("guid"),
		ConversationGUID: f.Get("conversation_guid"),
		Text:             f.Get("text"),
		CreatedAt:        ParseTime(f.Get("created_at")),
	}
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
