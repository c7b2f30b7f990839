package protocol

// Kind is the closed set of message kinds the dispatcher understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccountMigration
	KindAccountDeletion
	KindComment
	KindContact
	KindConversation
	KindLike
	KindMessage
	KindParticipation
	KindPhoto
	KindPollParticipation
	KindProfile
	KindReshare
	KindRetraction
	KindStatusMessage
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindAccountMigration:  "account_migration",
	KindAccountDeletion:   "account_deletion",
	KindComment:           "comment",
	KindContact:           "contact",
	KindConversation:      "conversation",
	KindLike:              "like",
	KindMessage:           "message",
	KindParticipation:     "participation",
	KindPhoto:             "photo",
	KindPollParticipation: "poll_participation",
	KindProfile:           "profile",
	KindReshare:           "reshare",
	KindRetraction:        "retraction",
	KindStatusMessage:     "status_message",
}

// element names of older peers that map onto a current kind
var kindRenames = map[string]string{
	"signed_retraction":    "retraction",
	"relayable_retraction": "retraction",
	"request":              "contact",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind maps an element name to a Kind, applying the legacy renames.
func ParseKind(name string) Kind {
	if renamed, ok := kindRenames[name]; ok {
		name = renamed
	}
	for k, n := range kindNames {
		if n == name && Kind(k) != KindUnknown {
			return Kind(k)
		}
	}
	return KindUnknown
}

// PrivateOnly kinds are never accepted on the public inbox.
func (k Kind) PrivateOnly() bool {
	switch k {
	case KindAccountMigration, KindContact, KindConversation, KindMessage, KindParticipation, KindProfile:
		return true
	}
	return false
}

// RequiresAuthorMatch kinds must be sent by their author.
func (k Kind) RequiresAuthorMatch() bool {
	switch k {
	case KindStatusMessage, KindReshare, KindProfile:
		return true
	}
	return false
}

// Relayable kinds carry an author signature and may be relayed by the
// thread owner with an additional parent author signature.
func (k Kind) Relayable() bool {
	return k == KindComment || k == KindLike
}

// IsReply reports kinds that attach to an existing thread.
func (k Kind) IsReply() bool {
	switch k {
	case KindComment, KindLike, KindParticipation, KindConversation, KindMessage:
		return true
	}
	return false
}
