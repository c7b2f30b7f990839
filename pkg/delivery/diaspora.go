package delivery

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
)

// diasporaPayload builds the payload for t. A nil payload with errSkip means
// the job has no Diaspora form.
func (o *Orchestrator) diasporaPayload(t *target, c *store.Contact) ([]byte, error) {
	owner := t.owner
	key, err := ownerKey(owner)
	if err != nil {
		return nil, err
	}

	switch t.job.Command {
	case CommandMail:
		return protocol.Marshal(mailPayload(t))
	case CommandSuggest:
		return nil, fmt.Errorf("%w: suggestions are native only", errSkip)
	case CommandRelocate:
		if owner.PreviousHandle == "" {
			return nil, fmt.Errorf("%w: %s has no previous handle", errSkip, owner.Handle)
		}
		m := &protocol.AccountMigration{Author: owner.PreviousHandle, Profile: *profileOf(owner)}
		if m.Signature, err = protocol.SignText(m.SignedText(), key); err != nil {
			return nil, err
		}
		return protocol.Marshal(m)
	case CommandProfileUpdate:
		return protocol.Marshal(profileOf(owner))
	case CommandRemoveMe:
		return protocol.Marshal(&protocol.Contact{Author: owner.Handle, Recipient: c.Handle})
	}
	if !t.itemBased() {
		return nil, fmt.Errorf("%w: %s", errSkip, t.job.Command)
	}

	item := t.item
	switch {
	case item.Deleted && (t.flags.TopLevel || t.flags.Followup):
		return protocol.Marshal(&protocol.Retraction{
			Author:     owner.Handle,
			TargetGUID: item.GUID,
			TargetType: targetType(item),
		})
	case t.flags.Followup:
		return o.followup(t, key)
	case !t.flags.TopLevel:
		return o.relayed(t, key)
	case !federation.SameHandle(item.AuthorHandle, owner.Handle):
		return nil, fmt.Errorf("%w: wall-to-wall post %s", errSkip, item.GUID)
	}
	return postPayload(owner, item, t.flags.Public)
}

// PostPayload renders a top-level post of owner as a public Diaspora
// payload, the form served to peers fetching it by guid.
func PostPayload(owner *store.User, item *store.Item) ([]byte, error) {
	if !item.IsTopLevel() {
		return nil, fmt.Errorf("%w: %s is not a post", federation.ErrProtocolUnsupported, item.GUID)
	}
	return postPayload(owner, item, true)
}

func postPayload(owner *store.User, item *store.Item, public bool) ([]byte, error) {
	if item.ObjectType == store.ObjectReshare {
		author, guid, ok := protocol.ParseShare(item.Body)
		if !ok {
			return nil, fmt.Errorf("%w: reshare %s has no share block", errSkip, item.GUID)
		}
		return protocol.Marshal(&protocol.Reshare{
			Author:     owner.Handle,
			GUID:       item.GUID,
			CreatedAt:  item.Created,
			RootAuthor: author,
			RootGUID:   guid,
			Public:     public,
		})
	}
	return protocol.Marshal(&protocol.StatusMessage{
		Author:              owner.Handle,
		GUID:                item.GUID,
		CreatedAt:           item.Created,
		EditedAt:            item.Edited,
		Public:              public,
		Text:                item.Body,
		ProviderDisplayName: item.Provider,
	})
}

// followup renders a local reply to a foreign thread, signed by its author.
func (o *Orchestrator) followup(t *target, key *rsa.PrivateKey) ([]byte, error) {
	item, owner := t.item, t.owner
	var p protocol.Payload
	switch {
	case item.Gravity == store.GravityComment:
		comment := &protocol.Comment{
			Author:     owner.Handle,
			GUID:       item.GUID,
			CreatedAt:  item.Created,
			EditedAt:   item.Edited,
			ParentGUID: t.parent.GUID,
			Text:       item.Body,
		}
		if t.thr != t.parent {
			comment.ThreadParentGUID = t.thr.GUID
		}
		p = comment
	case item.Verb == store.VerbLike || item.Verb == store.VerbDislike:
		parentType := item.ObjectType
		if parentType == "" {
			parentType = store.ObjectPost
		}
		p = &protocol.Like{
			Author:     owner.Handle,
			GUID:       item.GUID,
			ParentGUID: t.thr.GUID,
			ParentType: parentType,
			Positive:   item.Verb == store.VerbLike,
		}
	case item.Verb == store.VerbFollow:
		return protocol.Marshal(&protocol.Participation{
			Author:     owner.Handle,
			GUID:       item.GUID,
			ParentGUID: t.parent.GUID,
			ParentType: store.ObjectPost,
		})
	default:
		return nil, fmt.Errorf("%w: no Diaspora form for verb %q", errSkip, item.Verb)
	}

	fields := p.Fields()
	sig, err := protocol.SignText(protocol.SignedText(fields), key)
	if err != nil {
		return nil, err
	}
	fields = fields.Set("author_signature", sig)
	return protocol.MarshalFields(p.Kind(), fields)
}

// relayed re-sends a reply received on a local thread with the thread
// owner's signature added.
func (o *Orchestrator) relayed(t *target, key *rsa.PrivateKey) ([]byte, error) {
	item := t.item
	if item.Deleted {
		return protocol.Marshal(&protocol.Retraction{
			Author:     item.AuthorHandle,
			TargetGUID: item.GUID,
			TargetType: targetType(item),
		})
	}
	if item.SignedText == "" {
		return nil, fmt.Errorf("%w: %s carries no signed fields", errSkip, item.GUID)
	}
	fields, err := protocol.DecodeSigned(item.SignedText)
	if err != nil {
		return nil, fmt.Errorf("%w: signed fields of %s: %v", errSkip, item.GUID, err)
	}

	kind := protocol.KindComment
	if item.Gravity == store.GravityActivity {
		kind = protocol.KindLike
	}
	sig, err := protocol.SignText(protocol.SignedText(fields), key)
	if err != nil {
		return nil, err
	}
	fields = append(fields, protocol.Field{Name: "parent_author_signature", Value: sig})
	return protocol.MarshalFields(kind, fields)
}

func targetType(i *store.Item) string {
	switch {
	case i.Gravity == store.GravityComment:
		return "Comment"
	case i.Gravity == store.GravityActivity:
		return "Like"
	case i.ObjectType == store.ObjectReshare:
		return "Reshare"
	}
	return "Post"
}

func mailPayload(t *target) protocol.Payload {
	msg := protocol.PrivateMessage{
		Author:           t.mail.AuthorHandle,
		GUID:             t.mail.GUID,
		ConversationGUID: t.conv.GUID,
		Text:             t.mail.Body,
		CreatedAt:        t.mail.Created,
	}
	// a mail that is its own parent starts the conversation
	if t.mail.URI != t.mail.ParentURI {
		return &msg
	}
	return &protocol.Conversation{
		Author:       t.conv.Creator,
		GUID:         t.conv.GUID,
		Subject:      t.conv.Subject,
		CreatedAt:    t.conv.Created,
		Participants: t.conv.Participants,
		Messages:     []protocol.PrivateMessage{msg},
	}
}

func profileOf(u *store.User) *protocol.Profile {
	first, last, _ := strings.Cut(u.Name, " ")
	p := &protocol.Profile{
		Author:     u.Handle,
		FirstName:  first,
		LastName:   last,
		ImageURL:   u.AvatarURL,
		Bio:        u.About,
		Location:   u.Location,
		Searchable: true,
	}
	for _, k := range u.Keywords {
		p.TagString += "#" + k + " "
	}
	p.TagString = strings.TrimSpace(p.TagString)
	return p
}

func (o *Orchestrator) sendDiaspora(ctx context.Context, t *target, c *store.Contact, peer *store.Peer, public bool) error {
	if !o.diaspora {
		return fmt.Errorf("%w: diaspora is disabled", errSkip)
	}
	payload, err := o.diasporaPayload(t, c)
	if err != nil {
		return err
	}
	public = public || c.ContactType == store.ContactRelay
	return o.transmitDiaspora(ctx, t.owner, c, peer, payload, public)
}

// transmitDiaspora seals payload as owner and posts it to the batch inbox
// when public, or encrypted to the contact's inbox otherwise.
func (o *Orchestrator) transmitDiaspora(ctx context.Context, owner *store.User, c *store.Contact, peer *store.Peer, payload []byte, public bool) error {
	key, err := ownerKey(owner)
	if err != nil {
		return err
	}

	notify, batch := c.NotifyURL, c.BatchURL
	if peer != nil {
		if notify == "" {
			notify = peer.NotifyURL
		}
		if batch == "" {
			batch = peer.BatchURL
		}
	}

	if public {
		body, contentType, err := envelope.Seal(payload, owner.Handle, key, nil, true)
		if err != nil {
			return err
		}
		return o.post(ctx, batch, body, contentType)
	}

	pub, err := o.contactKey(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: no key for %s", errSkip, c.Handle)
	}
	body, contentType, err := envelope.Seal(payload, owner.Handle, key, pub, false)
	if err != nil {
		return err
	}
	return o.post(ctx, notify, body, contentType)
}

// SendParticipation tells the author of item that owner takes part in its
// thread.
func (o *Orchestrator) SendParticipation(ctx context.Context, owner *store.User, c *store.Contact, item *store.Item) error {
	p := &protocol.Participation{
		Author:     owner.Handle,
		GUID:       uuid.NewString(),
		ParentGUID: item.GUID,
		ParentType: store.ObjectPost,
	}
	return o.notice(ctx, owner, c, p)
}

// SendShare starts sharing with c.
func (o *Orchestrator) SendShare(ctx context.Context, owner *store.User, c *store.Contact) error {
	return o.notice(ctx, owner, c, &protocol.Contact{
		Author: owner.Handle, Recipient: c.Handle, Following: true, Sharing: true,
	})
}

// SendProfile sends the public profile of owner to c.
func (o *Orchestrator) SendProfile(ctx context.Context, owner *store.User, c *store.Contact) error {
	return o.notice(ctx, owner, c, profileOf(owner))
}

func (o *Orchestrator) notice(ctx context.Context, owner *store.User, c *store.Contact, p protocol.Payload) error {
	if !o.diaspora {
		return nil
	}
	// pending contacts still get notices
	if reason := o.unreachable(c); reason != "" && reason != "pending" {
		o.logger.Debug("Skipping notice",
			zap.String("kind", p.Kind().String()), zap.String("to", c.Handle), zap.String("reason", reason))
		return nil
	}
	payload, err := protocol.Marshal(p)
	if err != nil {
		return err
	}
	peer, err := o.keys.Resolve(ctx, c.Handle)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", c.Handle, err)
	}
	err = o.transmitDiaspora(ctx, owner, c, peer, payload, false)
	if err != nil {
		o.count(federation.DialectDiaspora, "failed")
		return fmt.Errorf("%s to %s: %w", p.Kind(), c.Handle, err)
	}
	o.count(federation.DialectDiaspora, "delivered")
	o.logger.Debug("Sent notice", zap.String("kind", p.Kind().String()), zap.String("to", c.Handle))
	return nil
}
