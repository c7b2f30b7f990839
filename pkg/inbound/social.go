package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
)

func (d *Dispatcher) receiveProfile(ctx context.Context, importer Importer, p *protocol.Profile) (Outcome, error) {
	c, err := d.store.ContactByHandle(ctx, importer.UID, p.Author)
	if isNotFound(err) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to load contact %s: %w", p.Author, err)
	}
	if d.contactBlocked(c) {
		return OutcomeRejected, fmt.Errorf("%w: profile of blocked contact %s", federation.ErrAuthorNotPermitted, p.Author)
	}

	applyProfile(c, p)
	c.Updated = d.now()
	if err := d.store.UpdateContact(ctx, c); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to update profile of %s: %w", p.Author, err)
	}
	return OutcomePersisted, nil
}

// applyProfile copies the public profile fields onto c.
func applyProfile(c *store.Contact, p *protocol.Profile) {
	if h, err := federation.ParseHandle(p.Author); err == nil {
		c.Nick = h.User
		if img := p.ImageURL; img != "" && !strings.Contains(img, "://") {
			p.ImageURL = "http://" + h.Host + img
		}
	}
	c.Name = p.Name()
	if c.Name == "" {
		c.Name = c.Nick
	}
	if p.ImageURL != "" {
		c.AvatarURL = p.ImageURL
	}
	c.Location = p.Location
	c.About = p.Bio
	c.Keywords = p.Keywords()
	c.Sensitive = p.NSFW
	c.Birthday = p.Birthday
	c.Hidden = !p.Searchable
}

func (d *Dispatcher) receiveContact(ctx context.Context, importer Importer, r *protocol.Contact, b *Batch) (Outcome, error) {
	if importer.public() {
		return OutcomeIgnored, nil
	}
	if d.blocklist.IsURLBlocked(r.Author) {
		return OutcomeRejected, fmt.Errorf("%w: %s is on a blocked host", federation.ErrAuthorNotPermitted, r.Author)
	}
	c, err := d.store.ContactByHandle(ctx, importer.UID, r.Author)
	switch {
	case err == nil:
		return d.updateRelation(ctx, importer, c, r, b)
	case !isNotFound(err):
		return OutcomeRejected, fmt.Errorf("failed to load contact %s: %w", r.Author, err)
	}

	if !r.Following && !r.Sharing {
		return OutcomeIgnored, nil
	}
	if !r.Following && importer.User.AccountType != store.AccountCommunity {
		return OutcomeIgnored, nil
	}

	peer, err := d.keys.Resolve(ctx, r.Author)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to resolve %s: %w", r.Author, err)
	}
	if peer.Dialect != federation.DialectDiaspora {
		return OutcomeRejected, fmt.Errorf("%w: %s speaks %s",
			federation.ErrProtocolUnsupported, r.Author, peer.Dialect)
	}

	c = contactFromPeer(importer.UID, peer, d.now())
	switch importer.User.AccountType {
	case store.AccountCommunity:
		c.Relation = store.RelationFriend
	case store.AccountSoapbox:
		c.Relation = store.RelationFollower
	default:
		c.Relation = store.RelationFollower
		c.Pending = true
	}
	id, err := d.store.InsertContact(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to add contact %s: %w", r.Author, err)
	}
	c.ID = id

	d.logger.Info("New contact request",
		zap.String("from", r.Author), zap.String("user", importer.User.Handle),
		zap.Stringer("relation", c.Relation), zap.Bool("pending", c.Pending))
	b.notify(notice{kind: noticeShare, owner: importer.User, contact: c})
	b.notify(notice{kind: noticeProfile, owner: importer.User, contact: c})
	return OutcomePersisted, nil
}

// updateRelation applies a contact request from a known contact.
func (d *Dispatcher) updateRelation(ctx context.Context, importer Importer, c *store.Contact, r *protocol.Contact, b *Batch) (Outcome, error) {
	if d.contactBlocked(c) {
		return OutcomeRejected, fmt.Errorf("%w: relation change from blocked contact %s",
			federation.ErrAuthorNotPermitted, c.Handle)
	}
	if !r.Following {
		switch c.Relation {
		case store.RelationFriend:
			c.Relation = store.RelationSharing
		case store.RelationFollower:
			if err := d.store.RemoveContact(ctx, c.ID); err != nil {
				return OutcomeRejected, fmt.Errorf("failed to remove contact %s: %w", c.Handle, err)
			}
			return OutcomePersisted, nil
		default:
			return OutcomeIgnored, nil
		}
	} else {
		switch c.Relation {
		case store.RelationSharing:
			c.Relation = store.RelationFriend
		case store.RelationNone:
			c.Relation = store.RelationFollower
		}
	}

	c.Updated = d.now()
	if err := d.store.UpdateContact(ctx, c); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to update contact %s: %w", c.Handle, err)
	}
	if c.Relation == store.RelationFriend && importer.User != nil {
		b.notify(notice{kind: noticeShare, owner: importer.User, contact: c})
	}
	return OutcomePersisted, nil
}

func (d *Dispatcher) receiveConversation(ctx context.Context, importer Importer, conv *protocol.Conversation) (Outcome, error) {
	if len(conv.Messages) == 0 {
		return OutcomeRejected, fmt.Errorf("%w: conversation %s has no messages",
			federation.ErrMalformedEnvelope, conv.GUID)
	}
	contact, err := d.allowedContact(ctx, importer, conv.Author, true)
	if err != nil {
		return OutcomeRejected, err
	}

	stored, err := d.store.ConversationByGUID(ctx, importer.UID, conv.GUID)
	if isNotFound(err) {
		stored = &store.Conversation{
			UID:          importer.UID,
			GUID:         conv.GUID,
			Subject:      conv.Subject,
			Creator:      conv.Author,
			Participants: conv.Participants,
			Created:      conv.CreatedAt,
		}
		if stored.Created.IsZero() {
			stored.Created = d.now()
		}
		stored.ID, err = d.store.InsertConversation(ctx, stored)
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store conversation %s: %w", conv.GUID, err)
	}

	outcome := OutcomeDuplicate
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ConversationGUID != conv.GUID {
			d.logger.Debug("Skipping message of another conversation",
				zap.String("guid", m.GUID), zap.String("conversation", m.ConversationGUID))
			continue
		}
		o, err := d.storeMail(ctx, importer, stored, contact, m)
		if err != nil {
			return OutcomeRejected, err
		}
		if o == OutcomePersisted {
			outcome = o
		}
	}
	return outcome, nil
}

func (d *Dispatcher) receiveMessage(ctx context.Context, importer Importer, m *protocol.PrivateMessage) (Outcome, error) {
	contact, err := d.allowedContact(ctx, importer, m.Author, true)
	if err != nil {
		return OutcomeRejected, err
	}
	conv, err := d.store.ConversationByGUID(ctx, importer.UID, m.ConversationGUID)
	if isNotFound(err) {
		return OutcomeRejected, fmt.Errorf("%w: conversation %s", federation.ErrParentNotFound, m.ConversationGUID)
	}
	if err != nil {
		return OutcomeRejected, err
	}
	return d.storeMail(ctx, importer, conv, contact, m)
}

func (d *Dispatcher) storeMail(ctx context.Context, importer Importer, conv *store.Conversation, contact *store.Contact, m *protocol.PrivateMessage) (Outcome, error) {
	if _, err := d.store.MailByGUID(ctx, importer.UID, m.GUID); err == nil {
		return OutcomeDuplicate, nil
	}

	mail := &store.Mail{
		UID:            importer.UID,
		GUID:           m.GUID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		AuthorHandle:   m.Author,
		URI:            m.Author + ":" + m.GUID,
		ParentURI:      conv.Creator + ":" + conv.GUID,
		Title:          conv.Subject,
		Body:           m.Text,
		Created:        m.CreatedAt,
	}
	if mail.Created.IsZero() {
		mail.Created = d.now()
	}
	if _, err := d.store.InsertMail(ctx, mail); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return OutcomeDuplicate, nil
		}
		return OutcomeRejected, fmt.Errorf("failed to store message %s: %w", m.GUID, err)
	}
	return OutcomePersisted, nil
}

// receiveAccountMigration moves every contact of the old handle to the new
// one after checking the migration signature against the old key.
func (d *Dispatcher) receiveAccountMigration(ctx context.Context, m *protocol.AccountMigration) (Outcome, error) {
	pub, err := d.keys.PublicKey(ctx, m.Author)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: old identity %s: %v", federation.ErrKeyNotFound, m.Author, err)
	}
	if err := protocol.VerifyRelayable(m.SignedText(), m.Signature, pub); err != nil {
		return OutcomeRejected, fmt.Errorf("account migration of %s: %w", m.Author, err)
	}

	contacts, err := d.store.ContactsByHandle(ctx, m.Author)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to load contacts of %s: %w", m.Author, err)
	}
	if len(contacts) == 0 {
		return OutcomeIgnored, nil
	}

	peer, err := d.keys.Resolve(ctx, m.NewHandle())
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to resolve new identity %s: %w", m.NewHandle(), err)
	}

	now := d.now()
	for _, c := range contacts {
		profile := m.Profile
		applyProfile(c, &profile)
		fresh := contactFromPeer(c.UID, peer, now)
		c.Handle = fresh.Handle
		c.URL = fresh.URL
		c.NotifyURL = fresh.NotifyURL
		c.BatchURL = fresh.BatchURL
		c.PublicKey = fresh.PublicKey
		c.Network = fresh.Network
		c.Updated = now
		if err := d.store.UpdateContact(ctx, c); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to move contact %d: %w", c.ID, err)
		}
	}
	d.logger.Info("Account moved",
		zap.String("from", m.Author), zap.String("to", m.NewHandle()), zap.Int("contacts", len(contacts)))
	return OutcomePersisted, nil
}

func (d *Dispatcher) receiveAccountDeletion(ctx context.Context, in *Inbound, m *protocol.AccountDeletion) (Outcome, error) {
	if !federation.SameHandle(in.Sender, m.Author) {
		return OutcomeRejected, fmt.Errorf("%w: %s may not delete %s",
			federation.ErrAuthorNotPermitted, in.Sender, m.Author)
	}
	contacts, err := d.store.ContactsByHandle(ctx, m.Author)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to load contacts of %s: %w", m.Author, err)
	}
	for _, c := range contacts {
		if err := d.store.RemoveContact(ctx, c.ID); err != nil && !isNotFound(err) {
			return OutcomeRejected, fmt.Errorf("failed to remove contact %d: %w", c.ID, err)
		}
	}
	d.logger.Info("Account deleted", zap.String("handle", m.Author), zap.Int("contacts", len(contacts)))
	return OutcomePersisted, nil
}
