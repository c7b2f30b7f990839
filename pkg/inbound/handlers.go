package inbound

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fedcore/pkg/delivery"
	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
)

func (d *Dispatcher) receiveStatusMessage(ctx context.Context, importer Importer, in *Inbound, s *protocol.StatusMessage, b *Batch) (Outcome, error) {
	contact, err := d.allowedContact(ctx, importer, s.Author, false)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, importer.UID, s.GUID) {
		return OutcomeDuplicate, nil
	}

	uri := d.uriFor(ctx, s.Author, s.GUID)
	item := d.newItem(importer.UID, contact, s.Author, s.GUID, uri)
	item.ParentURI, item.ThrParent = uri, uri
	item.Gravity = store.GravityParent
	item.Verb = store.VerbPost
	item.ObjectType = store.ObjectPost
	item.Wall = true
	item.Provider = s.ProviderDisplayName

	body := s.Text
	for i := len(s.Photos) - 1; i >= 0; i-- {
		body = "[img]" + s.Photos[i].URL() + "[/img]\n" + body
	}
	item.Body = body
	item.Tags = protocol.Hashtags(s.Text)
	item.Mentions = protocol.Mentions(s.Text)

	if !s.CreatedAt.IsZero() {
		item.Created, item.Edited = s.CreatedAt, s.CreatedAt
	}
	if !s.EditedAt.IsZero() {
		item.Edited = s.EditedAt
	}
	if loc := s.Location; loc != nil {
		item.Location = loc.Address
		if loc.Lat != "" && loc.Lng != "" {
			item.Coord = loc.Lat + " " + loc.Lng
		}
	}
	if !s.Public {
		item.Visibility = store.VisibilityPrivate
	}
	if in.Fetched {
		item.Direction = store.DirectionPull
	}

	if !in.Fetched && !d.solicited(ctx, importer, contact, item) {
		b.purge(uri)
		return OutcomeRejected, fmt.Errorf("%w: unsolicited post %s from %s",
			federation.ErrAuthorNotPermitted, s.GUID, s.Author)
	}

	outcome, err := d.persist(ctx, item, b)
	if outcome == OutcomePersisted && !item.IsPrivate() {
		b.notify(notice{kind: noticeParticipation, contact: contact, item: item})
	}
	return outcome, err
}

func (d *Dispatcher) receiveReshare(ctx context.Context, importer Importer, r *protocol.Reshare, b *Batch) (Outcome, error) {
	contact, err := d.allowedContact(ctx, importer, r.Author, false)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, importer.UID, r.GUID) {
		return OutcomeDuplicate, nil
	}

	root, err := d.originalItem(ctx, b, r.RootGUID, r.RootAuthor)
	if err != nil {
		return OutcomeRejected, err
	}

	uri := d.uriFor(ctx, r.Author, r.GUID)
	item := d.newItem(importer.UID, contact, r.Author, r.GUID, uri)
	item.ParentURI, item.ThrParent = uri, uri
	item.Gravity = store.GravityParent
	item.Verb = store.VerbPost
	item.ObjectType = store.ObjectReshare
	item.Wall = true
	item.Provider = r.ProviderDisplayName
	item.Body = protocol.ShareBody(root.AuthorHandle, root.GUID, root.URI, root.Body)
	item.Tags = root.Tags
	if !r.CreatedAt.IsZero() {
		item.Created, item.Edited = r.CreatedAt, r.CreatedAt
	}
	if !r.Public {
		item.Visibility = store.VisibilityPrivate
	}

	outcome, err := d.persist(ctx, item, b)
	if outcome == OutcomePersisted && !item.IsPrivate() {
		b.notify(notice{kind: noticeParticipation, contact: contact, item: item})
	}
	return outcome, err
}

func (d *Dispatcher) receiveComment(ctx context.Context, importer Importer, in *Inbound, c *protocol.Comment, b *Batch) (Outcome, error) {
	contact, err := d.allowedContact(ctx, importer, in.Sender, true)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, importer.UID, c.GUID) {
		return OutcomeDuplicate, nil
	}

	parent, err := d.parentItem(ctx, importer, b, c.ParentGUID, c.Author, contact)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, parent.UID, c.GUID) {
		return OutcomeDuplicate, nil
	}
	top := d.topLevel(ctx, parent)

	thr := top.URI
	if c.ThreadParentGUID != "" {
		if tp, err := d.store.ItemByGUID(ctx, parent.UID, c.ThreadParentGUID); err == nil {
			thr = tp.URI
		}
	}

	item := d.reply(ctx, parent.UID, contact, c.Author, c.GUID, top)
	item.ThrParent = thr
	item.Gravity = store.GravityComment
	item.Verb = store.VerbPost
	item.ObjectType = store.ObjectComment
	item.Body = c.Text
	item.Tags = protocol.Hashtags(c.Text)
	item.Mentions = protocol.Mentions(c.Text)
	if !c.CreatedAt.IsZero() {
		item.Created, item.Edited = c.CreatedAt, c.CreatedAt
	}
	if !c.EditedAt.IsZero() {
		item.Edited = c.EditedAt
	}
	if top.Origin {
		item.SignedText = protocol.EncodeSigned(in.Message.Fields)
	}

	return d.persistReply(ctx, item, top, contact, b)
}

func (d *Dispatcher) receiveLike(ctx context.Context, importer Importer, in *Inbound, l *protocol.Like, b *Batch) (Outcome, error) {
	if l.ParentType != store.ObjectPost && l.ParentType != store.ObjectComment {
		return OutcomeRejected, fmt.Errorf("%w: like on %q", federation.ErrProtocolUnsupported, l.ParentType)
	}
	contact, err := d.allowedContact(ctx, importer, in.Sender, true)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, importer.UID, l.GUID) {
		return OutcomeDuplicate, nil
	}

	parent, err := d.parentItem(ctx, importer, b, l.ParentGUID, l.Author, contact)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, parent.UID, l.GUID) {
		return OutcomeDuplicate, nil
	}

	verb := store.VerbDislike
	if l.Positive {
		verb = store.VerbLike
	}
	// one reaction per author and target
	dup, err := d.store.ReactionExists(ctx, parent.UID, l.Author, parent.URI, verb)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to check reactions on %s: %w", parent.GUID, err)
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	top := d.topLevel(ctx, parent)
	item := d.reply(ctx, parent.UID, contact, l.Author, l.GUID, top)
	item.ThrParent = parent.URI
	item.Gravity = store.GravityActivity
	item.Verb = verb
	item.ObjectType = l.ParentType
	if top.Origin {
		item.SignedText = protocol.EncodeSigned(in.Message.Fields)
	}

	return d.persistReply(ctx, item, top, contact, b)
}

func (d *Dispatcher) receiveParticipation(ctx context.Context, importer Importer, p *protocol.Participation, b *Batch) (Outcome, error) {
	contact, err := d.allowedContact(ctx, importer, p.Author, true)
	if err != nil {
		return OutcomeRejected, err
	}
	if d.exists(ctx, importer.UID, p.GUID) {
		return OutcomeDuplicate, nil
	}

	parent, err := d.parentItem(ctx, importer, b, p.ParentGUID, p.Author, contact)
	if err != nil {
		return OutcomeRejected, err
	}
	if !parent.Origin {
		d.logger.Info("Participation on a foreign post",
			zap.String("guid", parent.GUID), zap.String("author", p.Author))
		return OutcomeIgnored, nil
	}
	if parent.IsPrivate() {
		return OutcomeRejected, fmt.Errorf("%w: participation on private post %s",
			federation.ErrAuthorNotPermitted, parent.GUID)
	}

	top := d.topLevel(ctx, parent)
	item := d.reply(ctx, parent.UID, contact, p.Author, p.GUID, top)
	item.ThrParent = parent.URI
	item.Gravity = store.GravityActivity
	item.Verb = store.VerbFollow
	item.ObjectType = p.ParentType

	outcome, err := d.persist(ctx, item, b)
	if outcome != OutcomePersisted {
		return outcome, err
	}

	// the new participant gets the replies so far
	thread, err := d.store.ThreadItems(ctx, top.UID, top.URI)
	if err != nil {
		return outcome, fmt.Errorf("failed to load thread %s: %w", top.GUID, err)
	}
	byURI := map[string]*store.Item{top.URI: top}
	for _, t := range thread {
		byURI[t.URI] = t
	}
	queued := 0
	for _, t := range thread {
		if t.ID == item.ID || t.Verb == store.VerbFollow || t.Verb == store.VerbTag {
			continue
		}
		if t.Gravity != store.GravityComment && t.Gravity != store.GravityActivity {
			continue
		}
		if replied, ok := byURI[t.ThrParent]; ok && replied.AuthorDialect == federation.DialectActivityPub {
			continue
		}
		b.enqueue(delivery.Job{Command: delivery.CommandWallNew, TargetID: t.ID, ContactID: contact.ID})
		queued++
	}
	d.logger.Debug("Queued thread for new participant",
		zap.String("guid", top.GUID), zap.String("author", p.Author), zap.Int("items", queued))
	return outcome, nil
}

// topLevel returns the thread starter of item, or item itself when the
// starter is not stored.
func (d *Dispatcher) topLevel(ctx context.Context, item *store.Item) *store.Item {
	if item.IsTopLevel() {
		return item
	}
	if top, err := d.store.ItemByURI(ctx, item.UID, item.ParentURI); err == nil {
		return top
	}
	return item
}

// reply prepares an item below top in the scope uid.
func (d *Dispatcher) reply(ctx context.Context, uid int64, sender *store.Contact, author, guid string, top *store.Item) *store.Item {
	authorContact := sender
	if !federation.SameHandle(sender.Handle, author) {
		if c, err := d.store.ContactByHandle(ctx, uid, author); err == nil {
			authorContact = c
		}
	}
	item := d.newItem(uid, authorContact, author, guid, d.uriFor(ctx, author, guid))
	item.OwnerHandle = sender.Handle
	item.OwnerLink = sender.URL
	item.ParentURI = top.URI
	item.Visibility = top.Visibility
	item.AllowList = append([]string(nil), top.AllowList...)
	item.DenyList = append([]string(nil), top.DenyList...)
	return item
}

// persistReply stores a comment or like and, when the thread is ours,
// relays it to the other participants.
func (d *Dispatcher) persistReply(ctx context.Context, item, top *store.Item, from *store.Contact, b *Batch) (Outcome, error) {
	outcome, err := d.persist(ctx, item, b)
	if outcome != OutcomePersisted || !top.Origin {
		return outcome, err
	}
	if n := d.relayReply(ctx, b, item, top, from); n > 0 {
		return OutcomeRelayed, nil
	}
	return outcome, nil
}

// relayReply queues item for every contact that took part in the thread of top,
// except the peer it came from and its author.
func (d *Dispatcher) relayReply(ctx context.Context, b *Batch, item, top *store.Item, from *store.Contact) int {
	thread, err := d.store.ThreadItems(ctx, top.UID, top.URI)
	if err != nil {
		d.logger.Warn("Failed to load thread for relay", zap.String("guid", top.GUID), zap.Error(err))
		return 0
	}

	skip := map[int64]bool{0: true, from.ID: true, item.ContactID: true}
	n := 0
	for _, t := range thread {
		if skip[t.ContactID] {
			continue
		}
		skip[t.ContactID] = true
		c, err := d.store.ContactByID(ctx, t.ContactID)
		if err != nil || c.Self || c.Blocked {
			continue
		}
		b.enqueue(delivery.Job{Command: delivery.CommandWallNew, TargetID: item.ID, ContactID: c.ID})
		n++
	}
	return n
}

func (d *Dispatcher) receiveRetraction(ctx context.Context, importer Importer, in *Inbound, r *protocol.Retraction) (Outcome, error) {
	switch r.TargetType {
	case "Contact", "Person":
		return d.retractContact(ctx, importer, r)
	case "Comment", "Like", "Post", "Reshare", "StatusMessage":
		return d.retractItem(ctx, importer, in.Sender, r)
	case "Photo", "PollParticipation":
		return OutcomeIgnored, nil
	}
	return OutcomeRejected, fmt.Errorf("%w: retraction of %q", federation.ErrProtocolUnsupported, r.TargetType)
}

func (d *Dispatcher) retractContact(ctx context.Context, importer Importer, r *protocol.Retraction) (Outcome, error) {
	c, err := d.store.ContactByHandle(ctx, importer.UID, r.Author)
	if isNotFound(err) {
		return OutcomeRejected, fmt.Errorf("%w: %s is not a contact", federation.ErrAuthorNotPermitted, r.Author)
	}
	if err != nil {
		return OutcomeRejected, err
	}
	return d.removeSharer(ctx, c)
}

// removeSharer ends the contact's sharing with the user.
func (d *Dispatcher) removeSharer(ctx context.Context, c *store.Contact) (Outcome, error) {
	switch c.Relation {
	case store.RelationSharing:
		if err := d.store.RemoveContact(ctx, c.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to remove contact %s: %w", c.Handle, err)
		}
	case store.RelationFriend:
		c.Relation = store.RelationFollower
		c.Updated = d.now()
		if err := d.store.UpdateContact(ctx, c); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to update contact %s: %w", c.Handle, err)
		}
	default:
		return OutcomeIgnored, nil
	}
	return OutcomePersisted, nil
}

// retractItem deletes every copy of the target in scope. Only the item
// author or the thread owner may retract.
func (d *Dispatcher) retractItem(ctx context.Context, importer Importer, sender string, r *protocol.Retraction) (Outcome, error) {
	var items []*store.Item
	if importer.public() {
		all, err := d.store.ItemsByGUID(ctx, r.TargetGUID)
		if err != nil {
			return OutcomeRejected, fmt.Errorf("failed to load %s: %w", r.TargetGUID, err)
		}
		items = all
	} else if item, err := d.store.ItemByGUID(ctx, importer.UID, r.TargetGUID); err == nil {
		items = []*store.Item{item}
	}

	deleted, denied := 0, 0
	for _, item := range items {
		if item.Deleted || item.Filed {
			continue
		}
		if !d.mayRetract(ctx, item, sender) {
			denied++
			continue
		}
		if err := d.store.MarkItemDeleted(ctx, item.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to delete %s: %w", item.GUID, err)
		}
		deleted++
	}

	switch {
	case deleted > 0:
		d.logger.Debug("Retracted item", zap.String("guid", r.TargetGUID), zap.Int("copies", deleted))
		return OutcomePersisted, nil
	case denied > 0:
		return OutcomeRejected, fmt.Errorf("%w: %s may not retract %s",
			federation.ErrAuthorNotPermitted, sender, r.TargetGUID)
	}
	return OutcomeRejected, fmt.Errorf("%w: retraction target %s", federation.ErrParentNotFound, r.TargetGUID)
}

func (d *Dispatcher) mayRetract(ctx context.Context, item *store.Item, sender string) bool {
	if federation.SameHandle(item.AuthorHandle, sender) {
		return true
	}
	if item.IsTopLevel() {
		return false
	}
	parent, err := d.store.ItemByURI(ctx, item.UID, item.ParentURI)
	return err == nil && federation.SameHandle(parent.AuthorHandle, sender)
}
