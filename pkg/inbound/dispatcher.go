// Package inbound authenticates, classifies and applies messages received
// from remote peers.
package inbound

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"fedcore/pkg/config"
	"fedcore/pkg/delivery"
	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
)

const (
	DefaultMaxFetchDepth    = 5
	DefaultParticipationTTL = 15 * time.Minute
)

// Outcome is the terminal state of one inbound message.
type Outcome int

const (
	OutcomePersisted Outcome = iota
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeRejected
	OutcomeRelayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRelayed:
		return "relayed"
	default:
		return "rejected"
	}
}

// Resolver resolves remote identities and their keys.
type Resolver interface {
	envelope.KeyResolver
	Resolve(ctx context.Context, handle string) (*store.Peer, error)
}

// Notifier sends the direct notices owed to remote peers.
type Notifier interface {
	SendParticipation(ctx context.Context, owner *store.User, contact *store.Contact, item *store.Item) error
	SendShare(ctx context.Context, owner *store.User, contact *store.Contact) error
	SendProfile(ctx context.Context, owner *store.User, contact *store.Contact) error
}

// Importer is the scope a message is received in. The public scope has uid 0
// and no user.
type Importer struct {
	UID  int64
	User *store.User
}

// PublicScope is the importer of messages posted to the public inbox.
var PublicScope = Importer{UID: store.PublicUID}

func (i Importer) public() bool {
	return i.UID == store.PublicUID
}

// Inbound is a verified payload together with its envelope signer.
type Inbound struct {
	Message *protocol.Message
	Sender  string
	// Fetched marks messages pulled from a remote server instead of pushed.
	Fetched bool
}

type Options struct {
	Relay            config.RelayConfig
	DiasporaDisabled bool
	MaxFetchDepth    int
	ParticipationTTL time.Duration
	Blocklist        *federation.Blocklist
	Metrics          *federation.Metrics
	Logger           *zap.Logger
}

// Dispatcher routes verified messages to their kind handlers.
type Dispatcher struct {
	store    store.Store
	keys     Resolver
	http     transport.Doer
	sched    delivery.Scheduler
	notifier Notifier

	relay            config.RelayConfig
	diasporaDisabled bool
	maxDepth         int
	blocklist        *federation.Blocklist
	participations   *cache.Cache
	metrics          *federation.Metrics
	logger           *zap.Logger
	now              func() time.Time
}

func New(st store.Store, keys Resolver, http transport.Doer, sched delivery.Scheduler, notifier Notifier, opts Options) *Dispatcher {
	if opts.MaxFetchDepth <= 0 {
		opts.MaxFetchDepth = DefaultMaxFetchDepth
	}
	if opts.ParticipationTTL <= 0 {
		opts.ParticipationTTL = DefaultParticipationTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Dispatcher{
		store:            st,
		keys:             keys,
		http:             http,
		sched:            sched,
		notifier:         notifier,
		relay:            opts.Relay,
		diasporaDisabled: opts.DiasporaDisabled,
		maxDepth:         opts.MaxFetchDepth,
		blocklist:        opts.Blocklist,
		participations:   cache.New(opts.ParticipationTTL, 2*opts.ParticipationTTL),
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		now:              time.Now,
	}
}

// ReceivePublic handles a body posted to the public inbox.
func (d *Dispatcher) ReceivePublic(ctx context.Context, body []byte) (Outcome, error) {
	return d.receive(ctx, PublicScope, body, nil)
}

// ReceivePrivate handles a body posted to the inbox of the user with guid.
func (d *Dispatcher) ReceivePrivate(ctx context.Context, guid string, body []byte) (Outcome, error) {
	u, err := d.store.UserByGUID(ctx, guid)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("unknown recipient %s: %w", guid, err)
	}
	priv, err := envelope.ParsePrivateKey(u.PrivateKey)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("recipient %s has no usable key: %w", u.Handle, err)
	}
	return d.receive(ctx, Importer{UID: u.UID, User: u}, body, priv)
}

func (d *Dispatcher) receive(ctx context.Context, importer Importer, body []byte, priv *rsa.PrivateKey) (Outcome, error) {
	opened, err := envelope.Open(ctx, body, priv, d.keys)
	if err != nil {
		d.verificationFailed(err)
		return OutcomeRejected, err
	}

	msg, err := protocol.Parse(opened.Payload)
	if err != nil && !errors.Is(err, federation.ErrUnknownMessageKind) {
		return OutcomeRejected, err
	}

	b := NewBatch()
	outcome, err := d.Dispatch(ctx, importer, &Inbound{Message: msg, Sender: opened.Author}, b)
	if cerr := d.Commit(ctx, b); cerr != nil {
		d.logger.Warn("Failed to commit inbound batch", zap.Error(cerr))
	}
	return outcome, err
}

// Dispatch applies one verified message in the scope of importer. Follow-up
// work is collected in b and runs on Commit.
func (d *Dispatcher) Dispatch(ctx context.Context, importer Importer, in *Inbound, b *Batch) (Outcome, error) {
	outcome, err := d.dispatch(ctx, importer, in, b)
	if err != nil && federation.IsSoft(err) {
		d.logger.Info("Ignoring message", zap.String("sender", in.Sender), zap.Error(err))
		err = nil
	}

	kind := in.Message.Kind.String()
	if d.metrics != nil {
		d.metrics.Inbound.WithLabelValues(kind, outcome.String()).Inc()
	}
	if err != nil {
		d.logger.Info("Rejected message",
			zap.String("kind", kind),
			zap.String("guid", in.Message.GUID),
			zap.String("sender", in.Sender),
			zap.Int64("uid", importer.UID),
			zap.Error(err))
	} else {
		d.logger.Debug("Dispatched message",
			zap.String("kind", kind),
			zap.String("guid", in.Message.GUID),
			zap.Int64("uid", importer.UID),
			zap.String("outcome", outcome.String()))
	}
	return outcome, err
}

func (d *Dispatcher) dispatch(ctx context.Context, importer Importer, in *Inbound, b *Batch) (Outcome, error) {
	msg := in.Message
	if msg.Kind == protocol.KindUnknown || msg.Body == nil {
		return OutcomeIgnored, fmt.Errorf("%w: %s", federation.ErrUnknownMessageKind, msg.Kind)
	}
	if d.diasporaDisabled {
		return OutcomeIgnored, nil
	}
	if importer.public() && msg.Kind.PrivateOnly() {
		return OutcomeRejected, fmt.Errorf("%w: %s is not accepted on the public inbox",
			federation.ErrAuthorNotPermitted, msg.Kind)
	}
	if err := protocol.Validate(ctx, msg, in.Sender, d.keys); err != nil {
		d.verificationFailed(err)
		return OutcomeRejected, err
	}

	switch body := msg.Body.(type) {
	case *protocol.StatusMessage:
		return d.receiveStatusMessage(ctx, importer, in, body, b)
	case *protocol.Reshare:
		return d.receiveReshare(ctx, importer, body, b)
	case *protocol.Comment:
		return d.receiveComment(ctx, importer, in, body, b)
	case *protocol.Like:
		return d.receiveLike(ctx, importer, in, body, b)
	case *protocol.Participation:
		return d.receiveParticipation(ctx, importer, body, b)
	case *protocol.Retraction:
		return d.receiveRetraction(ctx, importer, in, body)
	case *protocol.Profile:
		return d.receiveProfile(ctx, importer, body)
	case *protocol.Contact:
		return d.receiveContact(ctx, importer, body, b)
	case *protocol.Conversation:
		return d.receiveConversation(ctx, importer, body)
	case *protocol.PrivateMessage:
		return d.receiveMessage(ctx, importer, body)
	case *protocol.AccountMigration:
		return d.receiveAccountMigration(ctx, body)
	case *protocol.AccountDeletion:
		return d.receiveAccountDeletion(ctx, in, body)
	case *protocol.PhotoUpload, *protocol.PollAnswer:
		return OutcomeIgnored, nil
	}
	return OutcomeIgnored, fmt.Errorf("%w: %s", federation.ErrUnknownMessageKind, msg.Kind)
}

// allowedContact returns the contact handle posts as in the scope of
// importer, or ErrAuthorNotPermitted. Replies from strangers fall back to
// the public contact.
func (d *Dispatcher) allowedContact(ctx context.Context, importer Importer, handle string, reply bool) (*store.Contact, error) {
	c, err := d.store.ContactByHandle(ctx, importer.UID, handle)
	switch {
	case err == nil:
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to load contact %s: %w", handle, err)
	case importer.public() || reply:
		if c, err = d.publicContact(ctx, handle); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a contact of uid %d",
			federation.ErrAuthorNotPermitted, handle, importer.UID)
	}

	if !d.postAllowed(importer, c, reply) {
		return nil, fmt.Errorf("%w: %s may not post to uid %d",
			federation.ErrAuthorNotPermitted, handle, importer.UID)
	}
	return c, nil
}

func (d *Dispatcher) postAllowed(importer Importer, c *store.Contact, reply bool) bool {
	if d.contactBlocked(c) {
		return false
	}
	if c.IsFollowed() {
		return true
	}
	if c.Relation == store.RelationFollower && importer.User != nil &&
		importer.User.AccountType == store.AccountCommunity {
		return true
	}
	return importer.public() || reply
}

// contactBlocked reports whether c is blocked locally or lives on a
// block-listed host.
func (d *Dispatcher) contactBlocked(c *store.Contact) bool {
	return c.Blocked || d.blocklist.IsURLBlocked(c.Handle) || d.blocklist.IsURLBlocked(c.URL)
}

// publicContact returns the uid 0 contact of handle, creating it from the
// resolved peer identity when missing.
func (d *Dispatcher) publicContact(ctx context.Context, handle string) (*store.Contact, error) {
	c, err := d.store.ContactByHandle(ctx, store.PublicUID, handle)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load public contact %s: %w", handle, err)
	}

	peer, err := d.keys.Resolve(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve %s: %v", federation.ErrAuthorNotPermitted, handle, err)
	}
	c = contactFromPeer(store.PublicUID, peer, d.now())
	id, err := d.store.InsertContact(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		return d.store.ContactByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create public contact %s: %w", handle, err)
	}
	c.ID = id
	return c, nil
}

func contactFromPeer(uid int64, peer *store.Peer, now time.Time) *store.Contact {
	c := &store.Contact{
		UID:       uid,
		Handle:    peer.Handle,
		URL:       peer.ProfileURL,
		Name:      peer.Name,
		Network:   peer.Dialect,
		NotifyURL: peer.NotifyURL,
		BatchURL:  peer.BatchURL,
		PublicKey: peer.PublicKey,
		Updated:   now,
	}
	if h, err := federation.ParseHandle(peer.Handle); err == nil {
		c.Nick = h.User
		if c.URL == "" {
			c.URL = h.BaseURL() + "/u/" + h.User
		}
	}
	if c.Name == "" {
		c.Name = c.Nick
	}
	return c
}

// exists reports whether guid is already stored for uid.
func (d *Dispatcher) exists(ctx context.Context, uid int64, guid string) bool {
	_, err := d.store.ItemByGUID(ctx, uid, guid)
	return err == nil
}

// uriFor returns the URI of guid, reusing a stored copy when there is one.
func (d *Dispatcher) uriFor(ctx context.Context, author, guid string) string {
	if items, err := d.store.ItemsByGUID(ctx, guid); err == nil && len(items) > 0 {
		return items[0].URI
	}
	if h, err := federation.ParseHandle(author); err == nil {
		return h.BaseURL() + "/objects/" + guid
	}
	return author + ":" + guid
}

func (d *Dispatcher) newItem(uid int64, contact *store.Contact, author, guid, uri string) *store.Item {
	now := d.now()
	return &store.Item{
		UID:           uid,
		GUID:          guid,
		URI:           uri,
		Network:       federation.DialectDiaspora,
		ContactID:     contact.ID,
		AuthorHandle:  author,
		AuthorDialect: contact.Network,
		OwnerHandle:   contact.Handle,
		OwnerLink:     contact.URL,
		Created:       now,
		Edited:        now,
		Received:      now,
		Direction:     store.DirectionPush,
	}
}

// persist stores item and schedules distribution of public scope copies.
func (d *Dispatcher) persist(ctx context.Context, item *store.Item, b *Batch) (Outcome, error) {
	id, err := d.store.InsertItem(ctx, item)
	if errors.Is(err, store.ErrDuplicate) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store %s: %w", item.GUID, err)
	}
	item.ID = id
	b.persisted(item)
	if item.UID == store.PublicUID {
		b.distribute(item)
	}
	return OutcomePersisted, nil
}

func (d *Dispatcher) verificationFailed(err error) {
	if d.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, federation.ErrSignatureInvalid):
		reason = "signature"
	case errors.Is(err, federation.ErrKeyNotFound):
		reason = "key"
	case errors.Is(err, federation.ErrMalformedEnvelope):
		reason = "malformed"
	case errors.Is(err, federation.ErrAuthorNotPermitted):
		reason = "author"
	}
	d.metrics.VerificationFailures.WithLabelValues(reason).Inc()
}
