package delivery

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
)

const DefaultArchiveThreshold = 3

// errSkip marks a dialect that has nothing to send for a job.
var errSkip = errors.New("nothing to send")

// Resolver is the identity surface the orchestrator needs.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (*store.Peer, error)
	PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error)
	MarkReachable(ctx context.Context, handle string) error
	MarkUnreachable(ctx context.Context, handle string, threshold int) (bool, error)
}

type Options struct {
	// Hostname of this node, used for followup detection and Message-Ids.
	Hostname         string
	BaseURL          string
	Diaspora         bool
	Mail             bool
	ArchiveThreshold int
	Blocklist        *federation.Blocklist
	Mailer           Mailer
	MailFrom         string
	Metrics          *federation.Metrics
	Logger           *zap.Logger
}

// Orchestrator turns delivery jobs into transmissions, choosing the dialect
// per peer and falling back between dialects on failure.
type Orchestrator struct {
	store store.Store
	keys  Resolver
	http  transport.Doer
	sched Scheduler

	hostname  string
	baseURL   string
	diaspora  bool
	mail      bool
	threshold int
	blocklist *federation.Blocklist
	mailer    Mailer
	mailFrom  string
	metrics   *federation.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(st store.Store, keys Resolver, http transport.Doer, sched Scheduler, opts Options) *Orchestrator {
	if opts.ArchiveThreshold <= 0 {
		opts.ArchiveThreshold = DefaultArchiveThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MailFrom == "" && opts.Hostname != "" {
		opts.MailFrom = "noreply@" + federation.StripPort(opts.Hostname)
	}

	return &Orchestrator{
		store:     st,
		keys:      keys,
		http:      http,
		sched:     sched,
		hostname:  opts.Hostname,
		baseURL:   opts.BaseURL,
		diaspora:  opts.Diaspora,
		mail:      opts.Mail,
		threshold: opts.ArchiveThreshold,
		blocklist: opts.Blocklist,
		mailer:    opts.Mailer,
		mailFrom:  opts.MailFrom,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// SetScheduler attaches the queue that receives deferred jobs.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.sched = s
}

// target is a loaded job.
type target struct {
	job   Job
	owner *store.User

	item   *store.Item
	parent *store.Item
	thr    *store.Item
	flags  ThreadFlags

	mail       *store.Mail
	conv       *store.Conversation
	suggestion *store.Suggestion
}

func (t *target) itemBased() bool {
	return t.item != nil
}

// Handle runs job for the worker pool. Deferred and skipped jobs are not
// errors.
func (o *Orchestrator) Handle(ctx context.Context, job Job) error {
	outcome, err := o.Deliver(ctx, job)
	if outcome == OutcomeFailed && err == nil {
		err = fmt.Errorf("delivery %s failed", job)
	}
	return err
}

// Deliver loads the target of job and transmits it to the job's contact.
func (o *Orchestrator) Deliver(ctx context.Context, job Job) (Outcome, error) {
	t, err := o.load(ctx, job)
	if err != nil {
		o.countFailed(ctx, job)
		return OutcomeFailed, err
	}

	contact, err := o.store.ContactByID(ctx, job.ContactID)
	if err != nil {
		o.countFailed(ctx, job)
		return OutcomeFailed, fmt.Errorf("contact %d: %w", job.ContactID, err)
	}
	if reason := o.unreachable(contact); reason != "" {
		o.logger.Debug("Skipping delivery",
			zap.Stringer("job", job), zap.String("contact", contact.Handle), zap.String("reason", reason))
		o.countFailed(ctx, job)
		return OutcomeFailed, nil
	}

	peer, err := o.keys.Resolve(ctx, contact.Handle)
	if err != nil {
		o.logger.Debug("Peer not resolvable", zap.String("contact", contact.Handle), zap.Error(err))
	}

	route := o.route(t, contact, peer)
	var failure error
	for {
		dialect := NextDialect(route)
		if dialect == federation.DialectNone {
			break
		}
		sendErr := o.send(ctx, dialect, t, contact, peer, route.Public)
		route.Last = dialect

		switch {
		case sendErr == nil:
			route.Prior = ResultDelivered
		case errors.Is(sendErr, errSkip):
			o.logger.Debug("Dialect skipped",
				zap.Stringer("job", job), zap.String("dialect", dialect.String()), zap.Error(sendErr))
			route.Prior = ResultFailed
		default:
			o.logger.Info("Delivery attempt failed",
				zap.Stringer("job", job),
				zap.String("contact", contact.Handle),
				zap.String("dialect", dialect.String()),
				zap.Error(sendErr))
			o.count(dialect, "failed")
			failure = sendErr
			route.Prior = ResultFailed
		}
	}

	switch {
	case route.Prior == ResultDelivered:
		o.delivered(ctx, t, contact, route.Last)
		return OutcomeDelivered, nil
	case failure == nil:
		return OutcomeSkipped, nil
	}
	return o.failed(ctx, t, contact, failure)
}

// load resolves the job's target together with the owner on whose behalf it
// is sent.
func (o *Orchestrator) load(ctx context.Context, job Job) (*target, error) {
	t := &target{job: job}
	var (
		uid int64
		err error
	)

	switch {
	case job.Command == CommandMail:
		if t.mail, err = o.store.MailByID(ctx, job.TargetID); err != nil {
			return nil, fmt.Errorf("mail %d: %w", job.TargetID, err)
		}
		if t.conv, err = o.store.ConversationByID(ctx, t.mail.ConversationID); err != nil {
			return nil, fmt.Errorf("conversation of mail %d: %w", job.TargetID, err)
		}
		uid = t.mail.UID
	case job.Command == CommandSuggest:
		if t.suggestion, err = o.store.SuggestionByID(ctx, job.TargetID); err != nil {
			return nil, fmt.Errorf("suggestion %d: %w", job.TargetID, err)
		}
		uid = t.suggestion.UID
	case job.Command.userCommand():
		uid = job.TargetID
	default:
		if t.item, err = o.store.ItemByID(ctx, job.TargetID); err != nil {
			return nil, fmt.Errorf("item %d: %w", job.TargetID, err)
		}
		t.parent = t.item
		if !t.item.IsTopLevel() {
			if t.parent, err = o.store.ItemByURI(ctx, t.item.UID, t.item.ParentURI); err != nil {
				return nil, fmt.Errorf("parent of item %d: %w", job.TargetID, err)
			}
		}
		t.thr = t.parent
		if t.item.ThrParent != "" && t.item.ThrParent != t.parent.URI {
			if thr, err := o.store.ItemByURI(ctx, t.item.UID, t.item.ThrParent); err == nil {
				t.thr = thr
			}
		}
		t.flags = Flags(t.item, t.parent, o.hostname)
		uid = t.item.UID
	}

	if uid == store.PublicUID {
		t.owner, err = o.store.FirstUser(ctx)
	} else {
		t.owner, err = o.store.UserByUID(ctx, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("owner %d of %s: %w", uid, job, err)
	}
	return t, nil
}

// unreachable returns why contact cannot receive anything, or "".
func (o *Orchestrator) unreachable(c *store.Contact) string {
	switch {
	case c.Self:
		return "self"
	case c.Archived:
		return "archived"
	case c.Blocked:
		return "blocked"
	case c.Pending:
		return "pending"
	case o.blocklist.IsURLBlocked(c.URL), o.blocklist.IsURLBlocked(c.Handle):
		return "blocklisted"
	}
	return ""
}

func (o *Orchestrator) route(t *target, c *store.Contact, peer *store.Peer) Route {
	r := Route{
		Declared: c.Network,
		Public:   c.UID == store.PublicUID,
		Relay:    c.ContactType == store.ContactRelay,
	}
	if peer != nil && !unknownDialect(peer.Dialect) && unknownDialect(r.Declared) {
		r.Declared = peer.Dialect
	}
	if r.Declared == "" {
		r.Declared = federation.DialectUnknown
	}
	if t.itemBased() {
		r.Public = r.Public || t.item.UID == store.PublicUID
		for _, i := range []*store.Item{t.item, t.parent, t.thr} {
			if i.Network == federation.DialectDiaspora {
				r.DiasporaThread = true
			}
		}
		r.ReshareDiasporaPeer = t.item.ObjectType == store.ObjectReshare &&
			peer != nil && peer.Dialect == federation.DialectDiaspora
	}
	return r
}

func (o *Orchestrator) send(ctx context.Context, dialect federation.Dialect, t *target, c *store.Contact, peer *store.Peer, public bool) error {
	start := o.now()
	var err error
	switch dialect {
	case federation.DialectNative:
		err = o.sendNative(ctx, t, c, public)
	case federation.DialectDiaspora:
		err = o.sendDiaspora(ctx, t, c, peer, public)
	case federation.DialectMail:
		err = o.sendMail(ctx, t, c)
	default:
		err = fmt.Errorf("%w: %s is not supported", errSkip, dialect)
	}
	if err == nil && o.metrics != nil {
		o.metrics.DeliveryLatency.WithLabelValues(dialect.String()).Observe(o.now().Sub(start).Seconds())
	}
	return err
}

// post transmits a sealed body and converts non-2xx answers into errors.
func (o *Orchestrator) post(ctx context.Context, url string, body []byte, contentType string) error {
	if url == "" {
		return fmt.Errorf("%w: no inbox url", errSkip)
	}
	resp, err := o.http.Post(ctx, url, body, map[string]string{"Content-Type": contentType})
	if err != nil {
		return err
	}
	return resp.Err()
}

// ownerKey parses the private key of the sending user.
func ownerKey(u *store.User) (*rsa.PrivateKey, error) {
	key, err := envelope.ParsePrivateKey(u.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: user %s: %v", federation.ErrKeyNotFound, u.Handle, err)
	}
	return key, nil
}

// contactKey returns the public key of c, resolving it when the contact
// record carries none.
func (o *Orchestrator) contactKey(ctx context.Context, c *store.Contact) (*rsa.PublicKey, error) {
	if c.PublicKey != "" {
		if pub, err := envelope.ParsePublicKey(c.PublicKey); err == nil {
			return pub, nil
		}
	}
	return o.keys.PublicKey(ctx, c.Handle)
}

func (o *Orchestrator) delivered(ctx context.Context, t *target, c *store.Contact, dialect federation.Dialect) {
	o.count(dialect, "delivered")
	now := o.now()

	same, err := o.store.ContactsByURL(ctx, c.URL)
	if err != nil || c.URL == "" {
		same = []*store.Contact{c}
	}
	for _, sc := range same {
		if !sc.Archived && sc.FailureCount == 0 && sc.ID != c.ID {
			continue
		}
		sc.Archived = false
		sc.FailureCount = 0
		sc.TermDate = time.Time{}
		sc.LastContact = now
		if err := o.store.UpdateContact(ctx, sc); err != nil {
			o.logger.Warn("Failed to unarchive contact", zap.Int64("contact", sc.ID), zap.Error(err))
		}
	}

	if err := o.keys.MarkReachable(ctx, c.Handle); err != nil {
		o.logger.Warn("Failed to mark peer reachable", zap.String("handle", c.Handle), zap.Error(err))
	}
	if t.itemBased() && t.job.Command.counted() {
		if err := o.store.IncrementDone(ctx, t.item.ID, dialect); err != nil {
			o.logger.Warn("Failed to count delivery", zap.Int64("item", t.item.ID), zap.Error(err))
		}
	}
	o.logger.Debug("Delivered",
		zap.Stringer("job", t.job), zap.String("contact", c.Handle), zap.String("dialect", dialect.String()))
}

func (o *Orchestrator) failed(ctx context.Context, t *target, c *store.Contact, cause error) (Outcome, error) {
	o.markForArchival(ctx, c)
	if _, err := o.keys.MarkUnreachable(ctx, c.Handle, o.threshold); err != nil {
		o.logger.Warn("Failed to mark peer unreachable", zap.String("handle", c.Handle), zap.Error(err))
	}

	if c.ContactType == store.ContactRelay || t.job.Command.oneShot() || o.sched == nil {
		o.countFailed(ctx, t.job)
		return OutcomeFailed, cause
	}

	next := t.job
	next.Attempt++
	if !o.sched.Defer(ctx, next, next.Attempt) {
		o.logger.Warn("Giving up delivery",
			zap.Stringer("job", t.job), zap.String("contact", c.Handle), zap.Error(cause))
		o.countFailed(ctx, t.job)
		return OutcomeFailed, cause
	}
	return OutcomeDeferred, nil
}

// markForArchival records a failed delivery on c and archives it once the
// threshold is reached.
func (o *Orchestrator) markForArchival(ctx context.Context, c *store.Contact) {
	c.FailureCount++
	if c.TermDate.IsZero() {
		c.TermDate = o.now()
	}
	if c.FailureCount >= o.threshold && !c.Archived {
		c.Archived = true
		o.logger.Warn("Archiving contact",
			zap.String("contact", c.Handle), zap.Int("failures", c.FailureCount))
	}
	if err := o.store.UpdateContact(ctx, c); err != nil {
		o.logger.Warn("Failed to update contact", zap.Int64("contact", c.ID), zap.Error(err))
	}
}

// countFailed bumps the failed counter of item deliveries.
func (o *Orchestrator) countFailed(ctx context.Context, job Job) {
	if !job.Command.counted() {
		return
	}
	if err := o.store.IncrementFailed(ctx, job.TargetID); err != nil {
		o.logger.Warn("Failed to count failure", zap.Int64("item", job.TargetID), zap.Error(err))
	}
}

func (o *Orchestrator) count(dialect federation.Dialect, result string) {
	if o.metrics != nil {
		o.metrics.Deliveries.WithLabelValues(dialect.String(), result).Inc()
	}
}
