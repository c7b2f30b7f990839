package inbound

import (
	"context"
	"errors"
	"fmt"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"fedcore/pkg/delivery"
	"fedcore/pkg/store"
)

type noticeKind int

const (
	noticeParticipation noticeKind = iota
	noticeShare
	noticeProfile
)

type notice struct {
	kind    noticeKind
	owner   *store.User
	contact *store.Contact
	item    *store.Item
}

// Batch collects the side effects of one inbound request. Handlers only
// record work here; Commit performs it.
type Batch struct {
	items   []*store.Item
	purges  []string
	jobs    []delivery.Job
	notices []notice
	spread  []*store.Item
	fetched map[string]bool
}

func NewBatch() *Batch {
	return &Batch{fetched: make(map[string]bool)}
}

// Items returns the items persisted so far.
func (b *Batch) Items() []*store.Item {
	return b.items
}

// Jobs returns the delivery jobs waiting for Commit.
func (b *Batch) Jobs() []delivery.Job {
	return b.jobs
}

func (b *Batch) persisted(item *store.Item) {
	b.items = append(b.items, item)
}

func (b *Batch) purge(uri string) {
	b.purges = append(b.purges, uri)
}

func (b *Batch) enqueue(job delivery.Job) {
	b.jobs = append(b.jobs, job)
}

func (b *Batch) notify(n notice) {
	b.notices = append(b.notices, n)
}

func (b *Batch) distribute(item *store.Item) {
	b.spread = append(b.spread, item)
}

// markFetched records a fetch of guid from server and reports whether it is
// the first one in this batch.
func (b *Batch) markFetched(server, guid string) bool {
	key := server + "|" + guid
	if b.fetched[key] {
		return false
	}
	b.fetched[key] = true
	return true
}

// Commit performs the work collected in b: URI purges, distribution of
// public items, queued deliveries and direct notices. Every step runs even
// when an earlier one fails.
func (d *Dispatcher) Commit(ctx context.Context, b *Batch) error {
	var errs []error

	for _, uri := range b.purges {
		if err := d.store.PurgeURI(ctx, uri); err != nil {
			errs = append(errs, fmt.Errorf("failed to purge %s: %w", uri, err))
		}
	}

	for _, item := range b.spread {
		if err := d.distributeItem(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}

	for _, job := range b.jobs {
		if d.sched == nil {
			d.logger.Warn("No scheduler, dropping job", zap.Stringer("job", job))
			continue
		}
		if err := d.sched.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("failed to enqueue %s: %w", job, err))
			continue
		}
		if err := d.store.IncrementQueued(ctx, job.TargetID, 1); err != nil {
			errs = append(errs, err)
		}
	}

	for _, n := range b.notices {
		if err := d.sendNotice(ctx, n); err != nil {
			d.logger.Warn("Failed to send notice",
				zap.String("contact", n.contact.Handle), zap.Error(err))
		}
	}

	b.purges, b.spread, b.jobs, b.notices = nil, nil, nil, nil
	return errors.Join(errs...)
}

func (d *Dispatcher) sendNotice(ctx context.Context, n notice) error {
	if d.notifier == nil {
		return nil
	}
	switch n.kind {
	case noticeShare:
		return d.notifier.SendShare(ctx, n.owner, n.contact)
	case noticeProfile:
		return d.notifier.SendProfile(ctx, n.owner, n.contact)
	}

	if n.item.IsPrivate() {
		return nil
	}
	if err := d.participations.Add(n.item.GUID, struct{}{}, cache.DefaultExpiration); err != nil {
		d.logger.Debug("Participation already sent", zap.String("guid", n.item.GUID))
		return nil
	}
	owner, err := d.participationOwner(ctx, n.item)
	if err != nil {
		return err
	}
	d.logger.Debug("Sending participation",
		zap.String("guid", n.item.GUID), zap.String("author", owner.Handle))
	return d.notifier.SendParticipation(ctx, owner, n.contact, n.item)
}

// participationOwner picks the local user that signs a participation: the
// item owner, or the first user for public scope items.
func (d *Dispatcher) participationOwner(ctx context.Context, item *store.Item) (*store.User, error) {
	if item.UID == store.PublicUID {
		u, err := d.store.FirstUser(ctx)
		if err != nil {
			return nil, fmt.Errorf("no local user to send participation: %w", err)
		}
		return u, nil
	}
	return d.store.UserByUID(ctx, item.UID)
}

// distributeItem copies a public scope item to every local user that
// follows its author. Replies go to the users holding the thread instead.
func (d *Dispatcher) distributeItem(ctx context.Context, item *store.Item) error {
	type target struct{ uid, contactID int64 }
	var targets []target

	if item.IsTopLevel() {
		followers, err := d.store.FollowersOf(ctx, item.AuthorHandle)
		if err != nil {
			return fmt.Errorf("failed to load followers of %s: %w", item.AuthorHandle, err)
		}
		for _, c := range followers {
			targets = append(targets, target{c.UID, c.ID})
		}
	} else {
		parent, err := d.store.ItemByURI(ctx, item.UID, item.ParentURI)
		if err != nil {
			return nil
		}
		copies, err := d.store.ItemsByGUID(ctx, parent.GUID)
		if err != nil {
			return fmt.Errorf("failed to load copies of %s: %w", parent.GUID, err)
		}
		for _, p := range copies {
			if p.UID == store.PublicUID || p.Deleted {
				continue
			}
			t := target{uid: p.UID, contactID: item.ContactID}
			if c, err := d.store.ContactByHandle(ctx, p.UID, item.AuthorHandle); err == nil {
				t.contactID = c.ID
			}
			targets = append(targets, t)
		}
	}

	seen := make(map[int64]bool)
	for _, t := range targets {
		if seen[t.uid] {
			continue
		}
		seen[t.uid] = true

		cp := *item
		cp.ID = 0
		cp.UID = t.uid
		cp.ContactID = t.contactID
		cp.Origin = false
		if _, err := d.store.InsertItem(ctx, &cp); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("failed to distribute %s to uid %d: %w", item.GUID, t.uid, err)
		}
	}
	if len(seen) > 0 {
		d.logger.Debug("Distributed item", zap.String("guid", item.GUID), zap.Int("users", len(seen)))
	}
	return nil
}
