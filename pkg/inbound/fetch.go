package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
)

// parentItem returns the item guid in the scope of importer. Missing parents
// are fetched from the author's server, then from the sender's.
func (d *Dispatcher) parentItem(ctx context.Context, importer Importer, b *Batch, guid, author string, sender *store.Contact) (*store.Item, error) {
	if item := d.scopedItem(ctx, importer, guid); item != nil {
		return item, nil
	}

	handles := []string{author}
	if sender != nil && !federation.SameHandle(sender.Handle, author) {
		handles = append(handles, sender.Handle)
	}
	for _, h := range handles {
		for _, server := range d.serversOf(ctx, h) {
			if _, err := d.storeByGUID(ctx, b, guid, server); err != nil {
				d.logger.Debug("Parent fetch failed",
					zap.String("guid", guid), zap.String("server", server), zap.Error(err))
				continue
			}
			if item := d.scopedItem(ctx, importer, guid); item != nil {
				return item, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", federation.ErrParentNotFound, guid)
}

// scopedItem looks guid up for the importer, then in the public scope.
func (d *Dispatcher) scopedItem(ctx context.Context, importer Importer, guid string) *store.Item {
	if item, err := d.store.ItemByGUID(ctx, importer.UID, guid); err == nil {
		return item
	}
	if !importer.public() {
		if item, err := d.store.ItemByGUID(ctx, store.PublicUID, guid); err == nil {
			return item
		}
	}
	return nil
}

// originalItem returns the root post of a reshare, fetching it when no
// public local copy exists.
func (d *Dispatcher) originalItem(ctx context.Context, b *Batch, guid, author string) (*store.Item, error) {
	if item := d.localOriginal(ctx, guid); item != nil {
		return item, nil
	}
	for _, server := range d.serversOf(ctx, author) {
		root, err := d.storeByGUID(ctx, b, guid, server)
		if err != nil {
			d.logger.Debug("Reshare root fetch failed",
				zap.String("guid", guid), zap.String("server", server), zap.Error(err))
			continue
		}
		if item := d.localOriginal(ctx, root); item != nil {
			return item, nil
		}
	}
	return nil, fmt.Errorf("%w: reshared post %s of %s", federation.ErrParentNotFound, guid, author)
}

func (d *Dispatcher) localOriginal(ctx context.Context, guid string) *store.Item {
	items, err := d.store.ItemsByGUID(ctx, guid)
	if err != nil {
		return nil
	}
	for _, item := range items {
		if !item.Deleted && !item.IsPrivate() && item.ObjectType != store.ObjectReshare {
			return item
		}
	}
	return nil
}

// serversOf returns the base URLs to fetch posts of handle from.
func (d *Dispatcher) serversOf(ctx context.Context, handle string) []string {
	if peer, err := d.keys.Resolve(ctx, handle); err == nil && peer.BaseURL != "" {
		return []string{peer.BaseURL}
	}
	h, err := federation.ParseHandle(handle)
	if err != nil {
		return nil
	}
	return []string{"https://" + h.Host + h.Path, "http://" + h.Host + h.Path}
}

// storeByGUID fetches guid from server and dispatches it into the public
// scope. It returns the guid of the stored root post, which differs from
// guid when guid names a reshare.
func (d *Dispatcher) storeByGUID(ctx context.Context, b *Batch, guid, server string) (string, error) {
	if !b.markFetched(server, guid) {
		return "", fmt.Errorf("%w: %s was already fetched from %s", federation.ErrParentNotFound, guid, server)
	}

	msg, sender, err := d.fetch(ctx, guid, server, 0)
	if err != nil {
		d.countFetch("failed")
		return "", err
	}
	d.countFetch("ok")

	outcome, err := d.Dispatch(ctx, PublicScope, &Inbound{Message: msg, Sender: sender, Fetched: true}, b)
	if err != nil {
		return "", err
	}
	if outcome != OutcomePersisted && outcome != OutcomeDuplicate {
		return "", fmt.Errorf("%w: fetched %s was %s", federation.ErrParentNotFound, msg.GUID, outcome)
	}
	return msg.GUID, nil
}

// fetch retrieves the signed post guid from server and follows reshares to
// their root. Chains deeper than the configured depth are abandoned.
func (d *Dispatcher) fetch(ctx context.Context, guid, server string, depth int) (*protocol.Message, string, error) {
	if depth > d.maxDepth {
		return nil, "", fmt.Errorf("%w: reshare chain at %s exceeds depth %d",
			federation.ErrParentNotFound, guid, d.maxDepth)
	}

	endpoint := strings.TrimRight(server, "/") + "/fetch/post/" + url.PathEscape(guid)
	resp, err := d.http.Get(ctx, endpoint, envelope.ContentTypePublic)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetching %s: %v", federation.ErrParentNotFound, endpoint, err)
	}

	opened, err := envelope.Open(ctx, resp.Body, nil, d.keys)
	if err != nil {
		d.verificationFailed(err)
		return nil, "", fmt.Errorf("fetched %s: %w", guid, err)
	}
	msg, err := protocol.Parse(opened.Payload)
	if err != nil {
		return nil, "", fmt.Errorf("fetched %s: %w", guid, err)
	}
	if err := protocol.Validate(ctx, msg, opened.Author, d.keys); err != nil {
		d.verificationFailed(err)
		return nil, "", fmt.Errorf("fetched %s: %w", guid, err)
	}

	switch body := msg.Body.(type) {
	case *protocol.Reshare:
		d.logger.Debug("Following reshare", zap.String("guid", guid),
			zap.String("root", body.RootGUID), zap.Int("depth", depth))
		return d.fetch(ctx, body.RootGUID, server, depth+1)
	case *protocol.StatusMessage:
		return msg, opened.Author, nil
	}
	return nil, "", fmt.Errorf("%w: fetched %s is a %s", federation.ErrParentNotFound, guid, msg.Kind)
}

func (d *Dispatcher) countFetch(result string) {
	if d.metrics != nil {
		d.metrics.ParentFetches.WithLabelValues(result).Inc()
	}
}

// isNotFound reports store misses.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
