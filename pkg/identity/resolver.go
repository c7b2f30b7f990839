// Package identity resolves remote handles to their keys, inboxes and
// dialect, and tracks peer reachability.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
)

const (
	DefaultCacheTTL = time.Hour
	DefaultTimeout  = 20 * time.Second
)

type Options struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	// Scheme used for webfinger probes. Defaults to https.
	Scheme  string
	Metrics *federation.Metrics
	Logger  *zap.Logger
}

// Resolver maps handles to peer identities. Lookups go through a TTL cache,
// then the stored peer record while it is fresh, then a webfinger probe.
// Concurrent probes for one handle share a single request.
type Resolver struct {
	peers   store.PeerStore
	http    transport.Doer
	cache   *cache.Cache
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	scheme  string
	metrics *federation.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewResolver(peers store.PeerStore, http transport.Doer, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Resolver{
		peers:   peers,
		http:    http,
		cache:   cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		ttl:     opts.CacheTTL,
		timeout: opts.Timeout,
		scheme:  opts.Scheme,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// Resolve returns the peer identity of handle.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*store.Peer, error) {
	h, err := federation.ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	key := h.String()

	if obj, ok := r.cache.Get(key); ok {
		if r.metrics != nil {
			r.metrics.ResolverCacheHits.Inc()
		}
		p := *obj.(*store.Peer)
		return &p, nil
	}
	if r.metrics != nil {
		r.metrics.ResolverCacheMisses.Inc()
	}

	result, err, shared := r.group.Do(key, func() (interface{}, error) {
		return r.lookup(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("Shared resolution", zap.String("handle", key))
	}
	p := *result.(*store.Peer)
	return &p, nil
}

func (r *Resolver) lookup(ctx context.Context, h *federation.Handle) (*store.Peer, error) {
	key := h.String()

	stored, err := r.peers.PeerByHandle(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load peer %s: %w", key, err)
	}
	if stored != nil && r.now().Sub(stored.Updated) < r.ttl {
		r.cache.SetDefault(key, stored)
		return stored, nil
	}

	probed, err := r.probe(ctx, h)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ResolverProbeErrors.Inc()
		}
		r.logger.Warn("Webfinger probe failed", zap.String("handle", key), zap.Error(err))
		if stored != nil && stored.PublicKey != "" {
			return stored, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", federation.ErrKeyNotFound, key, err)
	}

	// reachability belongs to delivery, not discovery
	if stored != nil {
		probed.Alive = stored.Alive
		probed.Failures = stored.Failures
		probed.LastContact = stored.LastContact
	}
	if err := r.peers.SavePeer(ctx, probed); err != nil {
		r.logger.Warn("Failed to save peer", zap.String("handle", key), zap.Error(err))
	}
	r.cache.SetDefault(key, probed)

	r.logger.Debug("Resolved peer",
		zap.String("handle", key),
		zap.String("dialect", probed.Dialect.String()),
		zap.String("notify", probed.NotifyURL))
	return probed, nil
}

// PublicKey returns the RSA key of handle.
func (r *Resolver) PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error) {
	p, err := r.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if p.PublicKey == "" {
		return nil, fmt.Errorf("%w: %s publishes no key", federation.ErrKeyNotFound, handle)
	}
	pub, err := envelope.ParsePublicKey(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", federation.ErrKeyNotFound, handle, err)
	}
	return pub, nil
}

// Invalidate drops the cached identity of handle.
func (r *Resolver) Invalidate(handle string) {
	if key, err := federation.NormalizeHandle(handle); err == nil {
		r.cache.Delete(key)
	}
}

// MarkReachable resets the failure count of handle after a successful
// delivery. Unknown handles are ignored.
func (r *Resolver) MarkReachable(ctx context.Context, handle string) error {
	p, err := r.stored(ctx, handle)
	if p == nil {
		return err
	}

	restored := !p.Alive
	p.Alive = true
	p.Failures = 0
	p.LastContact = r.now()
	if err := r.save(ctx, p); err != nil {
		return err
	}
	if restored {
		r.logger.Info("Peer reachable again", zap.String("handle", p.Handle))
		if r.metrics != nil {
			r.metrics.PeersRestored.Inc()
		}
	}
	return nil
}

// MarkUnreachable records a failed delivery to handle. The peer is flagged
// unreachable once threshold consecutive failures accumulate; the return
// value reports that transition.
func (r *Resolver) MarkUnreachable(ctx context.Context, handle string, threshold int) (bool, error) {
	p, err := r.stored(ctx, handle)
	if p == nil {
		return false, err
	}

	p.Failures++
	flipped := p.Alive && p.Failures >= threshold
	if p.Failures >= threshold {
		p.Alive = false
	}
	if err := r.save(ctx, p); err != nil {
		return false, err
	}
	if flipped {
		r.logger.Warn("Peer marked unreachable",
			zap.String("handle", p.Handle),
			zap.Int("failures", p.Failures))
		if r.metrics != nil {
			r.metrics.PeersArchived.Inc()
		}
	}
	return flipped, nil
}

func (r *Resolver) stored(ctx context.Context, handle string) (*store.Peer, error) {
	key, err := federation.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	p, err := r.peers.PeerByHandle(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer %s: %w", key, err)
	}
	return p, nil
}

func (r *Resolver) save(ctx context.Context, p *store.Peer) error {
	if err := r.peers.SavePeer(ctx, p); err != nil {
		return fmt.Errorf("failed to save peer %s: %w", p.Handle, err)
	}
	if _, ok := r.cache.Get(p.Handle); ok {
		r.cache.SetDefault(p.Handle, p)
	}
	return nil
}

var _ envelope.KeyResolver = (*Resolver)(nil)
