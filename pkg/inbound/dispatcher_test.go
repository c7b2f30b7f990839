package inbound

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcore/pkg/config"
	"fedcore/pkg/delivery"
	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/protocol"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { testKey, keyErr = envelope.GenerateKey(2048) })
	require.NoError(t, keyErr)
	return testKey
}

type fakeResolver struct {
	peers map[string]*store.Peer
	keys  map[string]*rsa.PublicKey
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{peers: map[string]*store.Peer{}, keys: map[string]*rsa.PublicKey{}}
}

func (r *fakeResolver) add(handle string, pub *rsa.PublicKey) {
	host := handle[strings.Index(handle, "@")+1:]
	r.peers[handle] = &store.Peer{
		Handle:    handle,
		BaseURL:   "https://" + host,
		NotifyURL: "https://" + host + "/receive/public",
		Dialect:   federation.DialectDiaspora,
		Alive:     true,
	}
	r.keys[handle] = pub
}

func (r *fakeResolver) Resolve(_ context.Context, handle string) (*store.Peer, error) {
	if p, ok := r.peers[handle]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no peer %s: %w", handle, store.ErrNotFound)
}

func (r *fakeResolver) PublicKey(_ context.Context, handle string) (*rsa.PublicKey, error) {
	if k, ok := r.keys[handle]; ok {
		return k, nil
	}
	return nil, federation.ErrKeyNotFound
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []delivery.Job
}

func (s *fakeScheduler) Enqueue(_ context.Context, job delivery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeScheduler) Defer(context.Context, delivery.Job, int) bool { return false }

type fakeNotifier struct {
	participations []string
	shares         []string
	profiles       []string
}

func (n *fakeNotifier) SendParticipation(_ context.Context, _ *store.User, _ *store.Contact, item *store.Item) error {
	n.participations = append(n.participations, item.GUID)
	return nil
}

func (n *fakeNotifier) SendShare(_ context.Context, _ *store.User, c *store.Contact) error {
	n.shares = append(n.shares, c.Handle)
	return nil
}

func (n *fakeNotifier) SendProfile(_ context.Context, _ *store.User, c *store.Contact) error {
	n.profiles = append(n.profiles, c.Handle)
	return nil
}

// fakeHTTP serves fetch requests from a map of URL to body.
type fakeHTTP struct {
	mu     sync.Mutex
	bodies map[string][]byte
	gets   []string
}

func (h *fakeHTTP) Post(_ context.Context, url string, _ []byte, _ map[string]string) (*transport.Response, error) {
	return &transport.Response{StatusCode: 202, URL: url}, nil
}

func (h *fakeHTTP) Get(_ context.Context, url, _ string) (*transport.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gets = append(h.gets, url)
	if body, ok := h.bodies[url]; ok {
		return &transport.Response{StatusCode: 200, Body: body, URL: url}, nil
	}
	return &transport.Response{StatusCode: 404, URL: url}, nil
}

type fixture struct {
	store    *store.Memory
	keys     *fakeResolver
	http     *fakeHTTP
	sched    *fakeScheduler
	notifier *fakeNotifier
	d        *Dispatcher
	user     *store.User
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    store.NewMemory(),
		keys:     newFakeResolver(),
		http:     &fakeHTTP{bodies: map[string][]byte{}},
		sched:    &fakeScheduler{},
		notifier: &fakeNotifier{},
	}
	for _, h := range []string{"alice@pod.example", "bob@pod.example", "carol@other.example", "dave@other.example"} {
		f.keys.add(h, &signingKey(t).PublicKey)
	}

	f.user = &store.User{GUID: "u1guid", Nickname: "me", Handle: "me@local.example"}
	uid, err := f.store.InsertUser(ctx, f.user)
	require.NoError(t, err)
	f.user.UID = uid

	f.d = New(f.store, f.keys, f.http, f.sched, f.notifier, opts)
	return f
}

func (f *fixture) addContact(t *testing.T, uid int64, handle string, rel store.Relation) *store.Contact {
	t.Helper()
	c := &store.Contact{UID: uid, Handle: handle, Relation: rel, Network: federation.DialectDiaspora}
	id, err := f.store.InsertContact(context.Background(), c)
	require.NoError(t, err)
	c.ID = id
	return c
}

func (f *fixture) addItem(t *testing.T, item *store.Item) *store.Item {
	t.Helper()
	id, err := f.store.InsertItem(context.Background(), item)
	require.NoError(t, err)
	item.ID = id
	return item
}

func (f *fixture) scope() Importer {
	return Importer{UID: f.user.UID, User: f.user}
}

// dispatch runs one message through a fresh batch and commits it.
func (f *fixture) dispatch(t *testing.T, importer Importer, sender string, p protocol.Payload) (Outcome, error) {
	t.Helper()
	ctx := context.Background()
	b := NewBatch()
	outcome, err := f.d.Dispatch(ctx, importer, &Inbound{Message: message(t, p), Sender: sender}, b)
	require.NoError(t, f.d.Commit(ctx, b))
	return outcome, err
}

func message(t *testing.T, p protocol.Payload) *protocol.Message {
	t.Helper()
	data, err := protocol.Marshal(p)
	require.NoError(t, err)
	msg, err := protocol.Parse(data)
	require.NoError(t, err)
	return msg
}

func post(author, guid, text string) *protocol.StatusMessage {
	return &protocol.StatusMessage{
		Author:    author,
		GUID:      guid,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Public:    true,
		Text:      text,
	}
}

func TestUnknownKindIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	b := NewBatch()
	outcome, err := f.d.Dispatch(context.Background(), PublicScope,
		&Inbound{Message: &protocol.Message{Kind: protocol.KindUnknown}, Sender: "alice@pod.example"}, b)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestPrivateOnlyKindsRejectedOnPublicInbox(t *testing.T) {
	f := newFixture(t, Options{})
	conv := &protocol.Conversation{
		Author:  "alice@pod.example",
		GUID:    "conv1",
		Subject: "hi",
		Messages: []protocol.PrivateMessage{
			{Author: "alice@pod.example", GUID: "m1", ConversationGUID: "conv1", Text: "hello"},
		},
	}
	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", conv)
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestDiasporaDisabledIgnoresEverything(t *testing.T) {
	f := newFixture(t, Options{DiasporaDisabled: true})
	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", post("alice@pod.example", "p1", "x"))
	assert.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestStatusMessageFromFollowedContact(t *testing.T) {
	f := newFixture(t, Options{})
	f.addContact(t, f.user.UID, "alice@pod.example", store.RelationSharing)

	p := post("alice@pod.example", "p1", "hello #Fediverse @{bob@pod.example}")
	p.Location = &protocol.Location{Address: "Berlin", Lat: "52.5", Lng: "13.4"}
	outcome, err := f.dispatch(t, f.scope(), "alice@pod.example", p)
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	item, err := f.store.ItemByGUID(context.Background(), f.user.UID, "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://pod.example/objects/p1", item.URI)
	assert.Equal(t, item.URI, item.ParentURI)
	assert.Equal(t, []string{"fediverse"}, item.Tags)
	assert.Equal(t, []string{"bob@pod.example"}, item.Mentions)
	assert.Equal(t, "52.5 13.4", item.Coord)
	assert.Equal(t, []string{"p1"}, f.notifier.participations)

	outcome, err = f.dispatch(t, f.scope(), "alice@pod.example", p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestStatusMessageFromStrangerToUserRejected(t *testing.T) {
	f := newFixture(t, Options{})
	outcome, err := f.dispatch(t, f.scope(), "alice@pod.example", post("alice@pod.example", "p1", "x"))
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestUnsolicitedPublicPostIsPurged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", post("alice@pod.example", "p1", "x"))
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	_, err = f.store.ItemByGUID(ctx, store.PublicUID, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	known, err := f.store.URIKnown(ctx, "https://pod.example/objects/p1")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestPublicPostDistributedToFollowers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	follow := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", post("alice@pod.example", "p1", "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	public, err := f.store.ItemByGUID(ctx, store.PublicUID, "p1")
	require.NoError(t, err)
	copied, err := f.store.ItemByGUID(ctx, f.user.UID, "p1")
	require.NoError(t, err)
	assert.Equal(t, public.URI, copied.URI)
	assert.Equal(t, follow.ID, copied.ContactID)
	assert.False(t, copied.Origin)
}

func TestRelaySubscriptionAcceptsTaggedPosts(t *testing.T) {
	f := newFixture(t, Options{Relay: config.RelayConfig{
		Subscribe:  true,
		Scope:      config.RelayScopeTags,
		ServerTags: []string{"golang"},
	}})

	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", post("alice@pod.example", "p1", "about #golang"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	outcome, err = f.dispatch(t, PublicScope, "alice@pod.example", post("alice@pod.example", "p2", "about rust"))
	assert.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestCommentReplayAfterParentArrives(t *testing.T) {
	f := newFixture(t, Options{})
	f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)
	comment := &protocol.Comment{
		Author:     "bob@pod.example",
		GUID:       "c1",
		ParentGUID: "p1",
		Text:       "nice",
	}

	outcome, err := f.dispatch(t, f.scope(), "bob@pod.example", comment)
	assert.ErrorIs(t, err, federation.ErrParentNotFound)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Contains(t, f.http.gets, "https://pod.example/fetch/post/p1")

	outcome, err = f.dispatch(t, f.scope(), "alice@pod.example", post("alice@pod.example", "p1", "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	outcome, err = f.dispatch(t, f.scope(), "bob@pod.example", comment)
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	c, err := f.store.ItemByGUID(context.Background(), f.user.UID, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.GravityComment, c.Gravity)
	assert.Equal(t, "https://pod.example/objects/p1", c.ParentURI)
	assert.Empty(t, c.SignedText)

	outcome, err = f.dispatch(t, f.scope(), "bob@pod.example", comment)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	rows, err := f.store.ItemsByGUID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// ownThread stores a local post of the fixture user with comments from the
// given contacts.
func ownThread(t *testing.T, f *fixture, commenters ...*store.Contact) *store.Item {
	t.Helper()
	top := f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "own1", URI: "https://local.example/objects/own1",
		ParentURI: "https://local.example/objects/own1", ThrParent: "https://local.example/objects/own1",
		Gravity: store.GravityParent, Verb: store.VerbPost, Origin: true, Wall: true,
		AuthorHandle: f.user.Handle, OwnerHandle: f.user.Handle,
	})
	for i, c := range commenters {
		guid := fmt.Sprintf("old%d", i)
		f.addItem(t, &store.Item{
			UID: f.user.UID, GUID: guid, URI: "https://x.example/objects/" + guid,
			ParentURI: top.URI, ThrParent: top.URI, Gravity: store.GravityComment, Verb: store.VerbPost,
			ContactID: c.ID, AuthorHandle: c.Handle,
		})
	}
	return top
}

func TestCommentOnOwnThreadIsRelayed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	bob := f.addContact(t, f.user.UID, "bob@pod.example", store.RelationFriend)
	carol := f.addContact(t, f.user.UID, "carol@other.example", store.RelationFriend)
	top := ownThread(t, f, bob, carol)

	outcome, err := f.dispatch(t, f.scope(), "bob@pod.example", &protocol.Comment{
		Author: "bob@pod.example", GUID: "c9", ParentGUID: top.GUID, Text: "reply",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, outcome)

	c, err := f.store.ItemByGUID(ctx, f.user.UID, "c9")
	require.NoError(t, err)
	assert.NotEmpty(t, c.SignedText)

	require.Len(t, f.sched.jobs, 1)
	assert.Equal(t, delivery.Job{Command: delivery.CommandWallNew, TargetID: c.ID, ContactID: carol.ID}, f.sched.jobs[0])

	counters, err := f.store.Counters(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Queued)
}

func TestLikeOncePerAuthor(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.addContact(t, f.user.UID, "bob@pod.example", store.RelationFriend)
	top := ownThread(t, f)

	like := &protocol.Like{Author: bob.Handle, GUID: "l1", ParentGUID: top.GUID, ParentType: "Post", Positive: true}
	outcome, err := f.dispatch(t, f.scope(), bob.Handle, like)
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	again := *like
	again.GUID = "l2"
	outcome, err = f.dispatch(t, f.scope(), bob.Handle, &again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	bad := *like
	bad.GUID, bad.ParentType = "l3", "Photo"
	outcome, err = f.dispatch(t, f.scope(), bob.Handle, &bad)
	assert.ErrorIs(t, err, federation.ErrProtocolUnsupported)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestParticipationSendsThreadToNewParticipant(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.addContact(t, f.user.UID, "bob@pod.example", store.RelationFriend)
	carol := f.addContact(t, f.user.UID, "carol@other.example", store.RelationFriend)
	dave := f.addContact(t, f.user.UID, "dave@other.example", store.RelationFriend)
	top := ownThread(t, f, bob, carol)
	f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "follow0", URI: "https://x.example/objects/follow0",
		ParentURI: top.URI, ThrParent: top.URI, Gravity: store.GravityActivity, Verb: store.VerbFollow,
		ContactID: bob.ID, AuthorHandle: bob.Handle,
	})

	outcome, err := f.dispatch(t, f.scope(), dave.Handle, &protocol.Participation{
		Author: dave.Handle, GUID: "part1", ParentGUID: top.GUID, ParentType: "Post",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	// both comments, not the post or the follow activities
	require.Len(t, f.sched.jobs, 2)
	for _, job := range f.sched.jobs {
		assert.Equal(t, dave.ID, job.ContactID)
		assert.Equal(t, delivery.CommandWallNew, job.Command)
		assert.NotEqual(t, top.ID, job.TargetID)
	}
}

func TestParticipationSkipsRepliesToActivityPubAuthors(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.addContact(t, f.user.UID, "bob@pod.example", store.RelationFriend)
	dave := f.addContact(t, f.user.UID, "dave@other.example", store.RelationFriend)
	top := ownThread(t, f)
	apc := f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "apc", URI: "https://ap.example/notes/apc",
		ParentURI: top.URI, ThrParent: top.URI, Gravity: store.GravityComment, Verb: store.VerbPost,
		AuthorHandle: "eve@ap.example", AuthorDialect: federation.DialectActivityPub,
	})
	f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "answer", URI: "https://x.example/objects/answer",
		ParentURI: top.URI, ThrParent: apc.URI, Gravity: store.GravityComment, Verb: store.VerbPost,
		ContactID: bob.ID, AuthorHandle: bob.Handle,
	})

	outcome, err := f.dispatch(t, f.scope(), dave.Handle, &protocol.Participation{
		Author: dave.Handle, GUID: "part1", ParentGUID: top.GUID, ParentType: "Post",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	require.Len(t, f.sched.jobs, 1)
	assert.Equal(t, apc.ID, f.sched.jobs[0].TargetID)
}

func TestParticipationOnForeignPostIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)
	f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "p1", URI: "https://pod.example/objects/p1", ParentURI: "https://pod.example/objects/p1",
		Gravity: store.GravityParent, AuthorHandle: alice.Handle, ContactID: alice.ID,
	})

	outcome, err := f.dispatch(t, f.scope(), "bob@pod.example", &protocol.Participation{
		Author: "bob@pod.example", GUID: "part1", ParentGUID: "p1", ParentType: "Post",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, f.sched.jobs)
}

func TestRetractionAuthorization(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)
	bob := f.addContact(t, f.user.UID, "bob@pod.example", store.RelationFriend)
	f.addContact(t, f.user.UID, "carol@other.example", store.RelationFriend)

	p := f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "p1", URI: "https://pod.example/objects/p1", ParentURI: "https://pod.example/objects/p1",
		Gravity: store.GravityParent, AuthorHandle: alice.Handle, ContactID: alice.ID,
	})
	c := f.addItem(t, &store.Item{
		UID: f.user.UID, GUID: "c1", URI: "https://pod.example/objects/c1", ParentURI: p.URI,
		Gravity: store.GravityComment, AuthorHandle: bob.Handle, ContactID: bob.ID,
	})

	outcome, err := f.dispatch(t, f.scope(), "carol@other.example",
		&protocol.Retraction{Author: "carol@other.example", TargetGUID: "c1", TargetType: "Comment"})
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	// the thread owner may remove comments below their post
	outcome, err = f.dispatch(t, f.scope(), alice.Handle,
		&protocol.Retraction{Author: alice.Handle, TargetGUID: "c1", TargetType: "Comment"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	got, err := f.store.ItemByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	outcome, err = f.dispatch(t, f.scope(), alice.Handle,
		&protocol.Retraction{Author: alice.Handle, TargetGUID: "missing", TargetType: "Post"})
	assert.ErrorIs(t, err, federation.ErrParentNotFound)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestContactRetractionStopsSharing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	outcome, err := f.dispatch(t, f.scope(), alice.Handle,
		&protocol.Retraction{Author: alice.Handle, TargetGUID: "x", TargetType: "Person"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	got, err := f.store.ContactByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RelationFollower, got.Relation)
}

// serveChain publishes a reshare chain of the given length on pod.example
// ending in a status message.
func serveChain(t *testing.T, f *fixture, hops int) {
	t.Helper()
	key := signingKey(t)
	for i := 0; i <= hops; i++ {
		guid := fmt.Sprintf("r%d", i)
		var p protocol.Payload = post("alice@pod.example", guid, "root post")
		if i < hops {
			p = &protocol.Reshare{
				Author: "alice@pod.example", GUID: guid, Public: true,
				RootAuthor: "alice@pod.example", RootGUID: fmt.Sprintf("r%d", i+1),
			}
		}
		payload, err := protocol.Marshal(p)
		require.NoError(t, err)
		body, _, err := envelope.Seal(payload, "alice@pod.example", key, nil, true)
		require.NoError(t, err)
		f.http.bodies["https://pod.example/fetch/post/"+guid] = body
	}
}

func TestReshareFetchesRootWithinDepth(t *testing.T) {
	f := newFixture(t, Options{})
	serveChain(t, f, DefaultMaxFetchDepth)

	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", &protocol.Reshare{
		Author: "alice@pod.example", GUID: "top", Public: true,
		RootAuthor: "alice@pod.example", RootGUID: "r0",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	item, err := f.store.ItemByGUID(context.Background(), store.PublicUID, "top")
	require.NoError(t, err)
	author, guid, ok := protocol.ParseShare(item.Body)
	require.True(t, ok)
	assert.Equal(t, "alice@pod.example", author)
	assert.Equal(t, fmt.Sprintf("r%d", DefaultMaxFetchDepth), guid)
}

func TestReshareChainTooDeepIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	serveChain(t, f, DefaultMaxFetchDepth+1)

	outcome, err := f.dispatch(t, PublicScope, "alice@pod.example", &protocol.Reshare{
		Author: "alice@pod.example", GUID: "top", Public: true,
		RootAuthor: "alice@pod.example", RootGUID: "r0",
	})
	assert.ErrorIs(t, err, federation.ErrParentNotFound)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Len(t, f.http.gets, DefaultMaxFetchDepth+1)
}

func TestContactRequestCreatesPendingFollower(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	outcome, err := f.dispatch(t, f.scope(), "alice@pod.example", &protocol.Contact{
		Author: "alice@pod.example", Recipient: f.user.Handle, Following: true, Sharing: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	c, err := f.store.ContactByHandle(ctx, f.user.UID, "alice@pod.example")
	require.NoError(t, err)
	assert.Equal(t, store.RelationFollower, c.Relation)
	assert.True(t, c.Pending)
	assert.Equal(t, "alice", c.Nick)
	assert.Equal(t, []string{"alice@pod.example"}, f.notifier.shares)
	assert.Equal(t, []string{"alice@pod.example"}, f.notifier.profiles)
}

func TestContactRequestFromSharingContactMakesFriend(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationSharing)

	outcome, err := f.dispatch(t, f.scope(), alice.Handle, &protocol.Contact{
		Author: alice.Handle, Recipient: f.user.Handle, Following: true, Sharing: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	c, err := f.store.ContactByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RelationFriend, c.Relation)
}

func TestProfileUpdatesContact(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	outcome, err := f.dispatch(t, f.scope(), alice.Handle, &protocol.Profile{
		Author: alice.Handle, FirstName: "Alice", LastName: "Liddell",
		ImageURL: "/uploads/a.png", Bio: "down the hole", TagString: "#tea #Cards", Searchable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	c, err := f.store.ContactByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", c.Name)
	assert.Equal(t, "http://pod.example/uploads/a.png", c.AvatarURL)
	assert.Equal(t, []string{"tea", "cards"}, c.Keywords)
	assert.False(t, c.Hidden)
}

func TestContactRequestFromBlocklistedHostRejected(t *testing.T) {
	f := newFixture(t, Options{Blocklist: federation.NewBlocklist([]string{"pod.example"})})

	outcome, err := f.dispatch(t, f.scope(), "alice@pod.example", &protocol.Contact{
		Author: "alice@pod.example", Recipient: f.user.Handle, Following: true, Sharing: true,
	})
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	_, err = f.store.ContactByHandle(context.Background(), f.user.UID, "alice@pod.example")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.notifier.shares)
	assert.Empty(t, f.notifier.profiles)
}

func TestBlockedContactCannotChangeRelationOrProfile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationSharing)
	alice.Blocked = true
	alice.Name = "Alice"
	require.NoError(t, f.store.UpdateContact(ctx, alice))

	outcome, err := f.dispatch(t, f.scope(), alice.Handle, &protocol.Contact{
		Author: alice.Handle, Recipient: f.user.Handle, Following: true, Sharing: true,
	})
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	outcome, err = f.dispatch(t, f.scope(), alice.Handle, &protocol.Profile{
		Author: alice.Handle, FirstName: "Evil",
	})
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	c, err := f.store.ContactByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RelationSharing, c.Relation)
	assert.Equal(t, "Alice", c.Name)
	assert.Empty(t, f.notifier.shares)
}

func TestConversationAndMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	outcome, err := f.dispatch(t, f.scope(), "alice@pod.example", &protocol.Conversation{
		Author: "alice@pod.example", GUID: "conv1", Subject: "tea",
		Participants: "alice@pod.example;me@local.example",
		Messages: []protocol.PrivateMessage{
			{Author: "alice@pod.example", GUID: "m1", ConversationGUID: "conv1", Text: "hi"},
			{Author: "alice@pod.example", GUID: "mx", ConversationGUID: "other", Text: "stray"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	m, err := f.store.MailByGUID(ctx, f.user.UID, "m1")
	require.NoError(t, err)
	assert.Equal(t, "tea", m.Title)
	assert.Equal(t, "alice@pod.example:conv1", m.ParentURI)
	_, err = f.store.MailByGUID(ctx, f.user.UID, "mx")
	assert.ErrorIs(t, err, store.ErrNotFound)

	outcome, err = f.dispatch(t, f.scope(), "alice@pod.example", &protocol.PrivateMessage{
		Author: "alice@pod.example", GUID: "m2", ConversationGUID: "nope", Text: "lost",
	})
	assert.ErrorIs(t, err, federation.ErrParentNotFound)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestAccountMigrationMovesContacts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	m := &protocol.AccountMigration{
		Author:  alice.Handle,
		Profile: protocol.Profile{Author: "alice@other.example", FirstName: "Alice", Searchable: true},
	}
	f.keys.add("alice@other.example", &signingKey(t).PublicKey)
	sig, err := protocol.SignText(m.SignedText(), signingKey(t))
	require.NoError(t, err)
	m.Signature = sig

	outcome, err := f.dispatch(t, f.scope(), alice.Handle, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	c, err := f.store.ContactByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@other.example", c.Handle)
	assert.Equal(t, store.RelationFriend, c.Relation)

	m.Signature = "bm90IGEgc2lnbmF0dXJl"
	outcome, err = f.dispatch(t, f.scope(), alice.Handle, m)
	assert.ErrorIs(t, err, federation.ErrSignatureInvalid)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestAccountDeletionRemovesContacts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice := f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	outcome, err := f.dispatch(t, f.scope(), "bob@pod.example", &protocol.AccountDeletion{Author: alice.Handle})
	assert.ErrorIs(t, err, federation.ErrAuthorNotPermitted)
	assert.Equal(t, OutcomeRejected, outcome)

	outcome, err = f.dispatch(t, f.scope(), alice.Handle, &protocol.AccountDeletion{Author: alice.Handle})
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	_, err = f.store.ContactByID(ctx, alice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceivePublicVerifiesEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	f.addContact(t, f.user.UID, "alice@pod.example", store.RelationFriend)

	payload, err := protocol.Marshal(post("alice@pod.example", "p1", "signed"))
	require.NoError(t, err)
	body, _, err := envelope.Seal(payload, "alice@pod.example", signingKey(t), nil, true)
	require.NoError(t, err)

	outcome, err := f.d.ReceivePublic(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)

	_, err = f.d.ReceivePublic(context.Background(), []byte("<nonsense/>"))
	assert.Error(t, err)
}
