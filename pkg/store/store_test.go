package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcore/pkg/federation"
)

func implementations(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "fedcore.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("items", func(t *testing.T) { testItems(t, open(t)) })
			t.Run("contacts", func(t *testing.T) { testContacts(t, open(t)) })
			t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
			t.Run("peers", func(t *testing.T) { testPeers(t, open(t)) })
			t.Run("mail", func(t *testing.T) { testMail(t, open(t)) })
			t.Run("suggestions", func(t *testing.T) { testSuggestions(t, open(t)) })
			t.Run("counters", func(t *testing.T) { testCounters(t, open(t)) })
		})
	}
}

func testItems(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	parent := &Item{
		UID: 1, GUID: "p1", URI: "https://remote.example/p1", ParentURI: "https://remote.example/p1",
		ThrParent: "https://remote.example/p1", Gravity: GravityParent, Verb: VerbPost,
		AuthorHandle: "Alice@Remote.example", Body: "hello", Tags: []string{"go"},
		Network: federation.DialectDiaspora, Created: now,
	}
	id, err := s.InsertItem(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, id, parent.ID)

	dupID, err := s.InsertItem(ctx, &Item{UID: 1, GUID: "p1", URI: "other"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, id, dupID)

	// same guid in another scope is a separate copy
	_, err = s.InsertItem(ctx, &Item{UID: PublicUID, GUID: "p1", URI: parent.URI, ParentURI: parent.URI, ThrParent: parent.URI})
	require.NoError(t, err)

	got, err := s.ItemByGUID(ctx, 1, "p1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, []string{"go"}, got.Tags)
	assert.True(t, got.Created.Equal(now))

	copies, err := s.ItemsByGUID(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, copies, 2)

	_, err = s.ItemByGUID(ctx, 2, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	byURI, err := s.ItemByURI(ctx, 1, parent.URI)
	require.NoError(t, err)
	assert.Equal(t, id, byURI.ID)

	comment := &Item{
		UID: 1, GUID: "c1", URI: "https://remote.example/c1", ParentURI: parent.URI, ThrParent: parent.URI,
		Gravity: GravityComment, Verb: VerbPost, AuthorHandle: "bob@remote.example",
	}
	_, err = s.InsertItem(ctx, comment)
	require.NoError(t, err)
	like := &Item{
		UID: 1, GUID: "l1", URI: "https://remote.example/l1", ParentURI: parent.URI, ThrParent: parent.URI,
		Gravity: GravityActivity, Verb: VerbLike, AuthorHandle: "bob@remote.example",
	}
	_, err = s.InsertItem(ctx, like)
	require.NoError(t, err)

	thread, err := s.ThreadItems(ctx, 1, parent.URI)
	require.NoError(t, err)
	assert.Len(t, thread, 2)

	exists, err := s.ReactionExists(ctx, 1, "BOB@remote.example", parent.URI, VerbLike)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.ReactionExists(ctx, 1, "bob@remote.example", parent.URI, VerbDislike)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.MarkItemDeleted(ctx, comment.ID))
	deleted, err := s.ItemByID(ctx, comment.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	thread, err = s.ThreadItems(ctx, 1, parent.URI)
	require.NoError(t, err)
	assert.Len(t, thread, 1)
	assert.ErrorIs(t, s.MarkItemDeleted(ctx, 9999), ErrNotFound)

	got.Body = "edited"
	require.NoError(t, s.UpdateItem(ctx, got))
	got, err = s.ItemByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Body)
	assert.ErrorIs(t, s.UpdateItem(ctx, &Item{ID: 9999}), ErrNotFound)

	known, err := s.URIKnown(ctx, parent.URI)
	require.NoError(t, err)
	assert.True(t, known)
	require.NoError(t, s.PurgeURI(ctx, parent.URI))
	known, err = s.URIKnown(ctx, parent.URI)
	require.NoError(t, err)
	assert.False(t, known)
}

func testContacts(t *testing.T, s Store) {
	ctx := context.Background()

	c := &Contact{UID: 1, Handle: "Alice@Remote.example", URL: "https://remote.example/u/alice", Relation: RelationSharing}
	id, err := s.InsertContact(ctx, c)
	require.NoError(t, err)

	_, err = s.InsertContact(ctx, &Contact{UID: 1, Handle: "alice@remote.example"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.InsertContact(ctx, &Contact{UID: PublicUID, Handle: "alice@remote.example", URL: c.URL, Relation: RelationFriend})
	require.NoError(t, err)
	_, err = s.InsertContact(ctx, &Contact{UID: 2, Handle: "alice@remote.example", URL: c.URL, Relation: RelationFollower})
	require.NoError(t, err)
	_, err = s.InsertContact(ctx, &Contact{UID: 3, Handle: "alice@remote.example", Relation: RelationFriend, Blocked: true})
	require.NoError(t, err)

	got, err := s.ContactByHandle(ctx, 1, "ALICE@remote.example")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, RelationSharing, got.Relation)

	all, err := s.ContactsByHandle(ctx, "alice@remote.example")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byURL, err := s.ContactsByURL(ctx, c.URL)
	require.NoError(t, err)
	assert.Len(t, byURL, 3)

	followers, err := s.FollowersOf(ctx, "alice@remote.example")
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, int64(1), followers[0].UID)

	got.Relation = RelationFriend
	got.Keywords = []string{"a", "b"}
	require.NoError(t, s.UpdateContact(ctx, got))
	got, err = s.ContactByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RelationFriend, got.Relation)
	assert.Equal(t, []string{"a", "b"}, got.Keywords)

	require.NoError(t, s.RemoveContact(ctx, id))
	_, err = s.ContactByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RemoveContact(ctx, id), ErrNotFound)
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.FirstUser(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	alice := &User{GUID: "g-alice", Nickname: "alice", Handle: "alice@local.example"}
	uid, err := s.InsertUser(ctx, alice)
	require.NoError(t, err)
	assert.NotEqual(t, PublicUID, uid)

	_, err = s.InsertUser(ctx, &User{GUID: "g-other", Nickname: "Alice"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.InsertUser(ctx, &User{GUID: "g-bob", Nickname: "bob"})
	require.NoError(t, err)

	first, err := s.FirstUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Nickname)

	byGUID, err := s.UserByGUID(ctx, "g-bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", byGUID.Nickname)

	byNick, err := s.UserByNickname(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, uid, byNick.UID)

	byUID, err := s.UserByUID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "g-alice", byUID.GUID)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func testPeers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.PeerByHandle(ctx, "alice@remote.example")
	assert.ErrorIs(t, err, ErrNotFound)

	p := &Peer{Handle: "alice@remote.example", GUID: "g1", Dialect: federation.DialectDiaspora, Alive: true}
	require.NoError(t, s.SavePeer(ctx, p))

	p.Alive = false
	p.Failures = 3
	require.NoError(t, s.SavePeer(ctx, p))

	got, err := s.PeerByHandle(ctx, "Alice@Remote.example")
	require.NoError(t, err)
	assert.False(t, got.Alive)
	assert.Equal(t, 3, got.Failures)
	assert.Equal(t, federation.DialectDiaspora, got.Dialect)

	require.NoError(t, s.SavePeer(ctx, &Peer{Handle: "bob@remote.example"}))
	peers, err := s.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "alice@remote.example", peers[0].Handle)
}

func testMail(t *testing.T, s Store) {
	ctx := context.Background()

	conv := &Conversation{UID: 1, GUID: "conv1", Subject: "hi", Creator: "alice@remote.example"}
	convID, err := s.InsertConversation(ctx, conv)
	require.NoError(t, err)
	_, err = s.InsertConversation(ctx, &Conversation{UID: 1, GUID: "conv1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.ConversationByGUID(ctx, 1, "conv1")
	require.NoError(t, err)
	assert.Equal(t, convID, got.ID)
	assert.Equal(t, "hi", got.Subject)

	m := &Mail{UID: 1, GUID: "m1", ConversationID: convID, Body: "text"}
	mailID, err := s.InsertMail(ctx, m)
	require.NoError(t, err)
	_, err = s.InsertMail(ctx, &Mail{UID: 1, GUID: "m1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	byID, err := s.MailByID(ctx, mailID)
	require.NoError(t, err)
	assert.Equal(t, "text", byID.Body)
	byGUID, err := s.MailByGUID(ctx, 1, "m1")
	require.NoError(t, err)
	assert.Equal(t, mailID, byGUID.ID)

	_, err = s.ConversationByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSuggestions(t *testing.T, s Store) {
	ctx := context.Background()

	id, err := s.InsertSuggestion(ctx, &Suggestion{UID: 1, ContactID: 2, Name: "Carol", URL: "https://remote.example/u/carol"})
	require.NoError(t, err)

	got, err := s.SuggestionByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Carol", got.Name)

	_, err = s.SuggestionByID(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCounters(t *testing.T, s Store) {
	ctx := context.Background()

	empty, err := s.Counters(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, empty.Queued)

	require.NoError(t, s.IncrementQueued(ctx, 7, 3))
	require.NoError(t, s.IncrementDone(ctx, 7, federation.DialectDiaspora))
	require.NoError(t, s.IncrementDone(ctx, 7, federation.DialectNative))
	require.NoError(t, s.IncrementDone(ctx, 7, federation.DialectDiaspora))
	require.NoError(t, s.IncrementFailed(ctx, 7))

	c, err := s.Counters(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Queued)
	assert.Equal(t, 3, c.Done)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, 2, c.ByDialect[federation.DialectDiaspora])
	assert.Equal(t, 1, c.ByDialect[federation.DialectNative])
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	item := &Item{UID: 1, GUID: "p1", Tags: []string{"a"}}
	_, err := m.InsertItem(ctx, item)
	require.NoError(t, err)
	item.Tags[0] = "mutated"

	got, err := m.ItemByGUID(ctx, 1, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)
	got.Body = "mutated"

	again, err := m.ItemByGUID(ctx, 1, "p1")
	require.NoError(t, err)
	assert.Empty(t, again.Body)
}

func TestOpenSQLiteRejectsMemoryPath(t *testing.T) {
	_, err := OpenSQLite(":memory:", nil)
	assert.Error(t, err)
}
