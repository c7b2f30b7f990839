package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"fedcore/pkg/federation"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	nextID        int64
	items         map[int64]*Item
	uris          map[string]struct{}
	contacts      map[int64]*Contact
	users         map[int64]*User
	peers         map[string]*Peer
	conversations map[int64]*Conversation
	mails         map[int64]*Mail
	suggestions   map[int64]*Suggestion
	counters      map[int64]*DeliveryCounter
}

func NewMemory() *Memory {
	return &Memory{
		items:         make(map[int64]*Item),
		uris:          make(map[string]struct{}),
		contacts:      make(map[int64]*Contact),
		users:         make(map[int64]*User),
		peers:         make(map[string]*Peer),
		conversations: make(map[int64]*Conversation),
		mails:         make(map[int64]*Mail),
		suggestions:   make(map[int64]*Suggestion),
		counters:      make(map[int64]*DeliveryCounter),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func key(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

func copyItem(i *Item) *Item {
	c := *i
	c.AllowList = append([]string(nil), i.AllowList...)
	c.DenyList = append([]string(nil), i.DenyList...)
	c.Tags = append([]string(nil), i.Tags...)
	c.Mentions = append([]string(nil), i.Mentions...)
	return &c
}

func copyContact(c *Contact) *Contact {
	out := *c
	out.Keywords = append([]string(nil), c.Keywords...)
	return &out
}

func copyUser(u *User) *User {
	out := *u
	out.Keywords = append([]string(nil), u.Keywords...)
	return &out
}

// Items

func (m *Memory) InsertItem(_ context.Context, item *Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.items {
		if existing.UID == item.UID && existing.GUID == item.GUID {
			return existing.ID, ErrDuplicate
		}
	}
	item.ID = m.id()
	m.items[item.ID] = copyItem(item)
	if item.URI != "" {
		m.uris[item.URI] = struct{}{}
	}
	return item.ID, nil
}

func (m *Memory) UpdateItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; !ok {
		return ErrNotFound
	}
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *Memory) ItemByID(_ context.Context, id int64) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i, ok := m.items[id]; ok {
		return copyItem(i), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ItemByGUID(_ context.Context, uid int64, guid string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, i := range m.items {
		if i.UID == uid && i.GUID == guid {
			return copyItem(i), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ItemsByGUID(_ context.Context, guid string) ([]*Item, error) {
	return m.filterItems(func(i *Item) bool { return i.GUID == guid }), nil
}

func (m *Memory) ItemByURI(_ context.Context, uid int64, uri string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, i := range m.items {
		if i.UID == uid && i.URI == uri {
			return copyItem(i), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ThreadItems(_ context.Context, uid int64, parentURI string) ([]*Item, error) {
	return m.filterItems(func(i *Item) bool {
		return i.UID == uid && i.ParentURI == parentURI && i.URI != parentURI && !i.Deleted
	}), nil
}

func (m *Memory) filterItems(match func(*Item) bool) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Item
	for _, i := range m.items {
		if match(i) {
			out = append(out, copyItem(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Memory) MarkItemDeleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	i.Deleted = true
	return nil
}

func (m *Memory) ReactionExists(_ context.Context, uid int64, author, target, verb string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, i := range m.items {
		if i.UID == uid && i.Gravity == GravityActivity && i.Verb == verb &&
			i.ThrParent == target && key(i.AuthorHandle) == key(author) && !i.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) URIKnown(_ context.Context, uri string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.uris[uri]
	return ok, nil
}

func (m *Memory) PurgeURI(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uris, uri)
	return nil
}

// Contacts

func (m *Memory) InsertContact(_ context.Context, c *Contact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.contacts {
		if existing.UID == c.UID && key(existing.Handle) == key(c.Handle) {
			return existing.ID, ErrDuplicate
		}
	}
	c.ID = m.id()
	m.contacts[c.ID] = copyContact(c)
	return c.ID, nil
}

func (m *Memory) UpdateContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[c.ID]; !ok {
		return ErrNotFound
	}
	m.contacts[c.ID] = copyContact(c)
	return nil
}

func (m *Memory) RemoveContact(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[id]; !ok {
		return ErrNotFound
	}
	delete(m.contacts, id)
	return nil
}

func (m *Memory) ContactByID(_ context.Context, id int64) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.contacts[id]; ok {
		return copyContact(c), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ContactByHandle(_ context.Context, uid int64, handle string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if c.UID == uid && key(c.Handle) == key(handle) {
			return copyContact(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ContactsByHandle(_ context.Context, handle string) ([]*Contact, error) {
	return m.filterContacts(func(c *Contact) bool { return key(c.Handle) == key(handle) }), nil
}

func (m *Memory) ContactsByURL(_ context.Context, url string) ([]*Contact, error) {
	return m.filterContacts(func(c *Contact) bool { return c.URL == url }), nil
}

func (m *Memory) FollowersOf(_ context.Context, handle string) ([]*Contact, error) {
	return m.filterContacts(func(c *Contact) bool {
		return c.UID != PublicUID && key(c.Handle) == key(handle) && c.IsFollowed() && !c.Blocked && !c.Pending
	}), nil
}

func (m *Memory) filterContacts(match func(*Contact) bool) []*Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Contact
	for _, c := range m.contacts {
		if match(c) {
			out = append(out, copyContact(c))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Users

func (m *Memory) InsertUser(_ context.Context, u *User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.GUID == u.GUID || strings.EqualFold(existing.Nickname, u.Nickname) {
			return existing.UID, ErrDuplicate
		}
	}
	u.UID = m.id()
	m.users[u.UID] = copyUser(u)
	return u.UID, nil
}

func (m *Memory) UserByUID(_ context.Context, uid int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.users[uid]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) UserByGUID(_ context.Context, guid string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.GUID == guid {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UserByNickname(_ context.Context, nickname string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Nickname, nickname) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FirstUser(ctx context.Context) (*User, error) {
	users, _ := m.ListUsers(ctx)
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users[0], nil
}

func (m *Memory) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UID < out[b].UID })
	return out, nil
}

// Peers

func (m *Memory) PeerByHandle(_ context.Context, handle string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.peers[key(handle)]; ok {
		c := *p
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) SavePeer(_ context.Context, p *Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.peers[key(p.Handle)] = &c
	return nil
}

func (m *Memory) ListPeers(_ context.Context) ([]*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Handle < out[b].Handle })
	return out, nil
}

// Conversations and mail

func (m *Memory) InsertConversation(_ context.Context, c *Conversation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.conversations {
		if existing.UID == c.UID && existing.GUID == c.GUID {
			return existing.ID, ErrDuplicate
		}
	}
	c.ID = m.id()
	cc := *c
	m.conversations[c.ID] = &cc
	return c.ID, nil
}

func (m *Memory) ConversationByID(_ context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.conversations[id]; ok {
		cc := *c
		return &cc, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ConversationByGUID(_ context.Context, uid int64, guid string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.UID == uid && c.GUID == guid {
			cc := *c
			return &cc, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) InsertMail(_ context.Context, mail *Mail) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.mails {
		if existing.UID == mail.UID && existing.GUID == mail.GUID {
			return existing.ID, ErrDuplicate
		}
	}
	mail.ID = m.id()
	mc := *mail
	m.mails[mail.ID] = &mc
	return mail.ID, nil
}

func (m *Memory) MailByID(_ context.Context, id int64) (*Mail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if mail, ok := m.mails[id]; ok {
		mc := *mail
		return &mc, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) MailByGUID(_ context.Context, uid int64, guid string) (*Mail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mail := range m.mails {
		if mail.UID == uid && mail.GUID == guid {
			mc := *mail
			return &mc, nil
		}
	}
	return nil, ErrNotFound
}

// Suggestions

func (m *Memory) InsertSuggestion(_ context.Context, s *Suggestion) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = m.id()
	sc := *s
	m.suggestions[s.ID] = &sc
	return s.ID, nil
}

func (m *Memory) SuggestionByID(_ context.Context, id int64) (*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.suggestions[id]; ok {
		sc := *s
		return &sc, nil
	}
	return nil, ErrNotFound
}

// Counters

func (m *Memory) counter(itemID int64) *DeliveryCounter {
	c, ok := m.counters[itemID]
	if !ok {
		c = &DeliveryCounter{ItemID: itemID, ByDialect: make(map[federation.Dialect]int)}
		m.counters[itemID] = c
	}
	return c
}

func (m *Memory) IncrementQueued(_ context.Context, itemID int64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter(itemID).Queued += n
	return nil
}

func (m *Memory) IncrementDone(_ context.Context, itemID int64, dialect federation.Dialect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counter(itemID)
	c.Done++
	c.ByDialect[dialect]++
	return nil
}

func (m *Memory) IncrementFailed(_ context.Context, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter(itemID).Failed++
	return nil
}

func (m *Memory) Counters(_ context.Context, itemID int64) (*DeliveryCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[itemID]
	if !ok {
		return &DeliveryCounter{ItemID: itemID, ByDialect: map[federation.Dialect]int{}}, nil
	}
	out := *c
	out.ByDialect = make(map[federation.Dialect]int, len(c.ByDialect))
	for k, v := range c.ByDialect {
		out.ByDialect[k] = v
	}
	return &out, nil
}

var _ Store = (*Memory)(nil)
