package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"fedcore/pkg/federation"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL,
	guid TEXT NOT NULL,
	uri TEXT NOT NULL,
	parent_uri TEXT NOT NULL,
	thr_parent TEXT NOT NULL,
	author TEXT NOT NULL,
	verb TEXT NOT NULL,
	gravity INTEGER NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (uid, guid)
);
CREATE INDEX IF NOT EXISTS items_guid ON items (guid);
CREATE INDEX IF NOT EXISTS items_uri ON items (uid, uri);
CREATE INDEX IF NOT EXISTS items_parent ON items (uid, parent_uri);

CREATE TABLE IF NOT EXISTS uris (
	uri TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL,
	handle TEXT NOT NULL,
	url TEXT NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (uid, handle)
);
CREATE INDEX IF NOT EXISTS contacts_handle ON contacts (handle);
CREATE INDEX IF NOT EXISTS contacts_url ON contacts (url);

CREATE TABLE IF NOT EXISTS users (
	uid INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL UNIQUE,
	nickname TEXT NOT NULL UNIQUE COLLATE NOCASE,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
	handle TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL,
	guid TEXT NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (uid, guid)
);

CREATE TABLE IF NOT EXISTS mails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL,
	guid TEXT NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (uid, guid)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	item_id INTEGER PRIMARY KEY,
	queued INTEGER NOT NULL DEFAULT 0,
	done INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS counter_dialects (
	item_id INTEGER NOT NULL,
	dialect TEXT NOT NULL,
	n INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (item_id, dialect)
);
`

// SQLite is a Store backed by a database file. Writes go through a single
// connection, reads through a pool sized to the CPU count.
type SQLite struct {
	write  *sql.DB
	read   *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("in-memory sqlite is not supported, use store.NewMemory")
	}

	params := make(url.Values)
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(1000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + strings.TrimPrefix(path, "file:") + "?" + params.Encode()

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	write.SetMaxOpenConns(1)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	read.SetMaxOpenConns(runtime.NumCPU())

	logger.Debug("Opened sqlite store", zap.String("path", path))
	return &SQLite{write: write, read: read, logger: logger}, nil
}

func (s *SQLite) Close() error {
	return errors.Join(s.read.Close(), s.write.Close())
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(data), nil
}

func decode[T any](data string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &v, nil
}

// insert runs an INSERT ... ON CONFLICT DO NOTHING and reports ErrDuplicate
// when no row was written, returning the conflicting row's id via lookup.
func (s *SQLite) insert(ctx context.Context, tx *sql.Tx, lookup func() (int64, error), query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		id, err := lookup()
		if err != nil {
			return 0, err
		}
		return id, ErrDuplicate
	}
	return res.LastInsertId()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) lookupID(ctx context.Context, tx *sql.Tx, query string, args ...any) func() (int64, error) {
	return func() (int64, error) {
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
}

func rowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Items

func (s *SQLite) InsertItem(ctx context.Context, item *Item) (int64, error) {
	data, err := encode(item)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx,
			s.lookupID(ctx, tx, `SELECT id FROM items WHERE uid = ? AND guid = ?`, item.UID, item.GUID),
			`INSERT INTO items (uid, guid, uri, parent_uri, thr_parent, author, verb, gravity, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			item.UID, item.GUID, item.URI, item.ParentURI, item.ThrParent,
			key(item.AuthorHandle), item.Verb, item.Gravity, data)
		if err != nil {
			return err
		}
		if item.URI != "" {
			_, err = tx.ExecContext(ctx, `INSERT INTO uris (uri) VALUES (?) ON CONFLICT DO NOTHING`, item.URI)
		}
		return err
	})
	if err == nil {
		item.ID = id
	}
	return id, err
}

func (s *SQLite) UpdateItem(ctx context.Context, item *Item) error {
	data, err := encode(item)
	if err != nil {
		return err
	}
	return affected(s.write.ExecContext(ctx,
		`UPDATE items SET uri = ?, parent_uri = ?, thr_parent = ?, author = ?, verb = ?, gravity = ?, data = ?
		 WHERE id = ?`,
		item.URI, item.ParentURI, item.ThrParent, key(item.AuthorHandle), item.Verb, item.Gravity, data, item.ID))
}

func (s *SQLite) queryItems(ctx context.Context, query string, args ...any) ([]*Item, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		item, err := decode[Item](data)
		if err != nil {
			return nil, err
		}
		item.ID = id
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLite) queryItem(ctx context.Context, query string, args ...any) (*Item, error) {
	var (
		id   int64
		data string
	)
	if err := s.read.QueryRowContext(ctx, query, args...).Scan(&id, &data); err != nil {
		return nil, rowErr(err)
	}
	item, err := decode[Item](data)
	if err != nil {
		return nil, err
	}
	item.ID = id
	return item, nil
}

func (s *SQLite) ItemByID(ctx context.Context, id int64) (*Item, error) {
	return s.queryItem(ctx, `SELECT id, data FROM items WHERE id = ?`, id)
}

func (s *SQLite) ItemByGUID(ctx context.Context, uid int64, guid string) (*Item, error) {
	return s.queryItem(ctx, `SELECT id, data FROM items WHERE uid = ? AND guid = ?`, uid, guid)
}

func (s *SQLite) ItemsByGUID(ctx context.Context, guid string) ([]*Item, error) {
	return s.queryItems(ctx, `SELECT id, data FROM items WHERE guid = ? ORDER BY id`, guid)
}

func (s *SQLite) ItemByURI(ctx context.Context, uid int64, uri string) (*Item, error) {
	return s.queryItem(ctx, `SELECT id, data FROM items WHERE uid = ? AND uri = ? ORDER BY id LIMIT 1`, uid, uri)
}

func (s *SQLite) ThreadItems(ctx context.Context, uid int64, parentURI string) ([]*Item, error) {
	items, err := s.queryItems(ctx,
		`SELECT id, data FROM items WHERE uid = ? AND parent_uri = ? AND uri != ? ORDER BY id`,
		uid, parentURI, parentURI)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, i := range items {
		if !i.Deleted {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *SQLite) MarkItemDeleted(ctx context.Context, id int64) error {
	return affected(s.write.ExecContext(ctx,
		`UPDATE items SET data = json_set(data, '$.deleted', json('true')) WHERE id = ?`, id))
}

func (s *SQLite) ReactionExists(ctx context.Context, uid int64, author, target, verb string) (bool, error) {
	items, err := s.queryItems(ctx,
		`SELECT id, data FROM items WHERE uid = ? AND thr_parent = ? AND verb = ? AND author = ? AND gravity = ?`,
		uid, target, verb, key(author), GravityActivity)
	if err != nil {
		return false, err
	}
	for _, i := range items {
		if !i.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *SQLite) URIKnown(ctx context.Context, uri string) (bool, error) {
	var n int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM uris WHERE uri = ?`, uri).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) PurgeURI(ctx context.Context, uri string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM uris WHERE uri = ?`, uri)
	return err
}

// Contacts

func (s *SQLite) InsertContact(ctx context.Context, c *Contact) (int64, error) {
	data, err := encode(c)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx,
			s.lookupID(ctx, tx, `SELECT id FROM contacts WHERE uid = ? AND handle = ?`, c.UID, key(c.Handle)),
			`INSERT INTO contacts (uid, handle, url, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			c.UID, key(c.Handle), c.URL, data)
		return err
	})
	if err == nil {
		c.ID = id
	}
	return id, err
}

func (s *SQLite) UpdateContact(ctx context.Context, c *Contact) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	return affected(s.write.ExecContext(ctx,
		`UPDATE contacts SET uid = ?, handle = ?, url = ?, data = ? WHERE id = ?`,
		c.UID, key(c.Handle), c.URL, data, c.ID))
}

func (s *SQLite) RemoveContact(ctx context.Context, id int64) error {
	return affected(s.write.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id))
}

func (s *SQLite) queryContacts(ctx context.Context, query string, args ...any) ([]*Contact, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		c, err := decode[Contact](data)
		if err != nil {
			return nil, err
		}
		c.ID = id
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) queryContact(ctx context.Context, query string, args ...any) (*Contact, error) {
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, ErrNotFound
	}
	return contacts[0], nil
}

func (s *SQLite) ContactByID(ctx context.Context, id int64) (*Contact, error) {
	return s.queryContact(ctx, `SELECT id, data FROM contacts WHERE id = ?`, id)
}

func (s *SQLite) ContactByHandle(ctx context.Context, uid int64, handle string) (*Contact, error) {
	return s.queryContact(ctx, `SELECT id, data FROM contacts WHERE uid = ? AND handle = ?`, uid, key(handle))
}

func (s *SQLite) ContactsByHandle(ctx context.Context, handle string) ([]*Contact, error) {
	return s.queryContacts(ctx, `SELECT id, data FROM contacts WHERE handle = ? ORDER BY id`, key(handle))
}

func (s *SQLite) ContactsByURL(ctx context.Context, url string) ([]*Contact, error) {
	return s.queryContacts(ctx, `SELECT id, data FROM contacts WHERE url = ? ORDER BY id`, url)
}

func (s *SQLite) FollowersOf(ctx context.Context, handle string) ([]*Contact, error) {
	contacts, err := s.queryContacts(ctx,
		`SELECT id, data FROM contacts WHERE handle = ? AND uid != ? ORDER BY id`, key(handle), PublicUID)
	if err != nil {
		return nil, err
	}
	out := contacts[:0]
	for _, c := range contacts {
		if c.IsFollowed() && !c.Blocked && !c.Pending {
			out = append(out, c)
		}
	}
	return out, nil
}

// Users

func (s *SQLite) InsertUser(ctx context.Context, u *User) (int64, error) {
	data, err := encode(u)
	if err != nil {
		return 0, err
	}
	var uid int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		uid, err = s.insert(ctx, tx,
			s.lookupID(ctx, tx, `SELECT uid FROM users WHERE guid = ? OR nickname = ?`, u.GUID, u.Nickname),
			`INSERT INTO users (guid, nickname, data) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			u.GUID, u.Nickname, data)
		return err
	})
	if err == nil {
		u.UID = uid
	}
	return uid, err
}

func (s *SQLite) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var (
			uid  int64
			data string
		)
		if err := rows.Scan(&uid, &data); err != nil {
			return nil, err
		}
		u, err := decode[User](data)
		if err != nil {
			return nil, err
		}
		u.UID = uid
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) queryUser(ctx context.Context, query string, args ...any) (*User, error) {
	users, err := s.queryUsers(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users[0], nil
}

func (s *SQLite) UserByUID(ctx context.Context, uid int64) (*User, error) {
	return s.queryUser(ctx, `SELECT uid, data FROM users WHERE uid = ?`, uid)
}

func (s *SQLite) UserByGUID(ctx context.Context, guid string) (*User, error) {
	return s.queryUser(ctx, `SELECT uid, data FROM users WHERE guid = ?`, guid)
}

func (s *SQLite) UserByNickname(ctx context.Context, nickname string) (*User, error) {
	return s.queryUser(ctx, `SELECT uid, data FROM users WHERE nickname = ?`, nickname)
}

func (s *SQLite) FirstUser(ctx context.Context) (*User, error) {
	return s.queryUser(ctx, `SELECT uid, data FROM users ORDER BY uid LIMIT 1`)
}

func (s *SQLite) ListUsers(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT uid, data FROM users ORDER BY uid`)
}

// Peers

func (s *SQLite) PeerByHandle(ctx context.Context, handle string) (*Peer, error) {
	var data string
	err := s.read.QueryRowContext(ctx, `SELECT data FROM peers WHERE handle = ?`, key(handle)).Scan(&data)
	if err != nil {
		return nil, rowErr(err)
	}
	return decode[Peer](data)
}

func (s *SQLite) SavePeer(ctx context.Context, p *Peer) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO peers (handle, data) VALUES (?, ?)
		 ON CONFLICT (handle) DO UPDATE SET data = excluded.data`,
		key(p.Handle), data)
	return err
}

func (s *SQLite) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT data FROM peers ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Peer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decode[Peer](data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Conversations and mail

func (s *SQLite) InsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	data, err := encode(c)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx,
			s.lookupID(ctx, tx, `SELECT id FROM conversations WHERE uid = ? AND guid = ?`, c.UID, c.GUID),
			`INSERT INTO conversations (uid, guid, data) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			c.UID, c.GUID, data)
		return err
	})
	if err == nil {
		c.ID = id
	}
	return id, err
}

func (s *SQLite) queryConversation(ctx context.Context, query string, args ...any) (*Conversation, error) {
	var (
		id   int64
		data string
	)
	if err := s.read.QueryRowContext(ctx, query, args...).Scan(&id, &data); err != nil {
		return nil, rowErr(err)
	}
	c, err := decode[Conversation](data)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

func (s *SQLite) ConversationByID(ctx context.Context, id int64) (*Conversation, error) {
	return s.queryConversation(ctx, `SELECT id, data FROM conversations WHERE id = ?`, id)
}

func (s *SQLite) ConversationByGUID(ctx context.Context, uid int64, guid string) (*Conversation, error) {
	return s.queryConversation(ctx, `SELECT id, data FROM conversations WHERE uid = ? AND guid = ?`, uid, guid)
}

func (s *SQLite) InsertMail(ctx context.Context, m *Mail) (int64, error) {
	data, err := encode(m)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx,
			s.lookupID(ctx, tx, `SELECT id FROM mails WHERE uid = ? AND guid = ?`, m.UID, m.GUID),
			`INSERT INTO mails (uid, guid, data) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			m.UID, m.GUID, data)
		return err
	})
	if err == nil {
		m.ID = id
	}
	return id, err
}

func (s *SQLite) queryMail(ctx context.Context, query string, args ...any) (*Mail, error) {
	var (
		id   int64
		data string
	)
	if err := s.read.QueryRowContext(ctx, query, args...).Scan(&id, &data); err != nil {
		return nil, rowErr(err)
	}
	m, err := decode[Mail](data)
	if err != nil {
		return nil, err
	}
	m.ID = id
	return m, nil
}

func (s *SQLite) MailByID(ctx context.Context, id int64) (*Mail, error) {
	return s.queryMail(ctx, `SELECT id, data FROM mails WHERE id = ?`, id)
}

func (s *SQLite) MailByGUID(ctx context.Context, uid int64, guid string) (*Mail, error) {
	return s.queryMail(ctx, `SELECT id, data FROM mails WHERE uid = ? AND guid = ?`, uid, guid)
}

// Suggestions

func (s *SQLite) InsertSuggestion(ctx context.Context, sg *Suggestion) (int64, error) {
	data, err := encode(sg)
	if err != nil {
		return 0, err
	}
	res, err := s.write.ExecContext(ctx, `INSERT INTO suggestions (data) VALUES (?)`, data)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sg.ID = id
	return id, nil
}

func (s *SQLite) SuggestionByID(ctx context.Context, id int64) (*Suggestion, error) {
	var data string
	if err := s.read.QueryRowContext(ctx, `SELECT data FROM suggestions WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, rowErr(err)
	}
	sg, err := decode[Suggestion](data)
	if err != nil {
		return nil, err
	}
	sg.ID = id
	return sg, nil
}

// Counters

func (s *SQLite) IncrementQueued(ctx context.Context, itemID int64, n int) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO counters (item_id, queued) VALUES (?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET queued = queued + excluded.queued`, itemID, n)
	return err
}

func (s *SQLite) IncrementDone(ctx context.Context, itemID int64, dialect federation.Dialect) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counters (item_id, done) VALUES (?, 1)
			 ON CONFLICT (item_id) DO UPDATE SET done = done + 1`, itemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO counter_dialects (item_id, dialect, n) VALUES (?, ?, 1)
			 ON CONFLICT (item_id, dialect) DO UPDATE SET n = n + 1`, itemID, string(dialect))
		return err
	})
}

func (s *SQLite) IncrementFailed(ctx context.Context, itemID int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO counters (item_id, failed) VALUES (?, 1)
		 ON CONFLICT (item_id) DO UPDATE SET failed = failed + 1`, itemID)
	return err
}

func (s *SQLite) Counters(ctx context.Context, itemID int64) (*DeliveryCounter, error) {
	c := &DeliveryCounter{ItemID: itemID, ByDialect: map[federation.Dialect]int{}}
	err := s.read.QueryRowContext(ctx,
		`SELECT queued, done, failed FROM counters WHERE item_id = ?`, itemID).Scan(&c.Queued, &c.Done, &c.Failed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := s.read.QueryContext(ctx, `SELECT dialect, n FROM counter_dialects WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			dialect string
			n       int
		)
		if err := rows.Scan(&dialect, &n); err != nil {
			return nil, err
		}
		c.ByDialect[federation.Dialect(dialect)] = n
	}
	return c, rows.Err()
}

var _ Store = (*SQLite)(nil)
