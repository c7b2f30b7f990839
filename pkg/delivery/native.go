package delivery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"fedcore/pkg/envelope"
	"fedcore/pkg/store"
)

const (
	atomNS      = "http://www.w3.org/2005/Atom"
	nativeNS    = "http://purl.org/macgirvin/dfrn/1.0"
	tombstoneNS = "http://purl.org/atompub/tombstones/1.0"
	threadNS    = "http://purl.org/syndication/thread/1.0"
)

type atomFeed struct {
	XMLName  xml.Name `xml:"feed"`
	Xmlns    string   `xml:"xmlns,attr"`
	XmlnsDfr string   `xml:"xmlns:dfrn,attr"`
	XmlnsAt  string   `xml:"xmlns:at,attr"`
	XmlnsThr string   `xml:"xmlns:thr,attr"`

	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Updated string     `xml:"updated"`
	Author  atomPerson `xml:"author"`

	Entries  []atomEntry     `xml:"entry"`
	Deleted  []atomTombstone `xml:"at:deleted-entry"`
	Suggest  *atomSuggest    `xml:"dfrn:suggest,omitempty"`
	Relocate *atomRelocate   `xml:"dfrn:relocate,omitempty"`
	Mail     *atomMail       `xml:"dfrn:mail,omitempty"`
}

type atomPerson struct {
	Name string `xml:"name"`
	URI  string `xml:"uri,omitempty"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	GUID       string         `xml:"dfrn:diaspora_guid"`
	Title      string         `xml:"title"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Author     atomPerson     `xml:"author"`
	Owner      atomPerson     `xml:"dfrn:owner"`
	InReplyTo  *atomInReplyTo `xml:"thr:in-reply-to,omitempty"`
	Content    string         `xml:"content"`
	Verb       string         `xml:"dfrn:verb,omitempty"`
	ObjectType string         `xml:"dfrn:object-type,omitempty"`
	Private    int            `xml:"dfrn:private,omitempty"`
	Tags       []string       `xml:"category,omitempty"`
}

type atomInReplyTo struct {
	Ref  string `xml:"ref,attr"`
	Href string `xml:"href,attr,omitempty"`
}

type atomTombstone struct {
	Ref  string `xml:"ref,attr"`
	When string `xml:"when,attr"`
}

type atomSuggest struct {
	URL  string `xml:"dfrn:url"`
	Name string `xml:"dfrn:name"`
	Note string `xml:"dfrn:note"`
}

type atomRelocate struct {
	URL    string `xml:"dfrn:url"`
	Name   string `xml:"dfrn:name"`
	Addr   string `xml:"dfrn:addr"`
	Avatar string `xml:"dfrn:avatar,omitempty"`
	Notify string `xml:"dfrn:notify"`
	Batch  string `xml:"dfrn:batch"`
	PubKey string `xml:"dfrn:pubkey"`
}

type atomMail struct {
	ID        string     `xml:"dfrn:id"`
	InReplyTo string     `xml:"dfrn:in-reply-to"`
	Sender    atomPerson `xml:"dfrn:sender"`
	Subject   string     `xml:"dfrn:subject"`
	Content   string     `xml:"dfrn:content"`
	Sent      string     `xml:"dfrn:sentdate"`
}

func atomTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nativeFeed renders the Atom document carrying t.
func (o *Orchestrator) nativeFeed(t *target) ([]byte, error) {
	owner := t.owner
	feed := atomFeed{
		Xmlns:    atomNS,
		XmlnsDfr: nativeNS,
		XmlnsAt:  tombstoneNS,
		XmlnsThr: threadNS,
		ID:       o.baseURL + "/u/" + owner.Nickname,
		Title:    owner.Name,
		Updated:  atomTime(o.now()),
		Author:   atomPerson{Name: owner.Name, URI: o.baseURL + "/u/" + owner.Nickname},
	}

	switch {
	case t.suggestion != nil:
		feed.Suggest = &atomSuggest{URL: t.suggestion.URL, Name: t.suggestion.Name, Note: t.suggestion.Note}
	case t.mail != nil:
		feed.Mail = &atomMail{
			ID:        t.mail.URI,
			InReplyTo: t.mail.ParentURI,
			Sender:    atomPerson{Name: owner.Name, URI: o.baseURL + "/u/" + owner.Nickname},
			Subject:   t.mail.Title,
			Content:   t.mail.Body,
			Sent:      atomTime(t.mail.Created),
		}
	case t.job.Command == CommandRelocate:
		feed.Relocate = &atomRelocate{
			URL:    o.baseURL + "/u/" + owner.Nickname,
			Name:   owner.Name,
			Addr:   owner.Handle,
			Avatar: owner.AvatarURL,
			Notify: o.baseURL + "/receive/users/" + owner.GUID,
			Batch:  o.baseURL + "/receive/public",
			PubKey: owner.PublicKey,
		}
	case t.itemBased():
		item := t.item
		switch {
		case item.Deleted || t.job.Command == CommandDrop:
			feed.Deleted = []atomTombstone{{Ref: item.URI, When: atomTime(item.Edited)}}
		case t.flags.Followup || item == t.parent:
			feed.Entries = []atomEntry{entryOf(item)}
		default:
			feed.Entries = []atomEntry{entryOf(t.parent), entryOf(item)}
		}
	default:
		return nil, fmt.Errorf("%w: %s has no native form", errSkip, t.job.Command)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(feed); err != nil {
		return nil, fmt.Errorf("failed to render feed: %w", err)
	}
	return buf.Bytes(), nil
}

func entryOf(i *store.Item) atomEntry {
	e := atomEntry{
		ID:         i.URI,
		GUID:       i.GUID,
		Title:      i.Title,
		Published:  atomTime(i.Created),
		Updated:    atomTime(i.Edited),
		Author:     atomPerson{Name: i.AuthorHandle, URI: i.AuthorLink},
		Owner:      atomPerson{Name: i.OwnerHandle, URI: i.OwnerLink},
		Content:    i.Body,
		Verb:       i.Verb,
		ObjectType: i.ObjectType,
		Tags:       i.Tags,
	}
	if !i.IsTopLevel() {
		e.InReplyTo = &atomInReplyTo{Ref: i.ThrParent, Href: i.ParentURI}
	}
	if i.IsPrivate() || len(i.AllowList) > 0 || len(i.DenyList) > 0 {
		e.Private = 1
	}
	return e
}

// sendNative delivers the Atom form. In public scope relay peers get the
// public envelope at their batch inbox; everyone else an encrypted one.
func (o *Orchestrator) sendNative(ctx context.Context, t *target, c *store.Contact, public bool) error {
	if t.job.Command == CommandRemoveMe || t.job.Command == CommandProfileUpdate {
		return fmt.Errorf("%w: %s has no native form", errSkip, t.job.Command)
	}
	payload, err := o.nativeFeed(t)
	if err != nil {
		return err
	}
	key, err := ownerKey(t.owner)
	if err != nil {
		return err
	}

	if public && c.ContactType == store.ContactRelay {
		body, contentType, err := envelope.Seal(payload, t.owner.Handle, key, nil, true)
		if err != nil {
			return err
		}
		return o.post(ctx, c.BatchURL, body, contentType)
	}

	pub, err := o.contactKey(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: no key for %s", errSkip, c.Handle)
	}
	body, contentType, err := envelope.Seal(payload, t.owner.Handle, key, pub, false)
	if err != nil {
		return err
	}
	return o.post(ctx, c.NotifyURL, body, contentType)
}
