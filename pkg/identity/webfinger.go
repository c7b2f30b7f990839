package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fedcore/pkg/federation"
	"fedcore/pkg/store"
)

// Link relations read from and written to webfinger documents.
const (
	RelHCard        = "http://microformats.org/profile/hcard"
	RelSeedLocation = "http://joindiaspora.com/seed_location"
	RelGUID         = "http://joindiaspora.com/guid"
	RelPublicKey    = "diaspora-public-key"
	RelSalmon       = "salmon"
	RelProfilePage  = "http://webfinger.net/rel/profile-page"
	RelDFRN         = "http://purl.org/macgirvin/dfrn/1.0"

	ContentTypeJRD = "application/jrd+json"
)

// JRD is a webfinger JSON resource descriptor.
type JRD struct {
	Subject    string            `json:"subject"`
	Aliases    []string          `json:"aliases,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Links      []Link            `json:"links"`
}

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// Href returns the href of the first link with rel, or "".
func (j *JRD) Href(rel string) string {
	for _, l := range j.Links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// InboxURLs derives the private and public inbox of an installation.
func InboxURLs(baseURL, guid string) (notify, batch string) {
	base := strings.TrimRight(baseURL, "/")
	return base + "/receive/users/" + guid, base + "/receive/public"
}

// probe fetches and interprets the webfinger document of h.
func (r *Resolver) probe(ctx context.Context, h *federation.Handle) (*store.Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s://%s%s/.well-known/webfinger?resource=%s",
		r.scheme, h.Host, h.Path, url.QueryEscape("acct:"+h.String()))
	resp, err := r.http.Get(ctx, endpoint, ContentTypeJRD)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var doc JRD
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse webfinger document: %w", err)
	}
	return peerFromJRD(h, &doc, r.now()), nil
}

func peerFromJRD(h *federation.Handle, doc *JRD, now time.Time) *store.Peer {
	p := &store.Peer{
		Handle:     h.String(),
		GUID:       doc.Href(RelGUID),
		ProfileURL: doc.Href(RelProfilePage),
		BaseURL:    strings.TrimRight(doc.Href(RelSeedLocation), "/"),
		PublicKey:  decodeKey(doc.Href(RelPublicKey)),
		Name:       doc.Properties["name"],
		Alive:      true,
		Updated:    now,
	}

	if p.BaseURL == "" {
		if hcard := doc.Href(RelHCard); hcard != "" {
			if i := strings.Index(hcard, "/hcard/"); i > 0 {
				p.BaseURL = hcard[:i]
			}
		}
	}
	if p.BaseURL == "" {
		p.BaseURL = h.BaseURL()
	}
	if p.ProfileURL == "" {
		p.ProfileURL = doc.Href(RelDFRN)
	}

	switch {
	case doc.Href(RelDFRN) != "":
		p.Dialect = federation.DialectNative
	case p.GUID != "" && p.PublicKey != "" && doc.Href(RelSeedLocation) != "":
		p.Dialect = federation.DialectDiaspora
	default:
		p.Dialect = federation.DialectUnknown
	}

	inbox := p.GUID
	if inbox == "" {
		inbox = h.User
	}
	p.NotifyURL, p.BatchURL = InboxURLs(p.BaseURL, inbox)
	return p
}

// decodeKey accepts the key either as base64 wrapped PEM or as bare PEM.
func decodeKey(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "-----BEGIN") {
		return href
	}
	decoded, err := base64.StdEncoding.DecodeString(href)
	if err != nil {
		return href
	}
	return string(decoded)
}

// LocalJRD describes a local user for the webfinger endpoint.
func LocalJRD(u *store.User, baseURL string) *JRD {
	base := strings.TrimRight(baseURL, "/")
	profile := base + "/profile/" + u.Nickname
	return &JRD{
		Subject:    "acct:" + u.Handle,
		Aliases:    []string{profile},
		Properties: map[string]string{"name": u.Name},
		Links: []Link{
			{Rel: RelProfilePage, Type: "text/html", Href: profile},
			{Rel: RelSeedLocation, Type: "text/html", Href: base},
			{Rel: RelGUID, Type: "text/html", Href: u.GUID},
			{Rel: RelHCard, Type: "text/html", Href: base + "/hcard/users/" + u.GUID},
			{Rel: RelPublicKey, Type: "RSA", Href: base64.StdEncoding.EncodeToString([]byte(u.PublicKey))},
			{Rel: RelSalmon, Href: base + "/receive/users/" + u.GUID},
			{Rel: RelDFRN, Href: profile},
		},
	}
}
