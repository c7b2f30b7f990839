package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"fedcore/pkg/federation"
)

// alias renames a legacy field. Kinds limits it to those kinds; nil means all.
type alias struct {
	From  string
	To    string
	Kinds []Kind
}

// Aliases maps field names of the legacy XML/post wrapper onto the current
// schema. It is consulted once per payload, before any handler runs.
var Aliases = []alias{
	{From: "diaspora_handle", To: "author"},
	{From: "participant_handles", To: "participants"},
	{From: "target_type", To: "parent_type", Kinds: []Kind{KindLike, KindParticipation}},
	{From: "sender_handle", To: "author"},
	{From: "recipient_handle", To: "recipient"},
	{From: "root_diaspora_id", To: "root_author"},
	{From: "raw_message", To: "text", Kinds: []Kind{KindStatusMessage}},
	{From: "post_guid", To: "target_guid", Kinds: []Kind{KindRetraction}},
	{From: "type", To: "target_type", Kinds: []Kind{KindRetraction}},
}

// Canonical returns the current name of a legacy field for kind.
func Canonical(kind Kind, name string) string {
	for _, a := range Aliases {
		if a.From != name {
			continue
		}
		if a.Kinds == nil {
			return a.To
		}
		for _, k := range a.Kinds {
			if k == kind {
				return a.To
			}
		}
	}
	return name
}

// relay signatures are not part of the stored fields
var signatureFields = map[string]bool{
	"author_signature":        true,
	"parent_author_signature": true,
	"target_author_signature": true,
}

// Parse classifies a verified payload and normalizes it into a Message.
// Unknown kinds return a Message with KindUnknown and ErrUnknownMessageKind.
func Parse(payload []byte) (*Message, error) {
	root, err := parseTree(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}

	element := root
	legacy := false
	if root.name == "XML" {
		legacy = true
		post := root.child("post")
		if post == nil || len(post.children) == 0 {
			return nil, fmt.Errorf("%w: legacy payload has no post", federation.ErrMalformedEnvelope)
		}
		// the last child wins, as older senders sometimes prepend noise
		element = post.children[len(post.children)-1]
	}

	origName := element.name
	kind := ParseKind(origName)
	msg := &Message{Kind: kind, Legacy: legacy}

	var signed []string
	for _, child := range element.children {
		name := child.name
		if legacy {
			name = Canonical(kind, name)
		}

		switch {
		case name == "author_signature" && child.text != "":
			msg.AuthorSignature = strings.TrimSpace(child.text)
		case name == "parent_author_signature" && child.text != "":
			msg.ParentAuthorSignature = strings.TrimSpace(child.text)
		case !signatureFields[name]:
			signed = append(signed, child.text)
		}

		if name == "parent_author_signature" || name == "target_author_signature" {
			if origName != "relayable_retraction" {
				continue
			}
		}
		msg.Fields = append(msg.Fields, child.field(name))
	}
	msg.SignedText = strings.Join(signed, ";")
	msg.Author = lower(msg.Fields.Get("author"))
	msg.GUID = msg.Fields.Get("guid")

	if kind == KindUnknown {
		return msg, fmt.Errorf("%w: %s", federation.ErrUnknownMessageKind, origName)
	}
	msg.Body = decodeBody(kind, msg.Fields)
	return msg, nil
}

type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) field(name string) Field {
	f := Field{Name: name}
	if len(n.children) == 0 {
		f.Value = n.text
		return f
	}
	for _, c := range n.children {
		f.Nested = append(f.Nested, c.field(c.name))
	}
	return f
}

// parseTree reads the element tree. Namespaces are dropped; only local names
// matter to the schema.
func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		stack []*node
		root  *node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			} else {
				return nil, errors.New("multiple root elements")
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			n := stack[len(stack)-1]
			if len(n.children) > 0 {
				n.text = strings.TrimSpace(n.text)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	if len(stack) != 0 {
		return nil, errors.New("unterminated element")
	}
	return root, nil
}
