package envelope

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"fedcore/pkg/federation"
)

type xmlData struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type xmlSig struct {
	KeyID string `xml:"key_id,attr,omitempty"`
	Value string `xml:",chardata"`
}

// wire form written by Marshal
type xmlEnv struct {
	XMLName  xml.Name `xml:"me:env"`
	NS       string   `xml:"xmlns:me,attr"`
	Data     xmlData  `xml:"me:data"`
	Encoding string   `xml:"me:encoding"`
	Alg      string   `xml:"me:alg"`
	Sig      xmlSig   `xml:"me:sig"`
}

// read form; local names match in any namespace
type xmlMagic struct {
	XMLName  xml.Name
	Data     *xmlData `xml:"data"`
	Encoding string   `xml:"encoding"`
	Alg      string   `xml:"alg"`
	Sig      *xmlSig  `xml:"sig"`
}

type xmlLegacy struct {
	XMLName xml.Name
	Header  *struct {
		AuthorID string `xml:"author_id"`
	} `xml:"header"`
	EncryptedHeader string `xml:"encrypted_header"`

	Provenance *xmlMagic `xml:"provenance"`
	Env        *xmlMagic `xml:"env"`
	Data       *xmlData  `xml:"data"`
	Encoding   string    `xml:"encoding"`
	Alg        string    `xml:"alg"`
	Sig        *xmlSig   `xml:"sig"`
}

type xmlDecryptedHeader struct {
	IV       string `xml:"iv"`
	AESKey   string `xml:"aes_key"`
	AuthorID string `xml:"author_id"`
}

// Marshal returns the XML wire form of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	doc := xmlEnv{
		NS:       Namespace,
		Data:     xmlData{Type: e.DataType, Value: e.Data},
		Encoding: e.Encoding,
		Alg:      e.Alg,
		Sig:      xmlSig{KeyID: e.KeyID, Value: e.Sig},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Parse reads the current flat envelope form.
func Parse(body []byte) (*Envelope, error) {
	var doc xmlMagic
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}
	if doc.XMLName.Local != "env" {
		return nil, fmt.Errorf("%w: unexpected root element %q", federation.ErrMalformedEnvelope, doc.XMLName.Local)
	}
	return fromMagic(&doc)
}

func fromMagic(m *xmlMagic) (*Envelope, error) {
	if m == nil || m.Data == nil || m.Sig == nil {
		return nil, fmt.Errorf("%w: envelope has no data or signature", federation.ErrMalformedEnvelope)
	}
	return &Envelope{
		Data:     stripWhitespace(m.Data.Value),
		DataType: strings.TrimSpace(m.Data.Type),
		Encoding: strings.TrimSpace(m.Encoding),
		Alg:      strings.TrimSpace(m.Alg),
		Sig:      stripWhitespace(m.Sig.Value),
		KeyID:    strings.TrimSpace(m.Sig.KeyID),
	}, nil
}

// ParseLegacy reads the deprecated nested form rooted at <diaspora>. Private
// messages need the recipient's key to open the encrypted header.
func ParseLegacy(body []byte, priv *rsa.PrivateKey) (*Envelope, error) {
	var doc xmlLegacy
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}
	if doc.XMLName.Local != "diaspora" {
		return nil, fmt.Errorf("%w: unexpected root element %q", federation.ErrMalformedEnvelope, doc.XMLName.Local)
	}

	var (
		author   string
		innerKey []byte
		innerIV  []byte
	)
	switch {
	case doc.Header != nil:
		author = doc.Header.AuthorID
	case doc.EncryptedHeader != "":
		if priv == nil {
			return nil, fmt.Errorf("%w: private legacy message without a recipient key", federation.ErrMalformedEnvelope)
		}
		hdr, err := decryptLegacyHeader(doc.EncryptedHeader, priv)
		if err != nil {
			return nil, err
		}
		author = hdr.AuthorID
		if innerIV, err = base64.StdEncoding.DecodeString(strings.TrimSpace(hdr.IV)); err != nil {
			return nil, fmt.Errorf("%w: inner iv: %v", federation.ErrMalformedEnvelope, err)
		}
		if innerKey, err = base64.StdEncoding.DecodeString(strings.TrimSpace(hdr.AESKey)); err != nil {
			return nil, fmt.Errorf("%w: inner key: %v", federation.ErrMalformedEnvelope, err)
		}
	default:
		return nil, fmt.Errorf("%w: legacy message has no header", federation.ErrMalformedEnvelope)
	}

	// the signed block may sit in one of three places
	var base *xmlMagic
	switch {
	case doc.Provenance != nil && doc.Provenance.Data != nil:
		base = doc.Provenance
	case doc.Env != nil && doc.Env.Data != nil:
		base = doc.Env
	case doc.Data != nil:
		base = &xmlMagic{Data: doc.Data, Encoding: doc.Encoding, Alg: doc.Alg, Sig: doc.Sig}
	default:
		return nil, fmt.Errorf("%w: unable to locate signed data", federation.ErrMalformedEnvelope)
	}

	env, err := fromMagic(base)
	if err != nil {
		return nil, err
	}
	env.Author = strings.TrimPrefix(strings.TrimSpace(author), "acct:")
	if env.Author == "" {
		return nil, fmt.Errorf("%w: could not retrieve author", federation.ErrMalformedEnvelope)
	}
	env.innerKey = innerKey
	env.innerIV = innerIV
	return env, nil
}

type legacyHeaderBundle struct {
	AESKey     string `json:"aes_key"`
	Ciphertext string `json:"ciphertext"`
}

func decryptLegacyHeader(encoded string, priv *rsa.PrivateKey) (*xmlDecryptedHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted header is not base64", federation.ErrMalformedEnvelope)
	}
	var bundle legacyHeaderBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("%w: encrypted header: %v", federation.ErrMalformedEnvelope, err)
	}

	key, iv, err := openKeyBundle(bundle.AESKey, priv)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stripWhitespace(bundle.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: header ciphertext is not base64", federation.ErrMalformedEnvelope)
	}
	plain, err := aesDecrypt(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}

	var hdr xmlDecryptedHeader
	if err := xml.Unmarshal(plain, &hdr); err != nil {
		return nil, fmt.Errorf("%w: decrypted header: %v", federation.ErrMalformedEnvelope, err)
	}
	return &hdr, nil
}

// rootElement returns the local name of the first element in body.
func rootElement(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}
