package envelope

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"fedcore/pkg/federation"
)

const (
	Namespace       = "http://salmon-protocol.org/ns/magic-env"
	LegacyNamespace = "https://joindiaspora.com/protocol"

	DataType  = "application/xml"
	Encoding  = "base64url"
	Algorithm = "RSA-SHA256"

	ContentTypePublic  = "application/magic-envelope+xml"
	ContentTypePrivate = "application/json"
)

// KeyResolver looks up the public key of a handle.
type KeyResolver interface {
	PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error)
}

// Envelope is a signed container. Data and Sig hold the wire strings as
// received; Data is never re-encoded before verification.
type Envelope struct {
	Data     string
	DataType string
	Encoding string
	Alg      string
	Sig      string
	KeyID    string

	// Author is the header-declared author of the legacy form.
	Author string

	// inner key material of a legacy private message
	innerKey []byte
	innerIV  []byte
}

// Sign wraps payload into an envelope signed by key on behalf of handle.
func Sign(payload []byte, handle string, key *rsa.PrivateKey) (*Envelope, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no signing key for %s", federation.ErrKeyNotFound, handle)
	}

	env := &Envelope{
		Data:     stripWhitespace(EncodeURL(payload)),
		DataType: DataType,
		Encoding: Encoding,
		Alg:      Algorithm,
		KeyID:    EncodeURL([]byte(handle)),
	}

	digest := sha256.Sum256([]byte(env.SignableString()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Sig = EncodeURL(sig)
	return env, nil
}

// SignableString is data "." b64url(type) "." b64url(encoding) "." b64url(alg).
func (e *Envelope) SignableString() string {
	return stripWhitespace(e.Data) + "." +
		EncodeURL([]byte(e.DataType)) + "." +
		EncodeURL([]byte(e.Encoding)) + "." +
		EncodeURL([]byte(e.Alg))
}

// Signer returns the handle that claims to have signed the envelope. The
// legacy header author takes precedence over the key id.
func (e *Envelope) Signer() string {
	if e.Author != "" {
		return strings.TrimPrefix(e.Author, "acct:")
	}
	if e.KeyID == "" {
		return ""
	}
	raw, err := DecodeURL(e.KeyID)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Payload decodes the carried data. Legacy private messages are decrypted
// with their inner key.
func (e *Envelope) Payload() ([]byte, error) {
	data, err := DecodeURL(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64url: %v", federation.ErrMalformedEnvelope, err)
	}
	if e.innerKey == nil {
		return data, nil
	}

	inner, err := base64.StdEncoding.DecodeString(stripWhitespace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: inner data is not base64: %v", federation.ErrMalformedEnvelope, err)
	}
	plain, err := aesDecrypt(e.innerKey, e.innerIV, inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}
	return plain, nil
}

// Verify checks the envelope signature against the signer's key and returns
// the payload and the signer handle.
func Verify(ctx context.Context, env *Envelope, keys KeyResolver) ([]byte, string, error) {
	if env == nil || env.Data == "" || env.Sig == "" {
		return nil, "", fmt.Errorf("%w: missing data or signature", federation.ErrMalformedEnvelope)
	}
	author := env.Signer()
	if author == "" {
		return nil, "", fmt.Errorf("%w: no author could be decoded", federation.ErrMalformedEnvelope)
	}

	sig, err := DecodeURL(env.Sig)
	if err != nil {
		return nil, author, fmt.Errorf("%w: signature is not base64url", federation.ErrMalformedEnvelope)
	}

	pub, err := keys.PublicKey(ctx, author)
	if err != nil {
		return nil, author, fmt.Errorf("%w: %s: %v", federation.ErrKeyNotFound, author, err)
	}
	if pub == nil {
		return nil, author, fmt.Errorf("%w: %s", federation.ErrKeyNotFound, author)
	}

	digest := sha256.Sum256([]byte(env.SignableString()))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return nil, author, fmt.Errorf("%w: message from %s did not verify", federation.ErrSignatureInvalid, author)
	}

	payload, err := env.Payload()
	if err != nil {
		return nil, author, err
	}
	return payload, author, nil
}

// EncodeURL is padded base64url.
func EncodeURL(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeURL accepts base64url with or without padding and tolerates
// standard-alphabet input and embedded whitespace.
func DecodeURL(s string) ([]byte, error) {
	s = stripWhitespace(s)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
