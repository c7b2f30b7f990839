package envelope

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"fedcore/pkg/federation"
)

// Opened is a verified inbound payload.
type Opened struct {
	Payload   []byte
	Author    string
	Encrypted bool
	Legacy    bool
}

// Open detects the wire form of body, decrypts it if needed and verifies the
// signature. priv is the recipient key and may be nil for public messages.
func Open(ctx context.Context, body []byte, priv *rsa.PrivateKey, keys KeyResolver) (*Opened, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", federation.ErrMalformedEnvelope)
	}

	var (
		env    *Envelope
		err    error
		opened Opened
	)
	switch {
	case body[0] == '{':
		var enc Encrypted
		if err := json.Unmarshal(body, &enc); err != nil {
			return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
		}
		opened.Encrypted = true
		env, err = Decrypt(&enc, priv)
	case rootElement(body) == "diaspora":
		opened.Legacy = true
		env, err = ParseLegacy(body, priv)
		opened.Encrypted = err == nil && env.innerKey != nil
	default:
		env, err = Parse(body)
	}
	if err != nil {
		return nil, err
	}

	opened.Payload, opened.Author, err = Verify(ctx, env, keys)
	if err != nil {
		return nil, err
	}
	return &opened, nil
}

// Seal signs payload as handle and returns the body to transmit together with
// its content type. Non-public bodies are encrypted for recipient.
func Seal(payload []byte, handle string, key *rsa.PrivateKey, recipient *rsa.PublicKey, public bool) ([]byte, string, error) {
	env, err := Sign(payload, handle, key)
	if err != nil {
		return nil, "", err
	}

	if public {
		body, err := env.Marshal()
		if err != nil {
			return nil, "", err
		}
		return body, ContentTypePublic, nil
	}

	enc, err := Encrypt(env, recipient)
	if err != nil {
		return nil, "", err
	}
	body, err := json.Marshal(enc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal encrypted envelope: %w", err)
	}
	return body, ContentTypePrivate, nil
}
