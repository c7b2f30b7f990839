package protocol

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
)

// SignedText joins the values of every non-signature field with ";".
func SignedText(fields Fields) string {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		if signatureFields[f.Name] {
			continue
		}
		values = append(values, f.Value)
	}
	return strings.Join(values, ";")
}

// SignRelayable returns the base64 RSA-SHA256 signature over the signed text
// of fields.
func SignRelayable(fields Fields, key *rsa.PrivateKey) (string, error) {
	return SignText(SignedText(fields), key)
}

// SignText signs text and returns standard base64.
func SignText(text string, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no signing key", federation.ErrKeyNotFound)
	}
	digest := sha256.Sum256([]byte(text))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRelayable checks a base64 signature over text.
func VerifyRelayable(text, signature string, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", federation.ErrSignatureInvalid)
	}
	digest := sha256.Sum256([]byte(text))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return federation.ErrSignatureInvalid
	}
	return nil
}

// Validate applies the provenance rules of msg given the envelope sender:
// author-bound kinds must come from their author, relayables must carry a
// valid author signature and, when relayed, a valid parent author signature
// from the sender. A relayable without author signature is accepted only when
// the sender is the author.
func Validate(ctx context.Context, msg *Message, sender string, keys envelope.KeyResolver) error {
	if msg.Kind.RequiresAuthorMatch() && !federation.SameHandle(sender, msg.Author) {
		return fmt.Errorf("%w: %s message from %s claims author %s",
			federation.ErrAuthorNotPermitted, msg.Kind, sender, msg.Author)
	}
	if !msg.Kind.Relayable() {
		return nil
	}

	if msg.AuthorSignature == "" {
		if federation.SameHandle(sender, msg.Author) {
			return nil
		}
		return fmt.Errorf("%w: no author signature for %s", federation.ErrSignatureInvalid, msg.Kind)
	}

	if msg.ParentAuthorSignature != "" {
		pub, err := keys.PublicKey(ctx, sender)
		if err != nil {
			return fmt.Errorf("%w: parent author %s: %v", federation.ErrKeyNotFound, sender, err)
		}
		if err := VerifyRelayable(msg.SignedText, msg.ParentAuthorSignature, pub); err != nil {
			return fmt.Errorf("%w: parent author signature of %s", federation.ErrSignatureInvalid, sender)
		}
	}

	pub, err := keys.PublicKey(ctx, msg.Author)
	if err != nil {
		return fmt.Errorf("%w: author %s: %v", federation.ErrKeyNotFound, msg.Author, err)
	}
	if err := VerifyRelayable(msg.SignedText, msg.AuthorSignature, pub); err != nil {
		return fmt.Errorf("%w: author signature of %s", federation.ErrSignatureInvalid, msg.Author)
	}
	return nil
}
