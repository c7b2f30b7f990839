package envelope

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcore/pkg/federation"
)

// buildLegacyPublic writes the deprecated public form with the signed block
// inside me:env.
func buildLegacyPublic(t *testing.T, payload []byte, handle string, key *rsa.PrivateKey) []byte {
	t.Helper()
	env, err := Sign(payload, handle, key)
	require.NoError(t, err)
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<diaspora xmlns="%s" xmlns:me="%s">
  <header><author_id>acct:%s</author_id></header>
  <me:env>
    <me:encoding>base64url</me:encoding>
    <me:alg>RSA-SHA256</me:alg>
    <me:data type="application/xml">%s</me:data>
    <me:sig>%s</me:sig>
  </me:env>
</diaspora>`, LegacyNamespace, Namespace, handle, env.Data, env.Sig))
}

// buildLegacyPrivate writes the deprecated private form: an encrypted header
// carrying the inner key, and data that is base64 of the AES ciphertext.
func buildLegacyPrivate(t *testing.T, payload []byte, handle string, key *rsa.PrivateKey, recipient *rsa.PublicKey) []byte {
	t.Helper()

	innerKey := []byte("0123456789abcdef0123456789abcdef")
	innerIV := []byte("fedcba9876543210")
	inner, err := aesEncrypt(innerKey, innerIV, payload)
	require.NoError(t, err)
	env, err := Sign([]byte(base64.StdEncoding.EncodeToString(inner)), handle, key)
	require.NoError(t, err)

	header := fmt.Sprintf(`<decrypted_header><iv>%s</iv><aes_key>%s</aes_key><author_id>%s</author_id></decrypted_header>`,
		base64.StdEncoding.EncodeToString(innerIV), base64.StdEncoding.EncodeToString(innerKey), handle)

	outerKey := []byte("abcdefghijklmnopqrstuvwxyz012345")
	outerIV := []byte("0000111122223333")
	headerCipher, err := aesEncrypt(outerKey, outerIV, []byte(header))
	require.NoError(t, err)
	sealed, err := sealKeyBundle(outerKey, outerIV, recipient)
	require.NoError(t, err)

	bundle, err := json.Marshal(legacyHeaderBundle{
		AESKey:     sealed,
		Ciphertext: base64.StdEncoding.EncodeToString(headerCipher),
	})
	require.NoError(t, err)

	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<diaspora xmlns="%s" xmlns:me="%s">
  <encrypted_header>%s</encrypted_header>
  <me:provenance>
    <me:encoding>base64url</me:encoding>
    <me:alg>RSA-SHA256</me:alg>
    <me:data type="application/xml">%s</me:data>
    <me:sig>%s</me:sig>
  </me:provenance>
</diaspora>`, LegacyNamespace, Namespace, base64.StdEncoding.EncodeToString(bundle), env.Data, env.Sig))
}

func TestLegacyPublicRoundTrip(t *testing.T) {
	alice, _ := testKeys(t)
	keys := staticKeys{"alice@pod.example": &alice.PublicKey}
	body := buildLegacyPublic(t, []byte(samplePayload), "alice@pod.example", alice)

	env, err := ParseLegacy(body, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice@pod.example", env.Author)
	assert.Empty(t, env.KeyID)

	opened, err := Open(context.Background(), body, nil, keys)
	require.NoError(t, err)
	assert.Equal(t, samplePayload, string(opened.Payload))
	assert.Equal(t, "alice@pod.example", opened.Author)
	assert.True(t, opened.Legacy)
	assert.False(t, opened.Encrypted)
}

func TestLegacyPrivateRoundTrip(t *testing.T) {
	alice, bob := testKeys(t)
	keys := staticKeys{"alice@pod.example": &alice.PublicKey}
	body := buildLegacyPrivate(t, []byte(samplePayload), "alice@pod.example", alice, &bob.PublicKey)

	opened, err := Open(context.Background(), body, bob, keys)
	require.NoError(t, err)
	assert.Equal(t, samplePayload, string(opened.Payload))
	assert.Equal(t, "alice@pod.example", opened.Author)
	assert.True(t, opened.Legacy)
	assert.True(t, opened.Encrypted)
}

func TestLegacyPrivateNeedsRecipientKey(t *testing.T) {
	alice, bob := testKeys(t)
	body := buildLegacyPrivate(t, []byte(samplePayload), "alice@pod.example", alice, &bob.PublicKey)

	_, err := ParseLegacy(body, nil)
	assert.ErrorIs(t, err, federation.ErrMalformedEnvelope)

	_, err = ParseLegacy(body, alice)
	assert.ErrorIs(t, err, federation.ErrMalformedEnvelope)
}

func TestLegacyRejectsForgedHeaderAuthor(t *testing.T) {
	alice, bob := testKeys(t)
	// signed by alice, header claims bob
	body := buildLegacyPublic(t, []byte(samplePayload), "alice@pod.example", alice)
	forged := []byte(strings.Replace(string(body), "acct:alice@pod.example", "acct:bob@pod.example", 1))

	keys := staticKeys{"alice@pod.example": &alice.PublicKey, "bob@pod.example": &bob.PublicKey}
	_, err := Open(context.Background(), forged, nil, keys)
	assert.ErrorIs(t, err, federation.ErrSignatureInvalid)
}

func TestLegacyWithoutSignedData(t *testing.T) {
	body := fmt.Sprintf(`<diaspora xmlns="%s"><header><author_id>alice@pod.example</author_id></header></diaspora>`, LegacyNamespace)
	_, err := ParseLegacy([]byte(body), nil)
	assert.ErrorIs(t, err, federation.ErrMalformedEnvelope)
}
