package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"fedcore/pkg/federation"
)

// Encrypted is the private wire form: the AES key bundle encrypted for the
// recipient and the AES encrypted XML envelope, both standard base64.
type Encrypted struct {
	AESKey     string `json:"aes_key"`
	Ciphertext string `json:"encrypted_magic_envelope"`
}

type keyBundle struct {
	IV  string `json:"iv"`
	Key string `json:"key"`
}

// Encrypt seals the XML form of env for the holder of pub.
func Encrypt(env *Envelope, pub *rsa.PublicKey) (*Encrypted, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: no recipient key", federation.ErrKeyNotFound)
	}
	plain, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext, err := aesEncrypt(key, iv, plain)
	if err != nil {
		return nil, err
	}
	sealed, err := sealKeyBundle(key, iv, pub)
	if err != nil {
		return nil, err
	}

	return &Encrypted{
		AESKey:     sealed,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens enc with the recipient key and parses the envelope inside.
// It does not verify the signature.
func Decrypt(enc *Encrypted, priv *rsa.PrivateKey) (*Envelope, error) {
	if enc == nil || enc.AESKey == "" || enc.Ciphertext == "" {
		return nil, fmt.Errorf("%w: incomplete encrypted envelope", federation.ErrMalformedEnvelope)
	}
	if priv == nil {
		return nil, fmt.Errorf("%w: no recipient key", federation.ErrKeyNotFound)
	}

	key, iv, err := openKeyBundle(enc.AESKey, priv)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stripWhitespace(enc.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", federation.ErrMalformedEnvelope)
	}
	plain, err := aesDecrypt(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err)
	}
	return Parse(plain)
}

func sealKeyBundle(key, iv []byte, pub *rsa.PublicKey) (string, error) {
	bundle, err := json.Marshal(keyBundle{
		IV:  base64.StdEncoding.EncodeToString(iv),
		Key: base64.StdEncoding.EncodeToString(key),
	})
	if err != nil {
		return "", err
	}
	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, pub, bundle)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt key bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openKeyBundle(encoded string, priv *rsa.PrivateKey) (key, iv []byte, err error) {
	sealed, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key bundle is not base64", federation.ErrMalformedEnvelope)
	}
	raw, err := rsa.DecryptPKCS1v15(rand.Reader, priv, sealed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: outer key bundle did not decrypt", federation.ErrMalformedEnvelope)
	}

	var bundle keyBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, nil, fmt.Errorf("%w: key bundle: %v", federation.ErrMalformedEnvelope, err)
	}
	if iv, err = base64.StdEncoding.DecodeString(bundle.IV); err != nil {
		return nil, nil, fmt.Errorf("%w: bundle iv: %v", federation.ErrMalformedEnvelope, err)
	}
	if key, err = base64.StdEncoding.DecodeString(bundle.Key); err != nil {
		return nil, nil, fmt.Errorf("%w: bundle key: %v", federation.ErrMalformedEnvelope, err)
	}
	return key, iv, nil
}

// Keys shorter than 32 bytes and IVs shorter than a block are zero padded.
func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func aesEncrypt(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(padTo(key, 32))
	if err != nil {
		return nil, err
	}
	padding := aes.BlockSize - len(plain)%aes.BlockSize
	data := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(padding)}, padding)...)

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, padTo(iv, aes.BlockSize)).CryptBlocks(out, data)
	return out, nil
}

var errBadPadding = errors.New("invalid ciphertext padding")

func aesDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	block, err := aes.NewCipher(padTo(key, 32))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, padTo(iv, aes.BlockSize)).CryptBlocks(out, ciphertext)

	padding := int(out[len(out)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(out) {
		return nil, errBadPadding
	}
	for _, b := range out[len(out)-padding:] {
		if int(b) != padding {
			return nil, errBadPadding
		}
	}
	return out[:len(out)-padding], nil
}
