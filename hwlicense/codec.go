package hwlicense

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

// Wire format parameters. Changing any of them breaks every issued artifact.
const (
	saltSize         = 16
	ivSize           = aes.BlockSize
	keySize          = 32
	pbkdf2Iterations = 10000
	minSecretLength  = 16
)

// Codec seals license payloads into tamper-evident artifacts and opens them
// again. It knows nothing about licenses beyond the payload.
//
// A signed artifact is base64(JSON{"data": D, "sign": S}) where
// D = base64(salt ‖ iv ‖ AES-256-CBC(payload JSON)) with the key derived from
// the secret by PBKDF2-HMAC-SHA256, and S = base64(HMAC-SHA256(D, secret)).
// A legacy artifact is D alone, without a signature.
type Codec struct {
	secret []byte
	legacy bool
	random io.Reader
}

// envelope is the signed form as written by Seal.
type envelope struct {
	Data string `json:"data"`
	Sign string `json:"sign"`
}

// envelopeKeys lists the accepted spellings of each envelope field. Older
// issuers wrote "Data" and "Sign".
var envelopeKeys = [2][2]string{
	{"data", "Data"},
	{"sign", "Sign"},
}

// NewCodec creates a Codec for secret. The secret must be at least 16 characters.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}
	c := &Codec{
		secret: []byte(secret),
		legacy: true,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckSecret reports whether secret can be used to seal artifacts.
func CheckSecret(secret string) error {
	if secret == "" {
		return ErrSecretMissing
	}
	if utf8.RuneCountInString(secret) < minSecretLength {
		return ErrSecretTooShort
	}
	return nil
}

// Seal encrypts and signs p. New artifacts are always in the signed form.
func (c *Codec) Seal(p Payload) (string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	blob := make([]byte, saltSize+ivSize, saltSize+ivSize+len(plain)+aes.BlockSize)
	if _, err := io.ReadFull(c.random, blob[:saltSize+ivSize]); err != nil {
		return "", fmt.Errorf("generate salt and iv: %w", err)
	}
	salt, iv := blob[:saltSize], blob[saltSize:saltSize+ivSize]

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	blob = append(blob, ct...)

	data := base64.StdEncoding.EncodeToString(blob)
	sign := c.sign(data)
	env, err := json.Marshal(envelope{Data: data, Sign: sign})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

// Open verifies and decrypts an artifact produced by Seal, or a legacy
// unsigned artifact when legacy decoding is enabled.
//
// It returns ErrSignatureInvalid when the signature does not match and
// ErrArtifactMalformed for any decoding, decryption or parse failure.
func (c *Codec) Open(artifact string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrArtifactMalformed, err)
	}

	data, sign, ok := parseEnvelope(raw)
	if !ok {
		if !c.legacy {
			return nil, fmt.Errorf("%w: not a signed artifact", ErrArtifactMalformed)
		}
		return c.decrypt(raw)
	}

	if !hmac.Equal([]byte(c.sign(data)), []byte(sign)) {
		return nil, ErrSignatureInvalid
	}
	blob, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: data decode: %v", ErrArtifactMalformed, err)
	}
	return c.decrypt(blob)
}

// parseEnvelope reports whether raw is exactly a signed envelope: one JSON
// object holding non-empty string fields data and sign and nothing else.
// Keys must be spelled exactly as in envelopeKeys.
func parseEnvelope(raw []byte) (data, sign string, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != len(envelopeKeys) {
		return "", "", false
	}
	var values [2]string
	for i, spellings := range envelopeKeys {
		var (
			v     json.RawMessage
			found bool
		)
		for _, key := range spellings {
			if rv, ok := fields[key]; ok {
				if found {
					return "", "", false
				}
				v, found = rv, true
			}
		}
		if !found || len(v) == 0 || v[0] != '"' {
			return "", "", false
		}
		if err := json.Unmarshal(v, &values[i]); err != nil || values[i] == "" {
			return "", "", false
		}
	}
	return values[0], values[1], true
}

func (c *Codec) decrypt(blob []byte) (*Payload, error) {
	if len(blob) < saltSize+ivSize+aes.BlockSize || (len(blob)-saltSize-ivSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrArtifactMalformed, len(blob))
	}
	salt, iv, ct := blob[:saltSize], blob[saltSize:saltSize+ivSize], blob[saltSize+ivSize:]

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrArtifactMalformed, err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactMalformed, err)
	}

	var p *Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: parse payload: %v", ErrArtifactMalformed, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrArtifactMalformed)
	}
	return p, nil
}

func (c *Codec) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(c.secret, salt, pbkdf2Iterations, keySize, sha256.New)
}

func (c *Codec) sign(data string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
