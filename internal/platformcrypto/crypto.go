// Package platformcrypto implements the WeChat-style webhook envelope:
// SHA-1 request signatures and AES-CBC message encryption keyed by a
// 43-character encoding key.
package platformcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by the platform signature scheme.
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	encodingKeyLength = 43
	randomPrefixLen   = 16
	lengthFieldLen    = 4
	padBlockSize      = 32
)

// ErrInvalidEncodingKey is returned for keys that do not decode to 32 bytes.
var ErrInvalidEncodingKey = errors.New("encoding key must be 43 base64 characters")

// Crypto signs, verifies, encrypts and decrypts payloads for one app.
type Crypto struct {
	token string
	appID string
	key   []byte
	iv    []byte
}

// New creates a Crypto for the given token, encoding key and app id.
func New(token, encodingAESKey, appID string) (*Crypto, error) {
	if len(encodingAESKey) != encodingKeyLength {
		return nil, ErrInvalidEncodingKey
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidEncodingKey
	}
	return &Crypto{
		token: token,
		appID: appID,
		key:   key,
		iv:    key[:aes.BlockSize],
	}, nil
}

// CalculateSignature sorts the parts, concatenates them and returns the
// lowercase hex SHA-1 digest. Empty encrypted bodies are left out.
func CalculateSignature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce}
	if encrypted != "" {
		parts = append(parts, encrypted)
	}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, ""))) //nolint:gosec // protocol requirement
	return hex.EncodeToString(sum[:])
}

// Signature computes the signature with this app's token.
func (c *Crypto) Signature(timestamp, nonce, encrypted string) string {
	return CalculateSignature(c.token, timestamp, nonce, encrypted)
}

// VerifySignature recomputes the signature and compares it ignoring case.
func (c *Crypto) VerifySignature(signature, timestamp, nonce, encrypted string) bool {
	if signature == "" {
		return false
	}
	return strings.EqualFold(signature, c.Signature(timestamp, nonce, encrypted))
}

// Encrypt wraps plaintext in the random ‖ length ‖ body ‖ appId envelope
// and returns it AES-CBC encrypted and base64 encoded.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	body := []byte(plaintext)

	buf := make([]byte, 0, randomPrefixLen+lengthFieldLen+len(body)+len(c.appID)+padBlockSize)
	prefix := make([]byte, randomPrefixLen)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("read random prefix: %w", err)
	}
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body))) //nolint:gosec // bodies are far below 4 GiB
	buf = append(buf, body...)
	buf = append(buf, c.appID...)
	buf = pkcs7Pad(buf, padBlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ok=false on any malformed input or
// when the embedded app id does not match.
func (c *Crypto) Decrypt(ciphertext string) (plaintext string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", false
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", false
	}
	buf := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(buf, raw)

	buf, ok = pkcs7Unpad(buf, padBlockSize)
	if !ok || len(buf) < randomPrefixLen+lengthFieldLen {
		return "", false
	}

	content := buf[randomPrefixLen:]
	bodyLen := binary.BigEndian.Uint32(content[:lengthFieldLen])
	content = content[lengthFieldLen:]
	if uint64(bodyLen) > uint64(len(content)) {
		return "", false
	}

	body, appID := content[:bodyLen], content[bodyLen:]
	if !bytes.Equal(appID, []byte(c.appID)) {
		return "", false
	}
	return string(body), true
}

func pkcs7Pad(buf []byte, blockSize int) []byte {
	pad := blockSize - len(buf)%blockSize
	return append(buf, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(buf []byte, blockSize int) ([]byte, bool) {
	if len(buf) == 0 {
		return nil, false
	}
	pad := int(buf[len(buf)-1])
	if pad < 1 || pad > blockSize || pad > len(buf) {
		return nil, false
	}
	return buf[:len(buf)-pad], true
}
