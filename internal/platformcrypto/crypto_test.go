package platformcrypto

import (
	"crypto/sha1" //nolint:gosec // test mirrors the protocol digest
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

const testKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"

func newTestCrypto(t *testing.T, appID string) *Crypto {
	t.Helper()
	c, err := New("token123", testKey, appID)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RejectsBadKey(t *testing.T) {
	for _, key := range []string{"", "short", testKey + "x", strings.Repeat("!", 43)} {
		if _, err := New("t", key, "app"); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}

func TestCalculateSignature_SortsParts(t *testing.T) {
	got := CalculateSignature("token", "1409659813", "1372623149", "")
	sum := sha1.Sum([]byte("13726231491409659813token")) //nolint:gosec // test
	want := fmt.Sprintf("%x", sum)
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	withBody := CalculateSignature("token", "2", "1", "body")
	sum = sha1.Sum([]byte("12bodytoken")) //nolint:gosec // test
	if want := fmt.Sprintf("%x", sum); withBody != want {
		t.Errorf("Expected %s, got %s", want, withBody)
	}
}

func TestCrypto_VerifySignature(t *testing.T) {
	c := newTestCrypto(t, "wx123")
	sig := c.Signature("1700000000", "nonce", "cipher")

	if !c.VerifySignature(sig, "1700000000", "nonce", "cipher") {
		t.Error("Expected signature to verify")
	}
	if !c.VerifySignature(strings.ToUpper(sig), "1700000000", "nonce", "cipher") {
		t.Error("Expected uppercase signature to verify")
	}
	if c.VerifySignature(sig, "1700000001", "nonce", "cipher") {
		t.Error("Expected changed timestamp to fail")
	}
	if c.VerifySignature("", "1700000000", "nonce", "cipher") {
		t.Error("Expected empty signature to fail")
	}
}

func TestCrypto_RoundTrip(t *testing.T) {
	c := newTestCrypto(t, "wx123")
	inputs := []string{
		"",
		"hello",
		"<xml><Content><![CDATA[你好]]></Content></xml>",
		strings.Repeat("a", 27),
		strings.Repeat("b", 1000),
	}

	for _, in := range inputs {
		enc, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", in, err)
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			t.Fatalf("ciphertext is not base64: %v", err)
		}
		if len(raw)%32 != 0 {
			t.Errorf("Expected ciphertext length multiple of 32, got %d", len(raw))
		}

		out, ok := c.Decrypt(enc)
		if !ok {
			t.Fatalf("Decrypt(%q) failed", in)
		}
		if out != in {
			t.Errorf("Expected %q, got %q", in, out)
		}
	}
}

func TestCrypto_EncryptIsRandomised(t *testing.T) {
	c := newTestCrypto(t, "wx123")
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("Expected different ciphertexts for repeated encryption")
	}
}

func TestCrypto_DecryptFailsClosed(t *testing.T) {
	c := newTestCrypto(t, "wx123")
	other := newTestCrypto(t, "wx999")

	enc, err := other.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	valid, _ := c.Encrypt("payload")
	raw, _ := base64.StdEncoding.DecodeString(valid)
	// Flipping byte 15 of the first block flips the last app id byte.
	raw[15] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		input string
	}{
		{name: "app id mismatch", input: enc},
		{name: "not base64", input: "%%%"},
		{name: "empty", input: ""},
		{name: "not block aligned", input: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "tampered app id", input: tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out, ok := c.Decrypt(tt.input); ok {
				t.Errorf("Expected failure, got %q", out)
			}
		})
	}
}
