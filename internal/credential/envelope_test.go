package credential

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEnvelopeSealOpenRoundTrip(t *testing.T) {
	env, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	sealed, err := env.SealString("upstream-bearer-token")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}

	opened, err := env.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if opened != "upstream-bearer-token" {
		t.Fatalf("got %q, want %q", opened, "upstream-bearer-token")
	}
}

func TestEnvelopeRejectsShortKey(t *testing.T) {
	if _, err := NewEnvelope([]byte("too-short")); err == nil {
		t.Fatal("expected error for a non-32-byte key")
	}
}

func TestEnvelopeProducesDistinctCiphertextPerCall(t *testing.T) {
	env, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	a, err := env.SealString("same-plaintext")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	b, err := env.SealString("same-plaintext")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ciphertexts due to random nonce")
	}
}

func TestEnvelopeOpenRejectsTampering(t *testing.T) {
	env, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	sealed, err := env.SealString("sensitive")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	tampered := sealed[:len(sealed)-2] + "ff"
	if _, err := env.OpenString(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail decryption")
	}
}
