package credential

import "testing"

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	hmacKey := []byte("test-hmac-key-not-for-production")

	issued, err := GenerateAPIKey(hmacKey)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if issued.RawKey == "" || issued.Prefix == "" || issued.Hash == "" {
		t.Fatalf("expected all fields populated, got %+v", issued)
	}

	if !VerifyAPIKey(hmacKey, issued.RawKey, issued.Hash) {
		t.Fatal("expected issued key to verify against its own hash")
	}

	otherKey := []byte("a-completely-different-hmac-key")
	if VerifyAPIKey(otherKey, issued.RawKey, issued.Hash) {
		t.Fatal("expected verification to fail with a different hmac key")
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	hmacKey := []byte("test-hmac-key-not-for-production")
	h1 := HashAPIKey(hmacKey, "pmk_abc_secret")
	h2 := HashAPIKey(hmacKey, "pmk_abc_secret")
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(h1))
	}
}

func TestSplitAPIKeyPrefix(t *testing.T) {
	tests := []struct {
		raw       string
		wantOK    bool
		wantValue string
	}{
		{"pmk_abcd1234_restofsecret", true, "abcd1234"},
		{"not-a-key", false, ""},
		{"pmk__missingprefix", false, ""},
	}
	for _, tt := range tests {
		prefix, ok := SplitAPIKeyPrefix(tt.raw)
		if ok != tt.wantOK {
			t.Errorf("SplitAPIKeyPrefix(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			continue
		}
		if ok && prefix != tt.wantValue {
			t.Errorf("SplitAPIKeyPrefix(%q) = %q, want %q", tt.raw, prefix, tt.wantValue)
		}
	}
}
