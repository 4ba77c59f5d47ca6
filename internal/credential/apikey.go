package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// apiKeySecretBytes is the amount of randomness in the secret portion of a
// generated key (256 bits).
const apiKeySecretBytes = 32

// apiKeyPrefixLen is the number of hex characters of the secret exposed as a
// display prefix, enough to distinguish keys in a list without narrowing the
// HMAC lookup search space meaningfully.
const apiKeyPrefixLen = 8

// IssuedAPIKey is the one-time result of generating an API key. RawKey is
// shown to the caller exactly once and never stored.
type IssuedAPIKey struct {
	RawKey string
	Prefix string
	Hash   string
}

// GenerateAPIKey creates a new API key of the form "pmk_<prefix>_<secret>",
// returning its HMAC-SHA256 digest (keyed by hmacKey) for storage. Only the
// prefix and hash are ever persisted.
func GenerateAPIKey(hmacKey []byte) (IssuedAPIKey, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return IssuedAPIKey{}, fmt.Errorf("generating api key secret: %w", err)
	}
	secretHex := hex.EncodeToString(secret)
	prefix := secretHex[:apiKeyPrefixLen]
	raw := fmt.Sprintf("pmk_%s_%s", prefix, secretHex)

	return IssuedAPIKey{
		RawKey: raw,
		Prefix: prefix,
		Hash:   HashAPIKey(hmacKey, raw),
	}, nil
}

// HashAPIKey returns the hex-encoded HMAC-SHA256 of raw keyed by hmacKey.
// Used both at issuance and at lookup time; the comparison itself happens in
// VerifyAPIKey with constant time to avoid a timing oracle on the hash.
func HashAPIKey(hmacKey []byte, raw string) string {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAPIKey reports whether raw hashes (under hmacKey) to storedHash,
// using a constant-time comparison.
func VerifyAPIKey(hmacKey []byte, raw, storedHash string) bool {
	computed := HashAPIKey(hmacKey, raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// SplitAPIKeyPrefix extracts the display prefix from a raw key of the form
// "pmk_<prefix>_<secret>", used to narrow the storage lookup before the
// constant-time hash comparison. Returns false if raw is not well-formed.
func SplitAPIKeyPrefix(raw string) (prefix string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != "pmk" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
