package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer labels generated provisioning URIs.
const TOTPIssuer = "PlexMCP"

// GenerateTOTPSecret creates a new random TOTP seed for accountEmail and
// returns the base32 secret plus the otpauth:// URI for QR-code enrollment.
// The secret is returned in plaintext; Store.PutTwoFactor encrypts it
// before it is persisted.
func GenerateTOTPSecret(accountEmail string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: accountEmail,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTPCode checks a 6-digit code against secret using the current
// time step, allowing the default ±1 step skew.
func ValidateTOTPCode(secret, code string) (bool, error) {
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("validating totp code: %w", err)
	}
	return valid, nil
}

// backupCodeBytes is the amount of randomness per single-use 2FA recovery
// code.
const backupCodeBytes = 5

// GenerateBackupCodes returns n freshly generated, human-typeable recovery
// codes plus their (unsalted) SHA-256 hashes for storage. Only the plaintext
// codes are ever shown, and only once.
func GenerateBackupCodes(n int) (plain []string, hashes []string, err error) {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	plain = make([]string, n)
	hashes = make([]string, n)
	for i := 0; i < n; i++ {
		b := make([]byte, backupCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		code := enc.EncodeToString(b)
		plain[i] = code
		hashes[i] = hashBackupCode(code)
	}
	return plain, hashes, nil
}

// hashBackupCode returns the SHA-256 hex digest of a backup code. Backup
// codes are high-entropy and single-use, so a plain fast hash (rather than
// Argon2id) is an acceptable tradeoff against the cost of validating a whole
// set on every 2FA attempt.
func hashBackupCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x", h)
}

// VerifyBackupCode reports whether code matches any of storedHashes,
// returning the matching index so the caller can delete it (single use).
func VerifyBackupCode(storedHashes []string, code string) (index int, ok bool) {
	h := hashBackupCode(code)
	for i, stored := range storedHashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(stored)) == 1 {
			return i, true
		}
	}
	return -1, false
}
