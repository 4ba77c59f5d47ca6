package credential

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"testing"
)

func TestGenerateAndValidateTOTPSecret(t *testing.T) {
	secret, uri, err := GenerateTOTPSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	if secret == "" || uri == "" {
		t.Fatal("expected non-empty secret and provisioning uri")
	}

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generating test code: %v", err)
	}

	valid, err := ValidateTOTPCode(secret, code)
	if err != nil {
		t.Fatalf("ValidateTOTPCode: %v", err)
	}
	if !valid {
		t.Fatal("expected freshly generated code to validate")
	}
}

func TestValidateTOTPCodeRejectsWrongCode(t *testing.T) {
	secret, _, err := GenerateTOTPSecret("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}

	valid, err := ValidateTOTPCode(secret, "000000")
	if err != nil {
		t.Fatalf("ValidateTOTPCode: %v", err)
	}
	if valid {
		t.Fatal("expected an arbitrary code to be rejected")
	}
}

func TestGenerateBackupCodesAndVerify(t *testing.T) {
	plain, hashes, err := GenerateBackupCodes(10)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(plain) != 10 || len(hashes) != 10 {
		t.Fatalf("expected 10 codes, got %d plain / %d hashes", len(plain), len(hashes))
	}

	idx, ok := VerifyBackupCode(hashes, plain[3])
	if !ok || idx != 3 {
		t.Fatalf("expected to find code at index 3, got idx=%d ok=%v", idx, ok)
	}

	if _, ok := VerifyBackupCode(hashes, "not-a-real-code"); ok {
		t.Fatal("expected unknown code to fail verification")
	}
}
