package credential

import (
	"testing"
	"time"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	ok, err := VerifyPassword(hash, "correct horse battery staple")
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}

	ok, err = VerifyPassword(hash, "wrong password")
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestHashPasswordProducesDistinctSalts(t *testing.T) {
	h1, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct hashes for the same password due to random salt")
	}
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	if _, err := VerifyPassword("not-a-valid-hash", "anything"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestHashPasswordWallTimeFloor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-time measurement in short mode")
	}

	start := time.Now()
	if _, err := HashPassword("correct horse battery staple"); err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 250*time.Millisecond {
		t.Errorf("HashPassword took %v, want at least 250ms; raise argonMemory/argonTime", elapsed)
	}
}
