package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/credential"
)

// APIKeyResult holds the resolved identity from a verified API key.
type APIKeyResult struct {
	APIKeyID uuid.UUID
	OrgID    uuid.UUID
	Role     string
}

// APIKeyAuthenticator validates API keys against Storage: the display
// prefix narrows the lookup to one row, then the presented key is checked
// against the stored keyed HMAC in constant time.
type APIKeyAuthenticator struct {
	Store   Storage
	HMACKey []byte
}

// NewAPIKeyAuthenticator builds an APIKeyAuthenticator.
func NewAPIKeyAuthenticator(store Storage, hmacKey []byte) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{Store: store, HMACKey: hmacKey}
}

// Authenticate verifies a raw API key and returns the identity it grants.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	prefix, ok := credential.SplitAPIKeyPrefix(rawKey)
	if !ok {
		return nil, fmt.Errorf("malformed API key")
	}

	key, err := a.Store.FindAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if !credential.VerifyAPIKey(a.HMACKey, rawKey, key.Hash) {
		return nil, fmt.Errorf("API key does not match stored hash")
	}

	if key.Revoked {
		return nil, fmt.Errorf("API key has been revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired at %s", key.ExpiresAt)
	}

	go func() {
		_ = a.Store.TouchAPIKeyLastUsed(context.Background(), key.ID)
	}()

	return &APIKeyResult{
		APIKeyID: key.ID,
		OrgID:    key.OrgID,
		Role:     key.Role,
	}, nil
}
