package mcpregistry

import "testing"

func TestValidateEndpoint(t *testing.T) {
	strict := &Store{requireTLS: true}
	lax := &Store{requireTLS: false}

	tests := []struct {
		name     string
		store    *Store
		endpoint string
		wantErr  bool
	}{
		{"https accepted", strict, "https://mcp.example.com/rpc", false},
		{"plain http rejected in production", strict, "http://mcp.example.com/rpc", true},
		{"localhost http allowed even in production", strict, "http://localhost:8931/mcp", false},
		{"loopback http allowed even in production", strict, "http://127.0.0.1:8931/mcp", false},
		{"plain http allowed in dev", lax, "http://mcp.example.com/rpc", false},
		{"missing host", strict, "https://", true},
		{"not a url", strict, "::not-a-url::", true},
		{"unsupported scheme", strict, "ftp://mcp.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.store.ValidateEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			}
		})
	}
}

func TestValidAuthScheme(t *testing.T) {
	for _, scheme := range []string{"none", "bearer", "api_key_header", "basic"} {
		if !validAuthScheme(scheme) {
			t.Errorf("validAuthScheme(%q) = false, want true", scheme)
		}
	}
	for _, scheme := range []string{"", "oauth", "mtls", "Bearer"} {
		if validAuthScheme(scheme) {
			t.Errorf("validAuthScheme(%q) = true, want false", scheme)
		}
	}
}
