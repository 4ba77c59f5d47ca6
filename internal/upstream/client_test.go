package upstream

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plexmcp/plexmcp/internal/domain"
)

func TestAuthHeaders(t *testing.T) {
	tests := []struct {
		name    string
		d       domain.McpDescriptor
		secret  string
		want    map[string]string
		wantErr bool
	}{
		{
			name: "none",
			d:    domain.McpDescriptor{AuthScheme: domain.AuthSchemeNone},
			want: nil,
		},
		{
			name:   "bearer",
			d:      domain.McpDescriptor{AuthScheme: domain.AuthSchemeBearer},
			secret: "tok-123",
			want:   map[string]string{"Authorization": "Bearer tok-123"},
		},
		{
			name:   "api key header default name",
			d:      domain.McpDescriptor{AuthScheme: domain.AuthSchemeAPIKeyHeader},
			secret: "k-456",
			want:   map[string]string{"X-API-Key": "k-456"},
		},
		{
			name:   "api key header custom name",
			d:      domain.McpDescriptor{AuthScheme: domain.AuthSchemeAPIKeyHeader, AuthHeaderName: "X-Custom-Auth"},
			secret: "k-789",
			want:   map[string]string{"X-Custom-Auth": "k-789"},
		},
		{
			name:   "basic",
			d:      domain.McpDescriptor{AuthScheme: domain.AuthSchemeBasic},
			secret: "alice:s3cret",
			want:   map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))},
		},
		{
			name:    "basic without colon",
			d:       domain.McpDescriptor{AuthScheme: domain.AuthSchemeBasic},
			secret:  "no-colon",
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			d:       domain.McpDescriptor{AuthScheme: "mtls"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AuthHeaders(tt.d, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AuthHeaders error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("headers = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("header %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestHeaderRoundTripperInjectsHeaders(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"X-API-Key": "k-1", "X-Extra": "v"}, 5*time.Second, 0)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if seen.Get("X-API-Key") != "k-1" || seen.Get("X-Extra") != "v" {
		t.Errorf("injected headers not seen by server: %v", seen)
	}
}

func TestPartialTimeoutAbortsStalledStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("first chunk"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Stall well past the partial timeout without closing.
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("late chunk"))
	}))
	defer srv.Close()

	client := NewHTTPClient(nil, 5*time.Second, 100*time.Millisecond)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	start := time.Now()
	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected a read error from the stalled stream")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("stall detection took %v, want well under the server's 500ms delay", elapsed)
	}
}

func TestPartialTimeoutAllowsSteadyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _ := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			w.Write([]byte(strings.Repeat("x", 64)))
			if f != nil {
				f.Flush()
			}
			time.Sleep(30 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(nil, 5*time.Second, 150*time.Millisecond)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading steadily streaming body: %v", err)
	}
	if len(body) != 5*64 {
		t.Errorf("body length = %d, want %d", len(body), 5*64)
	}
}
