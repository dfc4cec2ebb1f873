package ice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anytalk/signaling/internal/config"
)

func testConfig() config.Config {
	return config.Config{ICERequestTimeout: 2 * time.Second}
}

func TestServersBareReturnsOnlySTUN(t *testing.T) {
	p := NewProvider(testConfig(), nil)

	servers := p.Servers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("len(servers)=%d, want 1", len(servers))
	}
	if servers[0].URLs[0] != WellKnownSTUNURL {
		t.Fatalf("urls=%v, want [%s]", servers[0].URLs, WellKnownSTUNURL)
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("expected credential-free STUN entry, got %+v", servers[0])
	}
}

func TestServersStaticFallback(t *testing.T) {
	cfg := testConfig()
	cfg.StaticTURN = config.StaticTURNConfig{
		URL:      "turn:turn.example.com:3478",
		Username: "user",
		Password: "pass",
	}
	p := NewProvider(cfg, nil)

	servers := p.Servers(context.Background())
	if len(servers) != 2 {
		t.Fatalf("len(servers)=%d, want 2", len(servers))
	}
	if servers[1].URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("urls=%v", servers[1].URLs)
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("static credentials not applied: %+v", servers[1])
	}
}

func TestServersIssuerSuccess(t *testing.T) {
	var gotAuth string
	var gotTTL int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			TTL int64 `json:"ttl"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotTTL = body.TTL
		if r.URL.Path != "/v1/turn/keys/key-id/credentials/generate" {
			t.Errorf("path=%q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"iceServers": map[string]any{
				"urls":       []string{"turn:turn.cloudflare.com:3478?transport=udp"},
				"username":   "issued-user",
				"credential": "issued-cred",
			},
		})
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.CloudflareTURN = config.CloudflareTURNConfig{KeyID: "key-id", APIToken: "api-token", TTLSeconds: 86400}
	// Static is configured too; it must be ignored while the issuer is set.
	cfg.StaticTURN = config.StaticTURNConfig{URL: "turn:static.example.com:3478", Username: "u", Password: "p"}

	p := NewProvider(cfg, nil)
	p.SetIssuerBaseURL(ts.URL)

	servers := p.Servers(context.Background())
	if len(servers) != 2 {
		t.Fatalf("len(servers)=%d, want 2", len(servers))
	}
	if gotAuth != "Bearer api-token" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotTTL != 86400 {
		t.Fatalf("ttl=%d, want 86400", gotTTL)
	}
	if servers[1].Username != "issued-user" || servers[1].Credential != "issued-cred" {
		t.Fatalf("issued credentials not applied: %+v", servers[1])
	}
}

func TestServersIssuerFailureDoesNotFallBackToStatic(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.CloudflareTURN = config.CloudflareTURNConfig{KeyID: "key-id", APIToken: "bad", TTLSeconds: 86400}
	cfg.StaticTURN = config.StaticTURNConfig{URL: "turn:static.example.com:3478", Username: "u", Password: "p"}

	p := NewProvider(cfg, nil)
	p.SetIssuerBaseURL(ts.URL)

	servers := p.Servers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("len(servers)=%d, want 1 (STUN only)", len(servers))
	}
}

func TestServersIssuerUnreachableStillReturnsSTUN(t *testing.T) {
	cfg := testConfig()
	cfg.ICERequestTimeout = 100 * time.Millisecond
	cfg.CloudflareTURN = config.CloudflareTURNConfig{KeyID: "key-id", APIToken: "t", TTLSeconds: 86400}

	p := NewProvider(cfg, nil)
	p.SetIssuerBaseURL("http://127.0.0.1:1") // nothing listens here

	servers := p.Servers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("len(servers)=%d, want 1", len(servers))
	}
}

func TestIssuerResponseSingleURLString(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"iceServers": map[string]any{
				"urls":       "turn:turn.cloudflare.com:3478",
				"username":   "u",
				"credential": "c",
			},
		})
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.CloudflareTURN = config.CloudflareTURNConfig{KeyID: "k", APIToken: "t", TTLSeconds: 60}
	p := NewProvider(cfg, nil)
	p.SetIssuerBaseURL(ts.URL)

	servers := p.Servers(context.Background())
	if len(servers) != 2 {
		t.Fatalf("len(servers)=%d, want 2", len(servers))
	}
	if len(servers[1].URLs) != 1 || servers[1].URLs[0] != "turn:turn.cloudflare.com:3478" {
		t.Fatalf("urls=%v", servers[1].URLs)
	}
}
