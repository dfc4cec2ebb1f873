// Package ice provisions relay-traversal server descriptors for clients.
//
// The returned list always starts with a public STUN discovery server. When
// the Cloudflare TURN issuer is configured, short-lived credentials are
// requested per call; otherwise a static TURN fallback is appended when
// configured. Dynamic issuance takes precedence over the static fallback even
// when the issuer call fails.
package ice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/anytalk/signaling/internal/config"
)

// WellKnownSTUNURL is the credential-free discovery server that heads every
// response.
const WellKnownSTUNURL = "stun:stun.l.google.com:19302"

const defaultIssuerBaseURL = "https://rtc.live.cloudflare.com"

type Provider struct {
	log    *slog.Logger
	client *http.Client

	issuer *issuerConfig
	static *webrtc.ICEServer

	// issuerBaseURL is overridable for tests.
	issuerBaseURL string
}

type issuerConfig struct {
	keyID      string
	apiToken   string
	ttlSeconds int64
}

func NewProvider(cfg config.Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		log:           logger,
		client:        &http.Client{Timeout: cfg.ICERequestTimeout},
		issuerBaseURL: defaultIssuerBaseURL,
	}
	if cfg.CloudflareTURN.Enabled() {
		p.issuer = &issuerConfig{
			keyID:      cfg.CloudflareTURN.KeyID,
			apiToken:   cfg.CloudflareTURN.APIToken,
			ttlSeconds: cfg.CloudflareTURN.TTLSeconds,
		}
	}
	if cfg.StaticTURN.Enabled() {
		p.static = &webrtc.ICEServer{
			URLs:       []string{cfg.StaticTURN.URL},
			Username:   cfg.StaticTURN.Username,
			Credential: cfg.StaticTURN.Password,
		}
	}
	return p
}

// SetIssuerBaseURL points the issuer client at a different endpoint. Only
// used by tests.
func (p *Provider) SetIssuerBaseURL(base string) {
	p.issuerBaseURL = strings.TrimRight(base, "/")
}

// Servers returns the ordered descriptor list. It never fails: issuer errors
// are logged and absorbed, and the list always contains at least the
// well-known STUN entry.
func (p *Provider) Servers(ctx context.Context) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{WellKnownSTUNURL}}}

	switch {
	case p.issuer != nil:
		issued, err := p.fetchIssuedCredentials(ctx)
		if err != nil {
			// Static fallback is deliberately not consulted here: configuring
			// the issuer expresses a choice, not the first rung of a ladder.
			p.log.Error("turn credential issuance failed", "err", err)
			return servers
		}
		servers = append(servers, issued...)
	case p.static != nil:
		servers = append(servers, *p.static)
	}

	return servers
}

// issuedServerJSON mirrors the issuer response shape. urls may be a single
// string or a list.
type issuedServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type issuerResponse struct {
	ICEServers issuedServerJSON `json:"iceServers"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (p *Provider) fetchIssuedCredentials(ctx context.Context) ([]webrtc.ICEServer, error) {
	endpoint := fmt.Sprintf("%s/v1/turn/keys/%s/credentials/generate", p.issuerBaseURL, p.issuer.keyID)

	body, err := json.Marshal(map[string]int64{"ttl": p.issuer.ttlSeconds})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.issuer.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("issuer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed issuerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode issuer response: %w", err)
	}

	server, err := toICEServer(parsed.ICEServers)
	if err != nil {
		return nil, err
	}
	return []webrtc.ICEServer{server}, nil
}

func toICEServer(issued issuedServerJSON) (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(issued.URLs))
	for _, url := range issued.URLs {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, fmt.Errorf("issuer response missing urls")
	}

	server := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(issued.Username),
	}
	if strings.TrimSpace(issued.Credential) != "" {
		server.Credential = issued.Credential
	}
	return server, nil
}
