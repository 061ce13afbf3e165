// Package twitch implements the stream collaborator interfaces for Twitch:
// liveness probing via the Helix API, chat events via IRC, and media capture
// via an external streamlink process.
//
// Twitch has no region sharding, so Target.Region is ignored here; it exists
// for platforms that need it. Target.SessionID, when set, is used as the IRC
// user OAuth token; when empty the chat connection is anonymous (read-only,
// public channels).
//
// The IRC connection carries no authoritative end-of-broadcast signal, only
// connection drops. Sessions recorded through this adapter therefore end via
// the disconnect-confirmation grace path, which is exactly what that path is
// for.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/streamwatch/stream"
)

const helixURL = "https://api.twitch.tv/helix"

// NewAppTokenSource returns a caching app-access (client credentials) token
// source for Helix calls. The returned source refreshes itself; tokens from
// it cannot be used for IRC chat.
func NewAppTokenSource(clientID, clientSecret string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://id.twitch.tv/oauth2/token",
	}
	return cfg.TokenSource(context.Background())
}

// HelixClient is the minimal Helix surface the monitor needs.
type HelixClient struct {
	ClientID   string
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is one live stream as reported by Helix.
type Stream struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStreams returns the live streams for a login; empty means offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixURL+"/streams", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("helix streams request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Prober adapts the Helix streams endpoint to the monitor's liveness probe.
type Prober struct {
	Helix *HelixClient
}

func (p *Prober) IsLive(ctx context.Context, t stream.Target) (bool, error) {
	streams, err := p.Helix.GetStreams(ctx, loginName(t.Login))
	if err != nil {
		return false, err
	}
	return len(streams) > 0, nil
}

// loginName strips the display @ prefix and lowercases for Twitch endpoints.
func loginName(login string) string {
	return strings.ToLower(strings.TrimPrefix(login, "@"))
}
