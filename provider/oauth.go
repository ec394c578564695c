package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/improdead/esprit/credential"
)

// OAuthAdapter implements the generic-OAuth-to-chat-completions family.
type OAuthAdapter struct {
	family     Family
	baseURL    string
	tokenURL   string
	clientID   string
	modelMatch func(bare string) bool
	headerFn   func(creds credential.Credential) map[string]string
	httpClient *http.Client
	vision     bool
}

// NewAnthropicAdapter returns the OAuth adapter for direct Anthropic
// access (x-api-key or OAuth bearer, depending on credential type).
func NewAnthropicAdapter(client *http.Client, baseURL, tokenURL, clientID string) *OAuthAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1/chat/completions"
	}
	return &OAuthAdapter{
		family:   FamilyAnthropic,
		baseURL:  baseURL,
		tokenURL: tokenURL,
		clientID: clientID,
		modelMatch: func(bare string) bool {
			return containsAny(bare, "claude")
		},
		headerFn: func(creds credential.Credential) map[string]string {
			h := map[string]string{"anthropic-version": "2023-06-01"}
			if email, ok := creds.Extra["email"]; ok {
				h["x-esprit-account"] = email
			}
			return h
		},
		httpClient: client,
		vision:     true,
	}
}

// NewOpenAIAdapter returns the OAuth adapter for OpenAI/Codex access.
func NewOpenAIAdapter(client *http.Client, baseURL, tokenURL, clientID string) *OAuthAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/chat/completions"
	}
	return &OAuthAdapter{
		family:   FamilyOpenAI,
		baseURL:  baseURL,
		tokenURL: tokenURL,
		clientID: clientID,
		modelMatch: func(bare string) bool {
			return containsAny(bare, "gpt", "o1", "o3", "o4", "codex", "davinci")
		},
		httpClient: client,
		vision:     true,
	}
}

// NewGitHubCopilotAdapter returns the OAuth adapter for GitHub Copilot's
// chat-completions proxy.
func NewGitHubCopilotAdapter(client *http.Client, baseURL, tokenURL, clientID string) *OAuthAdapter {
	if baseURL == "" {
		baseURL = "https://api.githubcopilot.com/chat/completions"
	}
	return &OAuthAdapter{
		family:   FamilyCopilot,
		baseURL:  baseURL,
		tokenURL: tokenURL,
		clientID: clientID,
		modelMatch: func(bare string) bool {
			return containsAny(bare, "copilot")
		},
		headerFn: func(credential.Credential) map[string]string {
			return map[string]string{
				"Editor-Version":        "esprit/1.0",
				"Copilot-Integration-Id": "vscode-chat",
			}
		},
		httpClient: client,
		vision:     false,
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

func (a *OAuthAdapter) Family() Family    { return a.family }
func (a *OAuthAdapter) Mode() Mode        { return ModeChatCompletions }
func (a *OAuthAdapter) BaseURL() string   { return a.baseURL }
func (a *OAuthAdapter) SupportsVision() bool { return a.vision }

func (a *OAuthAdapter) SupportsModel(bare string) bool {
	return a.modelMatch(bare)
}

// ModifyRequest injects the authorization header for creds and any
// family-specific headers. API-key credentials use x-api-key for
// Anthropic and Authorization: Bearer for everyone else; OAuth
// credentials always use Authorization: Bearer.
func (a *OAuthAdapter) ModifyRequest(ctx context.Context, req *http.Request, creds credential.Credential) error {
	if creds.AccessToken == "" {
		return fmt.Errorf("provider: %s: no access token on credential", a.family)
	}
	if a.family == FamilyAnthropic && creds.Type == credential.TypeAPI {
		req.Header.Set("x-api-key", creds.AccessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.headerFn != nil {
		for k, v := range a.headerFn(creds) {
			req.Header.Set(k, v)
		}
	}
	return nil
}

// RefreshToken runs the refresh-token grant against the family's token
// endpoint through oauth2's token source and returns a Credential
// carrying the new access token, the possibly-rotated refresh token,
// and the absolute expiry.
func (a *OAuthAdapter) RefreshToken(ctx context.Context, creds credential.Credential) (credential.Credential, error) {
	if creds.RefreshToken == "" || a.tokenURL == "" {
		return credential.Credential{}, ErrNoRefresh
	}

	client := a.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	conf := &oauth2.Config{
		ClientID: a.clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL: a.tokenURL,
			// No client secret: the id travels in the form body.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return credential.Credential{}, fmt.Errorf("provider: %s: token refresh failed: %w", a.family, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = creds.RefreshToken // some providers don't rotate it
	}

	out := creds
	out.AccessToken = tok.AccessToken
	out.RefreshToken = refresh
	out.ExpiresAtMs = expiryMs(tok)
	return out, nil
}
