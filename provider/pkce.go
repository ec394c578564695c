package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/improdead/esprit/credential"
)

// PKCEConfig describes one provider's PKCE loopback OAuth flow.
type PKCEConfig struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	Scopes       []string
	RedirectPath string // e.g. "/callback"
}

// PKCEFlow runs a single login attempt: start a loopback listener,
// print the authorization URL, wait for the callback, exchange the
// code, and return the resulting Credential.
type PKCEFlow struct {
	cfg        PKCEConfig
	httpClient *http.Client
}

// NewPKCEFlow returns a flow for the given provider configuration.
func NewPKCEFlow(cfg PKCEConfig, client *http.Client) *PKCEFlow {
	if client == nil {
		client = http.DefaultClient
	}
	return &PKCEFlow{cfg: cfg, httpClient: client}
}

func (f *PKCEFlow) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      f.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.cfg.AuthorizeURL,
			TokenURL: f.cfg.TokenURL,
			// No client secret: the id travels in the form body.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthorizeURL starts a loopback listener on an ephemeral port and
// returns the authorization URL to present to the user, along with a
// function that blocks until the callback arrives (or ctx is done) and
// completes the token exchange.
func (f *PKCEFlow) AuthorizeURL(ctx context.Context) (authURL string, await func(context.Context) (credential.Credential, error), err error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("provider: pkce: loopback listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d%s", port, f.cfg.RedirectPath)

	state, err := randomState()
	if err != nil {
		listener.Close()
		return "", nil, err
	}

	conf := f.oauthConfig(redirectURI)
	verifier := oauth2.GenerateVerifier()
	authURL = conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	result := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(f.cfg.RedirectPath, func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		gotState := r.URL.Query().Get("state")
		errParam := r.URL.Query().Get("error")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if errParam != "" {
			fmt.Fprintf(w, "<html><body>Login failed: %s</body></html>", errParam)
			result <- callbackResult{err: fmt.Errorf("provider: pkce: authorization denied: %s", errParam)}
			return
		}
		if gotState != state {
			fmt.Fprint(w, "<html><body>Login failed: state mismatch</body></html>")
			result <- callbackResult{err: fmt.Errorf("provider: pkce: state mismatch")}
			return
		}
		fmt.Fprint(w, "<html><body>Login complete, you can close this tab.</body></html>")
		result <- callbackResult{code: code}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	await = func(ctx context.Context) (credential.Credential, error) {
		defer srv.Close()
		select {
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		case res := <-result:
			if res.err != nil {
				return credential.Credential{}, res.err
			}
			ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
			tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
			if err != nil {
				return credential.Credential{}, fmt.Errorf("provider: pkce: token exchange: %w", err)
			}
			return credential.Credential{
				Type:         credential.TypeOAuth,
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAtMs:  expiryMs(tok),
			}, nil
		}
	}
	return authURL, await, nil
}

type callbackResult struct {
	code string
	err  error
}

// expiryMs converts a token's expiry to absolute milliseconds; tokens
// issued without expires_in read as never-expiring.
func expiryMs(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return 0
	}
	return tok.Expiry.UnixMilli()
}
