package nowplaying

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/codefionn/deckcompanion/internal/config"
	"github.com/codefionn/deckcompanion/internal/logger"
	"golang.org/x/oauth2"
)

// Endpoint is Spotify's OAuth2 endpoint
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.spotify.com/authorize",
	TokenURL:  "https://accounts.spotify.com/api/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// OAuthConfig builds the oauth2 configuration for cfg
func OAuthConfig(cfg config.SpotifyConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint:     Endpoint,
	}
}

// TokenCache persists an oauth2 token as JSON
type TokenCache struct {
	path string
	mu   sync.Mutex
}

// NewTokenCache returns a cache stored at path
func NewTokenCache(path string) *TokenCache {
	return &TokenCache{path: path}
}

// Load reads the cached token. A missing cache yields ErrUnavailable.
func (c *TokenCache) Load() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no token cached at %s", ErrUnavailable, c.path)
		}
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token cache: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token cache is empty", ErrUnavailable)
	}
	return &tok, nil
}

// Save writes tok to the cache, readable only by the owner
func (c *TokenCache) Save(tok *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("failed to create token cache directory: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// cachingSource writes refreshed tokens back to the cache
type cachingSource struct {
	base  oauth2.TokenSource
	cache *TokenCache

	mu   sync.Mutex
	last string
}

func (s *cachingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.cache.Save(tok); err != nil {
			logger.Warn("spotify: failed to persist refreshed token: %v", err)
		}
	}
	return tok, nil
}

// NewSpotifyFromConfig builds a client authorized with the cached token. It
// fails with ErrUnavailable when the app is not configured or has not been
// authorized yet.
func NewSpotifyFromConfig(ctx context.Context, cfg config.SpotifyConfig) (*Spotify, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: client id or secret missing", ErrUnavailable)
	}

	cache := NewTokenCache(cfg.TokenCache)
	tok, err := cache.Load()
	if err != nil {
		return nil, err
	}

	oc := OAuthConfig(cfg)
	src := &cachingSource{
		base:  oc.TokenSource(ctx, tok),
		cache: cache,
		last:  tok.AccessToken,
	}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src))
	return NewSpotify(client, ""), nil
}

// Authorizer runs the authorization-code flow once and stores the result.
type Authorizer struct {
	config *oauth2.Config
	cache  *TokenCache
	state  string

	done chan error
	once sync.Once
}

// NewAuthorizer prepares a flow for cfg
func NewAuthorizer(cfg config.SpotifyConfig) (*Authorizer, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: client id or secret missing", ErrUnavailable)
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	return &Authorizer{
		config: OAuthConfig(cfg),
		cache:  NewTokenCache(cfg.TokenCache),
		state:  hex.EncodeToString(buf),
		done:   make(chan error, 1),
	}, nil
}

// AuthURL is the page the user has to open to grant access
func (a *Authorizer) AuthURL() string {
	return a.config.AuthCodeURL(a.state)
}

// Exchange trades an authorization code for a token and caches it
func (a *Authorizer) Exchange(ctx context.Context, code string) error {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("oauth exchange: %w", err)
	}
	return a.cache.Save(tok)
}

// ServeHTTP handles the redirect back from Spotify.
func (a *Authorizer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != a.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if msg := q.Get("error"); msg != "" {
		http.Error(w, "authorization denied: "+msg, http.StatusForbidden)
		a.finish(errors.New("authorization denied: " + msg))
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	if err := a.Exchange(r.Context(), code); err != nil {
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		a.finish(err)
		return
	}
	fmt.Fprintln(w, "Spotify access granted. You can close this window.")
	a.finish(nil)
}

func (a *Authorizer) finish(err error) {
	a.once.Do(func() {
		a.done <- err
	})
}

// Wait blocks until the callback completed or ctx ends
func (a *Authorizer) Wait(ctx context.Context) error {
	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
