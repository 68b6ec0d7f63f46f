// Package ghauth mints short-lived GitHub App installation tokens,
// coalescing concurrent mints and caching until near-expiry.
//
// Identity material lives in a config directory:
//
//	app-id           GitHub App id
//	installation-id  installation to mint for
//	private-key.pem  RS256 signing key
//	api-base-url     optional, defaults to https://api.github.com
//	host             optional display host
package ghauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stanley2058/lilac/pkg/client/rest"
)

// DefaultAPIBaseURL is used when the config dir carries no override.
const DefaultAPIBaseURL = "https://api.github.com"

// minValidity is the remaining validity a cached token must have.
const minValidity = 60 * time.Second

// Token is a minted installation credential.
type Token struct {
	Token      string
	ExpiresAt  time.Time
	APIBaseURL string
	Host       string
}

// GetTokenInput selects the identity to mint for.
type GetTokenInput struct {
	ConfigDir string
}

// identity is the loaded credential material.
type identity struct {
	appID          string
	installationID string
	apiBaseURL     string
	host           string
	privateKey     []byte
}

// fingerprint is a deterministic hash of the identity configuration.
func (id identity) fingerprint() string {
	h := sha256.New()
	for _, part := range []string{id.appID, id.installationID, id.apiBaseURL, id.host} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(id.privateKey)
	return hex.EncodeToString(h.Sum(nil))
}

// exchangeFunc performs the provider token exchange. Injectable for tests.
type exchangeFunc func(ctx context.Context, id identity) (Token, error)

type cached struct {
	token       Token
	fingerprint string
}

// Minter produces installation tokens. Concurrent callers for the same
// identity fingerprint share one pending mint; mints for different
// fingerprints are not serialized against each other.
type Minter struct {
	log      *slog.Logger
	exchange exchangeFunc
	now      func() time.Time

	mu    sync.Mutex
	cache *cached

	sf singleflight.Group
}

// New creates a minter over the given HTTP client.
func New(client *rest.Client, log *slog.Logger) *Minter {
	if log == nil {
		log = slog.Default()
	}
	m := &Minter{
		log: log,
		now: time.Now,
	}
	m.exchange = newHTTPExchange(client)
	return m
}

// GetToken returns a valid installation token, minting one when the cache
// is cold, stale or the identity fingerprint changed. Mint failures are
// never cached; the next caller retries.
func (m *Minter) GetToken(ctx context.Context, in GetTokenInput) (Token, error) {
	id, err := loadIdentity(in.ConfigDir)
	if err != nil {
		return Token{}, err
	}
	fp := id.fingerprint()

	if tok, ok := m.cachedToken(fp, id.apiBaseURL); ok {
		return tok, nil
	}

	v, err, _ := m.sf.Do(fp, func() (any, error) {
		// A caller that queued behind the winner may find the fresh token
		// already cached.
		if tok, ok := m.cachedToken(fp, id.apiBaseURL); ok {
			return tok, nil
		}

		tok, err := m.exchange(ctx, id)
		if err != nil {
			return Token{}, err
		}

		m.mu.Lock()
		m.cache = &cached{token: tok, fingerprint: fp}
		m.mu.Unlock()

		m.log.Debug("minted installation token",
			"api_base_url", tok.APIBaseURL, "expires_at", tok.ExpiresAt)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// cachedToken returns the cached token when the fingerprint and base URL
// match and at least a minute of validity remains.
func (m *Minter) cachedToken(fp, apiBaseURL string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return Token{}, false
	}
	if m.cache.fingerprint != fp || m.cache.token.APIBaseURL != apiBaseURL {
		return Token{}, false
	}
	if m.cache.token.ExpiresAt.Sub(m.now()) <= minValidity {
		return Token{}, false
	}
	return m.cache.token, true
}

func loadIdentity(configDir string) (identity, error) {
	appID, err := readTrimmed(filepath.Join(configDir, "app-id"))
	if err != nil {
		return identity{}, ErrMissingCredentials("app-id", err)
	}
	installationID, err := readTrimmed(filepath.Join(configDir, "installation-id"))
	if err != nil {
		return identity{}, ErrMissingCredentials("installation-id", err)
	}
	key, err := os.ReadFile(filepath.Join(configDir, "private-key.pem"))
	if err != nil {
		return identity{}, ErrMissingCredentials("private-key.pem", err)
	}

	apiBaseURL, _ := readTrimmed(filepath.Join(configDir, "api-base-url"))
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	host, _ := readTrimmed(filepath.Join(configDir, "host"))

	return identity{
		appID:          appID,
		installationID: installationID,
		apiBaseURL:     strings.TrimRight(apiBaseURL, "/"),
		host:           host,
		privateKey:     key,
	}, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", os.ErrNotExist
	}
	return s, nil
}
