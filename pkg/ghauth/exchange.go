package ghauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stanley2058/lilac/pkg/client/rest"
)

// appJWTValidity is how far past now the signed app JWT expires. iat is
// backdated by appJWTSkew for clock skew, so exp-iat is ten minutes, the
// cap GitHub allows.
const (
	appJWTValidity = 9 * time.Minute
	appJWTSkew     = time.Minute
	acceptHeader   = "application/vnd.github+json"
)

// newHTTPExchange builds the provider exchange: sign an app JWT, then
// trade it for an installation token.
func newHTTPExchange(client *rest.Client) exchangeFunc {
	return func(ctx context.Context, id identity) (Token, error) {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(id.privateKey)
		if err != nil {
			return Token{}, ErrInvalidKey(err)
		}

		now := time.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    id.appID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTSkew)),
			ExpiresAt: jwt.NewNumericDate(now.Add(appJWTValidity)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		if err != nil {
			return Token{}, ErrMintFailed(err)
		}

		url := fmt.Sprintf("%s/app/installations/%s/access_tokens", id.apiBaseURL, id.installationID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
		if err != nil {
			return Token{}, ErrMintFailed(err)
		}
		req.Header.Set("Authorization", "Bearer "+signed)
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return Token{}, ErrMintFailed(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Token{}, ErrMintFailed(err)
		}
		if resp.StatusCode != http.StatusCreated {
			return Token{}, ErrMintFailed(fmt.Errorf("provider returned %d", resp.StatusCode))
		}

		var parsed struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expires_at"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Token{}, ErrInvalidProviderResponse("unparsable body", err)
		}
		if parsed.Token == "" {
			return Token{}, ErrInvalidProviderResponse("missing token", nil)
		}
		expiresAt, err := time.Parse(time.RFC3339, parsed.ExpiresAt)
		if err != nil {
			// Missing or invalid expires_at is a hard failure: callers
			// cannot reason about validity without it.
			return Token{}, ErrInvalidProviderResponse("missing or invalid expires_at", err)
		}

		return Token{
			Token:      parsed.Token,
			ExpiresAt:  expiresAt,
			APIBaseURL: id.apiBaseURL,
			Host:       id.host,
		}, nil
	}
}
