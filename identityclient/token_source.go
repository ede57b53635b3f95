package identityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-identity-server/authmodel"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

const refreshPath = "/auth/refresh"

// TokenFromResponse converts a login or refresh response into an oauth2 token.
func TokenFromResponse(resp authmodel.TokenResponse, now time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		Expiry:       resp.Expiry(now),
	}
}

// refreshSource rotates the refresh token through the server every time the
// cached access token expires. The current refresh token is replaced by the
// rotated one after each call.
type refreshSource struct {
	ctx          context.Context
	endpoint     string
	client       *http.Client
	mu           sync.Mutex
	refreshToken string
	nowFunc      func() time.Time
}

// NewTokenSource returns a TokenSource that serves initial until it expires
// and then refreshes through baseURL. The HTTP client is taken from ctx under
// oauth2.HTTPClient when present. A reuse rejection is permanent: the caller
// has to log in again.
func NewTokenSource(ctx context.Context, baseURL string, initial *oauth2.Token) oauth2.TokenSource {
	client := http.DefaultClient
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c != nil {
		client = c
	}
	src := &refreshSource{
		ctx:          ctx,
		endpoint:     strings.TrimSuffix(baseURL, "/") + refreshPath,
		client:       client,
		refreshToken: initial.RefreshToken,
		nowFunc:      time.Now,
	}
	return oauth2.ReuseTokenSource(initial, src)
}

// NewHTTPClient returns a client that authenticates every request with a
// token from NewTokenSource.
func NewHTTPClient(ctx context.Context, baseURL string, initial *oauth2.Token) *http.Client {
	return oauth2.NewClient(ctx, NewTokenSource(ctx, baseURL, initial))
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshToken == "" {
		return nil, errors.Wrap(apperrors.ErrTokenInvalid, "[refreshSource.Token] no refresh token")
	}

	body, err := json.Marshal(authmodel.RefreshRequest{RefreshToken: s.refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[refreshSource.Token] encoding request")
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[refreshSource.Token] building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[refreshSource.Token] calling refresh endpoint")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "[refreshSource.Token] reading response")
	}

	if resp.StatusCode != http.StatusOK {
		// a rejected refresh token can never succeed again
		s.refreshToken = ""
		return nil, refreshError(resp.StatusCode, raw)
	}

	var tr authmodel.TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, errors.Wrap(err, "[refreshSource.Token] decoding response")
	}
	s.refreshToken = tr.RefreshToken
	return TokenFromResponse(tr, s.nowFunc()), nil
}

func refreshError(status int, body []byte) error {
	var er authmodel.ErrorResponse
	_ = json.Unmarshal(body, &er)
	switch er.Error {
	case authmodel.CodeTokenReuseDetected:
		return apperrors.ErrTokenReuseDetected
	case authmodel.CodeAccountSuspended:
		return apperrors.ErrAccountSuspended
	case authmodel.CodeInvalidToken:
		return apperrors.ErrTokenInvalid
	}
	return errors.Errorf("[refreshSource.Token] refresh failed with status %d: %s", status, er.Error)
}
