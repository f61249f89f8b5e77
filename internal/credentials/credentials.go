// Package credentials resolves an owner's OAuth credentials for both the
// source store and the publishing API. Tokens are read from per-owner
// token files, refreshed transparently, written back on refresh, and cached
// for a short TTL so a busy worker does not re-read disk for every job.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tonimelisma/vidbridge/internal/tokenfile"
)

// Scopes requested for owner tokens: upload and read on the publishing API,
// read-only access to the owner's Drive.
var Scopes = []string{
	"https://www.googleapis.com/auth/youtube.upload",
	"https://www.googleapis.com/auth/youtube.readonly",
	"https://www.googleapis.com/auth/drive.readonly",
}

// ErrNoCredentials means the owner has never imported a token.
var ErrNoCredentials = errors.New("credentials: no token for owner")

// AuthError reports that credentials for an owner could not be resolved.
// It is fatal for the job: credential problems do not heal on retry.
type AuthError struct {
	OwnerID string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credentials: owner %s: %v", e.OwnerID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credentials are an owner's resolved, self-refreshing token source.
type Credentials struct {
	OwnerID string
	Meta    map[string]string
	source  oauth2.TokenSource
}

// TokenSource returns the refreshing oauth2 token source.
func (c *Credentials) TokenSource() oauth2.TokenSource {
	return c.source
}

// HTTPClient returns a client that authorizes every request. ctx supplies
// the base transport used for refreshes.
func (c *Credentials) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.source)
}

// Token returns a bearer access token. It satisfies sink.TokenSource.
func (c *Credentials) Token() (string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return "", &AuthError{OwnerID: c.OwnerID, Err: err}
	}

	return tok.AccessToken, nil
}

// OAuthClient identifies the OAuth client used for refreshes.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the token endpoint; tests point it at a fake server.
	TokenURL string
}

// FileProvider resolves credentials from token files in a directory.
type FileProvider struct {
	dir    string
	oauth  *oauth2.Config
	cache  *ttlcache.Cache[string, *Credentials]
	logger *slog.Logger

	// refreshCtx carries the HTTP client used for token refreshes.
	refreshCtx context.Context
}

// NewFileProvider builds a provider over dir. ttl bounds how long a
// resolved owner is reused before the token file is read again.
func NewFileProvider(dir string, client OAuthClient, ttl time.Duration, logger *slog.Logger) *FileProvider {
	endpoint := google.Endpoint
	if client.TokenURL != "" {
		endpoint.TokenURL = client.TokenURL
	}

	cache := ttlcache.New[string, *Credentials](
		ttlcache.WithTTL[string, *Credentials](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Credentials](),
	)

	return &FileProvider{
		dir: dir,
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		cache:      cache,
		logger:     logger,
		refreshCtx: context.Background(),
	}
}

// WithHTTPClient sets the client used for token refresh calls.
func (p *FileProvider) WithHTTPClient(c *http.Client) *FileProvider {
	p.refreshCtx = context.WithValue(context.Background(), oauth2.HTTPClient, c)

	return p
}

// CredentialsForOwner returns valid credentials for ownerID or an
// *AuthError. The first call for an owner forces a token refresh if the
// stored access token has expired.
func (p *FileProvider) CredentialsForOwner(ctx context.Context, ownerID string) (*Credentials, error) {
	if item := p.cache.Get(ownerID); item != nil {
		return item.Value(), nil
	}

	path, err := tokenfile.Path(p.dir, ownerID)
	if err != nil {
		return nil, &AuthError{OwnerID: ownerID, Err: err}
	}

	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		return nil, &AuthError{OwnerID: ownerID, Err: err}
	}

	if tok == nil {
		return nil, &AuthError{OwnerID: ownerID, Err: ErrNoCredentials}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := &persistingSource{
		base:   p.oauth.TokenSource(p.refreshCtx, tok),
		path:   path,
		meta:   meta,
		last:   tok.AccessToken,
		logger: p.logger.With(slog.String("owner_id", ownerID)),
	}

	// Validate once so an unusable refresh token fails this job now.
	if _, err := src.Token(); err != nil {
		return nil, &AuthError{OwnerID: ownerID, Err: err}
	}

	creds := &Credentials{OwnerID: ownerID, Meta: meta, source: src}
	p.cache.Set(ownerID, creds, ttlcache.DefaultTTL)

	p.logger.Debug("credentials resolved",
		slog.String("owner_id", ownerID),
		slog.Time("expiry", tok.Expiry),
	)

	return creds, nil
}

// Invalidate drops any cached credentials for ownerID.
func (p *FileProvider) Invalidate(ownerID string) {
	p.cache.Delete(ownerID)
}

// Import stores tok as ownerID's token, replacing any previous one.
func (p *FileProvider) Import(ownerID string, tok *oauth2.Token, meta map[string]string) error {
	path, err := tokenfile.Path(p.dir, ownerID)
	if err != nil {
		return err
	}

	if err := tokenfile.Save(path, tok, meta); err != nil {
		return err
	}

	p.Invalidate(ownerID)

	p.logger.Info("token imported", slog.String("owner_id", ownerID))

	return nil
}

// Revoke removes ownerID's token file.
func (p *FileProvider) Revoke(ownerID string) error {
	path, err := tokenfile.Path(p.dir, ownerID)
	if err != nil {
		return err
	}

	p.Invalidate(ownerID)

	return tokenfile.Remove(path)
}

// Owners lists owners that have imported tokens.
func (p *FileProvider) Owners() ([]string, error) {
	return tokenfile.Owners(p.dir)
}

// persistingSource writes the token back to disk whenever a refresh
// produced a new access token, preserving metadata.
type persistingSource struct {
	base   oauth2.TokenSource
	path   string
	meta   map[string]string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		s.logger.Warn("token acquisition failed", slog.String("error", err.Error()))

		return nil, fmt.Errorf("credentials: obtaining token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken == s.last {
		return tok, nil
	}

	s.last = tok.AccessToken

	s.logger.Info("token refreshed", slog.Time("new_expiry", tok.Expiry))

	if err := tokenfile.Save(s.path, tok, s.meta); err != nil {
		s.logger.Warn("failed to persist refreshed token",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	return tok, nil
}
