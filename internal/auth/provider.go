// Package auth supplies valid access tokens to the sync engine and
// guards the local admin surface.
package auth

//go:generate mockgen -destination=mock_refresher_test.go -package=auth github.com/alexjbarnes/ledger-sync/internal/auth Refresher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// expiryBuffer treats tokens expiring within this window as expired.
	expiryBuffer = 60 * time.Second

	// DefaultRefreshWait bounds how long a caller waits on a refresh
	// started by someone else.
	DefaultRefreshWait = time.Second

	// refreshTimeout bounds the refresh call itself. It is detached from
	// the caller's context so a cancelled leader does not fail followers.
	refreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*api.RefreshResponse, error)
}

// CredentialStore persists the current token pair.
type CredentialStore interface {
	Credentials() (*models.Credentials, error)
	SetCredentials(c models.Credentials) error
	ClearCredentials() error
}

// Provider hands out valid access tokens, refreshing them at most once
// at a time.
type Provider struct {
	store       CredentialStore
	refresher   Refresher
	logger      *slog.Logger
	refreshWait time.Duration
	now         func() time.Time

	// mu guards inFlight. inFlight is true exactly while refreshKey is
	// registered in group and its refresh has not finished.
	mu          sync.Mutex
	inFlight    bool
	group       singleflight.Group
	invalidated atomic.Bool
}

// NewProvider creates a token provider. A non-positive refreshWait uses
// DefaultRefreshWait.
func NewProvider(store CredentialStore, refresher Refresher, refreshWait time.Duration, logger *slog.Logger) *Provider {
	if refreshWait <= 0 {
		refreshWait = DefaultRefreshWait
	}

	return &Provider{
		store:       store,
		refresher:   refresher,
		logger:      logger.With(slog.String("component", "auth")),
		refreshWait: refreshWait,
		now:         time.Now,
	}
}

// GetValidCredential returns a non-expired access token, refreshing when
// the stored one is expired or has been invalidated. It returns
// ErrNoCredential when nothing is stored and ErrSessionInvalid when the
// refresh token was rejected.
func (p *Provider) GetValidCredential(ctx context.Context) (string, error) {
	creds, err := p.store.Credentials()
	if err != nil {
		return "", fmt.Errorf("reading credentials: %w", err)
	}

	if creds == nil || (creds.AccessToken == "" && creds.RefreshToken == "") {
		return "", apperrors.ErrNoCredential
	}

	if creds.AccessToken != "" && !p.invalidated.Load() && !isExpired(creds.AccessToken, p.now(), expiryBuffer) {
		return creds.AccessToken, nil
	}

	return p.Refresh(ctx)
}

// Refresh obtains a new token pair. Concurrent calls share one request.
// The caller that starts the refresh waits for it; callers that join an
// in-flight refresh wait at most the refresh wait and then fall back to
// the currently stored token.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()

	leader := !p.inFlight
	p.inFlight = true

	ch := p.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		tok, err := p.doRefresh(rctx)

		// Later callers must start a new call, not join this one.
		p.mu.Lock()
		p.inFlight = false
		p.group.Forget(refreshKey)
		p.mu.Unlock()

		return tok, err
	})

	p.mu.Unlock()

	var timeout <-chan time.Time

	if !leader {
		timer := time.NewTimer(p.refreshWait)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	case <-timeout:
		p.logger.Debug("refresh wait elapsed, using current token")
		return p.CurrentToken(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Provider) doRefresh(ctx context.Context) (string, error) {
	creds, err := p.store.Credentials()
	if err != nil {
		return "", fmt.Errorf("reading credentials: %w", err)
	}

	if creds == nil || creds.RefreshToken == "" {
		return "", apperrors.ErrNoCredential
	}

	resp, err := p.refresher.Refresh(ctx, creds.RefreshToken)
	if errors.Is(err, api.ErrUnauthorized) {
		p.logger.Warn("refresh token rejected, clearing credentials")

		if cerr := p.store.ClearCredentials(); cerr != nil {
			p.logger.Error("clearing credentials", slog.String("error", cerr.Error()))
		}

		return "", apperrors.ErrSessionInvalid
	}

	if err != nil {
		p.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return "", err
	}

	next := models.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	if err := p.store.SetCredentials(next); err != nil {
		return "", fmt.Errorf("saving refreshed credentials: %w", err)
	}

	p.invalidated.Store(false)
	p.logger.Info("access token refreshed", slog.String("user_id", next.UserID))

	return next.AccessToken, nil
}

// Invalidate forces the next GetValidCredential call to refresh. Called
// when the server rejects the current access token.
func (p *Provider) Invalidate() {
	p.invalidated.Store(true)
}

// CurrentToken returns the stored access token without validation.
func (p *Provider) CurrentToken() string {
	creds, err := p.store.Credentials()
	if err != nil || creds == nil {
		return ""
	}

	return creds.AccessToken
}

// Login stores a token pair obtained out of band.
func (p *Provider) Login(accessToken, refreshToken string) error {
	if err := p.store.SetCredentials(models.Credentials{AccessToken: accessToken, RefreshToken: refreshToken}); err != nil {
		return err
	}

	p.invalidated.Store(false)

	return nil
}

// Logout removes stored credentials.
func (p *Provider) Logout() error {
	return p.store.ClearCredentials()
}

// isExpired reports whether a JWT's exp claim falls within buffer of
// now. Tokens that are not JWTs, or carry no exp claim, never expire
// locally.
func isExpired(token string, now time.Time, buffer time.Duration) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return false
	}

	exp := gjson.GetBytes(payload, "exp")
	if !exp.Exists() || exp.Type != gjson.Number {
		return false
	}

	expiry := time.Unix(exp.Int(), 0)

	return !now.Add(buffer).Before(expiry)
}
