// Package llmproxy fronts the LLM provider API. Callers authenticate with a
// shared proxy token; the broker resolves the real provider credential from
// the vault, the environment, or a credentials file, refreshing OAuth tokens
// single-flight so a burst of concurrent requests spends one refresh token.
package llmproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/vault"
)

// Credential source labels. The -expired suffix marks a stale token served
// after a failed refresh; the next request retries.
const (
	SourceVaultAPIKey  = "vault-api-key"
	SourceVaultOAuth   = "vault-oauth"
	SourceOAuthExpired = "vault-oauth-expired"
	SourceEnv          = "env"
	SourceCredFile     = "credentials-file"
)

var errNoRefreshToken = errors.New("llmproxy: no refresh token stored")

// tokenResponse is the provider's refresh grant reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// pendingRefresh is the handle later callers await while the first one
// performs the refresh.
type pendingRefresh struct {
	done  chan struct{}
	token string
	err   error
}

// Refresher resolves OAuth access tokens from the vault and refreshes them
// near expiry. It satisfies the vault RPC server's TokenSource so socket
// clients share the same single-flight path as in-process callers.
type Refresher struct {
	store   *vault.Store
	client  *http.Client
	margin  time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time // test hook

	mu      sync.Mutex
	pending map[string]*pendingRefresh
}

// NewRefresher builds a refresher over the given store. margin is how close
// to expiry a token may get before a refresh is attempted.
func NewRefresher(store *vault.Store, margin, timeout time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		margin:  margin,
		timeout: timeout,
		logger:  logger.Named("llmproxy.refresher"),
		now:     time.Now,
		pending: map[string]*pendingRefresh{},
	}
}

// AccessToken implements vaultrpc.TokenSource.
func (rf *Refresher) AccessToken(ctx context.Context, target string) (string, error) {
	token, _, err := rf.Resolve(ctx, target)
	return token, err
}

// Resolve returns a usable access token for target plus its source label.
// A stale token after a failed refresh comes back with SourceOAuthExpired
// rather than an error, so callers degrade instead of stalling.
func (rf *Refresher) Resolve(ctx context.Context, target string) (string, string, error) {
	entry, err := rf.store.Get("http", target)
	if err != nil {
		return "", "", err
	}
	cred := entry.Credential
	if cred.Type != vault.TypeOAuth2 {
		return "", "", fmt.Errorf("llmproxy: entry for %s is %s, not oauth2", target, cred.Type)
	}

	if cred.AccessToken != "" && !rf.nearExpiry(cred.ExpiresAt) {
		return cred.AccessToken, SourceVaultOAuth, nil
	}

	token, err := rf.refresh(ctx, target)
	if err == nil {
		return token, SourceVaultOAuth, nil
	}
	if cred.AccessToken != "" {
		rf.logger.Warn("refresh failed, serving stale token",
			zap.String("target", target), zap.Error(err))
		return cred.AccessToken, SourceOAuthExpired, nil
	}
	return "", "", err
}

func (rf *Refresher) nearExpiry(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return rf.now().Add(rf.margin).After(expiresAt)
}

// refresh is single-flight per target: the first caller posts the refresh
// grant and publishes the result; everyone else awaits the same handle. A
// refresh token is spent at most once.
func (rf *Refresher) refresh(ctx context.Context, target string) (string, error) {
	rf.mu.Lock()
	if p, ok := rf.pending[target]; ok {
		rf.mu.Unlock()
		select {
		case <-p.done:
			return p.token, p.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p := &pendingRefresh{done: make(chan struct{})}
	rf.pending[target] = p
	rf.mu.Unlock()

	p.token, p.err = rf.doRefresh(ctx, target)
	close(p.done)

	rf.mu.Lock()
	delete(rf.pending, target)
	rf.mu.Unlock()

	return p.token, p.err
}

// doRefresh re-reads the entry under the pending guard (an earlier flight
// may have rotated the refresh token), posts the grant, and persists the
// rotated tokens before publishing.
func (rf *Refresher) doRefresh(ctx context.Context, target string) (string, error) {
	entry, err := rf.store.Get("http", target)
	if err != nil {
		return "", err
	}
	cred := entry.Credential
	if cred.AccessToken != "" && !rf.nearExpiry(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", errNoRefreshToken
	}
	if cred.RefreshURL == "" {
		return "", errors.New("llmproxy: no refresh URL stored")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	if cred.ClientID != "" {
		form.Set("client_id", cred.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, rf.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.RefreshURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rf.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmproxy: refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llmproxy: refresh endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return "", fmt.Errorf("llmproxy: failed to decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("llmproxy: refresh response has no access token")
	}

	cred.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		cred.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		cred.ExpiresAt = rf.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		cred.ExpiresAt = time.Time{}
	}

	err = rf.store.Store("http", target, cred, vault.StoreOptions{
		Label:              entry.Label,
		AllowedPaths:       entry.AllowedPaths,
		RateLimitPerMinute: entry.RateLimitPerMinute,
		ExpiresAt:          entry.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("llmproxy: failed to persist refreshed token: %w", err)
	}

	rf.logger.Info("access token refreshed", zap.String("target", target))
	return tr.AccessToken, nil
}
