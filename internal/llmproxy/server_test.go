package llmproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/attachments"
	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/vault"
)

type llmHarness struct {
	server   *Server
	store    *vault.Store
	upstream *httptest.Server
	respBody string
	gotAuth  string
	gotHdr   http.Header
}

func newLLMHarness(t *testing.T) *llmHarness {
	t.Helper()
	h := &llmHarness{store: newTestStore(t), respBody: `{"id":"msg_1"}`}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.gotAuth = r.Header.Get("Authorization")
		h.gotHdr = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte(h.respBody))
	}))
	t.Cleanup(h.upstream.Close)
	u, err := url.Parse(h.upstream.URL)
	require.NoError(t, err)

	cfg := config.LLMProxyConfig{
		Token:          "proxy-secret",
		UpstreamHost:   u.Host,
		RefreshMargin:  5 * time.Minute,
		RefreshTimeout: 10 * time.Second,
	}
	rf := NewRefresher(h.store, cfg.RefreshMargin, cfg.RefreshTimeout, zap.NewNop())
	h.server = NewServer(cfg, h.store, rf, nil, nil, nil, zap.NewNop())
	h.server.scheme = "http"
	return h
}

func (h *llmHarness) do(remoteAddr string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://broker"+PathPrefix+"/v1/messages",
		strings.NewReader(`{"model":"m"}`))
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *llmHarness) seedAPIKey(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, h.store.Store("http", h.server.cfg.UpstreamHost,
		vault.Credential{Type: vault.TypeAPIKey, Header: "X-Api-Key", Token: token},
		vault.StoreOptions{}))
}

func TestLLMProxyAdmission(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	// Public source, even with the right token.
	rec := h.do("203.0.113.9:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Private source without a token, then with a wrong one.
	rec = h.do("10.1.2.3:4444", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do("10.1.2.3:4444", map[string]string{APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Both accepted header forms.
	rec = h.do("10.1.2.3:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do("127.0.0.1:4444", map[string]string{"Authorization": "Bearer proxy-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLLMProxyUnconfiguredTokenFailsClosed(t *testing.T) {
	h := newLLMHarness(t)
	h.server.cfg.Token = ""
	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLLMProxyInjectsVaultCredential(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	rec := h.do("127.0.0.1:4444", map[string]string{
		"Authorization":     "Bearer proxy-secret",
		"Anthropic-Version": "2023-06-01",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"msg_1"}`, rec.Body.String())

	// The provider sees the vault credential, never the proxy token.
	assert.Equal(t, "Bearer vault-key", h.gotAuth)
	assert.Equal(t, "2023-06-01", h.gotHdr.Get("Anthropic-Version"))
	assert.Empty(t, h.gotHdr.Get(APIKeyHeader))
	assert.NotContains(t, h.gotHdr.Get("Authorization"), "proxy-secret")
}

func TestLLMProxyOAuthCredential(t *testing.T) {
	h := newLLMHarness(t)
	require.NoError(t, h.store.Store("http", h.server.cfg.UpstreamHost, vault.Credential{
		Type:        vault.TypeOAuth2,
		AccessToken: "oauth-access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, vault.StoreOptions{}))

	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer oauth-access", h.gotAuth)
}

func TestLLMProxyEnvAndFileFallback(t *testing.T) {
	h := newLLMHarness(t)

	// Nothing configured anywhere.
	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.server.cfg.EnvToken = "env-token"
	rec = h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer env-token", h.gotAuth)

	// The file is last in the chain.
	h.server.cfg.EnvToken = ""
	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte(`{"access_token":"file-token"}`), 0o600))
	h.server.cfg.CredentialsFile = credPath
	rec = h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer file-token", h.gotAuth)
}

func TestLLMProxyStripsInlineAttachments(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	mgr, err := attachments.NewManager(attachments.Config{OutboxDir: t.TempDir()},
		nil, nil, zap.NewNop())
	require.NoError(t, err)
	h.server.attachments = mgr

	h.respBody = `{"attachments":[{"id":"a1","filename":"r.pdf","mimeType":"application/pdf","inline":"aGVsbG8="}]}`
	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The caller sees a ref, never the inline payload.
	out := rec.Body.String()
	assert.NotContains(t, out, "inline")
	assert.NotContains(t, out, "aGVsbG8=")
	assert.Equal(t, strconv.Itoa(len(out)), rec.Header().Get("Content-Length"))

	var doc struct {
		Attachments []map[string]interface{} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Attachments, 1)
	el := doc.Attachments[0]
	assert.Equal(t, "a1", el["id"])
	assert.EqualValues(t, 5, el["size"])
	refStr, _ := el["ref"].(string)
	require.True(t, strings.HasPrefix(refStr, attachments.RefPrefix), "ref %q", refStr)

	// The payload landed in the outbox, owner-only.
	ref, ok := mgr.Get(refStr)
	require.True(t, ok)
	data, err := os.ReadFile(ref.Filepath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	if runtime.GOOS != "windows" {
		info, err := os.Stat(ref.Filepath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestLLMProxyPassesPlainJSONThroughInterceptor(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	mgr, err := attachments.NewManager(attachments.Config{OutboxDir: t.TempDir()},
		nil, nil, zap.NewNop())
	require.NoError(t, err)
	h.server.attachments = mgr

	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"msg_1"}`, rec.Body.String())
	assert.Zero(t, mgr.Count())
}

func TestLLMProxyStripsHopByHopHeaders(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
}

func TestLLMProxyRateLimit(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Stop)
	h.server.limiter = limiter
	h.server.cfg.RateLimitPerMinute = 2

	for i := 0; i < 2; i++ {
		rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
		require.Equal(t, http.StatusOK, rec.Code, "call %d", i)
	}
	rec := h.do("127.0.0.1:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different caller address keeps its own window.
	rec = h.do("10.1.2.3:4444", map[string]string{APIKeyHeader: "proxy-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCleanPath(t *testing.T) {
	for path, want := range map[string]string{
		PathPrefix + "/v1/messages": "/v1/messages",
		PathPrefix:                  "/",
		PathPrefix + "/a%20b":       "/a b",
	} {
		got, err := cleanPath(path)
		require.Nil(t, err, "path %s", path)
		assert.Equal(t, want, got)
	}

	for _, path := range []string{
		PathPrefix + "/../vault",
		PathPrefix + "/%2e%2e/vault",
		PathPrefix + "//evil.example/x",
		PathPrefix + "/a%5Cb",
	} {
		_, err := cleanPath(path)
		require.NotNil(t, err, "path %s", path)
		assert.Equal(t, "bad_request", string(err.Kind))
	}
}

func TestLLMProxyRejectsTraversal(t *testing.T) {
	h := newLLMHarness(t)
	h.seedAPIKey(t, "vault-key")

	req := httptest.NewRequest(http.MethodGet, "http://broker"+PathPrefix+"/%2e%2e/internal", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	req.Header.Set(APIKeyHeader, "proxy-secret")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
