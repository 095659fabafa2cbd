package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/session"
	"github.com/agent-gate/agentgate-go/internal/vault"
	"github.com/agent-gate/agentgate-go/internal/vaultrpc"
)

type fakeVault struct {
	entries map[string]*vault.Entry
	tokens  map[string]string
	pingErr error
	getErr  error
}

func (f *fakeVault) Ping(context.Context) error { return f.pingErr }

func (f *fakeVault) Get(_ context.Context, protocol, target string) (*vault.Entry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.entries[protocol+":"+target]
	if !ok {
		return nil, vaultrpc.ErrNotFound
	}
	return e, nil
}

func (f *fakeVault) List(_ context.Context, protocol string) ([]vault.ListEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []vault.ListEntry
	for _, e := range f.entries {
		if e.Protocol == protocol {
			out = append(out, vault.ListEntry{Protocol: e.Protocol, Target: e.Target, Type: e.Credential.Type})
		}
	}
	return out, nil
}

func (f *fakeVault) GetToken(_ context.Context, target string) (string, error) {
	tok, ok := f.tokens[target]
	if !ok {
		return "", vaultrpc.ErrNotFound
	}
	return tok, nil
}

type harness struct {
	server       *Server
	router       http.Handler
	vault        *fakeVault
	sessions     *session.Manager
	upstream     *httptest.Server
	upstreamHost string
	calls        int64
}

func newHarness(t *testing.T, upstream http.HandlerFunc) *harness {
	t.Helper()

	h := &harness{vault: &fakeVault{
		entries: map[string]*vault.Entry{},
		tokens:  map[string]string{},
	}}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.calls, 1)
		if upstream != nil {
			upstream(w, r)
		}
	}))
	t.Cleanup(h.upstream.Close)

	u, err := url.Parse(h.upstream.URL)
	require.NoError(t, err)
	h.upstreamHost = u.Host

	h.sessions, err = session.NewManager(strings.Repeat("k", 32), time.Hour)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Stop)

	cfg := config.ProxyConfig{
		SessionRateLimit: 120,
		MaxBodyBytes:     10 << 20,
		UpstreamTimeout:  5 * time.Second,
	}
	h.server = NewServer(cfg, h.vault, h.sessions, limiter, nil, zap.NewNop())
	h.server.scheme = "http" // the httptest upstream is plain HTTP
	h.router = h.server.Router()
	return h
}

func (h *harness) addBearer(t *testing.T, token string, opts ...func(*vault.Entry)) {
	t.Helper()
	e := &vault.Entry{
		Protocol:   "http",
		Target:     h.upstreamHost,
		Credential: vault.Credential{Type: vault.TypeBearer, Token: token},
	}
	for _, opt := range opts {
		opt(e)
	}
	h.vault.entries[e.StorageKey()] = e
}

func (h *harness) mint(t *testing.T) string {
	t.Helper()
	token, err := h.sessions.Mint("chat-1")
	require.NoError(t, err)
	return token
}

// do sends a request through the router with a controllable peer address.
func (h *harness) do(method, path, remoteAddr string, body *strings.Reader, header map[string]string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == nil {
		rd = strings.NewReader("")
	} else {
		rd = body
	}
	req := httptest.NewRequest(method, "http://broker"+path, rd)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestProxyInjectsBearerCredential(t *testing.T) {
	var got struct {
		auth, agent, sessionHdr, query string
	}
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		got.agent = r.Header.Get("User-Agent")
		got.sessionHdr = r.Header.Get(SessionHeader)
		got.query = r.URL.RawQuery
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":1}`))
	})
	h.addBearer(t, "secret-bearer")

	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1/data?page=2", "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: h.mint(t)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":1}`, rec.Body.String())
	assert.Equal(t, "Bearer secret-bearer", got.auth)
	assert.Equal(t, userAgent, got.agent)
	assert.Empty(t, got.sessionHdr, "session token must not reach the upstream")
	assert.Equal(t, "page=2", got.query)

	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"), "hop-by-hop header must be stripped")
}

func TestProxyAllowedPathsDenyNeverReachesUpstream(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok", func(e *vault.Entry) {
		e.AllowedPaths = []string{`^/v1/public/`}
	})

	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1/private/keys", "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: h.mint(t)})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.EqualValues(t, 0, atomic.LoadInt64(&h.calls))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "forbidden_path", body["error"])
	assert.NotContains(t, rec.Body.String(), "tok")

	rec = h.do(http.MethodGet, "/"+h.upstreamHost+"/v1/public/doc", "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: h.mint(t)})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, atomic.LoadInt64(&h.calls))
}

func TestProxyAdmission(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok")
	path := "/" + h.upstreamHost + "/v1/ok"

	// No token from a remote peer.
	rec := h.do(http.MethodGet, path, "203.0.113.9:4444", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token from a remote peer.
	rec = h.do(http.MethodGet, path, "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The loopback sentinel is rejected off-host.
	rec = h.do(http.MethodGet, path, "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: session.RelayLocalID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Loopback peers skip the session check entirely.
	rec = h.do(http.MethodGet, path, "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, path, "[::1]:9999", nil,
		map[string]string{SessionHeader: session.RelayLocalID})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseTarget(t *testing.T) {
	valid := []struct {
		path string
		host string
		rest string
	}{
		{"/api.example.com/v1/data", "api.example.com", "v1/data"},
		{"/api.example.com:8443/v1", "api.example.com:8443", "v1"},
		{"/localhost:9200/_search", "localhost:9200", "_search"},
		{"/api.example.com", "api.example.com", ""},
		{"/api.example.com/a%20b", "api.example.com", "a b"},
	}
	for _, tc := range valid {
		host, rest, err := parseTarget(tc.path)
		require.Nil(t, err, "path %s", tc.path)
		assert.Equal(t, tc.host, host, "path %s", tc.path)
		assert.Equal(t, tc.rest, rest, "path %s", tc.path)
	}

	invalid := []string{
		"/",
		"//api.example.com/v1",
		"/nodot/v1",
		"/localhost/v1",
		"/-bad.example.com/v1",
		"/bad.example.com-/v1",
		"/user@example.com/v1",
		"/api%2eexample.com/v1",
		"/api.example.com/..%2Fetc",
		"/api.example.com/a..b",
		"/api.example.com/a%5Cb",
		"/ api.example.com/v1",
	}
	for _, path := range invalid {
		_, _, err := parseTarget(path)
		require.NotNil(t, err, "path %s", path)
		assert.Equal(t, "bad_request", string(err.Kind), "path %s", path)
	}
}

func TestProxyUnknownHostAndVaultDown(t *testing.T) {
	h := newHarness(t, nil)
	token := h.mint(t)

	rec := h.do(http.MethodGet, "/unknown.example.com/v1", "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: token})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h.vault.getErr = vaultrpc.ErrVaultUnavailable
	rec = h.do(http.MethodGet, "/"+h.upstreamHost+"/v1", "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: token})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 0, atomic.LoadInt64(&h.calls))
}

func TestProxyBodyCap(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok")
	h.server.cfg.MaxBodyBytes = 16

	rec := h.do(http.MethodPost, "/"+h.upstreamHost+"/v1/upload", "127.0.0.1:9999",
		strings.NewReader(strings.Repeat("x", 64)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = h.do(http.MethodPost, "/"+h.upstreamHost+"/v1/upload", "127.0.0.1:9999",
		strings.NewReader("small"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRateLimits(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok")
	h.server.cfg.SessionRateLimit = 2
	token := h.mint(t)
	path := "/" + h.upstreamHost + "/v1"

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodGet, path, "203.0.113.9:4444", nil,
			map[string]string{SessionHeader: token})
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(http.MethodGet, path, "203.0.113.9:4444", nil,
		map[string]string{SessionHeader: token})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProxyPerCredentialRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok", func(e *vault.Entry) { e.RateLimitPerMinute = 1 })
	path := "/" + h.upstreamHost + "/v1"

	rec := h.do(http.MethodGet, path, "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, path, "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProxyQueryAndBasicCredentials(t *testing.T) {
	var gotQuery, gotAuthUser, gotAuthPass string
	var gotBasicOK bool
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("api_key")
		gotAuthUser, gotAuthPass, gotBasicOK = r.BasicAuth()
	})

	h.vault.entries["http:"+h.upstreamHost] = &vault.Entry{
		Protocol: "http", Target: h.upstreamHost,
		Credential: vault.Credential{Type: vault.TypeQuery, Param: "api_key", Token: "qtok"},
	}
	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1?x=1", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "qtok", gotQuery)

	h.vault.entries["http:"+h.upstreamHost] = &vault.Entry{
		Protocol: "http", Target: h.upstreamHost,
		Credential: vault.Credential{Type: vault.TypeBasic, Username: "svc", Password: "pw"},
	}
	rec = h.do(http.MethodGet, "/"+h.upstreamHost+"/v1", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gotBasicOK)
	assert.Equal(t, "svc", gotAuthUser)
	assert.Equal(t, "pw", gotAuthPass)
}

func TestProxyOAuthCredentialUsesTokenSource(t *testing.T) {
	var gotAuth string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	h.vault.entries["http:"+h.upstreamHost] = &vault.Entry{
		Protocol: "http", Target: h.upstreamHost,
		Credential: vault.Credential{Type: vault.TypeOAuth2, RefreshToken: "r"},
	}
	h.vault.tokens[h.upstreamHost] = "fresh-access"

	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer fresh-access", gotAuth)
}

func TestProxyReturnsRedirectVerbatim(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://elsewhere.example.com/next?code=abc")
		w.WriteHeader(http.StatusFound)
	})
	h.addBearer(t, "tok")

	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://elsewhere.example.com/next?code=abc", rec.Header().Get("Location"))
	assert.EqualValues(t, 1, atomic.LoadInt64(&h.calls), "redirect must not be followed")
}

func TestProxyUpstreamDown(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok")
	h.upstream.Close()

	rec := h.do(http.MethodGet, "/"+h.upstreamHost+"/v1", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "tok")
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/health", "203.0.113.9:4444", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["ok"])
	assert.True(t, body["vault"])

	h.vault.pingErr = vaultrpc.ErrVaultUnavailable
	rec = h.do(http.MethodGet, "/health", "203.0.113.9:4444", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHostsEndpointGated(t *testing.T) {
	h := newHarness(t, nil)
	h.addBearer(t, "tok")

	// Not exposed: the path falls through to the proxy entry and fails the
	// host grammar instead of leaking target inventory.
	rec := h.do(http.MethodGet, "/hosts", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), h.upstreamHost)

	h.server.cfg.ExposeHosts = true
	h.router = h.server.Router()
	rec = h.do(http.MethodGet, "/hosts", "127.0.0.1:9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), h.upstreamHost)
	assert.Contains(t, rec.Body.String(), "bearer")
	assert.NotContains(t, rec.Body.String(), "tok\"")
}
