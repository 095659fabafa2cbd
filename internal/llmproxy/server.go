package llmproxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/attachments"
	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/contracts"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/reqcontext"
	"github.com/agent-gate/agentgate-go/internal/session"
	"github.com/agent-gate/agentgate-go/internal/vault"
)

// PathPrefix is where the proxy is mounted on the broker listener.
const PathPrefix = "/v1/llm-proxy"

// APIKeyHeader is the alternative to Authorization: Bearer for the proxy
// token.
const APIKeyHeader = "X-API-Key"

// maxRewriteBytes caps how much of a JSON provider response is buffered for
// attachment rewriting. Larger bodies stream through untouched.
const maxRewriteBytes = 64 << 20

// credentialsFile is the on-disk fallback shape, the last resort of the
// resolution chain.
type credentialsFile struct {
	AccessToken string `json:"access_token,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
}

// Server proxies requests to the LLM provider under a fixed origin. Callers
// must present the shared proxy token and arrive from a loopback or private
// address.
type Server struct {
	cfg         config.LLMProxyConfig
	store       *vault.Store
	refresher   *Refresher
	attachments *attachments.Manager
	limiter     *ratelimit.Limiter
	auditLog    *audit.Log
	logger      *zap.Logger

	client *http.Client
	// scheme is https in production; tests point it at a plain httptest
	// upstream.
	scheme string
}

// NewServer wires the LLM proxy. The attachment manager, limiter, and audit
// log may be nil in tests.
func NewServer(cfg config.LLMProxyConfig, store *vault.Store, refresher *Refresher,
	attMgr *attachments.Manager, limiter *ratelimit.Limiter,
	auditLog *audit.Log, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		refresher:   refresher,
		attachments: attMgr,
		limiter:     limiter,
		auditLog:    auditLog,
		logger:      logger.Named("llmproxy"),
		client: &http.Client{
			Timeout: cfg.RefreshTimeout + 60*time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		scheme: "https",
	}
}

// Router serves everything under PathPrefix.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if kerr := s.admit(r); kerr != nil {
		s.writeError(w, r, kerr.Kind, kerr.Message)
		return
	}

	if s.limiter != nil && !s.limiter.Check("llm:"+peerHost(r.RemoteAddr), s.cfg.RateLimitPerMinute) {
		s.writeError(w, r, contracts.KindRateLimited, "llm proxy rate limit exceeded")
		return
	}

	rest, kerr := cleanPath(r.URL.EscapedPath())
	if kerr != nil {
		s.writeError(w, r, kerr.Kind, kerr.Message)
		return
	}

	token, source, err := s.resolveCredential(r.Context())
	if err != nil {
		s.writeError(w, r, contracts.KindVaultUnavailable, "no provider credential available")
		return
	}

	// Rebuilding against the fixed origin makes user-info or host smuggling
	// in the caller's path inert.
	upstreamURL := url.URL{
		Scheme:   s.scheme,
		Host:     s.cfg.UpstreamHost,
		Path:     rest,
		RawQuery: r.URL.RawQuery,
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		s.writeError(w, r, contracts.KindInternal, "failed to build upstream request")
		return
	}
	copyUpstreamHeaders(req.Header, r.Header)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Host = s.cfg.UpstreamHost

	s.emit(r, "llm.forward", audit.DecisionAllow, map[string]string{
		"method":            r.Method,
		"credential_source": source,
	})

	resp, err := s.client.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			s.writeError(w, r, contracts.KindUpstreamTimeout, "provider timed out")
			return
		}
		s.writeError(w, r, contracts.KindUpstreamError, "provider request failed")
		return
	}
	defer resp.Body.Close()

	// Provider JSON runs through the attachment interceptor so inline
	// payloads never reach the caller; everything else streams straight back.
	bodyReader := io.Reader(resp.Body)
	rewrittenLen := -1
	if s.attachments != nil && isJSONContentType(resp.Header.Get("Content-Type")) {
		buf, rerr := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBytes+1))
		if rerr != nil {
			s.writeError(w, r, contracts.KindUpstreamError, "failed to read provider response")
			return
		}
		if int64(len(buf)) <= maxRewriteBytes {
			rewritten, n, ierr := s.attachments.Intercept(buf, session.RelayLocalID, s.cfg.UpstreamHost)
			if ierr != nil {
				kind, msg := contracts.KindInternal, "attachment handling failed"
				var cerr *contracts.Error
				if errors.As(ierr, &cerr) {
					kind, msg = cerr.Kind, cerr.Message
				}
				s.writeError(w, r, kind, msg)
				return
			}
			if n > 0 {
				s.emit(r, "attachment.stored", audit.DecisionAllow, map[string]string{
					"count": strconv.Itoa(n),
				})
				rewrittenLen = len(rewritten)
			}
			buf = rewritten
		}
		bodyReader = io.MultiReader(bytes.NewReader(buf), resp.Body)
	}

	header := w.Header()
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		header[k] = vs
	}
	if rewrittenLen >= 0 {
		header.Set("Content-Length", strconv.Itoa(rewrittenLen))
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, bodyReader)
}

// admit enforces the proxy token and the private-source rule. Token
// comparison is constant-time in both header forms.
func (s *Server) admit(r *http.Request) *contracts.Error {
	if !peerIsPrivate(r.RemoteAddr) {
		return contracts.NewError(contracts.KindUnauthorized, "caller address not permitted")
	}
	if s.cfg.Token == "" {
		return contracts.NewError(contracts.KindUnauthorized, "llm proxy token not configured")
	}

	presented := r.Header.Get(APIKeyHeader)
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if presented == "" {
		return contracts.NewError(contracts.KindUnauthorized, "proxy token required")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
		return contracts.NewError(contracts.KindUnauthorized, "invalid proxy token")
	}
	return nil
}

func peerIsPrivate(remoteAddr string) bool {
	addr, err := netip.ParseAddr(peerHost(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate()
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// hopByHopHeaders never travel from the provider back to the caller.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Connection",
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "application/json")
}

// cleanPath strips the mount prefix, percent-decodes the remainder, and
// rejects traversal shapes.
func cleanPath(escapedPath string) (string, *contracts.Error) {
	rest := strings.TrimPrefix(escapedPath, PathPrefix)
	if rest == "" {
		rest = "/"
	}
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", contracts.NewError(contracts.KindBadRequest, "malformed path encoding")
	}
	if strings.Contains(decoded, "..") || strings.ContainsRune(decoded, '\\') {
		return "", contracts.NewError(contracts.KindBadRequest, "path traversal rejected")
	}
	if strings.HasPrefix(decoded, "//") {
		return "", contracts.NewError(contracts.KindBadRequest, "double leading slash")
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	return decoded, nil
}

// resolveCredential walks the ordered chain: vault API key, vault OAuth2
// (with refresh), environment token, credentials file.
func (s *Server) resolveCredential(ctx context.Context) (string, string, error) {
	if entry, err := s.store.Get("http", s.cfg.UpstreamHost); err == nil {
		switch entry.Credential.Type {
		case vault.TypeAPIKey, vault.TypeBearer:
			return entry.Credential.Token, SourceVaultAPIKey, nil
		case vault.TypeOAuth2:
			return s.refresher.Resolve(ctx, s.cfg.UpstreamHost)
		}
	}

	if s.cfg.EnvToken != "" {
		return s.cfg.EnvToken, SourceEnv, nil
	}

	if s.cfg.CredentialsFile != "" {
		data, err := os.ReadFile(s.cfg.CredentialsFile)
		if err == nil {
			var cf credentialsFile
			if jerr := json.Unmarshal(data, &cf); jerr == nil {
				if cf.APIKey != "" {
					return cf.APIKey, SourceCredFile, nil
				}
				if cf.AccessToken != "" {
					return cf.AccessToken, SourceCredFile, nil
				}
			}
		}
	}

	return "", "", vault.ErrNotFound
}

// copyUpstreamHeaders forwards content and API-shape headers but never the
// caller's auth material or connection plumbing.
func copyUpstreamHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "x-session",
			"host", "connection", "keep-alive", "transfer-encoding",
			"te", "trailer", "upgrade", "proxy-authorization", "proxy-connection":
			continue
		}
		dst[k] = vs
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, kind contracts.Kind, message string) {
	decision := audit.DecisionDeny
	if kind.HTTPStatus() >= 500 {
		decision = audit.DecisionError
	}
	s.emit(r, kind.AuditCategory(), decision, nil)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

func (s *Server) emit(r *http.Request, category string, decision audit.Decision, detail map[string]string) {
	if s.auditLog == nil {
		return
	}
	ev := audit.Event{
		TS:        time.Now().UTC(),
		RequestID: reqcontext.GetRequestID(r.Context()),
		Component: "llmproxy",
		Category:  category,
		Decision:  decision,
		Detail:    detail,
	}
	if err := s.auditLog.Emit(ev); err != nil {
		s.logger.Warn("audit emit failed", zap.Error(err))
	}
}
