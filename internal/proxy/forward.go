package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/contracts"
	"github.com/agent-gate/agentgate-go/internal/vault"
)

// hostPattern is the full grammar for the /{host} segment. A match still
// needs a dot (or a localhost:PORT form) to pass parseTarget.
var hostPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9.\-]*[A-Za-z0-9])?(?::\d{1,5})?$`)

// requestHeaderAllowList is copied verbatim to the upstream; everything else
// the caller sent is dropped before the credential goes on.
var requestHeaderAllowList = []string{
	"Content-Type",
	"Content-Length",
	"Accept",
	"Accept-Language",
}

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Content-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
}

var errBodyTooLarge = errors.New("request body exceeds limit")

// parseTarget splits the escaped request path into the upstream host and the
// decoded remainder. Percent escapes and user-info in the host segment, and
// traversal or backslashes anywhere, are rejected outright.
func parseTarget(escapedPath string) (host, rest string, err *contracts.Error) {
	p := strings.TrimPrefix(escapedPath, "/")
	if strings.HasPrefix(p, "/") {
		return "", "", contracts.NewError(contracts.KindBadRequest, "double leading slash")
	}
	host, rest, _ = strings.Cut(p, "/")
	if host == "" {
		return "", "", contracts.NewError(contracts.KindBadRequest, "missing host segment")
	}
	if strings.ContainsAny(host, "%@ \t") {
		return "", "", contracts.NewError(contracts.KindBadRequest, "invalid host segment")
	}
	if !hostPattern.MatchString(host) {
		return "", "", contracts.NewError(contracts.KindBadRequest, "invalid host segment")
	}
	if !strings.Contains(host, ".") && !strings.HasPrefix(host, "localhost:") {
		return "", "", contracts.NewError(contracts.KindBadRequest, "host must be fully qualified")
	}

	decoded, uerr := url.PathUnescape(rest)
	if uerr != nil {
		return "", "", contracts.NewError(contracts.KindBadRequest, "malformed path encoding")
	}
	if strings.Contains(decoded, "..") || strings.ContainsRune(decoded, '\\') {
		return "", "", contracts.NewError(contracts.KindBadRequest, "path traversal rejected")
	}
	if strings.HasPrefix(decoded, "/") {
		return "", "", contracts.NewError(contracts.KindBadRequest, "double leading slash")
	}
	return host, decoded, nil
}

// pathAllowed checks the decoded path against the entry's allowed_paths
// patterns. An entry without patterns allows everything.
func pathAllowed(patterns []string, path string, logger *zap.Logger) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("unparseable allowed_paths pattern", zap.String("pattern", p))
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, admitErr := s.admit(r)
	if admitErr != nil {
		s.writeError(w, r, "", admitErr.Kind, admitErr.Message, nil)
		return
	}

	host, rest, perr := parseTarget(r.URL.EscapedPath())
	if perr != nil {
		s.writeError(w, r, actor, perr.Kind, perr.Message, nil)
		return
	}
	detail := map[string]string{"host": host, "method": r.Method}

	entry, err := s.vault.Get(ctx, "http", host)
	if err != nil {
		verr := mapVaultErr(err)
		s.writeError(w, r, actor, verr.Kind, verr.Message, detail)
		return
	}

	if !pathAllowed(entry.AllowedPaths, "/"+rest, s.logger) {
		s.writeError(w, r, actor, contracts.KindForbiddenPath, "path not allowed for this credential", detail)
		return
	}

	if !s.limiter.Check("session:"+actor, s.cfg.SessionRateLimit) {
		s.writeError(w, r, actor, contracts.KindRateLimited, "session rate limit exceeded", detail)
		return
	}
	if entry.RateLimitPerMinute > 0 && !s.limiter.Check("cred:http:"+host, entry.RateLimitPerMinute) {
		s.writeError(w, r, actor, contracts.KindRateLimited, "credential rate limit exceeded", detail)
		return
	}

	upstreamURL := url.URL{
		Scheme:   s.scheme,
		Host:     host,
		Path:     "/" + rest,
		RawQuery: r.URL.RawQuery,
	}

	var body io.Reader
	var capped *cappedReader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		capped = &cappedReader{r: r.Body, remain: s.cfg.MaxBodyBytes}
		body = capped
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	req, rerr := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), body)
	if rerr != nil {
		s.writeError(w, r, actor, contracts.KindInternal, "failed to build upstream request", detail)
		return
	}
	for _, h := range requestHeaderAllowList {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Host = host

	if ierr := s.injectCredential(ctx, req, host, entry); ierr != nil {
		s.writeError(w, r, actor, ierr.Kind, ierr.Message, detail)
		return
	}

	// The allow decision lands in the audit log before any upstream byte
	// moves; a crash mid-dispatch still leaves the attempt on record.
	s.emit(r, actor, "proxy.forward", audit.DecisionAllow, detail)

	start := time.Now()
	resp, derr := s.client.Do(req)
	if derr != nil {
		kind, msg := classifyDispatchErr(derr, capped)
		s.writeError(w, r, actor, kind, msg, detail)
		return
	}
	defer resp.Body.Close()

	s.metrics.duration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	s.metrics.requests.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	detail["status"] = strconv.Itoa(resp.StatusCode)
	s.emit(r, actor, "upstream.ok", audit.DecisionAllow, detail)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		// Host only. The full Location may carry tokens in its query.
		if loc, lerr := url.Parse(resp.Header.Get("Location")); lerr == nil {
			s.logger.Info("upstream redirect returned verbatim",
				zap.String("host", host),
				zap.String("location_host", loc.Host))
		}
	}

	header := w.Header()
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		header[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	s.metrics.bodyBytes.Add(float64(n))
}

// injectCredential sets the auth material for the entry's variant. OAuth2
// entries resolve through the vault's token source so refresh stays
// single-flight in one place.
func (s *Server) injectCredential(ctx context.Context, req *http.Request, host string, entry *vault.Entry) *contracts.Error {
	cred := entry.Credential
	switch cred.Type {
	case vault.TypeBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case vault.TypeAPIKey:
		req.Header.Set(cred.Header, cred.Token)
	case vault.TypeBasic:
		req.SetBasicAuth(cred.Username, cred.Password)
	case vault.TypeQuery:
		q := req.URL.Query()
		q.Set(cred.Param, cred.Token)
		req.URL.RawQuery = q.Encode()
	case vault.TypeOAuth2:
		token, err := s.vault.GetToken(ctx, host)
		if err != nil {
			return mapVaultErr(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return contracts.NewError(contracts.KindForbiddenHost, "credential type not usable over http")
	}
	return nil
}

// classifyDispatchErr maps a client.Do failure onto the error-kind table.
// The caller's oversized body surfaces here because the transport aborts
// when the body reader errors.
func classifyDispatchErr(err error, capped *cappedReader) (contracts.Kind, string) {
	if capped != nil && capped.exceeded {
		return contracts.KindTooLarge, "request body exceeds limit"
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return contracts.KindUpstreamTimeout, "upstream timed out"
	}
	return contracts.KindUpstreamError, "upstream request failed"
}

func isHopByHop(name string) bool {
	if strings.HasPrefix(strings.ToLower(name), "proxy-") {
		return true
	}
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// cappedReader streams at most remain bytes and flags the overflow so the
// dispatch error can be reported as 413 rather than a generic failure.
type cappedReader struct {
	r        io.Reader
	remain   int64
	exceeded bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > c.remain+1 {
		p = p[:c.remain+1]
	}
	n, err := c.r.Read(p)
	c.remain -= int64(n)
	if c.remain < 0 {
		c.exceeded = true
		return 0, errBodyTooLarge
	}
	return n, err
}
