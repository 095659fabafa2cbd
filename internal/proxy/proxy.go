// Package proxy implements the HTTP credential proxy. The agent addresses
// upstreams as /{host}/{rest}; the proxy validates the session, looks the
// host up in the vault, injects the stored credential, and streams the
// response back with hop-by-hop headers stripped.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/contracts"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/reqcontext"
	"github.com/agent-gate/agentgate-go/internal/session"
	"github.com/agent-gate/agentgate-go/internal/vault"
	"github.com/agent-gate/agentgate-go/internal/vaultrpc"
)

// SessionHeader carries the agent's session token.
const SessionHeader = "X-Session"

// userAgent replaces whatever the caller sent; upstreams never learn which
// client sits behind the broker.
const userAgent = "agentgate/1.0"

// VaultClient is the slice of the vault RPC surface the proxy needs.
// *vaultrpc.Client satisfies it; tests substitute an in-process fake.
type VaultClient interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, protocol, target string) (*vault.Entry, error)
	List(ctx context.Context, protocol string) ([]vault.ListEntry, error)
	GetToken(ctx context.Context, target string) (string, error)
}

// Server is the credential proxy's HTTP surface.
type Server struct {
	cfg      config.ProxyConfig
	vault    VaultClient
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	auditLog *audit.Log
	metrics  *Metrics
	logger   *zap.Logger

	client *http.Client
	// scheme is https in production; tests point it at a plain httptest
	// upstream.
	scheme string
}

// NewServer wires the proxy. The audit log may be nil in tests.
func NewServer(cfg config.ProxyConfig, vc VaultClient, sessions *session.Manager,
	limiter *ratelimit.Limiter, auditLog *audit.Log, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		vault:    vc,
		sessions: sessions,
		limiter:  limiter,
		auditLog: auditLog,
		metrics:  NewMetrics(),
		logger:   logger.Named("proxy"),
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
			// 3xx responses go back to the caller verbatim; following them
			// here would replay the injected credential against an
			// attacker-chosen Location.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		scheme: "https",
	}
}

// Router builds the chi router: health and operator endpoints first, then
// the catch-all proxy entry.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.ExposeHosts {
		r.Get("/hosts", s.handleHosts)
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.HandleFunc("/*", s.handleProxy)
	return r
}

// requestIDMiddleware adopts a well-formed caller request ID or mints one,
// and echoes it on the response so audit lines can be correlated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := reqcontext.GetOrGenerateRequestID(r.Header.Get(reqcontext.RequestIDHeader))
		w.Header().Set(reqcontext.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(reqcontext.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	vaultOK := s.vault.Ping(r.Context()) == nil
	w.Header().Set("Content-Type", "application/json")
	if !vaultOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": vaultOK, "vault": vaultOK})
}

// handleHosts lists configured targets and credential types. Metadata only;
// the vault never returns secret material through List.
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.vault.List(r.Context(), "http")
	if err != nil {
		s.writeError(w, r, "", contracts.KindVaultUnavailable, "vault unavailable", nil)
		return
	}
	type hostInfo struct {
		Host  string `json:"host"`
		Type  string `json:"type"`
		Label string `json:"label,omitempty"`
	}
	out := make([]hostInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, hostInfo{Host: e.Target, Type: string(e.Type), Label: e.Label})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"hosts": out})
}

// admit classifies the caller. Loopback peers may omit the session header or
// present the relay-local sentinel; everyone else needs a valid token.
func (s *Server) admit(r *http.Request) (actor string, err *contracts.Error) {
	loopback := peerIsLoopback(r.RemoteAddr)
	token := r.Header.Get(SessionHeader)

	if token != "" && token != session.RelayLocalID {
		if p := s.sessions.Validate(token); p != nil {
			return p.SessionID, nil
		}
		if !loopback {
			return "", contracts.NewError(contracts.KindUnauthorized, "invalid session token")
		}
		// A loopback caller with a stale token still gets relay-local
		// treatment rather than a dead end.
	}
	if loopback {
		return session.RelayLocalID, nil
	}
	return "", contracts.NewError(contracts.KindUnauthorized, "session token required")
}

func peerIsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}

// writeError audits the denial, bumps the metric, and sends the sanitized
// JSON body. The audit record is flushed before the reply goes out.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, actor string, kind contracts.Kind, message string, detail map[string]string) {
	s.metrics.denials.WithLabelValues(string(kind)).Inc()
	s.emit(r, actor, kind.AuditCategory(), decisionFor(kind), detail)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

func decisionFor(kind contracts.Kind) audit.Decision {
	switch kind {
	case contracts.KindUpstreamError, contracts.KindUpstreamTimeout,
		contracts.KindVaultUnavailable, contracts.KindInternal:
		return audit.DecisionError
	default:
		return audit.DecisionDeny
	}
}

func (s *Server) emit(r *http.Request, actor, category string, decision audit.Decision, detail map[string]string) {
	if s.auditLog == nil {
		return
	}
	ev := audit.Event{
		TS:        time.Now().UTC(),
		RequestID: reqcontext.GetRequestID(r.Context()),
		Actor:     actor,
		Component: "proxy",
		Category:  category,
		Decision:  decision,
		Detail:    detail,
	}
	if err := s.auditLog.Emit(ev); err != nil {
		s.logger.Warn("audit emit failed", zap.Error(err))
	}
}

// mapVaultErr folds vault RPC failures into the closed error-kind set.
func mapVaultErr(err error) *contracts.Error {
	switch {
	case errors.Is(err, vaultrpc.ErrNotFound):
		return contracts.NewError(contracts.KindForbiddenHost, "no credential configured for host")
	case errors.Is(err, vaultrpc.ErrVaultUnavailable):
		return contracts.NewError(contracts.KindVaultUnavailable, "vault unavailable")
	default:
		return contracts.NewError(contracts.KindInternal, "vault lookup failed")
	}
}
