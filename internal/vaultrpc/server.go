package vaultrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/vault"
)

// CallTimeout bounds a single request/response exchange so a slow client
// cannot pin a handler goroutine.
const CallTimeout = 5 * time.Second

// TokenCallTimeout is the client-side budget for get-token, which may block
// on an OAuth refresh against the provider.
const TokenCallTimeout = 35 * time.Second

// TokenSource resolves an OAuth access token for a target, refreshing it if
// needed. Wired to the LLM proxy's refresher so the vault itself stays free
// of HTTP.
type TokenSource interface {
	AccessToken(ctx context.Context, target string) (string, error)
}

// Server serves the vault over a unix socket.
type Server struct {
	store       *vault.Store
	tokens      TokenSource
	path        string
	callTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	closed   bool
}

// NewServer creates a server for the given store. tokens may be nil, in
// which case get-token falls back to the stored access token.
func NewServer(store *vault.Store, tokens TokenSource, socketPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:       store,
		tokens:      tokens,
		path:        socketPath,
		callTimeout: CallTimeout,
		logger:      logger.Named("vaultrpc"),
	}
}

// SetTokenSource installs the OAuth token source after construction. Called
// once during startup wiring, before Serve.
func (s *Server) SetTokenSource(tokens TokenSource) {
	s.tokens = tokens
}

// Listen binds the unix socket with owner-only permissions, replacing any
// stale socket file from a previous run.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("vaultrpc: failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vaultrpc: failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("vaultrpc: failed to listen: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("vaultrpc: failed to set socket mode: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("vault RPC listening", zap.String("socket", s.path))
	return nil
}

// Serve accepts connections until Close. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("vaultrpc: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("vaultrpc: accept failed: %w", err)
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting, waits for in-flight calls, and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.conns.Wait()
	os.Remove(s.path)
	return err
}

// handleConn serves sequential calls on one connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		if err := conn.SetDeadline(time.Now().Add(s.callTimeout)); err != nil {
			return
		}

		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		resp := s.dispatch(ctx, &req)

		// Dispatch may outlive the read deadline (get-token can run a full
		// OAuth refresh), so the write gets a fresh one.
		if err := conn.SetDeadline(time.Now().Add(s.callTimeout)); err != nil {
			return
		}
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Debug("connection write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Op {
	case OpPing:
		return &Response{OK: true, Type: OpPing}

	case OpGet:
		entry, err := s.store.Get(req.Protocol, req.Target)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpGet, Entry: entry}

	case OpList:
		entries, err := s.store.List(req.Protocol)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpList, Entries: entries}

	case OpStore:
		if req.Credential == nil {
			return &Response{OK: false, Error: "credential is required"}
		}
		err := s.store.Store(req.Protocol, req.Target, *req.Credential, vault.StoreOptions{
			Label:              req.Label,
			AllowedPaths:       req.AllowedPaths,
			RateLimitPerMinute: req.RateLimitPerMinute,
		})
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpStore}

	case OpDelete:
		if err := s.store.Delete(req.Protocol, req.Target); err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpDelete}

	case OpGetToken:
		token, err := s.accessToken(ctx, req.Target)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpGetToken, Token: token}

	case OpGetSecret:
		value, err := s.store.GetSecret(req.Name)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Type: OpGetSecret, Value: value}

	default:
		return &Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// accessToken resolves an OAuth access token, preferring the refreshing
// token source when one is wired.
func (s *Server) accessToken(ctx context.Context, target string) (string, error) {
	if s.tokens != nil {
		return s.tokens.AccessToken(ctx, target)
	}

	entry, err := s.store.Get("http", target)
	if err != nil {
		return "", err
	}
	if entry.Credential.Type != vault.TypeOAuth2 {
		return "", fmt.Errorf("entry for %s is not oauth2", target)
	}
	if entry.Credential.AccessToken == "" {
		return "", errors.New("no access token stored")
	}
	return entry.Credential.AccessToken, nil
}

// errResponse maps store errors onto short client-safe messages.
func errResponse(err error) *Response {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return &Response{OK: false, Error: "not found"}
	case errors.Is(err, vault.ErrBadPassphrase):
		return &Response{OK: false, Error: "vault unavailable"}
	default:
		return &Response{OK: false, Error: err.Error()}
	}
}
