package vaultrpc

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/vault"
)

func startTestServer(t *testing.T) (*Client, *vault.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := vault.NewStore(filepath.Join(dir, "vault.json"), "test-pass", zap.NewNop())
	require.NoError(t, err)

	sockPath := filepath.Join(dir, "vault.sock")
	srv := NewServer(store, nil, sockPath, zap.NewNop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})

	return NewClient(sockPath), store
}

func TestPing(t *testing.T) {
	client, _ := startTestServer(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPingUnreachableSocket(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nope.sock"))
	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, ErrVaultUnavailable)
}

func TestStoreGetDeleteOverSocket(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	cred := vault.Credential{Type: vault.TypeBearer, Token: "tok-123"}
	require.NoError(t, client.Store(ctx, "http", "api.example.com", cred, vault.StoreOptions{
		Label:        "example",
		AllowedPaths: []string{`^/v1/`},
	}))

	entry, err := client.Get(ctx, "http", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", entry.Credential.Token)
	assert.Equal(t, []string{`^/v1/`}, entry.AllowedPaths)

	require.NoError(t, client.Delete(ctx, "http", "api.example.com"))
	_, err = client.Get(ctx, "http", "api.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOverSocket(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Store(ctx, "http", fmt.Sprintf("h%d.example.com", i),
			vault.Credential{Type: vault.TypeBearer, Token: "t"}, vault.StoreOptions{}))
	}

	entries, err := client.List(ctx, "http")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, vault.TypeBearer, e.Type)
	}
}

func TestGetSecretOverSocket(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.Store(ctx, "secret", "blob",
		vault.Credential{Type: vault.TypeOpaque, Value: "opaque-value"}, vault.StoreOptions{}))

	val, err := client.GetSecret(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, "opaque-value", val)
}

func TestGetTokenFallsBackToStoredToken(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.Store(ctx, "http", "llm.example.com", vault.Credential{
		Type:        vault.TypeOAuth2,
		AccessToken: "access-abc",
	}, vault.StoreOptions{}))

	token, err := client.GetToken(ctx, "llm.example.com")
	require.NoError(t, err)
	assert.Equal(t, "access-abc", token)
}

type staticTokens struct{ token string }

func (s staticTokens) AccessToken(_ context.Context, _ string) (string, error) {
	return s.token, nil
}

func TestGetTokenUsesTokenSource(t *testing.T) {
	dir := t.TempDir()
	store, err := vault.NewStore(filepath.Join(dir, "vault.json"), "test-pass", zap.NewNop())
	require.NoError(t, err)

	sockPath := filepath.Join(dir, "vault.sock")
	srv := NewServer(store, staticTokens{token: "fresh-token"}, sockPath, zap.NewNop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	token, err := NewClient(sockPath).GetToken(ctx, "anthropic-oauth")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

type slowTokens struct {
	delay time.Duration
	token string
}

func (s slowTokens) AccessToken(_ context.Context, _ string) (string, error) {
	time.Sleep(s.delay)
	return s.token, nil
}

// A get-token that runs a real refresh can outlive the per-exchange
// deadline; the response write must still go through.
func TestGetTokenSurvivesSlowRefresh(t *testing.T) {
	dir := t.TempDir()
	store, err := vault.NewStore(filepath.Join(dir, "vault.json"), "test-pass", zap.NewNop())
	require.NoError(t, err)

	sockPath := filepath.Join(dir, "vault.sock")
	srv := NewServer(store, slowTokens{delay: 500 * time.Millisecond, token: "late-token"}, sockPath, zap.NewNop())
	srv.callTimeout = 200 * time.Millisecond
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	token, err := NewClient(sockPath).GetToken(ctx, "llm.example.com")
	require.NoError(t, err)
	assert.Equal(t, "late-token", token)
}

func TestErrorsNeverEchoSecrets(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	// Invalid credential: api-key without header. The secret token must not
	// appear in the error text.
	err := client.Store(ctx, "http", "api.example.com",
		vault.Credential{Type: vault.TypeAPIKey, Token: "sk-very-secret"}, vault.StoreOptions{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk-very-secret")
}

func TestConcurrentClients(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.Store(ctx, "http", "shared.example.com",
		vault.Credential{Type: vault.TypeBearer, Token: "shared"}, vault.StoreOptions{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				entry, err := client.Get(ctx, "http", "shared.example.com")
				assert.NoError(t, err)
				if err == nil {
					assert.Equal(t, "shared", entry.Credential.Token)
				}
			}
		}()
	}
	wg.Wait()
}
