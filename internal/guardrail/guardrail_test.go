package guardrail

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/contracts"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
)

func testGuardrail(t *testing.T) *Guardrail {
	t.Helper()
	g := New(config.NetworkConfig{Mode: config.NetworkModeOpen},
		filepath.Join(t.TempDir(), "data"), nil, nil, zap.NewNop())
	g.fetch.resolve = func(_ context.Context, _ string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	}
	// Controlled home keeps the predicate off the host's real dotfiles.
	g.paths.home = filepath.Join(t.TempDir(), "home")
	g.paths.tempDirs = nil
	return g
}

func TestCheckTierGateRunsFirst(t *testing.T) {
	g := testGuardrail(t)
	ctx := context.Background()

	// Bash is not in the read-only tier; the sensitive command inside is
	// never even inspected.
	d := g.Check(ctx, "sess-1", TierReadOnly, "Bash", map[string]interface{}{"command": "ls"})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, "tool_not_in_tier", d.Reason)
	assert.Equal(t, contracts.KindUnauthorized, d.Kind)

	d = g.Check(ctx, "sess-1", TierReadOnly, "SendMessage", map[string]interface{}{"text": "hi"})
	assert.Equal(t, ActionDeny, d.Action)

	d = g.Check(ctx, "sess-1", TierSocial, "SendMessage", map[string]interface{}{"text": "hi"})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestCheckWebFetchPreHook(t *testing.T) {
	g := testGuardrail(t)
	ctx := context.Background()

	d := g.Check(ctx, "sess-1", TierReadOnly, "WebFetch", map[string]interface{}{
		"url": "http://169.254.169.254/latest/meta-data",
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, contracts.KindForbiddenHost, d.Kind)

	d = g.Check(ctx, "sess-1", TierReadOnly, "WebFetch", map[string]interface{}{
		"url": "https://docs.example.com/page",
	})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestCheckFileToolSensitivePath(t *testing.T) {
	g := testGuardrail(t)
	ctx := context.Background()

	d := g.Check(ctx, "sess-1", TierReadOnly, "Read", map[string]interface{}{
		"file_path": "~/.ssh/id_rsa",
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, contracts.KindForbiddenPath, d.Kind)
	assert.Equal(t, "sensitive_path", d.Reason)

	d = g.Check(ctx, "sess-1", TierReadOnly, "Read", map[string]interface{}{
		"file_path": "src/main.go",
	})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestCheckBashBlockListAndPaths(t *testing.T) {
	g := testGuardrail(t)
	ctx := context.Background()

	d := g.Check(ctx, "sess-1", TierWriteLocal, "Bash", map[string]interface{}{
		"command": "rm -rf build",
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, "destructive_command", d.Reason)

	// Not on the block-list, but reads a protected path: the generic
	// string sweep catches it.
	d = g.Check(ctx, "sess-1", TierWriteLocal, "Bash", map[string]interface{}{
		"command": "cat ~/.aws/credentials",
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, contracts.KindForbiddenPath, d.Kind)

	d = g.Check(ctx, "sess-1", TierWriteLocal, "Bash", map[string]interface{}{
		"command": "go test ./...",
	})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestCheckEmitsAuditEvents(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.NewLog(dir, zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	g := New(config.NetworkConfig{Mode: config.NetworkModeOpen},
		filepath.Join(t.TempDir(), "data"), log, nil, zap.NewNop())
	g.paths.home = filepath.Join(t.TempDir(), "home")
	g.paths.tempDirs = nil
	ctx := context.Background()

	// A metadata-endpoint fetch is denied and recorded as a network block.
	d := g.Check(ctx, "sess-1", TierReadOnly, "WebFetch", map[string]interface{}{
		"url": "http://169.254.169.254/latest/meta-data",
	})
	require.Equal(t, ActionDeny, d.Action)

	d = g.Check(ctx, "sess-1", TierReadOnly, "Read", map[string]interface{}{
		"file_path": "docs/readme.md",
	})
	require.Equal(t, ActionAllow, d.Action)

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := string(data)

	assert.Contains(t, lines, `"component":"guardrail"`)
	assert.Contains(t, lines, `"category":"net.blocked"`)
	assert.Contains(t, lines, `"decision":"deny"`)
	assert.Contains(t, lines, `"category":"tool.allowed"`)
	assert.Contains(t, lines, `"actor":"sess-1"`)
}

func TestCheckSessionRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Stop)

	g := New(config.NetworkConfig{Mode: config.NetworkModeOpen},
		filepath.Join(t.TempDir(), "data"), nil, limiter, zap.NewNop())
	g.paths.home = filepath.Join(t.TempDir(), "home")
	g.paths.tempDirs = nil
	g.rateLimit = 3
	ctx := context.Background()

	input := map[string]interface{}{"file_path": "docs/readme.md"}
	for i := 0; i < 3; i++ {
		d := g.Check(ctx, "sess-1", TierReadOnly, "Read", input)
		require.Equal(t, ActionAllow, d.Action, "call %d", i)
	}

	d := g.Check(ctx, "sess-1", TierReadOnly, "Read", input)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, contracts.KindRateLimited, d.Kind)
	assert.Equal(t, "tool_rate_limited", d.Reason)

	// Another session is unaffected.
	d = g.Check(ctx, "sess-2", TierReadOnly, "Read", input)
	assert.Equal(t, ActionAllow, d.Action)
}

func TestCheckGenericSweepNestedInput(t *testing.T) {
	g := testGuardrail(t)
	ctx := context.Background()

	d := g.Check(ctx, "sess-1", TierWriteLocal, "Write", map[string]interface{}{
		"file_path": "notes.txt",
		"metadata": map[string]interface{}{
			"sources": []interface{}{"data from ~/.ssh/id_rsa"},
		},
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, contracts.KindForbiddenPath, d.Kind)
}
