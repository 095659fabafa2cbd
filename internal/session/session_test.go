package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testKey, time.Hour)
	require.NoError(t, err)
	return m
}

func TestNewManagerRejectsShortKey(t *testing.T) {
	_, err := NewManager("short", time.Hour)
	assert.Error(t, err)
}

func TestMintValidateRoundTrip(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Mint("chat-42")
	require.NoError(t, err)

	payload := m.Validate(token)
	require.NotNil(t, payload)
	assert.Equal(t, "chat-42", payload.SessionID)
	assert.True(t, payload.ExpiresAt.After(payload.CreatedAt))
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Mint("chat-42")
	require.NoError(t, err)

	// Flip one bit in every segment; all variants must fail validation.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	for i, part := range parts {
		raw, err := base64.RawURLEncoding.DecodeString(part)
		require.NoError(t, err)
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[0] ^= 1 << bit

			tampered := make([]string, 3)
			copy(tampered, parts)
			tampered[i] = base64.RawURLEncoding.EncodeToString(mutated)
			assert.Nil(t, m.Validate(strings.Join(tampered, ".")),
				"segment %d bit %d", i, bit)
		}
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	m := newTestManager(t)
	other, err := NewManager("ffffffffffffffffffffffffffffffff", time.Hour)
	require.NoError(t, err)

	token, err := other.Mint("chat-42")
	require.NoError(t, err)
	assert.Nil(t, m.Validate(token))
}

func TestValidateRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.MintWithTTL("chat-42", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Nil(t, m.Validate(token))
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.Validate(""))
	assert.Nil(t, m.Validate("not-a-token"))
	assert.Nil(t, m.Validate("a.b.c"))
}

func TestRelayLocalIsNeverMinted(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Mint(RelayLocalID)
	assert.Error(t, err)
}

func TestValidateConstantShapeTiming(t *testing.T) {
	// Smoke check that validation cost does not depend on how "close" the
	// forged signature is: both fully wrong and nearly right tokens take
	// the same code path (full HMAC + compare).
	m := newTestManager(t)
	token, err := m.Mint("chat-42")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	nearlyRight := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	start := time.Now()
	for i := 0; i < 200; i++ {
		m.Validate(nearlyRight)
	}
	wrongDur := time.Since(start)

	start = time.Now()
	for i := 0; i < 200; i++ {
		m.Validate(token)
	}
	rightDur := time.Since(start)

	// Generous bound; this is a regression canary, not a statistical proof.
	assert.Less(t, wrongDur, rightDur*20)
	assert.Less(t, rightDur, wrongDur*20)
}
