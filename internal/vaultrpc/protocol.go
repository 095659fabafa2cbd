// Package vaultrpc exposes the vault over a unix domain socket with a
// length-prefixed JSON protocol. The socket file itself is the perimeter:
// only processes that can open it may talk, and no in-band authentication
// exists by design.
package vaultrpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/agent-gate/agentgate-go/internal/vault"
)

// Frame and call limits.
const (
	// MaxFrameSize bounds a single request or response frame.
	MaxFrameSize = 1 << 20 // 1 MiB
)

// Verbs understood by the server.
const (
	OpPing      = "ping"
	OpGet       = "get"
	OpList      = "list"
	OpStore     = "store"
	OpDelete    = "delete"
	OpGetToken  = "get-token"
	OpGetSecret = "get-secret"
)

// Request is one RPC call.
type Request struct {
	Op                 string            `json:"op"`
	Protocol           string            `json:"protocol,omitempty"`
	Target             string            `json:"target,omitempty"`
	Credential         *vault.Credential `json:"credential,omitempty"`
	Label              string            `json:"label,omitempty"`
	AllowedPaths       []string          `json:"allowed_paths,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty"`
	Name               string            `json:"name,omitempty"`
}

// Response is the reply to one call. Error text never echoes secrets.
type Response struct {
	OK      bool              `json:"ok"`
	Type    string            `json:"type,omitempty"`
	Error   string            `json:"error,omitempty"`
	Entry   *vault.Entry      `json:"entry,omitempty"`
	Entries []vault.ListEntry `json:"entries,omitempty"`
	Token   string            `json:"token,omitempty"`
	Value   string            `json:"value,omitempty"`
}

var errFrameTooLarge = errors.New("vaultrpc: frame exceeds limit")

// writeFrame writes a 4-byte big-endian length prefix followed by the JSON
// encoding of v.
func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vaultrpc: encode: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return errFrameTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > MaxFrameSize {
		return errFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
