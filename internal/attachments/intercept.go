package attachments

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/contracts"
)

// Intercept rewrites a provider JSON response, replacing every inline
// base64 field inside the top-level attachments[] array with a minted ref.
// Returns the rewritten body and the number of attachments persisted.
// Bodies without an attachments array pass through untouched.
func (m *Manager) Intercept(body []byte, actorUserID, providerID string) ([]byte, int, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		// Not a JSON object: nothing to rewrite.
		return body, 0, nil
	}

	raw, ok := doc["attachments"].([]interface{})
	if !ok || len(raw) == 0 {
		return body, 0, nil
	}

	persisted := 0
	for _, item := range raw {
		element, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		inline, ok := element["inline"].(string)
		if !ok {
			continue
		}

		ref, err := m.persistInline(inline, element, actorUserID, providerID)
		if err != nil {
			return nil, persisted, err
		}
		if ref == nil {
			// Empty payload: element passes through unchanged.
			continue
		}

		delete(element, "inline")
		element["ref"] = ref.Ref
		element["size"] = ref.Size
		persisted++
	}

	if persisted == 0 {
		return body, 0, nil
	}

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return nil, persisted, fmt.Errorf("attachments: failed to re-encode response: %w", err)
	}
	return rewritten, persisted, nil
}

// persistInline validates, decodes, and writes one inline payload. Returns
// nil with no error for empty payloads.
func (m *Manager) persistInline(inline string, element map[string]interface{}, actorUserID, providerID string) (*Ref, error) {
	// Size check from the encoded length, before any decoding buys memory.
	if decodedSize(inline) > m.cfg.MaxBytes {
		return nil, contracts.NewError(contracts.KindTooLarge,
			fmt.Sprintf("inline attachment exceeds %d bytes", m.cfg.MaxBytes))
	}

	data, err := base64.StdEncoding.Strict().DecodeString(inline)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBadRequest, "inline attachment is not valid base64")
	}
	if len(data) == 0 {
		return nil, nil
	}

	filename, _ := element["filename"].(string)
	mimeType, _ := element["mimeType"].(string)
	now := m.now()

	name, err := outboxName(filename, now)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.cfg.OutboxDir, "documents", name)

	if err := writeOwnerOnly(path, data); err != nil {
		return nil, fmt.Errorf("attachments: failed to persist attachment: %w", err)
	}

	ref := &Ref{
		Ref:         mintRef(now),
		ActorUserID: actorUserID,
		ProviderID:  providerID,
		Filepath:    path,
		Filename:    filename,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		CreatedAt:   now,
	}
	if err := m.put(ref); err != nil {
		os.Remove(path)
		return nil, err
	}

	m.logger.Debug("attachment persisted",
		zap.String("ref", ref.Ref),
		zap.String("provider", providerID),
		zap.Int64("size", ref.Size))
	m.emitStored(ref)
	return ref, nil
}

// emitStored records one persisted attachment. The ref and metadata are safe
// to log; the payload bytes never are.
func (m *Manager) emitStored(ref *Ref) {
	if m.auditLog == nil {
		return
	}
	ev := audit.Event{
		TS:        ref.CreatedAt.UTC(),
		Actor:     ref.ActorUserID,
		Component: "attachments",
		Category:  "attachment.stored",
		Decision:  audit.DecisionAllow,
		Detail: map[string]string{
			"ref":      ref.Ref,
			"provider": ref.ProviderID,
			"size":     strconv.FormatInt(ref.Size, 10),
		},
	}
	if err := m.auditLog.Emit(ev); err != nil {
		m.logger.Warn("audit emit failed", zap.Error(err))
	}
}

// decodedSize computes the decoded byte count from the encoded form alone.
func decodedSize(encoded string) int64 {
	n := int64(len(encoded)) / 4 * 3
	if len(encoded) >= 2 {
		if encoded[len(encoded)-1] == '=' {
			n--
		}
		if encoded[len(encoded)-2] == '=' {
			n--
		}
	}
	return n
}

// writeOwnerOnly writes data to path with mode 0600 via a temp file and
// rename; the temp file is unlinked on any failure.
func writeOwnerOnly(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".attachment-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
