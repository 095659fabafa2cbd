// Package attachments strips inline base64 payloads out of provider
// responses, persists them to a private outbox, and hands the agent an
// opaque reference instead. The raw bytes are never re-exposed through the
// broker; only the operator-side outbox holds them.
package attachments

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxAttachmentBytes caps the decoded size of a single inline attachment.
const MaxAttachmentBytes = 20 << 20 // 20 MiB

// RefPrefix marks attachment references handed to the agent.
const RefPrefix = "att_"

// Ref records one persisted attachment. The agent only ever sees the Ref
// string; the filepath stays broker-side.
type Ref struct {
	Ref         string    `json:"ref"`
	ActorUserID string    `json:"actor_user_id"`
	ProviderID  string    `json:"provider_id"`
	Filepath    string    `json:"filepath"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Ref) encode() ([]byte, error) { return json.Marshal(r) }

func decodeRef(data []byte) (*Ref, error) {
	var r Ref
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("attachments: corrupt ref record: %w", err)
	}
	return &r, nil
}

// mintRef produces an unguessable reference string. ULIDs carry 80 bits of
// crypto/rand entropy, which keeps collisions out of reach.
func mintRef(now time.Time) string {
	return RefPrefix + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

var stemUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// outboxName builds the on-disk name {stem}-{unix_ms}-{hex8}{.ext} from an
// untrusted filename. The stem keeps only filesystem-safe characters; the
// extension survives only when it looks like a plain one.
func outboxName(filename string, now time.Time) (string, error) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stem = stemUnsafe.ReplaceAllString(stem, "")
	stem = strings.Trim(stem, "._-")
	if stem == "" {
		stem = "attachment"
	}
	if !safeExt.MatchString(ext) {
		ext = ""
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("attachments: entropy unavailable: %w", err)
	}
	return fmt.Sprintf("%s-%d-%x%s", stem, now.UnixMilli(), suffix, ext), nil
}
