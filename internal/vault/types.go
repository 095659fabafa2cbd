// Package vault implements the encrypted credential store. Entries are
// encrypted per-blob with AES-256-GCM under a key derived from the operator
// passphrase via scrypt over the file's persistent salt.
package vault

import (
	"fmt"
	"time"
)

// CredentialType tags the credential variant.
type CredentialType string

const (
	TypeBearer CredentialType = "bearer"
	TypeAPIKey CredentialType = "api-key"
	TypeBasic  CredentialType = "basic"
	TypeQuery  CredentialType = "query"
	TypeOAuth2 CredentialType = "oauth2"
	TypeOpaque CredentialType = "opaque"
)

// Credential is the tagged variant stored in the vault. Only the fields for
// the given Type are populated.
type Credential struct {
	Type CredentialType `json:"type"`

	// bearer, api-key, query
	Token string `json:"token,omitempty"`
	// api-key
	Header string `json:"header,omitempty"`
	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// query
	Param string `json:"param,omitempty"`
	// oauth2
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	RefreshURL   string    `json:"refresh_url,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	// opaque
	Value string `json:"value,omitempty"`
}

// Validate checks that the fields required by the variant are present.
func (c *Credential) Validate() error {
	switch c.Type {
	case TypeBearer:
		if c.Token == "" {
			return fmt.Errorf("bearer credential requires token")
		}
	case TypeAPIKey:
		if c.Token == "" || c.Header == "" {
			return fmt.Errorf("api-key credential requires header and token")
		}
	case TypeBasic:
		if c.Username == "" {
			return fmt.Errorf("basic credential requires username")
		}
	case TypeQuery:
		if c.Token == "" || c.Param == "" {
			return fmt.Errorf("query credential requires param and token")
		}
	case TypeOAuth2:
		if c.AccessToken == "" && c.RefreshToken == "" {
			return fmt.Errorf("oauth2 credential requires a token")
		}
	case TypeOpaque:
		if c.Value == "" {
			return fmt.Errorf("opaque credential requires value")
		}
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
	return nil
}

// Entry is a stored credential plus its policy metadata. Uniquely keyed by
// (Protocol, Target).
type Entry struct {
	Protocol           string     `json:"protocol"`
	Target             string     `json:"target"`
	Credential         Credential `json:"credential"`
	Label              string     `json:"label,omitempty"`
	AllowedPaths       []string   `json:"allowed_paths,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// StorageKey returns the entry's key inside the vault file.
func (e *Entry) StorageKey() string {
	return StorageKey(e.Protocol, e.Target)
}

// StorageKey builds the "{protocol}:{target}" key.
func StorageKey(protocol, target string) string {
	return protocol + ":" + target
}

// ListEntry is the metadata-only view returned by List. It never carries
// secret material.
type ListEntry struct {
	Protocol           string         `json:"protocol"`
	Target             string         `json:"target"`
	Type               CredentialType `json:"type"`
	Label              string         `json:"label,omitempty"`
	HasAllowedPaths    bool           `json:"has_allowed_paths"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
}

// StoreOptions carries the optional metadata for Store.
type StoreOptions struct {
	Label              string
	AllowedPaths       []string
	RateLimitPerMinute int
	ExpiresAt          *time.Time
}
