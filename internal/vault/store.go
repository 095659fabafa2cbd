package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"
)

// Vault file format constants.
const (
	FileVersion = 1

	saltLen  = 16
	keyLen   = 32
	gcmIVLen = 12

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ErrNotFound is returned when no entry exists for a (protocol, target).
var ErrNotFound = errors.New("vault: entry not found")

// ErrBadPassphrase is returned when a blob fails GCM authentication, which
// in practice means the passphrase (or the file) is wrong.
var ErrBadPassphrase = errors.New("vault: decryption failed")

type vaultFile struct {
	Version int                      `json:"version"`
	Salt    string                   `json:"salt"`
	Entries map[string]encryptedBlob `json:"entries"`
}

type encryptedBlob struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
	Tag  string `json:"tag"`
}

// Store is the file-backed encrypted KV. Writes are serialized; reads may
// run in parallel and observe whole files thanks to atomic renames.
type Store struct {
	path       string
	passphrase []byte
	logger     *zap.Logger

	mu sync.RWMutex

	// Derived-key cache: valid only for the salt that produced it. Guarded
	// separately so parallel readers can share the cache.
	keyMu      sync.Mutex
	cachedKey  []byte
	cachedSalt []byte
}

// NewStore opens (or initializes) the vault at path. The parent directory is
// created owner-only if missing.
func NewStore(path, passphrase string, logger *zap.Logger) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vault: failed to create directory: %w", err)
	}

	s := &Store{
		path:       path,
		passphrase: []byte(passphrase),
		logger:     logger.Named("vault"),
	}

	// Fail fast on an unreadable or undecryptable existing file.
	if _, err := os.Stat(path); err == nil {
		if _, err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Store inserts or replaces the entry for (protocol, target).
func (s *Store) Store(protocol, target string, cred Credential, opts StoreOptions) error {
	if protocol == "" || target == "" {
		return errors.New("vault: protocol and target are required")
	}
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	entry := Entry{
		Protocol:           protocol,
		Target:             target,
		Credential:         cred,
		Label:              opts.Label,
		AllowedPaths:       opts.AllowedPaths,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          opts.ExpiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vf, err := s.load()
	if err != nil {
		return err
	}

	key, err := s.deriveKey(vf)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("vault: failed to encode entry: %w", err)
	}

	blob, err := seal(key, plaintext)
	if err != nil {
		return err
	}

	vf.Entries[entry.StorageKey()] = blob
	return s.save(vf)
}

// Get returns the entry for (protocol, target), or ErrNotFound.
func (s *Store) Get(protocol, target string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vf, err := s.load()
	if err != nil {
		return nil, err
	}

	blob, ok := vf.Entries[StorageKey(protocol, target)]
	if !ok {
		return nil, ErrNotFound
	}

	key, err := s.deriveKey(vf)
	if err != nil {
		return nil, err
	}

	plaintext, err := open(key, blob)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return nil, fmt.Errorf("vault: failed to decode entry: %w", err)
	}
	return &entry, nil
}

// Has reports whether an entry exists without decrypting it.
func (s *Store) Has(protocol, target string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vf, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := vf.Entries[StorageKey(protocol, target)]
	return ok, nil
}

// Delete removes the entry for (protocol, target). Deleting a missing entry
// is not an error.
func (s *Store) Delete(protocol, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vf, err := s.load()
	if err != nil {
		return err
	}

	key := StorageKey(protocol, target)
	if _, ok := vf.Entries[key]; !ok {
		return nil
	}
	delete(vf.Entries, key)
	return s.save(vf)
}

// List returns metadata for all entries, optionally filtered by protocol,
// sorted by (protocol, target). Secrets are never included.
func (s *Store) List(protocol string) ([]ListEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vf, err := s.load()
	if err != nil {
		return nil, err
	}

	key, err := s.deriveKey(vf)
	if err != nil {
		return nil, err
	}

	var out []ListEntry
	for _, blob := range vf.Entries {
		plaintext, err := open(key, blob)
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(plaintext, &entry); err != nil {
			return nil, fmt.Errorf("vault: failed to decode entry: %w", err)
		}
		if protocol != "" && entry.Protocol != protocol {
			continue
		}
		out = append(out, ListEntry{
			Protocol:           entry.Protocol,
			Target:             entry.Target,
			Type:               entry.Credential.Type,
			Label:              entry.Label,
			HasAllowedPaths:    len(entry.AllowedPaths) > 0,
			RateLimitPerMinute: entry.RateLimitPerMinute,
			CreatedAt:          entry.CreatedAt,
			ExpiresAt:          entry.ExpiresAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

// GetSecret returns the value of an opaque entry under the "secret"
// protocol, used for blobs like serialized OAuth state.
func (s *Store) GetSecret(name string) (string, error) {
	entry, err := s.Get("secret", name)
	if err != nil {
		return "", err
	}
	if entry.Credential.Type != TypeOpaque {
		return "", fmt.Errorf("vault: entry %q is not opaque", name)
	}
	return entry.Credential.Value, nil
}

// load reads and parses the vault file. A parse failure renames the corrupt
// file aside and fails closed; the store never silently resets.
func (s *Store) load() (*vaultFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
		}
		return &vaultFile{
			Version: FileVersion,
			Salt:    base64.StdEncoding.EncodeToString(salt),
			Entries: make(map[string]encryptedBlob),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Error("failed to quarantine corrupt vault file", zap.Error(renameErr))
		} else {
			s.logger.Error("vault file is corrupt, moved aside", zap.String("moved_to", aside))
		}
		return nil, fmt.Errorf("vault: file is corrupt: %w", err)
	}
	if vf.Version != FileVersion {
		return nil, fmt.Errorf("vault: unsupported file version %d", vf.Version)
	}
	if vf.Entries == nil {
		vf.Entries = make(map[string]encryptedBlob)
	}
	return &vf, nil
}

// save writes the vault atomically and enforces owner-only permissions on
// every write.
func (s *Store) save(vf *vaultFile) error {
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to encode file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to set file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vault: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vault: failed to replace file: %w", err)
	}
	return nil
}

// deriveKey returns the scrypt key for the file's salt, caching it until the
// salt changes.
func (s *Store) deriveKey(vf *vaultFile) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(vf.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: invalid salt: %w", err)
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if s.cachedKey != nil && bytes.Equal(salt, s.cachedSalt) {
		return s.cachedKey, nil
	}

	key, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}
	s.cachedKey = key
	s.cachedSalt = salt
	return key, nil
}

func seal(key, plaintext []byte) (encryptedBlob, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return encryptedBlob{}, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return encryptedBlob{}, fmt.Errorf("vault: %w", err)
	}

	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return encryptedBlob{}, fmt.Errorf("vault: failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	return encryptedBlob{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Tag:  base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, nil
}

func open(key []byte, blob encryptedBlob) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	data, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	tag, err := base64.StdEncoding.DecodeString(blob.Tag)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, ErrBadPassphrase
	}

	plaintext, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plaintext, nil
}
