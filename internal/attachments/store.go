package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
)

const refsBucket = "attachment_refs"

// DefaultTTL is how long a persisted attachment stays retrievable before
// the sweeper reclaims it.
const DefaultTTL = 24 * time.Hour

// Config for the attachment manager.
type Config struct {
	// OutboxDir is the private directory for persisted attachment bytes.
	OutboxDir string
	// MaxBytes caps one decoded attachment. Zero means MaxAttachmentBytes.
	MaxBytes int64
	// TTL after which refs and their files are reclaimed. Zero means
	// DefaultTTL.
	TTL time.Duration
}

// Manager owns the ref table and the outbox files. Refs live in memory for
// lookups and in bbolt so they survive a restart.
type Manager struct {
	cfg      Config
	db       *bbolt.DB
	auditLog *audit.Log
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	refs map[string]*Ref

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager opens the outbox and restores the ref table from db. db may be
// nil for a memory-only table; the audit log may be nil in tests.
func NewManager(cfg Config, db *bbolt.DB, auditLog *audit.Log, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = MaxAttachmentBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	if err := os.MkdirAll(filepath.Join(cfg.OutboxDir, "documents"), 0o700); err != nil {
		return nil, fmt.Errorf("attachments: failed to create outbox: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		db:       db,
		auditLog: auditLog,
		logger:   logger.Named("attachments"),
		now:      time.Now,
		refs:     make(map[string]*Ref),
	}

	if db != nil {
		if err := m.restore(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// restore loads persisted refs into the in-memory table.
func (m *Manager) restore() error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(refsBucket))
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			ref, err := decodeRef(v)
			if err != nil {
				// One corrupt record must not take the table down.
				m.logger.Warn("skipping corrupt attachment record", zap.Error(err))
				return nil
			}
			m.refs[ref.Ref] = ref
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("attachments: failed to restore refs: %w", err)
	}
	m.logger.Info("attachment refs restored", zap.Int("count", len(m.refs)))
	return nil
}

// put records a ref in memory and, when a db is wired, in bbolt.
func (m *Manager) put(ref *Ref) error {
	m.mu.Lock()
	m.refs[ref.Ref] = ref
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(refsBucket))
		if err != nil {
			return err
		}
		data, err := ref.encode()
		if err != nil {
			return err
		}
		return b.Put([]byte(ref.Ref), data)
	})
}

// Get looks up a ref. The filepath in the result is broker-side only.
func (m *Manager) Get(ref string) (*Ref, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refs[ref]
	return r, ok
}

// Count returns the number of live refs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refs)
}

// StartSweeper reclaims expired refs and their files in the background
// until ctx is done or StopSweeper is called.
func (m *Manager) StartSweeper(ctx context.Context) {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})

	interval := m.cfg.TTL / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it.
func (m *Manager) StopSweeper() {
	if m.sweepStop == nil {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone
	m.sweepStop = nil
}

// Sweep removes refs older than the TTL along with their outbox files.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []*Ref
	for key, ref := range m.refs {
		if ref.CreatedAt.Before(cutoff) {
			expired = append(expired, ref)
			delete(m.refs, key)
		}
	}
	m.mu.Unlock()

	for _, ref := range expired {
		if err := os.Remove(ref.Filepath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove expired attachment",
				zap.String("ref", ref.Ref), zap.Error(err))
		}
		if m.db != nil {
			err := m.db.Update(func(tx *bbolt.Tx) error {
				b := tx.Bucket([]byte(refsBucket))
				if b == nil {
					return nil
				}
				return b.Delete([]byte(ref.Ref))
			})
			if err != nil {
				m.logger.Warn("failed to delete expired ref record",
					zap.String("ref", ref.Ref), zap.Error(err))
			}
		}
	}

	if len(expired) > 0 {
		m.logger.Info("swept expired attachments", zap.Int("count", len(expired)))
	}
}
