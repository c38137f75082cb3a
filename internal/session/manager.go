// Package session maps issued access tokens to Garmin sessions. Live
// clients are cached in memory with a TTL; the credentials needed to rebuild
// them live on disk, one directory per user.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitsync/garmin-mcp/internal/garmin"
)

// ErrNoSession is returned when a user has no stored Garmin session or the
// stored credentials can no longer be restored. Callers must treat it as
// "re-authentication required", not as a transient failure.
var ErrNoSession = errors.New("session: no garmin session for user")

// ErrReauthRequired is returned by ResolveClient when either the token or
// the session behind it is gone.
var ErrReauthRequired = errors.New("session: re-authentication required")

// DefaultCacheTTL bounds how long a restored client is served from memory
// before the next access revalidates against disk state.
const DefaultCacheTTL = time.Hour

// RestoreFunc rebuilds a client from a user's credential directory.
type RestoreFunc func(ctx context.Context, dir string) (*garmin.Client, error)

// Config configures a Manager.
type Config struct {
	// StoragePath is the root of the per-user credential directories.
	StoragePath string
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
	// Redis optionally backs the token→user map so that several server
	// instances can resolve tokens issued by each other. Nil keeps the map
	// purely in memory.
	Redis *redis.Client
	// TokenTTL is the expiry used for Redis-backed token mappings.
	TokenTTL time.Duration
	// Restore overrides the Garmin session restore, for tests.
	Restore RestoreFunc
	Logger  *slog.Logger
}

type cachedClient struct {
	client    *garmin.Client
	expiresAt time.Time
}

// Manager owns the in-memory client cache, the token→user map and the
// on-disk credential blobs.
type Manager struct {
	storagePath string
	cacheTTL    time.Duration
	tokenTTL    time.Duration
	restore     RestoreFunc
	redis       *redis.Client
	logger      *slog.Logger

	mu        sync.Mutex
	cache     map[string]cachedClient
	tokenUser map[string]string
}

// NewManager creates the storage root if needed and returns a ready manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.StoragePath == "" {
		return nil, errors.New("session: storage path is required")
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, fmt.Errorf("create session storage: %w", err)
	}

	m := &Manager{
		storagePath: cfg.StoragePath,
		cacheTTL:    cfg.CacheTTL,
		tokenTTL:    cfg.TokenTTL,
		restore:     cfg.Restore,
		redis:       cfg.Redis,
		logger:      cfg.Logger,
		cache:       make(map[string]cachedClient),
		tokenUser:   make(map[string]string),
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = DefaultCacheTTL
	}
	if m.tokenTTL <= 0 {
		m.tokenTTL = time.Hour
	}
	if m.restore == nil {
		m.restore = garmin.RestoreClient
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

func (m *Manager) userDir(userID string) string {
	return filepath.Join(m.storagePath, userID)
}

// GetClient returns a live Garmin client for the user, restoring it from
// disk when the cache misses or has expired. ErrNoSession means the user
// must log in again.
func (m *Manager) GetClient(ctx context.Context, userID string) (*garmin.Client, error) {
	m.mu.Lock()
	cached, ok := m.cache[userID]
	m.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.client, nil
	}

	dir := m.userDir(userID)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrNoSession
	}

	// Restore happens outside the lock; it hits the network to validate
	// the stored credentials.
	client, err := m.restore(ctx, dir)
	if err != nil {
		m.logger.Warn("garmin session restore failed", "user_id", userID, "error", err)
		return nil, ErrNoSession
	}

	m.mu.Lock()
	m.cache[userID] = cachedClient{client: client, expiresAt: time.Now().Add(m.cacheTTL)}
	m.mu.Unlock()
	return client, nil
}

// PersistNewSession writes freshly issued upstream credentials to the user's
// directory and evicts any cached client, so the next GetClient reloads and
// uses the new credentials immediately.
func (m *Manager) PersistNewSession(userID string, pair *garmin.TokenPair) error {
	if err := garmin.SaveTokens(m.userDir(userID), pair); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
	return nil
}

// RemoveSession evicts the cached client and deletes the on-disk
// credentials. Reports whether anything was actually removed.
func (m *Manager) RemoveSession(userID string) (bool, error) {
	removed := false

	m.mu.Lock()
	if _, ok := m.cache[userID]; ok {
		delete(m.cache, userID)
		removed = true
	}
	m.mu.Unlock()

	dir := m.userDir(userID)
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove session storage: %w", err)
		}
		removed = true
	}
	return removed, nil
}

// HasSession reports whether the user has stored credentials on disk. The
// cache is deliberately not consulted.
func (m *Manager) HasSession(userID string) bool {
	info, err := os.Stat(m.userDir(userID))
	return err == nil && info.IsDir()
}

// MapTokenToUser associates an access token with a user id. With Redis
// configured the mapping is also written there so other instances can
// resolve it.
func (m *Manager) MapTokenToUser(token, userID string) {
	m.mu.Lock()
	m.tokenUser[token] = userID
	m.mu.Unlock()

	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.redis.Set(ctx, tokenUserKey(token), userID, m.tokenTTL).Err(); err != nil {
			m.logger.Warn("redis token mapping write failed", "error", err)
		}
	}
}

// UserForToken resolves the user id behind an access token, falling back to
// Redis on a local miss.
func (m *Manager) UserForToken(ctx context.Context, token string) (string, bool) {
	m.mu.Lock()
	userID, ok := m.tokenUser[token]
	m.mu.Unlock()
	if ok {
		return userID, true
	}

	if m.redis != nil {
		val, err := m.redis.Get(ctx, tokenUserKey(token)).Result()
		if err == nil && val != "" {
			m.mu.Lock()
			m.tokenUser[token] = val
			m.mu.Unlock()
			return val, true
		}
	}
	return "", false
}

// ResolveClient is the collaborator interface for the tool layer: bearer
// token in, upstream client out. ErrReauthRequired signals the downstream
// client should run a fresh OAuth flow instead of retrying.
func (m *Manager) ResolveClient(ctx context.Context, token string) (*garmin.Client, error) {
	userID, ok := m.UserForToken(ctx, token)
	if !ok {
		return nil, ErrReauthRequired
	}
	client, err := m.GetClient(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, ErrReauthRequired
		}
		return nil, err
	}
	return client, nil
}

func tokenUserKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "garminmcp:tokenuser:" + hex.EncodeToString(sum[:])
}
