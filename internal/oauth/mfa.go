package oauth

import (
	"sync"
	"time"

	"github.com/fitsync/garmin-mcp/internal/garmin"
)

// mfaTTL bounds how long a suspended login waits for its one-time code.
const mfaTTL = 5 * time.Minute

type pendingMFA struct {
	resume    *garmin.ResumeState
	email     string
	createdAt time.Time
}

func (p pendingMFA) expired(now time.Time) bool {
	return now.Sub(p.createdAt) > mfaTTL
}

// mfaRegistry is the short-lived holding area for login attempts suspended
// on an MFA code, keyed by the login state token. A single mutex serializes
// all access; nothing network-bound runs under it.
type mfaRegistry struct {
	mu      sync.Mutex
	entries map[string]pendingMFA
}

func newMFARegistry() *mfaRegistry {
	return &mfaRegistry{entries: make(map[string]pendingMFA)}
}

// put stores a suspended attempt, sweeping expired entries first.
func (r *mfaRegistry) put(key string, resume *garmin.ResumeState, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	r.entries[key] = pendingMFA{resume: resume, email: email, createdAt: time.Now()}
}

// pop removes and returns the entry. Single use: a second pop for the same
// key misses.
func (r *mfaRegistry) pop(key string) (pendingMFA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	entry, ok := r.entries[key]
	if !ok {
		return pendingMFA{}, false
	}
	delete(r.entries, key)
	return entry, true
}

// restore re-inserts an entry popped for a verification that failed, keeping
// its original creation time so the TTL still counts from the first suspend.
func (r *mfaRegistry) restore(key string, entry pendingMFA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !entry.expired(time.Now()) {
		r.entries[key] = entry
	}
}

// has reports whether a live entry exists for the key.
func (r *mfaRegistry) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	_, ok := r.entries[key]
	return ok
}

// sweep drops expired entries. Callers hold the mutex.
func (r *mfaRegistry) sweep() {
	now := time.Now()
	for k, v := range r.entries {
		if v.expired(now) {
			delete(r.entries, k)
		}
	}
}
