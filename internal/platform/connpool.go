package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Connection is a live handle against one org+user: an access token good
// until ExpiresAt, the instance to call, and the API version to address.
type Connection struct {
	OrgID       string
	UserID      string
	AccessToken string
	InstanceURL string
	APIVersion  string
	ExpiresAt   time.Time
}

// Expired reports whether the connection is within buffer of expiring.
func (c Connection) Expired(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(c.ExpiresAt)
}

// Refresher performs the actual OAuth token exchange for an org+user.
// The mechanics of authorization-code-pkce / device-code / cli-import /
// manual-token selection live outside this module's scope; the pool only
// needs a function that returns a fresh token.
type Refresher interface {
	Refresh(ctx context.Context, orgID, userID string) (*oauth2.Token, string, error) // token, instanceURL, error
}

type handle struct {
	mu       sync.Mutex
	conn     Connection
	lastUsed time.Time
}

// ConnPool holds one Connection per org+user key, refreshing it on demand
// and single-flighting concurrent refreshes for the same key so a burst
// of callers against an about-to-expire token only pays for one token
// exchange. EvictIdle removes idle handles, down to a floor of one
// retained handle; the pool does not call it on its own.
type ConnPool struct {
	refresher     Refresher
	bufferMinutes time.Duration
	apiVersion    string

	mu      sync.Mutex
	handles map[string]*handle
	group   singleflight.Group
}

// NewConnPool builds a pool. bufferMinutes controls how far ahead of
// expiry a refresh is fired; apiVersion is stamped onto every Connection.
func NewConnPool(refresher Refresher, bufferMinutes time.Duration, apiVersion string) *ConnPool {
	if bufferMinutes <= 0 {
		bufferMinutes = 5 * time.Minute
	}
	if apiVersion == "" {
		apiVersion = "v60.0"
	}
	return &ConnPool{
		refresher:     refresher,
		bufferMinutes: bufferMinutes,
		apiVersion:    apiVersion,
		handles:       make(map[string]*handle),
	}
}

func key(orgID, userID string) string { return orgID + ":" + userID }

// Get returns a valid Connection for orgID+userID, refreshing it first if
// it's absent or within the expiry buffer. Concurrent callers for the
// same key share a single in-flight refresh.
func (p *ConnPool) Get(ctx context.Context, orgID, userID string) (Connection, error) {
	k := key(orgID, userID)

	p.mu.Lock()
	h, ok := p.handles[k]
	if !ok {
		h = &handle{}
		p.handles[k] = h
	}
	p.mu.Unlock()

	h.mu.Lock()
	needsRefresh := h.conn.AccessToken == "" || h.conn.Expired(p.bufferMinutes)
	h.mu.Unlock()

	if needsRefresh {
		_, err, _ := p.group.Do(k, func() (interface{}, error) {
			h.mu.Lock()
			stillStale := h.conn.AccessToken == "" || h.conn.Expired(p.bufferMinutes)
			h.mu.Unlock()
			if !stillStale {
				return nil, nil
			}

			token, instanceURL, err := p.refresher.Refresh(ctx, orgID, userID)
			if err != nil {
				return nil, fmt.Errorf("connpool: refresh %s: %w", k, err)
			}
			h.mu.Lock()
			h.conn = Connection{
				OrgID:       orgID,
				UserID:      userID,
				AccessToken: token.AccessToken,
				InstanceURL: instanceURL,
				APIVersion:  p.apiVersion,
				ExpiresAt:   token.Expiry,
			}
			h.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return Connection{}, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = time.Now()
	return h.conn, nil
}

// EvictIdle removes handles unused for longer than idleFor, always
// retaining at least one handle so a single-org deployment never pays a
// refresh cost on every call.
func (p *ConnPool) EvictIdle(idleFor time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) <= 1 {
		return
	}

	cutoff := time.Now().Add(-idleFor)
	for k, h := range p.handles {
		if len(p.handles) <= 1 {
			return
		}
		h.mu.Lock()
		stale := h.lastUsed.Before(cutoff)
		h.mu.Unlock()
		if stale {
			delete(p.handles, k)
		}
	}
}

// Size reports the number of pooled handles, for diagnostics/tests.
func (p *ConnPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
