// Package session tracks established mesh sessions with sliding expiration.
// Every authorized read of a session pushes its deadline out by the full TTL,
// so only idle sessions expire.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Ledger is an in-memory session store. Reads and the sliding refresh happen
// under one lock, so a Get can never observe a session another goroutine is
// expiring.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	ttl      time.Duration
	log      logger.Logger

	stopCh  chan struct{}
	stopped sync.Once

	// now is swapped out in tests to drive expiry without sleeping.
	now func() time.Time
}

// NewLedger creates a ledger and starts its background sweeper.
func NewLedger(ttl, sweepInterval time.Duration, log logger.Logger) *Ledger {
	if ttl <= 0 {
		ttl = constants.DefaultSessionTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = constants.DefaultSessionSweepInterval
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	l := &Ledger{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		log:      log.WithComponent("session"),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	go l.sweepLoop(sweepInterval)
	return l
}

var _ service.SessionLedger = (*Ledger)(nil)

// Create registers a new session keyed by a fresh UUID.
func (l *Ledger) Create(peerServiceID string, sessionKey []byte, metadata map[string]string) *models.Session {
	return l.Adopt(uuid.New().String(), peerServiceID, sessionKey, metadata)
}

// Adopt registers a session under an id assigned by the peer. The initiating
// side of a handshake stores the responder's session id so both ledgers key
// the session identically.
func (l *Ledger) Adopt(sessionID, peerServiceID string, sessionKey []byte, metadata map[string]string) *models.Session {
	now := l.now()
	s := &models.Session{
		ID:            sessionID,
		PeerServiceID: peerServiceID,
		SessionKey:    sessionKey,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(l.ttl),
		Metadata:      metadata,
	}

	l.mu.Lock()
	l.sessions[s.ID] = s
	l.mu.Unlock()

	l.log.Info(context.Background(), "Session established",
		logger.String("session_id", s.ID),
		logger.String("peer_service_id", peerServiceID),
		logger.Duration("ttl", l.ttl),
	)
	return s
}

// Get returns the session and slides its deadline. An expired session is
// removed and reported absent even if the sweeper has not run yet.
func (l *Ledger) Get(sessionID string) (*models.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, false
	}
	now := l.now()
	if s.Expired(now) {
		delete(l.sessions, sessionID)
		return nil, false
	}
	l.slide(s, now)
	return s.Clone(), true
}

// FindByPeer returns a live session for the peer, sliding it like Get. When
// several exist, the most recently active one wins.
func (l *Ledger) FindByPeer(peerServiceID string) (*models.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var best *models.Session
	for id, s := range l.sessions {
		if s.PeerServiceID != peerServiceID {
			continue
		}
		if s.Expired(now) {
			delete(l.sessions, id)
			continue
		}
		if best == nil || s.LastActivity.After(best.LastActivity) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	l.slide(best, now)
	return best.Clone(), true
}

// Invalidate removes a session unconditionally. It reports whether the
// session was present.
func (l *Ledger) Invalidate(sessionID string) bool {
	l.mu.Lock()
	_, ok := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	l.mu.Unlock()

	if ok {
		l.log.Info(context.Background(), "Session invalidated",
			logger.String("session_id", sessionID),
		)
	}
	return ok
}

// SweepExpired removes every expired session and returns the count removed.
func (l *Ledger) SweepExpired() int {
	l.mu.Lock()
	now := l.now()
	removed := 0
	for id, s := range l.sessions {
		if s.Expired(now) {
			delete(l.sessions, id)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.log.Debug(context.Background(), "Expired sessions swept",
			logger.Int("removed", removed),
		)
	}
	return removed
}

// Snapshot returns copies of all live sessions without sliding them.
func (l *Ledger) Snapshot() []*models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]*models.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		if !s.Expired(now) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Len returns the number of tracked sessions, expired ones included.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Close stops the background sweeper. Idempotent.
func (l *Ledger) Close() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// slide refreshes the sliding deadline. Caller holds l.mu.
func (l *Ledger) slide(s *models.Session, now time.Time) {
	s.LastActivity = now
	s.ExpiresAt = now.Add(l.ttl)
}

func (l *Ledger) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.SweepExpired()
		case <-l.stopCh:
			return
		}
	}
}
