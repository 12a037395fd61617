package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.tasknest.dev/mcpauth/domain"
)

const (
	// DefaultHeartbeat is the idle threshold under which a session counts as
	// "active" in statistics. It never affects the hard TTL or deletion.
	DefaultHeartbeat = 5 * time.Minute
	// DefaultJanitorInterval is how often the manager sweeps the store.
	DefaultJanitorInterval = 10 * time.Minute
)

// Meta carries per-request context applied when a session is first created.
type Meta struct {
	ClientCapabilities map[string]any
	ServerCapabilities map[string]any
}

// UserStats reports session counts for one user. ActiveSessions counts
// sessions touched within the heartbeat threshold.
type UserStats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
}

// Manager orchestrates session lifecycle over a Store: get-or-create with
// sliding expiry, context mutation, event sequencing, stream tracking and a
// periodic janitor. Sessions are addressed by bearer token; the manager
// derives the store key and never hands the raw token to the store.
type Manager struct {
	store     Store
	secret    []byte
	ttl       time.Duration
	heartbeat time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// Options tune a Manager; zero values select the defaults.
type Options struct {
	TTL             time.Duration
	Heartbeat       time.Duration
	JanitorInterval time.Duration
	Logger          zerolog.Logger
}

// NewManager creates a Manager and starts its janitor. Call Close to stop it.
func NewManager(store Store, secret string, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = DefaultJanitorInterval
	}

	m := &Manager{
		store:     store,
		secret:    []byte(secret),
		ttl:       opts.TTL,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}

	go m.janitor(opts.JanitorInterval)

	return m
}

// DeriveKey returns the store key for a bearer token.
func (m *Manager) DeriveKey(token string) string {
	return DeriveKey(m.secret, token)
}

// GetOrCreate returns the session bound to the token, creating it on first
// contact. Every call refreshes last-activity and slides the TTL.
func (m *Manager) GetOrCreate(ctx context.Context, token string, user *domain.User, meta Meta) (*domain.Session, error) {
	key := m.DeriveKey(token)

	session, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if session == nil {
		session = &domain.Session{
			Key:                key,
			UserID:             user.ID,
			ConnectionID:       uuid.NewString(),
			CreatedAt:          now,
			LastActivity:       now,
			ClientCapabilities: meta.ClientCapabilities,
			ServerCapabilities: meta.ServerCapabilities,
			Context:            make(map[string]any),
		}
		m.logger.Debug().
			Str("user_id", user.ID).
			Str("connection_id", session.ConnectionID).
			Msg("session created")
	} else {
		session.LastActivity = now
	}

	if err := m.store.Set(ctx, key, session, m.ttl); err != nil {
		return nil, err
	}

	return session, nil
}

// UpdateContext merges values into the session's context map. Without a live
// session the call is a no-op: token-only callers carry no state between
// calls.
func (m *Manager) UpdateContext(ctx context.Context, token string, values map[string]any) error {
	_, err := m.store.Update(ctx, m.DeriveKey(token), m.ttl, func(session *domain.Session) {
		if session.Context == nil {
			session.Context = make(map[string]any, len(values))
		}
		for k, v := range values {
			session.Context[k] = v
		}
		session.LastActivity = m.now()
	})

	return err
}

// NextEventSequence returns the next value of the session's strictly
// increasing event counter. The increment runs as a single atomic store
// update, so concurrent callers on one session never observe duplicate
// values. Without a live session it returns 1: the call is treated as
// transient and nothing is persisted.
func (m *Manager) NextEventSequence(ctx context.Context, token string) (uint64, error) {
	session, err := m.store.Update(ctx, m.DeriveKey(token), m.ttl, func(session *domain.Session) {
		session.EventSeq++
		session.LastActivity = m.now()
	})
	if err != nil {
		return 0, err
	}
	if session == nil {
		return 1, nil
	}

	return session.EventSeq, nil
}

// AddActiveStream records a sub-stream identifier on the session.
func (m *Manager) AddActiveStream(ctx context.Context, token, streamID string) error {
	return m.mutateStreams(ctx, token, func(session *domain.Session) {
		if !session.HasStream(streamID) {
			session.ActiveStreams = append(session.ActiveStreams, streamID)
		}
	})
}

// RemoveActiveStream drops a sub-stream identifier from the session.
func (m *Manager) RemoveActiveStream(ctx context.Context, token, streamID string) error {
	return m.mutateStreams(ctx, token, func(session *domain.Session) {
		streams := session.ActiveStreams[:0]
		for _, id := range session.ActiveStreams {
			if id != streamID {
				streams = append(streams, id)
			}
		}
		session.ActiveStreams = streams
	})
}

func (m *Manager) mutateStreams(ctx context.Context, token string, fn func(*domain.Session)) error {
	_, err := m.store.Update(ctx, m.DeriveKey(token), m.ttl, func(session *domain.Session) {
		fn(session)
		session.LastActivity = m.now()
	})

	return err
}

// Touch refreshes last-activity and slides the TTL of the session stored
// under key. Missing sessions are left missing.
func (m *Manager) Touch(ctx context.Context, key string) error {
	_, err := m.store.Update(ctx, key, m.ttl, func(session *domain.Session) {
		session.LastActivity = m.now()
	})

	return err
}

// Remove deletes the session bound to the token.
func (m *Manager) Remove(ctx context.Context, token string) error {
	return m.store.Delete(ctx, m.DeriveKey(token))
}

// FindByConnectionID returns the user's session with the given connection
// id, or nil when none matches.
func (m *Manager) FindByConnectionID(ctx context.Context, userID, connectionID string) (*domain.Session, error) {
	keys, err := m.store.UserSessionKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		session, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if session != nil && session.ConnectionID == connectionID {
			return session, nil
		}
	}

	return nil, nil
}

// NewestForUser returns the user's most recently active session, or nil.
func (m *Manager) NewestForUser(ctx context.Context, userID string) (*domain.Session, error) {
	keys, err := m.store.UserSessionKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	var newest *domain.Session
	for _, key := range keys {
		session, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if session == nil {
			continue
		}
		if newest == nil || session.LastActivity.After(newest.LastActivity) {
			newest = session
		}
	}

	return newest, nil
}

// StatsForUser counts the user's sessions. A session is active when it was
// touched within the heartbeat threshold; inactive sessions still count
// toward the total until the hard TTL removes them.
func (m *Manager) StatsForUser(ctx context.Context, userID string) (UserStats, error) {
	keys, err := m.store.UserSessionKeys(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}

	stats := UserStats{}
	cutoff := m.now().Add(-m.heartbeat)
	for _, key := range keys {
		session, err := m.store.Get(ctx, key)
		if err != nil {
			return UserStats{}, err
		}
		if session == nil {
			continue
		}
		stats.TotalSessions++
		if session.LastActivity.After(cutoff) {
			stats.ActiveSessions++
		}
	}

	return stats, nil
}

// Close stops the janitor. The store is closed by its owner.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Manager) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := m.store.Cleanup(ctx)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("session cleanup failed")
				continue
			}
			if removed > 0 {
				m.logger.Debug().Int("removed", removed).Msg("swept expired sessions")
			}
		case <-m.done:
			return
		}
	}
}
