package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// SessionJournal is the journal surface the manager needs to track session lifetimes.
type SessionJournal interface {
	Journal
	AppendSession(ctx context.Context, sessionID, client string) error
	EndSession(ctx context.Context, sessionID string) error
}

type ManagerConfig struct {
	MaxSessions int
	IdleTimeout time.Duration
}

// Manager owns one Controller per browser session.
type Manager struct {
	cfg     ManagerConfig
	deps    Dependencies
	opts    Options
	journal SessionJournal
	log     *slog.Logger
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewManager builds controllers from shared collaborators. journal may be nil.
func NewManager(cfg ManagerConfig, deps Dependencies, opts Options, journal SessionJournal) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if journal != nil {
		deps.Journal = journal
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		opts:     opts.withDefaults(),
		journal:  journal,
		log:      logger.With(slog.String("component", "session-manager")),
		newID:    func() string { return uuid.NewString() },
		sessions: make(map[string]*Controller),
	}
}

// Create starts a session. client identifies the caller for the journal.
func (m *Manager) Create(ctx context.Context, client string) (*Controller, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := m.newID()
	c := NewController(id, m.deps, m.opts)
	m.sessions[id] = c
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.AppendSession(ctx, id, client); err != nil {
			m.log.Warn("failed to journal session", slog.String("session_id", id), slog.String("error", err.Error()))
		} else {
			c.journal(ctx, eventstore.TypeSessionStarted, nil)
		}
	}
	c.notify(protocol.SessionEvent{Type: protocol.EventSessionStarted})
	instruments().active.Add(ctx, 1)
	m.log.Info("session started", slog.String("session_id", id), slog.String("client", client))
	return c, nil
}

// Get returns a live session and marks it active.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	c.touch()
	return c, nil
}

// End tears a session down.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.finish(ctx, c, "ended")
	return nil
}

func (m *Manager) finish(ctx context.Context, c *Controller, reason string) {
	c.notify(protocol.SessionEvent{Type: protocol.EventSessionEnded, Message: reason})
	if m.journal != nil {
		c.journal(ctx, eventstore.TypeSessionEnded, []byte(`{"reason":"`+reason+`"}`))
		if err := m.journal.EndSession(ctx, c.ID()); err != nil {
			m.log.Warn("failed to close journaled session", slog.String("session_id", c.ID()), slog.String("error", err.Error()))
		}
	}
	instruments().active.Add(ctx, -1)
	m.log.Info("session ended", slog.String("session_id", c.ID()), slog.String("reason", reason))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.reap(ctx, m.opts.Now()); n > 0 {
				m.log.Info("reaped idle sessions", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) reap(ctx context.Context, now time.Time) int {
	var expired []*Controller
	m.mu.Lock()
	for id, c := range m.sessions {
		if c.Busy() {
			continue
		}
		if now.Sub(c.LastActive()) > m.cfg.IdleTimeout {
			expired = append(expired, c)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		m.finish(ctx, c, "idle")
	}
	return len(expired)
}

// Close ends every live session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Controller, 0, len(m.sessions))
	for id, c := range m.sessions {
		live = append(live, c)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, c := range live {
		m.finish(ctx, c, "shutdown")
	}
}
