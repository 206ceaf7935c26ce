package panel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/chadiek/voicepanel/internal/config"
	"github.com/chadiek/voicepanel/internal/voice"
)

// Manager tracks all live panel sessions. Redis is optional presence
// bookkeeping; when unreachable the manager runs in-memory only.
type Manager struct {
	sessions      map[string]*Session
	mu            sync.RWMutex
	redis         *redis.Client
	cfg           config.Config
	newController func() *voice.Controller
}

// NewManager constructs a manager. The factory must return a fresh voice
// controller per session.
func NewManager(cfg config.Config, newController func() *voice.Controller) *Manager {
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("panel: redis unavailable, continuing without it: %v", err)
			redisClient = nil
		}
	}

	return &Manager{
		sessions:      make(map[string]*Session),
		redis:         redisClient,
		cfg:           cfg,
		newController: newController,
	}
}

// Create registers a new panel session for an upgraded connection.
func (m *Manager) Create(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxPanelSessions {
		return nil, fmt.Errorf("maximum sessions reached (%d)", m.cfg.MaxPanelSessions)
	}

	sessionID := uuid.New().String()
	sess := NewSession(sessionID, conn, m.newController())
	m.sessions[sessionID] = sess

	if m.redis != nil {
		m.redis.HSet(ctx, "panel:session:"+sessionID, map[string]any{
			"created_at": sess.CreatedAt.Format(time.RFC3339),
			"status":     "active",
		})
		m.redis.SAdd(ctx, "panel:active_sessions", sessionID)
		m.redis.Expire(ctx, "panel:session:"+sessionID, m.cfg.SessionTimeout)
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Remove closes and forgets a session.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	_ = sess.Close()
	delete(m.sessions, sessionID)
	m.forget(ctx, sessionID)
	return nil
}

// ActiveCount returns the current session count.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupInactive removes sessions idle past the configured timeout.
func (m *Manager) CleanupInactive(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActivity()) > m.cfg.SessionTimeout {
			log.Printf("panel [%s] removing idle session", shortID(id))
			_ = sess.Close()
			delete(m.sessions, id)
			m.forget(ctx, id)
		}
	}
}

// StartCleanupRoutine runs periodic idle cleanup until ctx is done.
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactive(ctx)
		}
	}
}

// Shutdown closes every session and the Redis connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		_ = sess.Close()
		delete(m.sessions, id)
	}
	if m.redis != nil {
		_ = m.redis.Close()
	}
}

func (m *Manager) forget(ctx context.Context, sessionID string) {
	if m.redis == nil {
		return
	}
	m.redis.Del(ctx, "panel:session:"+sessionID)
	m.redis.SRem(ctx, "panel:active_sessions", sessionID)
}
