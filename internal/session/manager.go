// Package session выдаёт постоянный идентификатор анонимной сессии устройства.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// StorageKey: ключ, под которым идентификатор гостевой сессии лежит в локальном хранилище.
const StorageKey = "guest_session_id"

// Manager выдаёт долговременный идентификатор анонимной сессии устройства.
// Идентификатор создаётся один раз и никогда не ротируется.
type Manager struct {
	store  domain.KeyValueStore
	newID  func() string
	logger *log.Entry

	mu sync.Mutex
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIDGenerator подменяет генератор идентификаторов (по умолчанию UUID v4).
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager создаёт менеджер поверх локального key-value хранилища.
func NewManager(store domain.KeyValueStore, options ...Option) *Manager {
	m := &Manager{
		store: store,
		newID: func() string { return uuid.NewString() },
	}
	for _, option := range options {
		option(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "guest-session")
	}
	return m
}

// GetOrCreateGuestSessionID возвращает сохранённый идентификатор или создаёт и сохраняет новый.
// Использует только локальное хранилище, сеть не трогает. Значение не кэшируется:
// если хранилище очищено извне, следующий вызов создаст новую сессию.
func (m *Manager) GetOrCreateGuestSessionID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.store.Get(ctx, StorageKey)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
		m.logger.Warn("stored guest session id is empty, generating a new one")
	case errors.Is(err, domain.ErrKeyNotFound):
	default:
		return "", fmt.Errorf("read guest session id: %w: %w", domain.ErrIdentityInit, err)
	}

	id := m.newID()
	if id == "" {
		return "", fmt.Errorf("generate guest session id: %w", domain.ErrIdentityInit)
	}
	if err := m.store.Set(ctx, StorageKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist guest session id: %w: %w", domain.ErrIdentityInit, err)
	}

	m.logger.WithField("session_id", id).Info("guest session created")
	return id, nil
}

var _ domain.GuestSessions = (*Manager)(nil)
