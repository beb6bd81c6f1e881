// Package identity хранит состояние аутентификации процесса и рассылает его изменения.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// ErrEmptyUserID: попытка входа без идентификатора пользователя.
var ErrEmptyUserID = errors.New("user id is required")

// Provider: in-process провайдер идентичности.
// Подписчики получают только изменения; если подписчик не успел прочитать,
// устаревшее состояние заменяется последним.
type Provider struct {
	mu          sync.Mutex
	state       domain.AuthState
	subscribers map[int]chan domain.AuthState
	nextID      int
	logger      *log.Entry
}

// NewProvider создаёт провайдера в анонимном состоянии.
func NewProvider(logger *log.Entry) *Provider {
	if logger == nil {
		logger = log.WithField("component", "identity")
	}
	return &Provider{
		subscribers: make(map[int]chan domain.AuthState),
		logger:      logger,
	}
}

// Current возвращает текущее состояние.
func (p *Provider) Current(context.Context) (domain.AuthState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

// Subscribe подписывает на изменения. Функцию отписки можно вызывать повторно.
func (p *Provider) Subscribe() (<-chan domain.AuthState, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan domain.AuthState, 1)
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
			}
		})
	}
}

// SignIn переводит провайдера в состояние вошедшего пользователя.
func (p *Provider) SignIn(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}
	// Повторный вход тем же пользователем тоже уведомляет подписчиков:
	// координатор использует его, чтобы повторить незавершённое слияние.
	p.set(domain.SignedIn(userID), true)
	return nil
}

// SignOut возвращает провайдера в анонимное состояние.
func (p *Provider) SignOut() {
	p.set(domain.Anonymous(), false)
}

func (p *Provider) set(next domain.AuthState, notifySame bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields := log.Fields{
		"authenticated": next.Authenticated,
		"user_id":       next.UserID,
	}
	if p.state.Same(next) {
		if !notifySame {
			return
		}
		p.logger.WithFields(fields).Debug("repeated sign-in")
	} else {
		p.state = next
		p.logger.WithFields(fields).Info("identity changed")
	}

	for _, ch := range p.subscribers {
		// Отбрасываем непрочитанное состояние: подписчику важно только последнее.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

var _ domain.IdentityProvider = (*Provider)(nil)
