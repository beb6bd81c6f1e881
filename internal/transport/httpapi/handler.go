// Package httpapi реализует HTTP-фасад корзины для UI-процесса.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/service/coordinator"
)

const defaultSettleTimeout = 3 * time.Second

// Cart: операции координатора, которые нужны HTTP-слою.
type Cart interface {
	AddToCart(ctx context.Context, item domain.CartItem, quantity int) error
	RemoveFromCart(ctx context.Context, id string) error
	UpdateQuantity(ctx context.Context, id string, quantity int) error
	ClearCart(ctx context.Context) error
	RefreshCart(ctx context.Context) error
	WaitIdle(ctx context.Context) error
	Snapshot() coordinator.Snapshot
}

// Sessions переключает идентичность процесса.
type Sessions interface {
	SignIn(userID string) error
	SignOut()
}

// TokenAuthenticator подтверждает вход по ID token провайдера.
type TokenAuthenticator interface {
	SignInWithToken(ctx context.Context, idToken string) (string, error)
}

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTokenAuthenticator включает вход только по ID token.
func WithTokenAuthenticator(tokens TokenAuthenticator) Option {
	return func(h *Handler) {
		h.tokens = tokens
	}
}

// WithSettleTimeout ограничивает ожидание фоновой синхронизации перед ответом.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.settleTimeout = timeout
		}
	}
}

// WithAllowedOrigins задаёт CORS origins для браузерного UI.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.allowedOrigins = origins
	}
}

// Handler обслуживает публичные операции корзины и входа.
type Handler struct {
	cart           Cart
	sessions       Sessions
	tokens         TokenAuthenticator
	logger         *log.Entry
	settleTimeout  time.Duration
	allowedOrigins []string
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
}

// NewHandler создаёт HTTP-обработчик.
func NewHandler(cart Cart, sessions Sessions, options ...Option) *Handler {
	h := &Handler{
		cart:           cart,
		sessions:       sessions,
		settleTimeout:  defaultSettleTimeout,
		idempotencyTTL: defaultIdempotencyTTL,
	}
	for _, option := range options {
		option(h)
	}
	if h.logger == nil {
		h.logger = log.WithField("component", "http-api")
	}
	return h
}

// Routes собирает chi-роутер.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", idempotencyKeyHeader},
			ExposedHeaders: []string{idempotentReplayedHeader},
			MaxAge:         300,
		}))
	}

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.getCart)
		r.Delete("/", h.clearCart)
		r.Post("/refresh", h.refreshCart)
		r.With(h.idempotent).Post("/items", h.addItem)
		r.Put("/items/{id}", h.updateQuantity)
		r.Delete("/items/{id}", h.removeItem)
	})
	r.Route("/session", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/logout", h.logout)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// settle даёт координатору дописать изменения, чтобы ответ отражал сохранённое состояние.
// Таймаут не ошибка: корзина в памяти уже обновлена.
func (h *Handler) settle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.settleTimeout)
	defer cancel()
	if err := h.cart.WaitIdle(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.logger.WithError(err).Debug("cart did not settle before response")
	}
}

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, status int) {
	h.settle(r.Context())
	writeJSON(w, status, newCartResponse(h.cart.Snapshot()))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrCoordinatorClosed), errors.Is(err, coordinator.ErrNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMergePending), domain.IsStorageError(err), errors.Is(err, domain.ErrIdentityInit):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("status", status).Warn("cart request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
