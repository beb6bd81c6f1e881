// Package coordinator упорядочивает разрешение идентичности, загрузку, сохранение и слияние корзины.
//
// Весь ввод-вывод хранилища выполняет одна горутина координатора, поэтому два Save
// или Save и слияние никогда не идут одновременно. Мутации применяются к состоянию
// в памяти сразу в вызывающей горутине, а сохранение планируется отдельно.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/cart"
	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
)

const defaultOperationTimeout = 10 * time.Second

// ErrAlreadyStarted: повторный вызов Start.
var ErrAlreadyStarted = errors.New("coordinator already started")

// ErrNotStarted: операция требует запущенного координатора.
var ErrNotStarted = errors.New("coordinator is not started")

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics подключает метрики синхронизации.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithEventPublisher подключает публикацию событий корзины.
func WithEventPublisher(publisher domain.EventPublisher) Option {
	return func(c *Coordinator) {
		c.publisher = publisher
	}
}

// WithOperationTimeout ограничивает длительность одной операции с хранилищем.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.opTimeout = timeout
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// pendingMerge описывает незавершённое слияние гостевой корзины.
type pendingMerge struct {
	guest   domain.CartKey
	account domain.CartKey
	// written: объединённая запись уже в аккаунте, осталось удалить гостевую.
	written bool
	source  *domain.CartRecord
	err     error
}

// Coordinator: конечный автомат синхронизации корзины.
type Coordinator struct {
	sessions  domain.GuestSessions
	identity  domain.IdentityProvider
	storage   domain.PersistenceAdapter
	publisher domain.EventPublisher
	metrics   *metrics.SyncMetrics
	logger    *log.Entry
	opTimeout time.Duration
	now       func() time.Time

	mu          sync.Mutex
	phase       Phase
	key         domain.CartKey
	items       []domain.CartItem
	dirty       bool
	deferred    []cart.Action
	pending     *pendingMerge
	lastErr     error
	started     bool
	closed      bool
	watchers    map[int]chan Snapshot
	nextWatcher int

	// Поля ниже принадлежат горутине координатора.
	auth          domain.AuthState
	resolveFailed bool
	identityCh    <-chan domain.AuthState
	unsubscribe   func()

	wake      chan struct{}
	refreshCh chan chan error
	barrierCh chan chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// New создаёт координатор. До Start мутации применяются только в памяти.
func New(sessions domain.GuestSessions, identity domain.IdentityProvider, storage domain.PersistenceAdapter, options ...Option) *Coordinator {
	c := &Coordinator{
		sessions:  sessions,
		identity:  identity,
		storage:   storage,
		opTimeout: defaultOperationTimeout,
		now:       time.Now,
		phase:     PhaseUninitialized,
		items:     []domain.CartItem{},
		watchers:  make(map[int]chan Snapshot),
		wake:      make(chan struct{}, 1),
		refreshCh: make(chan chan error),
		barrierCh: make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "cart-sync")
	}
	c.metrics.SetPhase(string(PhaseUninitialized), allPhases)
	return c
}

// Start подписывается на изменения идентичности и запускает горутину координатора.
// Отмена ctx равносильна Close.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrCoordinatorClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.identityCh, c.unsubscribe = c.identity.Subscribe()

	go c.run(runCtx)
	return nil
}

// Close останавливает координатор. Результаты операций, завершившихся после Close, отбрасываются.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.markClosedLocked()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	return nil
}

func (c *Coordinator) markClosedLocked() {
	c.closed = true
	c.setPhaseLocked(PhaseClosed)
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddToCart добавляет товар или увеличивает количество существующей позиции.
func (c *Coordinator) AddToCart(ctx context.Context, item domain.CartItem, quantity int) error {
	return c.dispatch(ctx, cart.Add{Item: item, Quantity: quantity})
}

// RemoveFromCart удаляет позицию.
func (c *Coordinator) RemoveFromCart(ctx context.Context, id string) error {
	return c.dispatch(ctx, cart.Remove{ID: id})
}

// UpdateQuantity заменяет количество позиции; ноль оставляет позицию в корзине.
func (c *Coordinator) UpdateQuantity(ctx context.Context, id string, quantity int) error {
	return c.dispatch(ctx, cart.UpdateQuantity{ID: id, Quantity: quantity})
}

// ClearCart очищает корзину.
func (c *Coordinator) ClearCart(ctx context.Context) error {
	return c.dispatch(ctx, cart.Clear{})
}

func (c *Coordinator) dispatch(ctx context.Context, action cart.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrCoordinatorClosed
	}
	c.items = cart.Reduce(cart.State{Items: c.items}, action).Items
	if c.phase.savesAllowed() {
		c.dirty = true
	} else {
		// Сохранять пока нельзя: мутация будет применена повторно поверх загруженной корзины.
		c.deferred = append(c.deferred, action)
		c.metrics.SetDeferred(len(c.deferred))
	}
	c.notifyLocked()
	c.mu.Unlock()

	c.metrics.RecordMutation(action.Name())
	c.kick()
	return nil
}

// RefreshCart заново читает корзину активного ключа.
// Грязная корзина сначала сохраняется; если это не удалось, обновление отменяется и память сохраняется.
// При незавершённом слиянии повторяет слияние.
func (c *Coordinator) RefreshCart(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.request(ctx, func() bool {
		select {
		case c.refreshCh <- reply:
			return true
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		}
	}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrCoordinatorClosed
	}
}

// WaitIdle ждёт, пока координатор обработает все накопленные уведомления и мутации.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	reply := make(chan struct{})
	if err := c.request(ctx, func() bool {
		select {
		case c.barrierCh <- reply:
			return true
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		}
	}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrCoordinatorClosed
	}
}

func (c *Coordinator) request(ctx context.Context, send func() bool) error {
	c.mu.Lock()
	closed, started := c.closed, c.started
	c.mu.Unlock()

	switch {
	case closed:
		return domain.ErrCoordinatorClosed
	case !started:
		return ErrNotStarted
	}
	if !send() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.ErrCoordinatorClosed
	}
	return nil
}

// Snapshot возвращает текущее состояние.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ActiveKey возвращает ключ активной корзины (нулевой, пока идентичность не разрешена).
func (c *Coordinator) ActiveKey() domain.CartKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Subscribe возвращает канал снимков после каждого изменения и функцию отписки.
// Медленный подписчик получает только последний снимок.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		Key:          c.key,
		Phase:        c.phase,
		Items:        domain.CloneItems(c.items),
		Dirty:        c.dirty,
		Deferred:     len(c.deferred),
		MergePending: c.phase == PhaseMergePending,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Coordinator) notifyLocked() {
	if len(c.watchers) == 0 {
		return
	}
	snapshot := c.snapshotLocked()
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (c *Coordinator) setPhaseLocked(phase Phase) {
	if c.phase == phase {
		return
	}
	c.phase = phase
	c.metrics.SetPhase(string(phase), allPhases)
}

func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
