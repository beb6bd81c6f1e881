package coordinator

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/cart"
	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/merge"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
)

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer c.unsubscribe()

	c.initialize(ctx)
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if !c.closed {
				c.markClosedLocked()
			}
			c.mu.Unlock()
			return
		case state, ok := <-c.identityCh:
			if !ok {
				c.identityCh = nil
				continue
			}
			c.onIdentity(ctx, state)
		case reply := <-c.refreshCh:
			reply <- c.refresh(ctx)
		case <-c.wake:
			c.progress(ctx)
		case reply := <-c.barrierCh:
			c.drain(ctx)
			close(reply)
		}
	}
}

// drain обрабатывает всё, что уже накоплено в каналах, не дожидаясь новых событий.
func (c *Coordinator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case state, ok := <-c.identityCh:
			if !ok {
				c.identityCh = nil
				continue
			}
			c.onIdentity(ctx, state)
		case <-c.wake:
			c.progress(ctx)
		default:
			return
		}
	}
}

func (c *Coordinator) initialize(ctx context.Context) {
	state, err := c.identity.Current(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("identity provider unavailable, starting as guest")
		state = domain.Anonymous()
	}
	c.transition(ctx, state)
}

func (c *Coordinator) onIdentity(ctx context.Context, state domain.AuthState) {
	if state.Same(c.auth) && !c.resolveFailed {
		// Повторное уведомление о входе: повод повторить незавершённое слияние.
		if state.Authenticated && c.hasPending() {
			_ = c.retryMerge(ctx)
		}
		return
	}
	c.transition(ctx, state)
}

// transition переключает активный ключ: сохраняет грязную корзину под старым ключом,
// разрешает новый ключ и либо сливает гостевую корзину в аккаунт, либо загружает новый ключ.
func (c *Coordinator) transition(ctx context.Context, next domain.AuthState) {
	c.auth = next

	prevKey, guestOverride := c.leave(ctx)

	nextKey, err := c.resolveKey(ctx, next)
	if c.isClosed() {
		return
	}
	if err != nil {
		c.resolveFailed = true
		c.mu.Lock()
		c.key = domain.CartKey{}
		c.lastErr = err
		c.setPhaseLocked(PhaseResolvingIdentity)
		c.notifyLocked()
		c.mu.Unlock()
		c.logger.WithError(err).Error("cart identity resolution failed, cart is kept in memory only")
		return
	}
	c.resolveFailed = false
	c.mu.Lock()
	c.setPhaseLocked(PhaseReady)
	c.mu.Unlock()

	c.metrics.RecordTransition(keyKind(prevKey), keyKind(nextKey))
	if prevKey != nextKey {
		c.logger.WithFields(log.Fields{
			"from": prevKey.String(),
			"to":   nextKey.String(),
		}).Info("cart identity changed")
		c.publish(ctx, domain.CartEvent{
			Type:        domain.CartEventIdentityChanged,
			Key:         nextKey,
			PreviousKey: prevKey,
		})
	}

	if nextKey.IsAccount() && !prevKey.IsAccount() {
		guestKey := prevKey
		if guestKey.IsZero() {
			// Старт уже вошедшим пользователем: гостевая запись могла остаться от прерванного слияния.
			sessionID, err := c.sessions.GetOrCreateGuestSessionID(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("guest session unavailable, skipping guest cart merge")
				c.loadKey(ctx, nextKey, false)
				return
			}
			guestKey = domain.GuestKey(sessionID)
		}
		c.mergeInto(ctx, guestKey, nextKey, guestOverride)
		return
	}

	c.loadKey(ctx, nextKey, false)
}

// leave закрывает сохранения и дописывает грязную корзину под уходящим ключом.
// Если сохранить гостевую корзину не удалось, её содержимое в памяти возвращается
// как источник для слияния, чтобы не потерять несохранённые позиции.
func (c *Coordinator) leave(ctx context.Context) (domain.CartKey, *domain.CartRecord) {
	c.mu.Lock()
	prevKey := c.key
	var unsaved *domain.CartRecord
	if c.dirty && c.phase.savesAllowed() {
		unsaved = &domain.CartRecord{Items: domain.CloneItems(c.items)}
	}
	c.dirty = false
	pending := c.pending
	c.pending = nil
	c.setPhaseLocked(PhaseResolvingIdentity)
	c.notifyLocked()
	c.mu.Unlock()

	if pending != nil {
		if pending.written {
			if err := c.delete(ctx, pending.guest); err != nil {
				c.logger.WithError(err).WithField("cart_key", pending.guest.String()).Warn("merged guest cart is still present")
			}
		} else {
			// Гостевая запись остаётся на месте и будет слита при следующем входе.
			c.logger.WithField("cart_key", pending.guest.String()).Warn("abandoning pending merge on identity change")
			if pending.source != nil {
				if err := c.save(ctx, pending.guest, *pending.source); err != nil {
					c.logger.WithError(err).WithField("cart_key", pending.guest.String()).Warn("unsaved guest cart lost on identity change")
				}
			}
		}
	}

	if unsaved == nil {
		return prevKey, nil
	}
	if err := c.save(ctx, prevKey, *unsaved); err != nil {
		c.logger.WithError(err).WithField("cart_key", prevKey.String()).Warn("failed to save cart before identity change")
		if prevKey.IsGuest() {
			return prevKey, unsaved
		}
	}
	return prevKey, nil
}

func (c *Coordinator) resolveKey(ctx context.Context, state domain.AuthState) (domain.CartKey, error) {
	if state.Authenticated {
		return domain.AccountKey(state.UserID), nil
	}
	sessionID, err := c.sessions.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		return domain.CartKey{}, err
	}
	return domain.GuestKey(sessionID), nil
}

// progress вызывается после мутаций: сохраняет грязную корзину или повторяет
// неудавшееся разрешение идентичности.
func (c *Coordinator) progress(ctx context.Context) {
	if c.resolveFailed {
		c.transition(ctx, c.auth)
		return
	}
	_ = c.flush(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) error {
	if c.isClosed() {
		return domain.ErrCoordinatorClosed
	}
	if c.hasPending() {
		return c.retryMerge(ctx)
	}
	if c.resolveFailed {
		c.transition(ctx, c.auth)
		return c.lastError()
	}

	c.mu.Lock()
	phase, key := c.phase, c.key
	c.mu.Unlock()

	if phase != PhaseLoaded {
		return nil
	}
	if err := c.flush(ctx); err != nil {
		return fmt.Errorf("save before refresh: %w", err)
	}
	return c.loadKey(ctx, key, true)
}

// loadKey читает корзину ключа и применяет отложенные мутации поверх неё.
// При ошибке чтения фаза всё равно становится Loaded: корзина открывается пустой (keep=false)
// или остаётся как была (keep=true), и следующая мутация сохраняет её целиком.
func (c *Coordinator) loadKey(ctx context.Context, key domain.CartKey, keep bool) error {
	c.mu.Lock()
	c.key = key
	c.setPhaseLocked(PhaseLoading)
	c.notifyLocked()
	c.mu.Unlock()

	record, err := c.load(ctx, key)
	if c.isClosed() {
		return domain.ErrCoordinatorClosed
	}

	switch {
	case err == nil:
		c.applyLoaded(key, record.Items)
	case domain.IsNotFound(err):
		c.applyLoaded(key, []domain.CartItem{})
	default:
		c.mu.Lock()
		c.lastErr = err
		if !keep {
			// Fail-open: корзина открывается пустой, мутации поверх неё сохраняются как обычно.
			c.items = cart.ReduceAll(cart.Empty(), c.deferred...).Items
		}
		c.dirty = c.dirty || len(c.deferred) > 0
		c.deferred = nil
		c.setPhaseLocked(PhaseLoaded)
		c.metrics.SetDeferred(0)
		c.notifyLocked()
		c.mu.Unlock()

		if !keep {
			c.logger.WithError(err).WithField("cart_key", key.String()).Error("cart load failed, opened empty cart")
		}
		_ = c.flush(ctx)
		return err
	}

	return c.flush(ctx)
}

// applyLoaded делает загруженные позиции текущим состоянием и открывает сохранения.
func (c *Coordinator) applyLoaded(key domain.CartKey, items []domain.CartItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.key = key
	c.items = cart.ReduceAll(cart.State{Items: items}, c.deferred...).Items
	c.dirty = c.dirty || len(c.deferred) > 0
	c.deferred = nil
	c.lastErr = nil
	c.setPhaseLocked(PhaseLoaded)
	c.metrics.SetDeferred(0)
	c.notifyLocked()
}

// flush сохраняет корзину, пока она грязная. Мутации во время Save приводят к ещё одному Save
// с последним состоянием. После ошибки корзина остаётся грязной до следующей мутации.
func (c *Coordinator) flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed || c.phase != PhaseLoaded || !c.dirty {
			c.mu.Unlock()
			return nil
		}
		key := c.key
		record := domain.CartRecord{Items: domain.CloneItems(c.items)}
		c.dirty = false
		c.setPhaseLocked(PhasePersisting)
		c.mu.Unlock()

		err := c.save(ctx, key, record)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return domain.ErrCoordinatorClosed
		}
		c.setPhaseLocked(PhaseLoaded)
		if err != nil {
			c.dirty = true
			c.lastErr = err
			c.notifyLocked()
			c.mu.Unlock()
			return err
		}
		c.lastErr = nil
		c.notifyLocked()
		c.mu.Unlock()

		if key.IsAccount() {
			c.publish(ctx, domain.CartEvent{
				Type:      domain.CartEventUpdated,
				Key:       key,
				ItemCount: len(record.Items),
			})
		}
	}
}

// mergeInto сливает гостевую корзину в корзину аккаунта ровно один раз.
// Сохранения закрыты на всё время слияния; гостевая запись удаляется только после успешной записи аккаунта.
func (c *Coordinator) mergeInto(ctx context.Context, guestKey, accountKey domain.CartKey, guestOverride *domain.CartRecord) {
	start := c.now()

	c.mu.Lock()
	c.key = accountKey
	c.setPhaseLocked(PhaseMerging)
	c.notifyLocked()
	c.mu.Unlock()

	fields := log.Fields{"guest_key": guestKey.String(), "account_key": accountKey.String()}

	guest := guestOverride
	if guest == nil {
		record, err := c.load(ctx, guestKey)
		if c.isClosed() {
			return
		}
		switch {
		case err == nil:
			guest = &record
		case domain.IsNotFound(err):
			// Гостевой корзины нет: сливать нечего.
			c.metrics.RecordMerge(metrics.MergeSkipped, 0)
			c.loadKey(ctx, accountKey, false)
			return
		default:
			c.failMerge(ctx, guestKey, accountKey, nil, fmt.Errorf("%w: guest %s: %w", domain.ErrMergeRead, guestKey, err), nil)
			c.metrics.RecordMerge(metrics.MergeReadFailed, c.now().Sub(start))
			return
		}
	}

	var account *domain.CartRecord
	record, err := c.load(ctx, accountKey)
	if c.isClosed() {
		return
	}
	switch {
	case err == nil:
		account = &record
	case domain.IsNotFound(err):
	default:
		// Аккаунт не прочитан: писать в него нельзя, иначе перезапишем чужие позиции.
		view := merge.Merge(guest, nil)
		c.failMerge(ctx, guestKey, accountKey, guestOverride, fmt.Errorf("%w: account %s: %w", domain.ErrMergeRead, accountKey, err), view.Items)
		c.metrics.RecordMerge(metrics.MergeReadFailed, c.now().Sub(start))
		return
	}

	merged := merge.Merge(guest, account)
	if err := c.save(ctx, accountKey, merged); err != nil {
		if c.isClosed() {
			return
		}
		c.failMerge(ctx, guestKey, accountKey, guestOverride, fmt.Errorf("%w: %w", domain.ErrMergeWrite, err), merged.Items)
		c.metrics.RecordMerge(metrics.MergeWriteFailed, c.now().Sub(start))
		return
	}
	if c.isClosed() {
		return
	}

	c.metrics.RecordMerge(metrics.MergeMerged, c.now().Sub(start))
	c.logger.WithFields(fields).WithField("items", len(merged.Items)).Info("guest cart merged into account")

	if err := c.delete(ctx, guestKey); err != nil {
		// Аккаунт уже содержит объединённые позиции: повторять нужно только удаление.
		c.logger.WithError(err).WithFields(fields).Warn("failed to delete merged guest cart, will retry")
		c.mu.Lock()
		c.pending = &pendingMerge{guest: guestKey, account: accountKey, written: true, err: err}
		c.mu.Unlock()
	}

	c.publish(ctx, domain.CartEvent{
		Type:        domain.CartEventMerged,
		Key:         accountKey,
		PreviousKey: guestKey,
		ItemCount:   len(merged.Items),
	})

	c.applyLoaded(accountKey, merged.Items)
	_ = c.flush(ctx)
}

// failMerge переводит координатор в MergePending. view: лучшее доступное представление
// корзины (nil оставляет текущее), поверх него применяются отложенные мутации.
// source: несохранённая гостевая корзина, которую повтор должен использовать вместо чтения.
func (c *Coordinator) failMerge(ctx context.Context, guestKey, accountKey domain.CartKey, source *domain.CartRecord, err error, view []domain.CartItem) {
	c.mu.Lock()
	c.pending = &pendingMerge{guest: guestKey, account: accountKey, source: source, err: err}
	c.lastErr = err
	if view != nil {
		c.items = cart.ReduceAll(cart.State{Items: view}, c.deferred...).Items
	}
	c.setPhaseLocked(PhaseMergePending)
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.WithError(err).WithFields(log.Fields{
		"guest_key":   guestKey.String(),
		"account_key": accountKey.String(),
	}).Error("guest cart merge failed, guest record retained")

	c.publish(ctx, domain.CartEvent{
		Type:        domain.CartEventMergeFailed,
		Key:         accountKey,
		PreviousKey: guestKey,
		Reason:      err.Error(),
	})
}

func (c *Coordinator) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Coordinator) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// retryMerge повторяет незавершённое слияние (или только удаление гостевой записи).
func (c *Coordinator) retryMerge(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return nil
	}

	if pending.written {
		if err := c.delete(ctx, pending.guest); err != nil {
			return fmt.Errorf("delete merged guest cart: %w", err)
		}
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return nil
	}

	c.logger.WithField("guest_key", pending.guest.String()).Info("retrying guest cart merge")
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	c.mergeInto(ctx, pending.guest, pending.account, pending.source)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && !c.pending.written {
		return fmt.Errorf("%w: %w", domain.ErrMergePending, c.pending.err)
	}
	return nil
}
