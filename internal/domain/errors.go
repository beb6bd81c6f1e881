package domain

import "errors"

var (
	// ErrCartNotFound: записи корзины по ключу нет; это нормальный исход (пустая корзина).
	ErrCartNotFound = errors.New("cart record not found")
	// ErrKeyNotFound: в key-value хранилище нет значения по ключу.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidCartKey: ключ корзины не определён или не подходит адаптеру.
	ErrInvalidCartKey = errors.New("invalid cart key")
	// ErrIdentityInit: не удалось прочитать или создать гостевой идентификатор сессии.
	ErrIdentityInit = errors.New("guest identity init failed")
	// ErrStorageRead: сбой чтения из бэкенда (I/O или десериализация).
	ErrStorageRead = errors.New("storage read failed")
	// ErrStorageWrite: сбой записи или удаления в бэкенде.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrMergeRead: слияние отменено, потому что одну из записей не удалось прочитать.
	ErrMergeRead = errors.New("merge read failed")
	// ErrMergeWrite: запись объединённой корзины в аккаунт не удалась; гостевая запись сохранена.
	ErrMergeWrite = errors.New("merge write failed")
	// ErrMergePending: предыдущее слияние не завершено, сохранения заблокированы до повтора.
	ErrMergePending = errors.New("merge pending")
	// ErrCoordinatorClosed: координатор остановлен и больше не принимает команды.
	ErrCoordinatorClosed = errors.New("coordinator closed")
	// ErrUnauthenticated: провайдер идентичности не подтвердил пользователя.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEventPublish: не удалось опубликовать событие корзины.
	ErrEventPublish = errors.New("cart event publish failed")
)

// IsNotFound проверяет, что ошибка означает отсутствие записи корзины.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCartNotFound)
}

// IsStorageError проверяет, что ошибка пришла из бэкенда хранения.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageRead) || errors.Is(err, ErrStorageWrite)
}
