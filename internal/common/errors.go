// Package common — errors.go определяет ошибки движка начисления очков,
// которые используются во всех модулях.
// Эти ошибки позволяют обработчикам различать типы проблем
// (errors.Is) и отвечать клиенту правильным HTTP-статусом.
// Места вызова оборачивают их через fmt.Errorf("%w: ...") с подробностями.
package common

import "errors"

// Ошибки входных данных и доступа
var (
	// ErrValidation — некорректные или неполные данные, исправляется клиентом
	ErrValidation = errors.New("некорректные данные")
	// ErrAuthentication — нет или неверная идентификация вызывающего
	ErrAuthentication = errors.New("требуется аутентификация")
	// ErrSignatureInvalid — подпись вебхука не прошла проверку
	ErrSignatureInvalid = errors.New("неверная подпись вебхука")
)

// Ошибки начисления очков
var (
	// ErrRateLimited — превышен лимит событий данного типа за окно;
	// событие сохранено для аудита, но очки не начислены
	ErrRateLimited = errors.New("превышен лимит активности")
)

// Ошибки наград
var (
	// ErrNotFound — запись не найдена (участник, награда, разблокировка)
	ErrNotFound = errors.New("не найдено")
	// ErrAlreadyUsed — одноразовая награда уже использована
	ErrAlreadyUsed = errors.New("награда уже использована")
)

// Ошибки инфраструктуры
var (
	// ErrStorageUnavailable — хранилище временно недоступно (таймаут, обрыв,
	// конфликт сериализации). Операцию можно повторить.
	ErrStorageUnavailable = errors.New("хранилище временно недоступно")
	// ErrPoisonEvent — вебхук исчерпал лимит повторов и ждёт ручного разбора
	ErrPoisonEvent = errors.New("вебхук исчерпал лимит повторов")
)

// IsRetryable сообщает, можно ли повторить операцию, вернувшую err.
// Повторяются только временные ошибки хранилища.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
