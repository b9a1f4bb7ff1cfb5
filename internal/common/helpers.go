// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: часы (для подмены времени в тестах), обрезка строк для логов
// и повтор операций при временных сбоях хранилища.
package common

import (
	"sync"
	"time"
)

// Clock отдаёт текущее время. В проде — системные часы в UTC,
// в тестах — ManualClock, который двигается вручную.
type Clock interface {
	Now() time.Time
}

// SystemClock — реальные часы. Время всегда в UTC, чтобы окна лимитов
// и порядок в таблице лидеров не зависели от часового пояса сервера.
type SystemClock struct{}

// Now возвращает текущее время в UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock — часы для тестов.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock создаёт часы, остановленные на моменте t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

// Now возвращает текущее "остановленное" время.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы вперёд на d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Truncate обрезает строку до n символов (по рунам) и добавляет "...".
// Используется, чтобы не писать в логи целые тела запросов.
//
// Пример:
//
//	Truncate("привет мир", 6) → "привет..."
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
