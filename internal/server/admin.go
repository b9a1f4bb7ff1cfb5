package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/engagement/internal/common"
)

// Защита от перебора: столько неудач за окно с одного адреса или для
// одного admin id — и ключ не проверяется до конца окна.
const (
	adminMaxFailures   = 3
	adminFailureWindow = 1 * time.Hour
)

// AdminGate пропускает к админским маршрутам только запросы с X-Admin-ID
// и X-Admin-Key, совпадающим с Argon2id-хешем ADMIN_KEY_HASH.
type AdminGate struct {
	hash  string
	clock common.Clock

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewAdminGate создаёт гейт. Пустой hash — админка закрыта для всех.
func NewAdminGate(hash string, clock common.Clock) *AdminGate {
	return &AdminGate{
		hash:     hash,
		clock:    clock,
		failures: make(map[string][]time.Time),
	}
}

// Require — middleware для админских маршрутов.
func (g *AdminGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminID := strings.TrimSpace(r.Header.Get(HeaderAdminID))
		if err := g.Check(adminID, r.Header.Get(HeaderAdminKey), clientIP(r)); err != nil {
			RespondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, adminID)))
	})
}

// Check проверяет пару (admin id, ключ) от клиента с адресом ip.
// Неудачи считаются и по id, и по адресу: смена X-Admin-ID не сбрасывает счётчик.
func (g *AdminGate) Check(adminID, key, ip string) error {
	if g.hash == "" {
		return fmt.Errorf("%w: административный доступ не настроен", common.ErrAuthentication)
	}
	if adminID == "" || key == "" {
		return fmt.Errorf("%w: нужны заголовки %s и %s", common.ErrAuthentication, HeaderAdminID, HeaderAdminKey)
	}

	buckets := []string{"id:" + adminID, "ip:" + ip}
	now := g.clock.Now()
	for _, b := range buckets {
		if g.recentFailures(b, now) >= adminMaxFailures {
			return fmt.Errorf("%w: слишком много попыток, подождите", common.ErrAuthentication)
		}
	}

	if !verifyArgon2id(key, g.hash) {
		g.recordFailure(buckets, now)
		log.WithFields(log.Fields{"admin_id": adminID, "ip": ip}).Warn("Неверный ключ администратора")
		return fmt.Errorf("%w: неверный ключ администратора", common.ErrAuthentication)
	}

	g.mu.Lock()
	for _, b := range buckets {
		delete(g.failures, b)
	}
	g.mu.Unlock()
	return nil
}

func (g *AdminGate) recentFailures(bucket string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-adminFailureWindow)
	var recent []time.Time
	for _, t := range g.failures[bucket] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(g.failures, bucket)
	} else {
		g.failures[bucket] = recent
	}
	return len(recent)
}

func (g *AdminGate) recordFailure(buckets []string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range buckets {
		g.failures[b] = append(g.failures[b], now)
	}
}

// verifyArgon2id проверяет ключ против хеша.
// Формат хеша: $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>
func verifyArgon2id(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Некорректный формат хеша Argon2id")
		return false
	}

	var memory uint32
	var iterations uint32
	var parallelism uint8
	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism)
	if err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хеша")
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expectedHash)))

	// Сравниваем в постоянном времени (защита от timing attack)
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1
}

// HashAdminKey строит Argon2id-хеш в формате, который понимает AdminGate.
func HashAdminKey(key string, salt []byte, memory, iterations uint32, parallelism uint8) string {
	hash := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}
