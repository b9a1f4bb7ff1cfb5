// Package config загружает конфигурацию сервиса из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
// Правила начисления (уровни, политики активности, маппинг вебхуков)
// живут отдельно, в YAML-файле, см. rules.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Политики отрицательной корректировки
const (
	// AdjustmentFloor — итог не опускается ниже нуля, фактическая дельта урезается
	AdjustmentFloor = "floor"
	// AdjustmentReject — корректировка, уводящая итог в минус, отклоняется
	AdjustmentReject = "reject"
)

// Драйверы хранилища
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- HTTP ---
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	HTTPWriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	// Максимальный размер тела запроса (вебхуки, события)
	HTTPMaxBodyBytes int64 `envconfig:"HTTP_MAX_BODY_BYTES" default:"1048576"`

	// --- Storage ---
	// postgres | memory (memory — только для локального запуска и тестов)
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	// Таймаут на одну операцию хранилища; истечение = ErrStorageUnavailable
	StorageTimeout time.Duration `envconfig:"STORAGE_TIMEOUT" default:"5s"`
	// Сколько раз пробуем операцию при временной ошибке хранилища
	StorageMaxTries uint `envconfig:"STORAGE_MAX_TRIES" default:"3"`

	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно.
	// Дефолт ставим "postgres" (имя сервиса в docker-compose), а для локалки переопределяй DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"engagement"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"engagement"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`
	// Сообщество, которому принадлежат награды по умолчанию
	CommunityID string `envconfig:"COMMUNITY_ID" default:"default"`
	// Путь к YAML с правилами; пусто = встроенные правила
	RulesFile string `envconfig:"RULES_FILE"`

	// --- Admin ---
	// Argon2id-хеш административного ключа (scripts/generate_hash.go).
	// Пусто = админские маршруты всегда отвечают 401.
	AdminKeyHash string `envconfig:"ADMIN_KEY_HASH"`
	// floor | reject
	AdjustmentNegativePolicy string `envconfig:"ADJUSTMENT_NEGATIVE_POLICY" default:"floor"`

	// --- Webhooks ---
	// Несколько секретов через запятую — для ротации (первый — текущий)
	WebhookSecretsRaw string   `envconfig:"WEBHOOK_SECRETS" required:"true"`
	WebhookSecrets    []string `ignored:"true"` // заполним вручную
	// Допустимое расхождение X-Webhook-Timestamp с нашими часами
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
	// Потолок повторов: запись с retry_count > потолка — poison
	WebhookMaxRetries int `envconfig:"WEBHOOK_MAX_RETRIES" default:"3"`
	// Расписание cron для sweep-а повторов
	WebhookRetrySchedule string `envconfig:"WEBHOOK_RETRY_SCHEDULE" default:"@every 5m"`
	// Сколько записей забираем за один проход
	WebhookRetryBatch int `envconfig:"WEBHOOK_RETRY_BATCH" default:"100"`
	// Через сколько "processing" считается брошенной (упал процесс посреди обработки)
	WebhookProcessingLease time.Duration `envconfig:"WEBHOOK_PROCESSING_LEASE" default:"10m"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Tracing ---
	// Пусто = трейсинг выключен
	OtelEndpoint    string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"engagement"`

	// --- Feature Flags ---
	FeatureWebhooksEnabled    bool `envconfig:"FEATURE_WEBHOOKS_ENABLED" default:"true"`
	FeatureRetrySweepEnabled  bool `envconfig:"FEATURE_RETRY_SWEEP_ENABLED" default:"true"`
	FeatureRulesReloadEnabled bool `envconfig:"FEATURE_RULES_RELOAD_ENABLED" default:"true"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD обязателен для STORAGE_DRIVER=postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("неизвестный STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT должен быть > 0")
	}
	if c.StorageMaxTries == 0 {
		return fmt.Errorf("STORAGE_MAX_TRIES должен быть > 0")
	}
	if c.AdjustmentNegativePolicy != AdjustmentFloor && c.AdjustmentNegativePolicy != AdjustmentReject {
		return fmt.Errorf("ADJUSTMENT_NEGATIVE_POLICY должен быть floor или reject, получено %q", c.AdjustmentNegativePolicy)
	}
	if len(c.WebhookSecrets) == 0 {
		return fmt.Errorf("WEBHOOK_SECRETS не задан")
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE должен быть > 0")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES не может быть отрицательным")
	}
	if c.WebhookRetryBatch <= 0 {
		return fmt.Errorf("WEBHOOK_RETRY_BATCH должен быть > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("некорректные RATE_LIMIT_REQUESTS/RATE_LIMIT_WINDOW")
	}
	if c.HTTPMaxBodyBytes <= 0 {
		return fmt.Errorf("HTTP_MAX_BODY_BYTES должен быть > 0")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	cfg.WebhookSecrets = parseCSV(cfg.WebhookSecretsRaw)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
