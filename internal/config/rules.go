package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/store"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Что делать с очками выше лимита типа активности
const (
	OverCapClamp  = "clamp"
	OverCapReject = "reject"
)

// ActivityPolicy — правила начисления для одного типа активности.
type ActivityPolicy struct {
	Enabled       bool   `yaml:"enabled"`
	DefaultPoints int64  `yaml:"default_points"`
	MaxPoints     int64  `yaml:"max_points"`
	OverCap       string `yaml:"over_cap"`

	// Не больше MaxPerWindow засчитанных событий за скользящее окно Window
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`

	// Только для chat-message: минимум слов (если передан text) и длины
	MinWords  int `yaml:"min_words"`
	MinLength int `yaml:"min_length"`

	RequiredMetadata []string `yaml:"required_metadata"`
}

// WebhookRules — сколько очков дают события внешней платформы.
type WebhookRules struct {
	MemberJoinedPoints    int64 `yaml:"member_joined_points"`
	CourseCompletedPoints int64 `yaml:"course_completed_points"`
	// Очки за каждую целую денежную единицу покупки
	PurchasePointsPerUnit int64 `yaml:"purchase_points_per_unit"`
	// Сколько минимальных единиц (копеек) в одной денежной единице
	PurchaseMinorUnits int64 `yaml:"purchase_minor_units"`
	PurchaseMaxPoints  int64 `yaml:"purchase_max_points"`
}

// Rules — неизменяемый снимок правил. Операция берёт снимок один раз
// в начале и работает с ним до конца, даже если правила перечитали.
type Rules struct {
	Tiers      tiers.Definition
	Activities map[string]ActivityPolicy
	Webhooks   WebhookRules
}

type rulesFile struct {
	Tiers      []tiers.Tier              `yaml:"tiers"`
	Activities map[string]ActivityPolicy `yaml:"activities"`
	Webhooks   WebhookRules              `yaml:"webhooks"`
}

// ParseRules разбирает и проверяет YAML с правилами.
// Неизвестные поля — ошибка (опечатка в конфиге не должна молча игнорироваться).
func ParseRules(data []byte) (*Rules, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rulesFile
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ошибка разбора правил: %w", err)
	}

	def, err := tiers.NewDefinition(raw.Tiers)
	if err != nil {
		return nil, fmt.Errorf("некорректные уровни: %w", err)
	}

	activities := make(map[string]ActivityPolicy, len(raw.Activities))
	for kind, p := range raw.Activities {
		if !slices.Contains(store.ActivityKinds, kind) {
			return nil, fmt.Errorf("неизвестный тип активности %q в правилах", kind)
		}
		if p.OverCap == "" {
			p.OverCap = OverCapClamp
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("правила %s: %w", kind, err)
		}
		activities[kind] = p
	}

	if raw.Webhooks.PurchaseMinorUnits == 0 {
		raw.Webhooks.PurchaseMinorUnits = 100
	}
	if err := raw.Webhooks.validate(); err != nil {
		return nil, fmt.Errorf("правила вебхуков: %w", err)
	}

	return &Rules{Tiers: def, Activities: activities, Webhooks: raw.Webhooks}, nil
}

func (p ActivityPolicy) validate() error {
	if p.OverCap != OverCapClamp && p.OverCap != OverCapReject {
		return fmt.Errorf("over_cap должен быть clamp или reject, получено %q", p.OverCap)
	}
	if p.DefaultPoints < 0 || p.MaxPoints < 0 {
		return fmt.Errorf("очки не могут быть отрицательными")
	}
	if p.MaxPoints > 0 && p.DefaultPoints > p.MaxPoints {
		return fmt.Errorf("default_points (%d) больше max_points (%d)", p.DefaultPoints, p.MaxPoints)
	}
	if p.MaxPerWindow < 0 {
		return fmt.Errorf("max_per_window не может быть отрицательным")
	}
	if p.MaxPerWindow > 0 && p.Window <= 0 {
		return fmt.Errorf("max_per_window задан без window")
	}
	if p.MinWords < 0 || p.MinLength < 0 {
		return fmt.Errorf("min_words/min_length не могут быть отрицательными")
	}
	return nil
}

func (w WebhookRules) validate() error {
	if w.MemberJoinedPoints < 0 || w.CourseCompletedPoints < 0 ||
		w.PurchasePointsPerUnit < 0 || w.PurchaseMaxPoints < 0 || w.PurchaseMinorUnits < 0 {
		return fmt.Errorf("значения не могут быть отрицательными")
	}
	return nil
}

// LoadRules читает правила из файла; пустой путь — встроенные правила.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return ParseRules(defaultRulesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать %s: %w", path, err)
	}
	return ParseRules(data)
}

// DefaultRules — встроенные правила. Паникует, если встроенный YAML сломан.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("встроенные правила некорректны: %v", err))
	}
	return r
}

// RulesProvider хранит актуальный снимок правил.
// Reload подменяет снимок атомарно; при ошибке остаётся старый.
type RulesProvider struct {
	path    string
	current atomic.Pointer[Rules]
}

// NewRulesProvider загружает правила из path (пусто = встроенные).
func NewRulesProvider(path string) (*RulesProvider, error) {
	r, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	p := &RulesProvider{path: path}
	p.current.Store(r)
	return p, nil
}

// StaticRules оборачивает готовый снимок (тесты).
func StaticRules(r *Rules) *RulesProvider {
	p := &RulesProvider{}
	p.current.Store(r)
	return p
}

// Current возвращает текущий снимок.
func (p *RulesProvider) Current() *Rules {
	return p.current.Load()
}

// TierDefinition реализует tiers.Source.
func (p *RulesProvider) TierDefinition() tiers.Definition {
	return p.current.Load().Tiers
}

// Reload перечитывает файл правил.
func (p *RulesProvider) Reload() error {
	r, err := LoadRules(p.path)
	if err != nil {
		return err
	}
	p.current.Store(r)
	log.WithFields(log.Fields{
		"path":       p.path,
		"tiers":      len(r.Tiers.Tiers()),
		"activities": len(r.Activities),
	}).Info("Правила начисления перечитаны")
	return nil
}
