package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"serotonyl.ru/engagement/internal/common"
)

// Заголовки подписи входящего вебхука.
//
//	X-Webhook-Timestamp: {unix seconds}
//	X-Webhook-Signature: v1={hex},v1={hex}   (или просто {hex})
//
// Где hex = HMAC-SHA256(secret, "{timestamp}.{payload}").
// Несколько v1 — на время ротации секрета.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Verifier проверяет подпись и окно воспроизведения.
type Verifier struct {
	secrets   []string
	tolerance time.Duration
	clock     common.Clock
}

// NewVerifier создаёт проверку. Подходит подпись любым из secrets.
func NewVerifier(secrets []string, tolerance time.Duration, clock common.Clock) *Verifier {
	return &Verifier{secrets: secrets, tolerance: tolerance, clock: clock}
}

// Verify возвращает ErrSignatureInvalid, если подпись не сходится
// или метка времени дальше tolerance от текущего времени.
func (v *Verifier) Verify(payload []byte, signatureHeader, timestampHeader string) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: некорректный %s", common.ErrSignatureInvalid, HeaderTimestamp)
	}

	skew := v.clock.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: метка времени вне окна (%s)", common.ErrSignatureInvalid, skew.Truncate(time.Second))
	}

	candidates := parseSignatures(signatureHeader)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: нет подписи", common.ErrSignatureInvalid)
	}

	for _, secret := range v.secrets {
		expected, _ := hex.DecodeString(ComputeSignature(ts, payload, secret))
		for _, c := range candidates {
			if hmac.Equal(expected, c) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: подпись не совпадает", common.ErrSignatureInvalid)
}

// parseSignatures достаёт из заголовка все v1-подписи (или одну голую).
func parseSignatures(header string) [][]byte {
	var out [][]byte
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if scheme, value, ok := strings.Cut(part, "="); ok {
			if scheme != "v1" {
				continue
			}
			part = value
		}
		if b, err := hex.DecodeString(part); err == nil && len(b) == sha256.Size {
			out = append(out, b)
		}
	}
	return out
}

// ComputeSignature считает hex(HMAC-SHA256(secret, "{timestamp}.{payload}")).
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign возвращает значения заголовков подписи и времени для payload.
// Используется тестами и утилитами отправки.
func Sign(payload []byte, secret string, at time.Time) (signature, timestamp string) {
	ts := at.Unix()
	return "v1=" + ComputeSignature(ts, payload, secret), strconv.FormatInt(ts, 10)
}
