package webhooks

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/engagement/internal/common"
)

func TestVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := common.NewManualClock(now)
	v := NewVerifier([]string{"current", "previous"}, 5*time.Minute, clock)
	payload := []byte(`{"id":"evt_1","type":"member.joined"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	t.Run("валидная подпись", func(t *testing.T) {
		sig, ts := Sign(payload, "current", now)
		require.NoError(t, v.Verify(payload, sig, ts))
	})

	t.Run("старый секрет во время ротации", func(t *testing.T) {
		sig, ts := Sign(payload, "previous", now)
		require.NoError(t, v.Verify(payload, sig, ts))
	})

	t.Run("несколько v1 в заголовке", func(t *testing.T) {
		bad := ComputeSignature(now.Unix(), payload, "other")
		good := ComputeSignature(now.Unix(), payload, "current")
		require.NoError(t, v.Verify(payload, "v1="+bad+", v0=zzz, v1="+good, ts))
	})

	t.Run("голый hex", func(t *testing.T) {
		require.NoError(t, v.Verify(payload, ComputeSignature(now.Unix(), payload, "current"), ts))
	})

	t.Run("чужой секрет", func(t *testing.T) {
		sig, ts := Sign(payload, "intruder", now)
		require.ErrorIs(t, v.Verify(payload, sig, ts), common.ErrSignatureInvalid)
	})

	t.Run("изменённое тело", func(t *testing.T) {
		sig, ts := Sign(payload, "current", now)
		require.ErrorIs(t, v.Verify([]byte(`{"id":"evt_2"}`), sig, ts), common.ErrSignatureInvalid)
	})

	t.Run("метка вне окна", func(t *testing.T) {
		for _, at := range []time.Time{now.Add(-6 * time.Minute), now.Add(6 * time.Minute)} {
			sig, ts := Sign(payload, "current", at)
			require.ErrorIs(t, v.Verify(payload, sig, ts), common.ErrSignatureInvalid)
		}
	})

	t.Run("метка на границе окна", func(t *testing.T) {
		sig, ts := Sign(payload, "current", now.Add(-5*time.Minute))
		require.NoError(t, v.Verify(payload, sig, ts))
	})

	t.Run("битые заголовки", func(t *testing.T) {
		sig, _ := Sign(payload, "current", now)
		require.ErrorIs(t, v.Verify(payload, sig, "вчера"), common.ErrSignatureInvalid)
		require.ErrorIs(t, v.Verify(payload, "", ts), common.ErrSignatureInvalid)
		require.ErrorIs(t, v.Verify(payload, "v1=nothex", ts), common.ErrSignatureInvalid)
	})
}

func TestComputeSignatureCoversTimestamp(t *testing.T) {
	got := ComputeSignature(1700000000, []byte(`{}`), "secret")
	assert.Len(t, got, 64)
	assert.Equal(t, got, ComputeSignature(1700000000, []byte(`{}`), "secret"))
	assert.NotEqual(t, got, ComputeSignature(1700000001, []byte(`{}`), "secret"))
}
