package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/metrics"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{common.ErrValidation, http.StatusBadRequest, "validation"},
		{common.ErrAuthentication, http.StatusUnauthorized, "authentication"},
		{common.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid"},
		{common.ErrNotFound, http.StatusNotFound, "not_found"},
		{common.ErrAlreadyUsed, http.StatusConflict, "already_used"},
		{common.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{common.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
		{errors.New("что-то сломалось"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := StatusFor(fmt.Errorf("обёртка: %w", tc.err))
		assert.Equal(t, tc.status, status, tc.err)
		assert.Equal(t, tc.code, code, tc.err)
	}
}

func TestRespondErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	RespondError(rec, req, errors.New("пароль от базы: hunter2"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = httptest.NewRecorder()
	RespondError(rec, req, fmt.Errorf("%w: таймаут", common.ErrStorageUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "storage_unavailable", body.Code)
}

func TestAdminGate(t *testing.T) {
	clock := common.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	hash := HashAdminKey("s3cret", []byte("salt-salt-salt!!"), 64, 1, 1)
	gate := NewAdminGate(hash, clock)

	require.NoError(t, gate.Check("alice", "s3cret", "10.0.0.1"))
	require.ErrorIs(t, gate.Check("", "s3cret", "10.0.0.1"), common.ErrAuthentication)
	require.ErrorIs(t, gate.Check("alice", "", "10.0.0.1"), common.ErrAuthentication)

	for range adminMaxFailures {
		require.ErrorIs(t, gate.Check("alice", "guess", "10.0.0.1"), common.ErrAuthentication)
	}
	// После трёх неудач даже верный ключ не принимается до конца окна
	require.ErrorIs(t, gate.Check("alice", "s3cret", "10.0.0.1"), common.ErrAuthentication)
	require.ErrorIs(t, gate.Check("alice", "s3cret", "10.0.0.2"), common.ErrAuthentication)
	require.ErrorIs(t, gate.Check("bob", "s3cret", "10.0.0.1"), common.ErrAuthentication)
	require.NoError(t, gate.Check("bob", "s3cret", "10.0.0.2"))

	clock.Advance(adminFailureWindow + time.Second)
	require.NoError(t, gate.Check("alice", "s3cret", "10.0.0.1"))

	closed := NewAdminGate("", clock)
	require.ErrorIs(t, closed.Check("alice", "s3cret", "10.0.0.1"), common.ErrAuthentication)
	assert.False(t, verifyArgon2id("s3cret", "$bcrypt$nope"))
}

func TestAdminGateRotatingIDStillLocked(t *testing.T) {
	clock := common.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	gate := NewAdminGate(HashAdminKey("k", []byte("0123456789abcdef"), 64, 1, 1), clock)

	h := gate.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	send := func(adminID, key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set(HeaderAdminID, adminID)
		req.Header.Set(HeaderAdminKey, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := range adminMaxFailures + 5 {
		assert.Equal(t, http.StatusUnauthorized, send(fmt.Sprintf("guess-%d", i), "wrong"))
	}
	// Новый id с того же адреса и верным ключом всё ещё заблокирован
	assert.Equal(t, http.StatusUnauthorized, send("fresh-id", "k"))

	clock.Advance(adminFailureWindow + time.Second)
	assert.Equal(t, http.StatusNoContent, send("fresh-id", "k"))
}

func TestAdminGateRequire(t *testing.T) {
	clock := common.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	gate := NewAdminGate(HashAdminKey("k", []byte("0123456789abcdef"), 64, 1, 1), clock)

	var seen string
	h := gate.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AdminFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAdminID, " root ")
	req.Header.Set(HeaderAdminKey, "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "root", seen)

	req.Header.Set(HeaderAdminKey, "nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Hour)
	defer rl.Close()

	for range 3 {
		assert.True(t, rl.Allow("member:a"))
	}
	assert.False(t, rl.Allow("member:a"))
	assert.True(t, rl.Allow("member:b"))
	rl.Close()
}

func TestIdentityMiddleware(t *testing.T) {
	var got Identity
	h := Identify(RequireMember(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = MemberFrom(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set(HeaderMemberID, "m1")
	req.Header.Set(HeaderMemberName, "Аня")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{MemberID: "m1", DisplayName: "Аня"}, got)
}

func TestServerRecoversAndLimitsBody(t *testing.T) {
	s := New(Options{MaxBodyBytes: 8}, metrics.New(), func(context.Context) error { return errors.New("база легла") })
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	s.Route("/v1", func(r chi.Router) {
		r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("бум") })
		r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
			var v map[string]any
			if err := DecodeJSON(r, &v); err != nil {
				RespondError(w, r, err)
				return
			}
			RespondJSON(w, http.StatusOK, v)
		})
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(`{"a":"слишком длинно"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5&bad=x&flag=true", nil)

	v, err := QueryInt(req, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = QueryInt(req, "offset", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = QueryInt(req, "bad", 0)
	require.ErrorIs(t, err, common.ErrValidation)

	assert.True(t, QueryBool(req, "flag"))
	assert.False(t, QueryBool(req, "missing"))
}
