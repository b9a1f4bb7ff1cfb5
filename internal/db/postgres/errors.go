package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"serotonyl.ru/engagement/internal/common"
)

// Коды PostgreSQL, после которых операцию можно повторить
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

// mapErr переводит ошибку pgx в ошибки движка:
// нет строки → ErrNotFound, таймаут/обрыв/конфликт → ErrStorageUnavailable.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", common.ErrNotFound, what)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: таймаут: %v", common.ErrStorageUnavailable, what, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", what, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientCodes[pgErr.Code], strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s: %s", common.ErrStorageUnavailable, what, pgErr.Message)
		case pgErr.Code == "22P02":
			// invalid_text_representation: кривой UUID в запросе — такой записи нет
			return fmt.Errorf("%w: %s", common.ErrNotFound, what)
		}
		return fmt.Errorf("%s: %w", what, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
