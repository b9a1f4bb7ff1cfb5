// Package members управляет состоянием членства участников: вступление,
// смена имени и отмена подписки по событиям внешней платформы.
// Очки и уровни здесь не меняются, это делает ledger.
package members

import "time"

// Change — изменение профиля или членства, пришедшее извне.
// At — время события у отправителя; более старые изменения статуса и имени,
// пришедшие после более новых, игнорируются.
type Change struct {
	MemberID    string
	DisplayName string
	At          time.Time
}
