package service

import (
	"rentflow/internal/domain"
	"rentflow/internal/models"
)

// Actor identifies who asks for a status change.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorCustomer Actor = "customer"
	ActorAdmin    Actor = "admin"
	ActorGateway  Actor = "gateway"
)

var forwardRank = map[string]int{
	models.StatusPending:   0,
	models.StatusConfirmed: 1,
	models.StatusPaid:      2,
	models.StatusCompleted: 3,
}

// IsTerminal reports whether no ordinary transition leaves status.
func IsTerminal(status string) bool {
	switch status {
	case models.StatusCancelled, models.StatusRejected, models.StatusNoShow, models.StatusDisputed:
		return true
	}
	return false
}

// CanTransition reports whether actor may move a booking from one status to another.
//
//	pending -> confirmed -> paid -> completed    system, skipping allowed
//	pending|confirmed|paid -> cancelled          customer, admin, system
//	paid|completed -> disputed                   gateway, admin
//	paid -> confirmed                            admin only
func CanTransition(from, to string, actor Actor) bool {
	if from == to {
		return false
	}
	switch to {
	case models.StatusCancelled:
		if actor == ActorGateway {
			return false
		}
		return from == models.StatusPending || from == models.StatusConfirmed || from == models.StatusPaid
	case models.StatusDisputed:
		if actor != ActorGateway && actor != ActorAdmin {
			return false
		}
		return from == models.StatusPaid || from == models.StatusCompleted
	}

	fromRank, okFrom := forwardRank[from]
	toRank, okTo := forwardRank[to]
	if !okFrom || !okTo {
		return false
	}
	if toRank > fromRank {
		return actor == ActorSystem
	}
	return actor == ActorAdmin && from == models.StatusPaid && to == models.StatusConfirmed
}

// ValidateTransition returns a conflict error for a disallowed move.
func ValidateTransition(from, to string, actor Actor) error {
	if !CanTransition(from, to, actor) {
		return domain.InvalidTransition(from, to)
	}
	return nil
}
