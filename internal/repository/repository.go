// Package repository содержит хранилища заявок, справочников и учётных записей.
package repository

import (
	"errors"

	"github.com/google/uuid"

	"github.com/mmeshcher/loan-portal/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении уникальности.
	ErrConflict = errors.New("already exists")
	// ErrUnavailable возвращается при недоступности хранилища.
	ErrUnavailable = errors.New("storage unavailable")
)

// ApplicationFilter задаёт предикат выборки заявок. Все непустые условия объединяются через AND.
type ApplicationFilter struct {
	// MatchNone означает пустой результат независимо от остальных условий.
	MatchNone    bool
	DepartmentID *uuid.UUID
	BranchID     *uuid.UUID
	Status       *model.Status
}

// Matches применяет фильтр к заявке.
func (f ApplicationFilter) Matches(a *model.Application) bool {
	if f.MatchNone {
		return false
	}
	if f.DepartmentID != nil && (a.DepartmentID == nil || *a.DepartmentID != *f.DepartmentID) {
		return false
	}
	if f.BranchID != nil && a.BranchID != *f.BranchID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	return true
}

// ApplicationPatch описывает изменение заявки при переходе.
type ApplicationPatch struct {
	Status          model.Status
	DisbursementRef *string
	Entry           model.HistoryEntry
}

// DepartmentPatch описывает частичное обновление отдела.
type DepartmentPatch struct {
	Name         *string
	Code         *string
	Description  *string
	Active       *bool
	Username     *string
	PasswordHash []byte
}

// StatusCount содержит количество заявок отдела в одном статусе.
type StatusCount struct {
	DepartmentID uuid.UUID
	Status       model.Status
	Count        int
}
