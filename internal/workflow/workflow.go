// Package workflow описывает конечный автомат жизненного цикла кредитной заявки.
//
// Статус заявки меняется только по рёбрам таблицы переходов:
//
//	submitted -> approved -> sanctioned -> disbursed
//	submitted -> rejected
//
// Каждый переход разрешён ровно одной роли и только из одного исходного статуса.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/loan-portal/internal/model"
)

var (
	// ErrUnknownAction возвращается для действия, которого нет в таблице переходов.
	ErrUnknownAction = errors.New("unknown action")
	// ErrUnauthorized возвращается, если роль пользователя не может выполнить действие.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition возвращается, если текущий статус заявки не допускает действие.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Rule описывает одну строку таблицы переходов.
type Rule struct {
	Action model.Action
	Role   model.Role
	From   model.Status
	To     model.Status
}

var rules = map[model.Action]Rule{
	model.ActionApprove:  {Action: model.ActionApprove, Role: model.RoleAdmin, From: model.StatusSubmitted, To: model.StatusApproved},
	model.ActionReject:   {Action: model.ActionReject, Role: model.RoleAdmin, From: model.StatusSubmitted, To: model.StatusRejected},
	model.ActionSanction: {Action: model.ActionSanction, Role: model.RoleBranch, From: model.StatusApproved, To: model.StatusSanctioned},
	model.ActionDisburse: {Action: model.ActionDisburse, Role: model.RoleBranch, From: model.StatusSanctioned, To: model.StatusDisbursed},
}

// Params содержит необязательные поля, которые переход записывает в историю.
type Params struct {
	Reason          string
	DisbursementRef string
}

// Lookup возвращает правило для действия.
func Lookup(action model.Action) (Rule, error) {
	r, ok := rules[action]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return r, nil
}

// Authorize проверяет, что роль пользователя может выполнить действие.
func (r Rule) Authorize(id model.Identity) error {
	if id.IsAnonymous() || id.Role != r.Role {
		return fmt.Errorf("%w: role %q cannot %s", ErrUnauthorized, id.Role, r.Action)
	}
	return nil
}

// Check проверяет, что действие допустимо из текущего статуса.
func (r Rule) Check(current model.Status) error {
	if current != r.From {
		return fmt.Errorf("%w: cannot %s from status %s", ErrInvalidTransition, r.Action, current)
	}
	return nil
}

// Entry формирует запись истории для перехода.
func (r Rule) Entry(id model.Identity, at time.Time, p Params) model.HistoryEntry {
	e := model.HistoryEntry{
		At:     at,
		By:     id.Username,
		Action: r.Action,
	}

	switch r.Action {
	case model.ActionApprove, model.ActionReject:
		e.Reason = strings.TrimSpace(p.Reason)
	case model.ActionDisburse:
		e.DisbursementRef = strings.TrimSpace(p.DisbursementRef)
	}

	return e
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func Terminal(s model.Status) bool {
	for _, r := range rules {
		if r.From == s {
			return false
		}
	}
	return true
}

// CanReach сообщает, достижим ли статус to из статуса from по рёбрам таблицы.
func CanReach(from, to model.Status) bool {
	if from == to {
		return true
	}
	for _, r := range rules {
		if r.From == from && CanReach(r.To, to) {
			return true
		}
	}
	return false
}

// Replay прогоняет историю заявки через автомат и возвращает итоговый статус.
// Первая запись обязана быть подачей заявки.
func Replay(history []model.HistoryEntry) (model.Status, error) {
	if len(history) == 0 || history[0].Action != model.ActionSubmitted {
		return "", fmt.Errorf("%w: history must start with %s", ErrInvalidTransition, model.ActionSubmitted)
	}

	status := model.StatusSubmitted
	for _, e := range history[1:] {
		r, err := Lookup(e.Action)
		if err != nil {
			return "", err
		}
		if err := r.Check(status); err != nil {
			return "", err
		}
		status = r.To
	}

	return status, nil
}
