package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/workflow"
)

// VisibilityFilter возвращает предикат видимости заявок для пользователя.
// Фильтр по статусу только сужает выборку. Для анонимного пользователя, неизвестной роли
// или отдела/отделения без ссылки на владельца выборка пуста.
func VisibilityFilter(id model.Identity, status *model.Status) repository.ApplicationFilter {
	f := repository.ApplicationFilter{Status: status}

	switch id.Role {
	case model.RoleAdmin:
	case model.RoleDepartment:
		if id.DepartmentID == nil {
			return repository.ApplicationFilter{MatchNone: true}
		}
		dept := *id.DepartmentID
		f.DepartmentID = &dept
	case model.RoleBranch:
		if id.BranchID == nil {
			return repository.ApplicationFilter{MatchNone: true}
		}
		branch := *id.BranchID
		f.BranchID = &branch
	default:
		return repository.ApplicationFilter{MatchNone: true}
	}

	return f
}

// requireActiveOwner проверяет, что отдел или отделение пользователя не удалены.
// Сессия может пережить удаление владельца.
func (s *Service) requireActiveOwner(ctx context.Context, id model.Identity) error {
	var (
		active bool
		err    error
	)
	switch id.Role {
	case model.RoleDepartment:
		if id.DepartmentID == nil {
			return fmt.Errorf("%w: session has no department", workflow.ErrUnauthorized)
		}
		var d *model.Department
		if d, err = s.repo.GetDepartment(ctx, *id.DepartmentID); err == nil {
			active = d.Active
		}
	case model.RoleBranch:
		if id.BranchID == nil {
			return fmt.Errorf("%w: session has no branch", workflow.ErrUnauthorized)
		}
		var b *model.Branch
		if b, err = s.repo.GetBranch(ctx, *id.BranchID); err == nil {
			active = b.Active
		}
	default:
		return nil
	}

	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lookup session owner: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: %s account is deactivated", workflow.ErrUnauthorized, id.Role)
	}
	return nil
}
