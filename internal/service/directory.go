package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/validation"
)

// BankInput содержит поля нового банка.
type BankInput struct {
	Name string
	Code string
}

// BranchInput содержит поля нового отделения и его учётной записи.
type BranchInput struct {
	BankID   string
	Name     string
	Code     string
	Username string
	Password string
}

// DepartmentInput содержит поля нового отдела и его учётной записи.
type DepartmentInput struct {
	Name        string
	Code        string
	Description string
	Username    string
	Password    string
}

// DepartmentUpdate содержит изменяемые поля отдела. nil означает «не менять».
type DepartmentUpdate struct {
	Name        *string
	Code        *string
	Description *string
	Active      *bool
	Username    *string
	Password    *string
}

// ListBanks возвращает активные банки.
func (s *Service) ListBanks(ctx context.Context) ([]model.Bank, error) {
	banks, err := s.repo.ListBanks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list banks: %w", err)
	}
	if banks == nil {
		banks = []model.Bank{}
	}
	return banks, nil
}

// CreateBank регистрирует банк.
func (s *Service) CreateBank(ctx context.Context, id model.Identity, in BankInput) (*model.Bank, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}

	v := &validation.Error{}
	name := v.Required("name", in.Name)
	if err := v.Err(); err != nil {
		return nil, err
	}

	b := &model.Bank{
		ID:        uuid.New(),
		Name:      name,
		Code:      validation.Optional(in.Code),
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateBank(ctx, b); err != nil {
		return nil, fmt.Errorf("create bank: %w", err)
	}

	s.logger.Info("bank created", zap.String("bank_id", b.ID.String()), zap.String("name", b.Name))
	return b, nil
}

// DeleteBank помечает банк удалённым вместе с его отделениями.
func (s *Service) DeleteBank(ctx context.Context, id model.Identity, bankID uuid.UUID) error {
	if err := requireAdmin(id); err != nil {
		return err
	}
	if err := s.repo.DeactivateBank(ctx, bankID); err != nil {
		return fmt.Errorf("deactivate bank %s: %w", bankID, err)
	}
	s.logger.Info("bank deactivated", zap.String("bank_id", bankID.String()))
	return nil
}

// ListBranches возвращает активные отделения, при необходимости только одного банка.
func (s *Service) ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error) {
	branches, err := s.repo.ListBranches(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	if branches == nil {
		branches = []model.Branch{}
	}
	return branches, nil
}

// CreateBranch регистрирует отделение банка и его учётную запись.
func (s *Service) CreateBranch(ctx context.Context, id model.Identity, in BranchInput) (*model.Branch, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}

	v := &validation.Error{}
	bankID := v.ID("bankId", in.BankID)
	name := v.Required("name", in.Name)
	username := v.Required("username", in.Username)
	s.checkPassword(v, in.Password)
	if err := v.Err(); err != nil {
		return nil, err
	}

	bank, err := s.repo.GetBank(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("bank %s: %w", bankID, err)
	}
	if !bank.Active {
		return nil, fmt.Errorf("bank %s: %w", bankID, repository.ErrNotFound)
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	b := &model.Branch{
		ID:        uuid.New(),
		BankID:    bank.ID,
		Name:      name,
		Code:      validation.Optional(in.Code),
		Username:  username,
		Active:    true,
		CreatedAt: now,
	}
	u := &model.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         model.RoleBranch,
		Active:       true,
		CreatedAt:    now,
	}
	if err := s.repo.CreateBranch(ctx, b, u); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	s.logger.Info("branch created",
		zap.String("branch_id", b.ID.String()),
		zap.String("bank_id", bank.ID.String()),
	)
	return b, nil
}

// UpdateBranchCredentials меняет логин и пароль отделения.
func (s *Service) UpdateBranchCredentials(ctx context.Context, id model.Identity, branchID uuid.UUID, username, password string) error {
	if err := requireAdmin(id); err != nil {
		return err
	}

	v := &validation.Error{}
	username = v.Required("username", username)
	s.checkPassword(v, password)
	if err := v.Err(); err != nil {
		return err
	}

	branch, err := s.repo.GetBranch(ctx, branchID)
	if err != nil {
		return fmt.Errorf("branch %s: %w", branchID, err)
	}
	if !branch.Active {
		return fmt.Errorf("branch %s: %w", branchID, repository.ErrNotFound)
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateBranchCredentials(ctx, branchID, username, hash); err != nil {
		return fmt.Errorf("update branch %s credentials: %w", branchID, err)
	}

	s.logger.Info("branch credentials updated", zap.String("branch_id", branchID.String()))
	return nil
}

// DeleteBranch помечает отделение удалённым.
func (s *Service) DeleteBranch(ctx context.Context, id model.Identity, branchID uuid.UUID) error {
	if err := requireAdmin(id); err != nil {
		return err
	}
	if err := s.repo.DeactivateBranch(ctx, branchID); err != nil {
		return fmt.Errorf("deactivate branch %s: %w", branchID, err)
	}
	s.logger.Info("branch deactivated", zap.String("branch_id", branchID.String()))
	return nil
}

// ListDepartments возвращает активные отделы.
func (s *Service) ListDepartments(ctx context.Context) ([]model.Department, error) {
	departments, err := s.repo.ListDepartments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	if departments == nil {
		departments = []model.Department{}
	}
	return departments, nil
}

// CreateDepartment регистрирует отдел и его учётную запись.
func (s *Service) CreateDepartment(ctx context.Context, id model.Identity, in DepartmentInput) (*model.Department, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}

	v := &validation.Error{}
	name := v.Required("name", in.Name)
	username := v.Required("username", in.Username)
	s.checkPassword(v, in.Password)
	if err := v.Err(); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	d := &model.Department{
		ID:          uuid.New(),
		Name:        name,
		Username:    username,
		Code:        validation.Optional(in.Code),
		Description: validation.Optional(in.Description),
		Active:      true,
		CreatedAt:   now,
	}
	u := &model.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         model.RoleDepartment,
		Active:       true,
		CreatedAt:    now,
	}
	if err := s.repo.CreateDepartment(ctx, d, u); err != nil {
		return nil, fmt.Errorf("create department: %w", err)
	}

	s.logger.Info("department created", zap.String("department_id", d.ID.String()), zap.String("name", d.Name))
	return d, nil
}

// UpdateDepartment частично обновляет отдел. Логин, пароль и активность
// переносятся на учётную запись отдела.
func (s *Service) UpdateDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID, in DepartmentUpdate) (*model.Department, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}

	v := &validation.Error{}
	var patch repository.DepartmentPatch
	if in.Name != nil {
		name := v.Required("name", *in.Name)
		patch.Name = &name
	}
	if in.Username != nil {
		username := v.Required("username", *in.Username)
		patch.Username = &username
	}
	if in.Password != nil {
		s.checkPassword(v, *in.Password)
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if in.Code != nil {
		code := strings.TrimSpace(*in.Code)
		patch.Code = &code
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		patch.Description = &desc
	}
	patch.Active = in.Active

	if in.Password != nil {
		hash, err := s.hashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		patch.PasswordHash = hash
	}

	if err := s.repo.UpdateDepartment(ctx, deptID, patch); err != nil {
		return nil, fmt.Errorf("update department %s: %w", deptID, err)
	}

	d, err := s.repo.GetDepartment(ctx, deptID)
	if err != nil {
		return nil, fmt.Errorf("department %s: %w", deptID, err)
	}

	s.logger.Info("department updated", zap.String("department_id", deptID.String()))
	return d, nil
}

// DeleteDepartment помечает отдел удалённым. Его заявки сохраняются.
func (s *Service) DeleteDepartment(ctx context.Context, id model.Identity, deptID uuid.UUID) error {
	if err := requireAdmin(id); err != nil {
		return err
	}
	if err := s.repo.DeactivateDepartment(ctx, deptID); err != nil {
		return fmt.Errorf("deactivate department %s: %w", deptID, err)
	}
	s.logger.Info("department deactivated", zap.String("department_id", deptID.String()))
	return nil
}
