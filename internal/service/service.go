// Package service реализует бизнес-логику портала кредитных заявок.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/loan-portal/internal/metrics"
	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/validation"
	"github.com/mmeshcher/loan-portal/internal/workflow"
)

// ErrInvalidCredentials возвращается при неудачной попытке входа.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ApplicationRepository описывает хранилище заявок.
type ApplicationRepository interface {
	InsertApplication(ctx context.Context, a *model.Application) error
	FindApplications(ctx context.Context, f repository.ApplicationFilter) ([]model.Application, error)
	FindApplication(ctx context.Context, id uuid.UUID) (*model.Application, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected model.Status, p repository.ApplicationPatch) (bool, error)
	CountByDepartment(ctx context.Context) ([]repository.StatusCount, error)
}

// DirectoryRepository описывает хранилище справочников банков, отделений и отделов.
type DirectoryRepository interface {
	CreateDepartment(ctx context.Context, d *model.Department, u *model.User) error
	ListDepartments(ctx context.Context) ([]model.Department, error)
	GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error)
	UpdateDepartment(ctx context.Context, id uuid.UUID, p repository.DepartmentPatch) error
	DeactivateDepartment(ctx context.Context, id uuid.UUID) error

	CreateBank(ctx context.Context, b *model.Bank) error
	ListBanks(ctx context.Context) ([]model.Bank, error)
	GetBank(ctx context.Context, id uuid.UUID) (*model.Bank, error)
	DeactivateBank(ctx context.Context, id uuid.UUID) error

	CreateBranch(ctx context.Context, b *model.Branch, u *model.User) error
	ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error)
	GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error)
	UpdateBranchCredentials(ctx context.Context, id uuid.UUID, username string, passwordHash []byte) error
	DeactivateBranch(ctx context.Context, id uuid.UUID) error
}

// IdentityRepository описывает хранилище учётных записей.
type IdentityRepository interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByLogin(ctx context.Context, role model.Role, username string) (*model.User, error)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	ApplicationRepository
	DirectoryRepository
	IdentityRepository
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*repository.PostgresRepository)(nil)
	_ Repository = (*repository.MemoryRepository)(nil)
)

// Service содержит бизнес-логику портала.
type Service struct {
	repo       Repository
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	bcryptCost int
}

// NewService создаёт новый сервис. Метрики могут быть nil.
func NewService(repo Repository, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		logger:     logger,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Login проверяет логин и пароль для указанной роли и возвращает контекст пользователя.
func (s *Service) Login(ctx context.Context, role model.Role, username, password string) (model.Identity, error) {
	if !role.Valid() || username == "" || password == "" {
		return model.Identity{}, ErrInvalidCredentials
	}

	u, err := s.repo.GetUserByLogin(ctx, role, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Identity{}, ErrInvalidCredentials
		}
		return model.Identity{}, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return model.Identity{}, ErrInvalidCredentials
	}

	return u.Identity(), nil
}

// EnsureAdmin создаёт учётную запись администратора, если её ещё нет.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	v := &validation.Error{}
	username = v.Required("username", username)
	s.checkPassword(v, password)
	if err := v.Err(); err != nil {
		return err
	}

	_, err := s.repo.GetUserByLogin(ctx, model.RoleAdmin, username)
	if err == nil {
		s.logger.Info("admin account already exists", zap.String("username", username))
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return err
	}

	u := &model.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		Active:       true,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	s.logger.Info("admin account created", zap.String("username", username))
	return nil
}

func (s *Service) hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// bcrypt учитывает только первые 72 байта пароля.
func (s *Service) checkPassword(v *validation.Error, password string) {
	switch {
	case password == "":
		v.Add("password", "is required")
	case len(password) > 72:
		v.Add("password", "must be at most 72 bytes")
	}
}

func requireSession(id model.Identity) error {
	if id.IsAnonymous() {
		return fmt.Errorf("%w: anonymous access", workflow.ErrUnauthorized)
	}
	return nil
}

func requireAdmin(id model.Identity) error {
	if id.Role != model.RoleAdmin {
		return fmt.Errorf("%w: admin role required", workflow.ErrUnauthorized)
	}
	return nil
}
