package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mmeshcher/loan-portal/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu           sync.RWMutex
	users        map[uuid.UUID]*model.User
	departments  map[uuid.UUID]*model.Department
	banks        map[uuid.UUID]*model.Bank
	branches     map[uuid.UUID]*model.Branch
	applications map[uuid.UUID]*model.Application
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[uuid.UUID]*model.User),
		departments:  make(map[uuid.UUID]*model.Department),
		banks:        make(map[uuid.UUID]*model.Bank),
		branches:     make(map[uuid.UUID]*model.Branch),
		applications: make(map[uuid.UUID]*model.Application),
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// Ping всегда успешен.
func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepository) usernameTaken(username string, except uuid.UUID) bool {
	for _, u := range m.users {
		if u.Username == username && u.ID != except {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) userOf(role model.Role, owner uuid.UUID) *model.User {
	for _, u := range m.users {
		if u.Role != role {
			continue
		}
		if role == model.RoleDepartment && u.DepartmentID != nil && *u.DepartmentID == owner {
			return u
		}
		if role == model.RoleBranch && u.BranchID != nil && *u.BranchID == owner {
			return u
		}
	}
	return nil
}

// CreateUser создаёт учётную запись.
func (m *MemoryRepository) CreateUser(ctx context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usernameTaken(u.Username, uuid.Nil) {
		return fmt.Errorf("%w: username %s", ErrConflict, u.Username)
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// GetUserByLogin возвращает активную учётную запись с указанной ролью и логином.
func (m *MemoryRepository) GetUserByLogin(ctx context.Context, role model.Role, username string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username && u.Role == role && u.Active {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateDepartment создаёт отдел вместе с его учётной записью.
func (m *MemoryRepository) CreateDepartment(ctx context.Context, d *model.Department, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.departments {
		if existing.Name == d.Name {
			return fmt.Errorf("%w: department %s", ErrConflict, d.Name)
		}
	}
	if m.usernameTaken(u.Username, uuid.Nil) {
		return fmt.Errorf("%w: username %s", ErrConflict, u.Username)
	}

	dc := *d
	dc.Username = u.Username
	m.departments[d.ID] = &dc

	uc := *u
	uc.Role = model.RoleDepartment
	deptID := d.ID
	uc.DepartmentID = &deptID
	m.users[u.ID] = &uc
	return nil
}

func (m *MemoryRepository) departmentCopy(d *model.Department) model.Department {
	cp := *d
	if u := m.userOf(model.RoleDepartment, d.ID); u != nil {
		cp.Username = u.Username
	}
	return cp
}

// ListDepartments возвращает активные отделы, отсортированные по названию.
func (m *MemoryRepository) ListDepartments(ctx context.Context) ([]model.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Department
	for _, d := range m.departments {
		if d.Active {
			res = append(res, m.departmentCopy(d))
		}
	}
	slices.SortFunc(res, func(a, b model.Department) int { return strings.Compare(a.Name, b.Name) })
	return res, nil
}

// GetDepartment возвращает отдел по идентификатору, включая неактивные.
func (m *MemoryRepository) GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.departments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.departmentCopy(d)
	return &cp, nil
}

// UpdateDepartment частично обновляет отдел и синхронно его учётную запись.
func (m *MemoryRepository) UpdateDepartment(ctx context.Context, id uuid.UUID, p DepartmentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.departments[id]
	if !ok {
		return ErrNotFound
	}
	u := m.userOf(model.RoleDepartment, id)

	if p.Name != nil {
		for _, other := range m.departments {
			if other.ID != id && other.Name == *p.Name {
				return fmt.Errorf("%w: department %s", ErrConflict, *p.Name)
			}
		}
	}
	if p.Username != nil && u != nil && m.usernameTaken(*p.Username, u.ID) {
		return fmt.Errorf("%w: username %s", ErrConflict, *p.Username)
	}

	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Code != nil {
		d.Code = nullIfEmpty(*p.Code)
	}
	if p.Description != nil {
		d.Description = nullIfEmpty(*p.Description)
	}
	if p.Active != nil {
		d.Active = *p.Active
	}
	if u != nil {
		if p.Username != nil {
			u.Username = *p.Username
		}
		if p.PasswordHash != nil {
			u.PasswordHash = p.PasswordHash
		}
		if p.Active != nil {
			u.Active = *p.Active
		}
	}
	return nil
}

// DeactivateDepartment помечает отдел удалённым и отключает его учётную запись.
func (m *MemoryRepository) DeactivateDepartment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.departments[id]
	if !ok {
		return ErrNotFound
	}
	d.Active = false
	if u := m.userOf(model.RoleDepartment, id); u != nil {
		u.Active = false
	}
	return nil
}

// CreateBank создаёт банк.
func (m *MemoryRepository) CreateBank(ctx context.Context, b *model.Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.banks {
		if existing.Name == b.Name || (b.Code != nil && existing.Code != nil && *existing.Code == *b.Code) {
			return fmt.Errorf("%w: bank %s", ErrConflict, b.Name)
		}
	}
	cp := *b
	m.banks[b.ID] = &cp
	return nil
}

// ListBanks возвращает активные банки.
func (m *MemoryRepository) ListBanks(ctx context.Context) ([]model.Bank, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Bank
	for _, b := range m.banks {
		if b.Active {
			res = append(res, *b)
		}
	}
	slices.SortFunc(res, func(a, b model.Bank) int { return strings.Compare(a.Name, b.Name) })
	return res, nil
}

// GetBank возвращает банк по идентификатору, включая неактивные.
func (m *MemoryRepository) GetBank(ctx context.Context, id uuid.UUID) (*model.Bank, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.banks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// DeactivateBank помечает банк удалённым вместе с его отделениями и их учётными записями.
func (m *MemoryRepository) DeactivateBank(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.banks[id]
	if !ok {
		return ErrNotFound
	}
	b.Active = false

	for _, br := range m.branches {
		if br.BankID != id {
			continue
		}
		br.Active = false
		if u := m.userOf(model.RoleBranch, br.ID); u != nil {
			u.Active = false
		}
	}
	return nil
}

// CreateBranch создаёт отделение вместе с его учётной записью.
func (m *MemoryRepository) CreateBranch(ctx context.Context, b *model.Branch, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.banks[b.BankID]; !ok {
		return fmt.Errorf("insert branch: bank %s: %w", b.BankID, ErrNotFound)
	}
	for _, existing := range m.branches {
		if existing.BankID == b.BankID && existing.Name == b.Name {
			return fmt.Errorf("%w: branch %s", ErrConflict, b.Name)
		}
		if b.Code != nil && existing.Code != nil && *existing.Code == *b.Code {
			return fmt.Errorf("%w: branch code %s", ErrConflict, *b.Code)
		}
	}
	if m.usernameTaken(u.Username, uuid.Nil) {
		return fmt.Errorf("%w: username %s", ErrConflict, u.Username)
	}

	bc := *b
	bc.Username = u.Username
	m.branches[b.ID] = &bc

	uc := *u
	uc.Role = model.RoleBranch
	branchID := b.ID
	uc.BranchID = &branchID
	m.users[u.ID] = &uc
	return nil
}

func (m *MemoryRepository) branchCopy(b *model.Branch) model.Branch {
	cp := *b
	if u := m.userOf(model.RoleBranch, b.ID); u != nil {
		cp.Username = u.Username
	}
	return cp
}

// ListBranches возвращает активные отделения, при необходимости только указанного банка.
func (m *MemoryRepository) ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Branch
	for _, b := range m.branches {
		if !b.Active || (bankID != nil && b.BankID != *bankID) {
			continue
		}
		res = append(res, m.branchCopy(b))
	}
	slices.SortFunc(res, func(a, b model.Branch) int { return strings.Compare(a.Name, b.Name) })
	return res, nil
}

// GetBranch возвращает отделение по идентификатору, включая неактивные.
func (m *MemoryRepository) GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.branchCopy(b)
	return &cp, nil
}

// UpdateBranchCredentials меняет логин и пароль учётной записи отделения.
func (m *MemoryRepository) UpdateBranchCredentials(ctx context.Context, id uuid.UUID, username string, passwordHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.userOf(model.RoleBranch, id)
	if u == nil {
		return ErrNotFound
	}
	if m.usernameTaken(username, u.ID) {
		return fmt.Errorf("%w: username %s", ErrConflict, username)
	}
	u.Username = username
	u.PasswordHash = passwordHash
	return nil
}

// DeactivateBranch помечает отделение удалённым и отключает его учётную запись.
func (m *MemoryRepository) DeactivateBranch(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[id]
	if !ok {
		return ErrNotFound
	}
	b.Active = false
	if u := m.userOf(model.RoleBranch, id); u != nil {
		u.Active = false
	}
	return nil
}

func copyApplication(a *model.Application) model.Application {
	cp := *a
	cp.History = slices.Clone(a.History)
	if a.DisbursementRef != nil {
		ref := *a.DisbursementRef
		cp.DisbursementRef = &ref
	}
	if a.DepartmentID != nil {
		id := *a.DepartmentID
		cp.DepartmentID = &id
	}
	return cp
}

// InsertApplication сохраняет новую заявку вместе с первой записью истории.
func (m *MemoryRepository) InsertApplication(ctx context.Context, a *model.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[a.ID]; ok {
		return fmt.Errorf("%w: application %s", ErrConflict, a.ID)
	}
	cp := copyApplication(a)
	m.applications[a.ID] = &cp
	return nil
}

// FindApplications возвращает заявки, подходящие под фильтр, от новых к старым.
func (m *MemoryRepository) FindApplications(ctx context.Context, f ApplicationFilter) ([]model.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Application
	for _, a := range m.applications {
		if f.Matches(a) {
			res = append(res, copyApplication(a))
		}
	}
	slices.SortFunc(res, func(a, b model.Application) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return res, nil
}

// FindApplication возвращает заявку по идентификатору.
func (m *MemoryRepository) FindApplication(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.applications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyApplication(a)
	return &cp, nil
}

// ConditionalUpdate применяет переход, только если статус заявки всё ещё равен expected.
func (m *MemoryRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected model.Status, p ApplicationPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.applications[id]
	if !ok || a.Status != expected {
		return false, nil
	}

	a.Status = p.Status
	if p.DisbursementRef != nil {
		ref := *p.DisbursementRef
		a.DisbursementRef = &ref
	}
	a.History = append(a.History, p.Entry)
	return true, nil
}

// CountByDepartment возвращает количество заявок по отделам и статусам.
func (m *MemoryRepository) CountByDepartment(ctx context.Context) ([]StatusCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		dept   uuid.UUID
		status model.Status
	}
	counts := make(map[key]int)
	for _, a := range m.applications {
		if a.DepartmentID == nil {
			continue
		}
		counts[key{*a.DepartmentID, a.Status}]++
	}

	res := make([]StatusCount, 0, len(counts))
	for k, n := range counts {
		res = append(res, StatusCount{DepartmentID: k.dept, Status: k.status, Count: n})
	}
	return res, nil
}
