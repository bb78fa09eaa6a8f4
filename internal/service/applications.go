package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loan-portal/internal/metrics"
	"github.com/mmeshcher/loan-portal/internal/model"
	"github.com/mmeshcher/loan-portal/internal/repository"
	"github.com/mmeshcher/loan-portal/internal/validation"
	"github.com/mmeshcher/loan-portal/internal/workflow"
)

// SubmitInput содержит поля новой заявки в том виде, в каком они пришли от клиента.
type SubmitInput struct {
	Type          string
	ApplicantName string
	Address       string
	BankID        string
	BranchID      string
	Description   string
}

// TransitionInput описывает запрос на смену статуса заявки.
type TransitionInput struct {
	ApplicationID   uuid.UUID
	Action          model.Action
	Reason          string
	DisbursementRef string
}

// SubmitApplication создаёт заявку от имени отдела пользователя.
func (s *Service) SubmitApplication(ctx context.Context, id model.Identity, in SubmitInput) (*model.Application, error) {
	if id.Role != model.RoleDepartment || id.DepartmentID == nil {
		return nil, fmt.Errorf("%w: only departments can submit applications", workflow.ErrUnauthorized)
	}
	if err := s.requireActiveOwner(ctx, id); err != nil {
		return nil, err
	}

	v := &validation.Error{}
	appType := v.ApplicationType("type", in.Type)
	name := v.Required("applicantName", in.ApplicantName)
	address := v.Required("address", in.Address)
	bankID := v.ID("bankId", in.BankID)
	branchID := v.ID("branchId", in.BranchID)
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

	branch, err := s.repo.GetBranch(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branchID, err)
	}
	if !branch.Active {
		return nil, fmt.Errorf("branch %s: %w", branchID, repository.ErrNotFound)
	}
	if branch.BankID != bank.ID {
		return nil, validation.New("branchId", "branch does not belong to the selected bank")
	}

	now := s.now()
	dept := *id.DepartmentID
	app := &model.Application{
		ID:            uuid.New(),
		Type:          appType,
		ApplicantName: name,
		Address:       address,
		Description:   strings.TrimSpace(in.Description),
		BankID:        bank.ID,
		BranchID:      branch.ID,
		DepartmentID:  &dept,
		SubmittedBy:   id.SubjectID,
		Status:        model.StatusSubmitted,
		History: []model.HistoryEntry{{
			At:     now,
			By:     id.Username,
			Action: model.ActionSubmitted,
		}},
		CreatedAt: now,
	}

	if err := s.repo.InsertApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("insert application: %w", err)
	}

	s.metrics.ObserveSubmit()
	s.logger.Info("application submitted",
		zap.String("application_id", app.ID.String()),
		zap.String("department_id", dept.String()),
		zap.String("branch_id", branch.ID.String()),
	)

	return app, nil
}

// ListApplications возвращает заявки, видимые пользователю, от новых к старым.
// Анонимному пользователю возвращается пустой список.
func (s *Service) ListApplications(ctx context.Context, id model.Identity, status *model.Status) ([]model.Application, error) {
	apps, err := s.repo.FindApplications(ctx, VisibilityFilter(id, status))
	if err != nil {
		return nil, fmt.Errorf("find applications: %w", err)
	}
	if apps == nil {
		apps = []model.Application{}
	}
	return apps, nil
}

// GetApplication возвращает заявку, если она видна пользователю.
// Невидимая заявка неотличима от отсутствующей.
func (s *Service) GetApplication(ctx context.Context, id model.Identity, appID uuid.UUID) (*model.Application, error) {
	if err := requireSession(id); err != nil {
		return nil, err
	}

	app, err := s.visibleApplication(ctx, id, appID)
	if err != nil {
		return nil, err
	}

	if status, err := workflow.Replay(app.History); err != nil || status != app.Status {
		s.logger.Warn("application history does not match status",
			zap.String("application_id", app.ID.String()),
			zap.String("status", string(app.Status)),
			zap.Error(err),
		)
	}

	return app, nil
}

func (s *Service) visibleApplication(ctx context.Context, id model.Identity, appID uuid.UUID) (*model.Application, error) {
	app, err := s.repo.FindApplication(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("application %s: %w", appID, err)
	}
	if !VisibilityFilter(id, nil).Matches(app) {
		return nil, fmt.Errorf("application %s: %w", appID, repository.ErrNotFound)
	}
	return app, nil
}

// Transition выполняет действие над заявкой. Порядок проверок: действие, роль,
// активность отдела или отделения, видимость заявки, текущий статус. Статус меняется условным обновлением,
// поэтому из двух одновременных запросов успешен только один.
func (s *Service) Transition(ctx context.Context, id model.Identity, in TransitionInput) error {
	rule, err := workflow.Lookup(in.Action)
	if err != nil {
		return validation.New("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	action := string(rule.Action)

	if err := rule.Authorize(id); err != nil {
		s.metrics.ObserveTransition(action, metrics.OutcomeUnauthorized)
		return err
	}
	if err := s.requireActiveOwner(ctx, id); err != nil {
		if errors.Is(err, workflow.ErrUnauthorized) {
			s.metrics.ObserveTransition(action, metrics.OutcomeUnauthorized)
		} else {
			s.metrics.ObserveTransition(action, metrics.OutcomeError)
		}
		return err
	}

	app, err := s.visibleApplication(ctx, id, in.ApplicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveTransition(action, metrics.OutcomeNotFound)
		} else {
			s.metrics.ObserveTransition(action, metrics.OutcomeError)
		}
		return err
	}

	if err := rule.Check(app.Status); err != nil {
		s.metrics.ObserveTransition(action, metrics.OutcomeInvalidTransition)
		return err
	}

	entry := rule.Entry(id, s.now(), workflow.Params{
		Reason:          in.Reason,
		DisbursementRef: in.DisbursementRef,
	})
	patch := repository.ApplicationPatch{
		Status: rule.To,
		Entry:  entry,
	}
	if entry.DisbursementRef != "" {
		ref := entry.DisbursementRef
		patch.DisbursementRef = &ref
	}

	ok, err := s.repo.ConditionalUpdate(ctx, app.ID, app.Status, patch)
	if err != nil {
		s.metrics.ObserveTransition(action, metrics.OutcomeError)
		return fmt.Errorf("update application %s: %w", app.ID, err)
	}
	if !ok {
		s.metrics.ObserveTransition(action, metrics.OutcomeInvalidTransition)
		s.logger.Warn("application status changed concurrently",
			zap.String("application_id", app.ID.String()),
			zap.String("action", action),
			zap.String("expected", string(app.Status)),
		)
		return fmt.Errorf("%w: application %s changed concurrently", workflow.ErrInvalidTransition, app.ID)
	}

	s.metrics.ObserveTransition(action, metrics.OutcomeOK)
	s.logger.Info("application status changed",
		zap.String("application_id", app.ID.String()),
		zap.String("action", action),
		zap.String("from", string(app.Status)),
		zap.String("to", string(rule.To)),
		zap.String("by", id.Username),
	)

	return nil
}

// DepartmentSummary возвращает количество заявок по отделам и статусам.
// Доступно только администратору.
func (s *Service) DepartmentSummary(ctx context.Context, id model.Identity) ([]model.DepartmentSummary, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}

	departments, err := s.repo.ListDepartments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	counts, err := s.repo.CountByDepartment(ctx)
	if err != nil {
		return nil, fmt.Errorf("count applications: %w", err)
	}

	byDept := make(map[uuid.UUID]*model.DepartmentSummary, len(departments))
	res := make([]model.DepartmentSummary, len(departments))
	for i, d := range departments {
		res[i] = model.DepartmentSummary{
			Department: d,
			Counts:     make(map[model.Status]int, len(model.Statuses)),
		}
		for _, st := range model.Statuses {
			res[i].Counts[st] = 0
		}
		byDept[d.ID] = &res[i]
	}

	for _, c := range counts {
		sum, ok := byDept[c.DepartmentID]
		if !ok {
			continue
		}
		sum.Counts[c.Status] += c.Count
		sum.Total += c.Count
	}

	slices.SortStableFunc(res, func(a, b model.DepartmentSummary) int {
		if a.Total != b.Total {
			return b.Total - a.Total
		}
		return strings.Compare(a.Department.Name, b.Department.Name)
	})

	return res, nil
}
