package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/loan-portal/internal/model"
)

const applicationColumns = `id, type, applicant_name, address, description, bank_id, branch_id,
	department_id, submitted_by, status, disbursement_ref, history, created_at`

func scanApplication(row pgx.Row) (*model.Application, error) {
	var (
		a      model.Application
		typ    string
		status string
	)
	err := row.Scan(&a.ID, &typ, &a.ApplicantName, &a.Address, &a.Description, &a.BankID, &a.BranchID,
		&a.DepartmentID, &a.SubmittedBy, &status, &a.DisbursementRef, &a.History, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = model.ApplicationType(typ)
	a.Status = model.Status(status)
	return &a, nil
}

// InsertApplication сохраняет новую заявку вместе с первой записью истории.
func (r *PostgresRepository) InsertApplication(ctx context.Context, a *model.Application) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO applications (id, type, applicant_name, address, description, bank_id, branch_id,
			department_id, submitted_by, status, history, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)`,
		a.ID, string(a.Type), a.ApplicantName, a.Address, a.Description, a.BankID, a.BranchID,
		a.DepartmentID, a.SubmittedBy, string(a.Status), a.History, a.CreatedAt,
	)
	if err != nil {
		return classify("insert application", err)
	}
	return nil
}

// FindApplications возвращает заявки, подходящие под фильтр, от новых к старым.
func (r *PostgresRepository) FindApplications(ctx context.Context, f ApplicationFilter) ([]model.Application, error) {
	if f.MatchNone {
		return nil, nil
	}

	var (
		conds []string
		args  []any
	)
	where := func(column string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.DepartmentID != nil {
		where("department_id", *f.DepartmentID)
	}
	if f.BranchID != nil {
		where("branch_id", *f.BranchID)
	}
	if f.Status != nil {
		where("status", string(*f.Status))
	}

	query := `SELECT ` + applicationColumns + ` FROM applications`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	var res []model.Application
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			a, err := scanApplication(rows)
			if err != nil {
				return err
			}
			res = append(res, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("select applications", err)
	}
	return res, nil
}

// FindApplication возвращает заявку по идентификатору.
func (r *PostgresRepository) FindApplication(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	var a *model.Application
	err := r.withRetry(ctx, func() error {
		var err error
		a, err = scanApplication(r.pool.QueryRow(ctx,
			`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("select application", err)
	}
	return a, nil
}

// ConditionalUpdate применяет переход, только если статус заявки всё ещё равен expected.
// Статус, ссылка на выплату и запись истории меняются одним оператором UPDATE.
// Возвращает false без ошибки, если заявку уже перевёл другой запрос.
func (r *PostgresRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected model.Status, p ApplicationPatch) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE applications
		 SET status = $3,
		     disbursement_ref = COALESCE($4, disbursement_ref),
		     history = history || jsonb_build_array($5::jsonb)
		 WHERE id = $1 AND status = $2`,
		id, string(expected), string(p.Status), p.DisbursementRef, p.Entry,
	)
	if err != nil {
		return false, classify("update application", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByDepartment возвращает количество заявок по отделам и статусам.
func (r *PostgresRepository) CountByDepartment(ctx context.Context) ([]StatusCount, error) {
	var res []StatusCount
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT department_id, status, count(*)
			 FROM applications
			 WHERE department_id IS NOT NULL
			 GROUP BY department_id, status`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				c      StatusCount
				status string
			)
			if err := rows.Scan(&c.DepartmentID, &status, &c.Count); err != nil {
				return err
			}
			c.Status = model.Status(status)
			res = append(res, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("count applications", err)
	}
	return res, nil
}
