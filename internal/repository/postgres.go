package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/loan-portal/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию чтения при временных ошибках БД.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// classify приводит ошибку драйвера к ошибкам пакета.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	if isConnectionError(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет соединение с БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CreateUser создаёт учётную запись.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, department_id, branch_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.DepartmentID, u.BranchID, u.Active, u.CreatedAt,
	)
	if err != nil {
		return classify("create user", err)
	}
	return nil
}

// GetUserByLogin возвращает активную учётную запись с указанной ролью и логином.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, role model.Role, username string) (*model.User, error) {
	var u model.User
	err := r.withRetry(ctx, func() error {
		var roleStr string
		err := r.pool.QueryRow(ctx,
			`SELECT id, username, password_hash, role, department_id, branch_id, active, created_at
			 FROM users
			 WHERE username = $1 AND role = $2 AND active`,
			username, string(role),
		).Scan(&u.ID, &u.Username, &u.PasswordHash, &roleStr, &u.DepartmentID, &u.BranchID, &u.Active, &u.CreatedAt)
		u.Role = model.Role(roleStr)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get user", err)
	}
	return &u, nil
}

// CreateDepartment создаёт отдел вместе с его учётной записью.
func (r *PostgresRepository) CreateDepartment(ctx context.Context, d *model.Department, u *model.User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO departments (id, name, code, description, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Name, d.Code, d.Description, d.Active, d.CreatedAt,
	)
	if err != nil {
		return classify("insert department", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, department_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, u.PasswordHash, string(model.RoleDepartment), d.ID, u.Active, u.CreatedAt,
	)
	if err != nil {
		return classify("insert department user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

const departmentColumns = `d.id, d.name, COALESCE(u.username, ''), d.code, d.description, d.active, d.created_at`

func scanDepartment(row pgx.Row) (*model.Department, error) {
	var d model.Department
	if err := row.Scan(&d.ID, &d.Name, &d.Username, &d.Code, &d.Description, &d.Active, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDepartments возвращает активные отделы, отсортированные по названию.
func (r *PostgresRepository) ListDepartments(ctx context.Context) ([]model.Department, error) {
	var res []model.Department
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+departmentColumns+`
			 FROM departments d
			 LEFT JOIN users u ON u.department_id = d.id AND u.role = 'department'
			 WHERE d.active
			 ORDER BY d.name`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			d, err := scanDepartment(rows)
			if err != nil {
				return err
			}
			res = append(res, *d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("list departments", err)
	}
	return res, nil
}

// GetDepartment возвращает отдел по идентификатору, включая неактивные.
func (r *PostgresRepository) GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error) {
	var d *model.Department
	err := r.withRetry(ctx, func() error {
		var err error
		d, err = scanDepartment(r.pool.QueryRow(ctx,
			`SELECT `+departmentColumns+`
			 FROM departments d
			 LEFT JOIN users u ON u.department_id = d.id AND u.role = 'department'
			 WHERE d.id = $1`,
			id,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get department", err)
	}
	return d, nil
}

// UpdateDepartment частично обновляет отдел и синхронно его учётную запись.
func (r *PostgresRepository) UpdateDepartment(ctx context.Context, id uuid.UUID, p DepartmentPatch) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM departments WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return classify("lock department", err)
	}

	sets, args := []string{}, []any{id}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Code != nil {
		set("code", nullIfEmpty(*p.Code))
	}
	if p.Description != nil {
		set("description", nullIfEmpty(*p.Description))
	}
	if p.Active != nil {
		set("active", *p.Active)
	}
	if len(sets) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE departments SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...); err != nil {
			return classify("update department", err)
		}
	}

	sets, args = []string{}, []any{id}
	if p.Username != nil {
		set("username", *p.Username)
	}
	if p.PasswordHash != nil {
		set("password_hash", p.PasswordHash)
	}
	if p.Active != nil {
		set("active", *p.Active)
	}
	if len(sets) > 0 {
		_, err := tx.Exec(ctx,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE department_id = $1 AND role = 'department'`,
			args...,
		)
		if err != nil {
			return classify("update department user", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

// DeactivateDepartment помечает отдел удалённым и отключает его учётную запись.
func (r *PostgresRepository) DeactivateDepartment(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE departments SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return classify("deactivate department", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET active = FALSE WHERE department_id = $1 AND role = 'department'`, id); err != nil {
		return classify("deactivate department user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

// CreateBank создаёт банк.
func (r *PostgresRepository) CreateBank(ctx context.Context, b *model.Bank) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO banks (id, name, code, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Name, b.Code, b.Active, b.CreatedAt,
	)
	if err != nil {
		return classify("insert bank", err)
	}
	return nil
}

// ListBanks возвращает активные банки.
func (r *PostgresRepository) ListBanks(ctx context.Context) ([]model.Bank, error) {
	var res []model.Bank
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, name, code, active, created_at FROM banks WHERE active ORDER BY name`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var b model.Bank
			if err := rows.Scan(&b.ID, &b.Name, &b.Code, &b.Active, &b.CreatedAt); err != nil {
				return err
			}
			res = append(res, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("list banks", err)
	}
	return res, nil
}

// GetBank возвращает банк по идентификатору, включая неактивные.
func (r *PostgresRepository) GetBank(ctx context.Context, id uuid.UUID) (*model.Bank, error) {
	var b model.Bank
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, name, code, active, created_at FROM banks WHERE id = $1`, id,
		).Scan(&b.ID, &b.Name, &b.Code, &b.Active, &b.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get bank", err)
	}
	return &b, nil
}

// DeactivateBank помечает банк удалённым вместе с его отделениями и их учётными записями.
func (r *PostgresRepository) DeactivateBank(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE banks SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return classify("deactivate bank", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET active = FALSE
		 WHERE role = 'branch' AND branch_id IN (SELECT id FROM branches WHERE bank_id = $1)`,
		id,
	)
	if err != nil {
		return classify("deactivate branch users", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE branches SET active = FALSE WHERE bank_id = $1`, id); err != nil {
		return classify("deactivate branches", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

// CreateBranch создаёт отделение вместе с его учётной записью.
func (r *PostgresRepository) CreateBranch(ctx context.Context, b *model.Branch, u *model.User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO branches (id, bank_id, name, code, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.BankID, b.Name, b.Code, b.Active, b.CreatedAt,
	)
	if err != nil {
		return classify("insert branch", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, branch_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, u.PasswordHash, string(model.RoleBranch), b.ID, u.Active, u.CreatedAt,
	)
	if err != nil {
		return classify("insert branch user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

const branchColumns = `b.id, b.bank_id, b.name, b.code, COALESCE(u.username, ''), b.active, b.created_at`

func scanBranch(row pgx.Row) (*model.Branch, error) {
	var b model.Branch
	if err := row.Scan(&b.ID, &b.BankID, &b.Name, &b.Code, &b.Username, &b.Active, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBranches возвращает активные отделения, при необходимости только указанного банка.
func (r *PostgresRepository) ListBranches(ctx context.Context, bankID *uuid.UUID) ([]model.Branch, error) {
	query := `SELECT ` + branchColumns + `
		FROM branches b
		LEFT JOIN users u ON u.branch_id = b.id AND u.role = 'branch'
		WHERE b.active`
	args := []any{}
	if bankID != nil {
		query += ` AND b.bank_id = $1`
		args = append(args, *bankID)
	}
	query += ` ORDER BY b.name`

	var res []model.Branch
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			b, err := scanBranch(rows)
			if err != nil {
				return err
			}
			res = append(res, *b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("list branches", err)
	}
	return res, nil
}

// GetBranch возвращает отделение по идентификатору, включая неактивные.
func (r *PostgresRepository) GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error) {
	var b *model.Branch
	err := r.withRetry(ctx, func() error {
		var err error
		b, err = scanBranch(r.pool.QueryRow(ctx,
			`SELECT `+branchColumns+`
			 FROM branches b
			 LEFT JOIN users u ON u.branch_id = b.id AND u.role = 'branch'
			 WHERE b.id = $1`,
			id,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get branch", err)
	}
	return b, nil
}

// UpdateBranchCredentials меняет логин и пароль учётной записи отделения.
func (r *PostgresRepository) UpdateBranchCredentials(ctx context.Context, id uuid.UUID, username string, passwordHash []byte) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $2, password_hash = $3 WHERE branch_id = $1 AND role = 'branch'`,
		id, username, passwordHash,
	)
	if err != nil {
		return classify("update branch credentials", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateBranch помечает отделение удалённым и отключает его учётную запись.
func (r *PostgresRepository) DeactivateBranch(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE branches SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return classify("deactivate branch", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET active = FALSE WHERE branch_id = $1 AND role = 'branch'`, id); err != nil {
		return classify("deactivate branch user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
